// Package booking decides how a booking attempt is paid for and drives it to a terminal state.
package booking

import "github.com/napryag/fitness_portal_bot/pkg/crm"

// Usable reports whether a ticket may serve as the payment basis for a booking.
func Usable(t crm.Ticket) bool {
	if t.Status != "" && t.Status != crm.TicketActive {
		return false
	}
	if t.Type != crm.TicketMembership && t.Type != crm.TicketPackage {
		return false
	}
	if t.Count == nil || t.Count.Float() > 0 {
		return true
	}
	for _, s := range t.ServiceList {
		if s.Count == nil || s.Count.Float() > 0 {
			return true
		}
	}
	return false
}

// SelectTicket returns the first usable ticket in CRM order.
// ok == false means there is no entitlement and the client has to buy one.
func SelectTicket(tickets []crm.Ticket) (ticketID string, ok bool) {
	for _, t := range tickets {
		if Usable(t) {
			return string(t.TicketID), true
		}
	}
	return "", false
}

// HasActiveMembership reports whether the client holds any active membership at all.
func HasActiveMembership(tickets []crm.Ticket) bool {
	for _, t := range tickets {
		if t.Type == crm.TicketMembership && t.Status == crm.TicketActive {
			return true
		}
	}
	return false
}

// SummarizeMembership picks the ticket cached in the profile: the first active membership, else the first ticket.
func SummarizeMembership(tickets []crm.Ticket) (crm.Ticket, bool) {
	if len(tickets) == 0 {
		return crm.Ticket{}, false
	}
	for _, t := range tickets {
		if t.Type == crm.TicketMembership && t.Status == crm.TicketActive {
			return t, true
		}
	}
	return tickets[0], true
}
