package booking

import (
	"context"
	"errors"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
)

var errBoom = errors.New("boom")

// stubCRM records calls in order and answers from canned data.
type stubCRM struct {
	calls []string

	tickets    []crm.Ticket
	ticketsErr error

	desc     *crm.ClassDescription
	descErrs []error

	apps    []crm.ClientAppointment
	appsErr error

	bookStatuses []string
	bookErrs     []error
	bookReqs     []crm.BookRequest

	cancelErr error

	prices     []crm.PriceItem
	deposits   []crm.Deposit
	cart       *crm.Cart
	cartErr    error
	cartReqs   []crm.CartRequest
	payments   []crm.PaymentRequest
	paymentErr error
}

func (s *stubCRM) Tickets(_ context.Context, _, _ string) ([]crm.Ticket, error) {
	s.calls = append(s.calls, "tickets")
	return s.tickets, s.ticketsErr
}

func (s *stubCRM) ClassDescription(_ context.Context, _, id string) (*crm.ClassDescription, error) {
	s.calls = append(s.calls, "class_description")
	if len(s.descErrs) > 0 {
		err := s.descErrs[0]
		s.descErrs = s.descErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	d := *s.desc
	d.AppointmentID = crm.ID(id)
	return &d, nil
}

func (s *stubCRM) Appointments(_ context.Context, _ string, _ crm.AppointmentsQuery) ([]crm.ClientAppointment, error) {
	s.calls = append(s.calls, "appointments")
	return s.apps, s.appsErr
}

func (s *stubCRM) Book(_ context.Context, _ string, req crm.BookRequest) (*crm.BookResult, error) {
	s.calls = append(s.calls, "book")
	s.bookReqs = append(s.bookReqs, req)
	n := len(s.bookReqs) - 1
	if n < len(s.bookErrs) && s.bookErrs[n] != nil {
		return nil, s.bookErrs[n]
	}
	status := "planned"
	if n < len(s.bookStatuses) {
		status = s.bookStatuses[n]
	}
	return &crm.BookResult{Status: status}, nil
}

func (s *stubCRM) Cancel(_ context.Context, _, _ string) error {
	s.calls = append(s.calls, "cancel")
	return s.cancelErr
}

func (s *stubCRM) PriceList(_ context.Context, _ string) ([]crm.PriceItem, error) {
	s.calls = append(s.calls, "pricelist")
	return s.prices, nil
}

func (s *stubCRM) Deposits(_ context.Context, _ string) ([]crm.Deposit, error) {
	s.calls = append(s.calls, "deposits")
	return s.deposits, nil
}

func (s *stubCRM) CartCost(_ context.Context, _ string, req crm.CartRequest) (*crm.Cart, error) {
	s.calls = append(s.calls, "cart_cost")
	s.cartReqs = append(s.cartReqs, req)
	if s.cartErr != nil {
		return nil, s.cartErr
	}
	c := *s.cart
	return &c, nil
}

func (s *stubCRM) CreatePayment(_ context.Context, _ string, req crm.PaymentRequest) (*crm.PaymentResult, error) {
	s.calls = append(s.calls, "payment")
	s.payments = append(s.payments, req)
	if s.paymentErr != nil {
		return nil, s.paymentErr
	}
	return &crm.PaymentResult{TransactionID: "sale_test"}, nil
}

func (s *stubCRM) count(call string) int {
	n := 0
	for _, c := range s.calls {
		if c == call {
			n++
		}
	}
	return n
}

func amount(v float64) *crm.Amount {
	a := crm.Amount(v)
	return &a
}

func category(title string) []byte {
	return []byte(`{"id":"cat","title":"` + title + `"}`)
}
