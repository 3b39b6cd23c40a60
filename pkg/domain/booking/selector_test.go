package booking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
)

func TestSelectTicket(t *testing.T) {
	tests := []struct {
		name    string
		tickets []crm.Ticket
		want    string
		ok      bool
	}{
		{
			name: "frozen and exhausted skipped",
			tickets: []crm.Ticket{
				{TicketID: "1", Type: crm.TicketMembership, Status: crm.TicketFrozen, Count: amount(5)},
				{TicketID: "2", Type: crm.TicketPackage, Status: crm.TicketActive, Count: amount(0)},
				{TicketID: "3", Type: crm.TicketPackage, Status: crm.TicketActive, Count: amount(3)},
			},
			want: "3",
			ok:   true,
		},
		{
			name: "unlimited count",
			tickets: []crm.Ticket{
				{TicketID: "u", Type: crm.TicketMembership, Status: crm.TicketActive},
			},
			want: "u",
			ok:   true,
		},
		{
			name: "missing status counts as active",
			tickets: []crm.Ticket{
				{TicketID: "s", Type: crm.TicketPackage, Count: amount(1)},
			},
			want: "s",
			ok:   true,
		},
		{
			name: "nested service with remaining uses",
			tickets: []crm.Ticket{
				{TicketID: "n", Type: crm.TicketPackage, Status: crm.TicketActive, Count: amount(0),
					ServiceList: []crm.TicketService{{ID: "a", Count: amount(0)}, {ID: "b", Count: amount(2)}}},
			},
			want: "n",
			ok:   true,
		},
		{
			name: "nested services exhausted",
			tickets: []crm.Ticket{
				{TicketID: "x", Type: crm.TicketPackage, Status: crm.TicketActive, Count: amount(0),
					ServiceList: []crm.TicketService{{ID: "a", Count: amount(0)}}},
			},
		},
		{
			name: "other kind ignored",
			tickets: []crm.Ticket{
				{TicketID: "d", Type: "deposit", Status: crm.TicketActive},
			},
		},
		{name: "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectTicket(tt.tickets)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMembership(t *testing.T) {
	tickets := []crm.Ticket{
		{TicketID: "p", Type: crm.TicketPackage, Status: crm.TicketActive},
		{TicketID: "m0", Type: crm.TicketMembership, Status: crm.TicketFrozen},
		{TicketID: "m1", Type: crm.TicketMembership, Status: crm.TicketActive},
	}
	assert.True(t, HasActiveMembership(tickets))
	assert.False(t, HasActiveMembership(tickets[:2]))

	got, ok := SummarizeMembership(tickets)
	assert.True(t, ok)
	assert.Equal(t, crm.ID("m1"), got.TicketID)

	got, ok = SummarizeMembership(tickets[:1])
	assert.True(t, ok)
	assert.Equal(t, crm.ID("p"), got.TicketID)

	_, ok = SummarizeMembership(nil)
	assert.False(t, ok)
}
