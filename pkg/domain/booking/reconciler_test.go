package booking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
)

func openClass(free int) *crm.ClassDescription {
	return &crm.ClassDescription{
		Club:           crm.Ref{ID: "club-1"},
		Service:        crm.Ref{ID: "svc-1", Title: "Сайкл 45 мин ₽"},
		Room:           crm.Ref{ID: "room-1", Title: "Сайкл"},
		AvailableSlots: crm.SlotsOf(free),
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		result  AttemptResult
		attempt int
		want    Step
	}{
		{name: "success", result: AttemptResult{Status: "planned"}, attempt: 1, want: Step{State: StateConfirmedBooked, Terminal: true}},
		{name: "empty status is success", result: AttemptResult{}, attempt: 1, want: Step{State: StateConfirmedBooked, Terminal: true}},
		{name: "first temp", result: AttemptResult{Status: crm.StatusTemporarilyReserved}, attempt: 1, want: Step{Action: ActionCancelAndRetry, State: StateChecking}},
		{name: "second temp", result: AttemptResult{Status: crm.StatusTemporarilyReserved}, attempt: 2, want: Step{State: StateNeedsEntitlement, Terminal: true}},
		{name: "third temp never loops", result: AttemptResult{Status: crm.StatusTemporarilyReserved}, attempt: 3, want: Step{State: StateNeedsEntitlement, Terminal: true}},
		{name: "first failure", result: AttemptResult{Err: errBoom}, attempt: 1, want: Step{State: StateNeedsEntitlement, Terminal: true}},
		{name: "second failure", result: AttemptResult{Err: errBoom}, attempt: 2, want: Step{State: StateNeedsEntitlement, Terminal: true}},
		{name: "second success", result: AttemptResult{Status: "planned"}, attempt: 2, want: Step{State: StateConfirmedBooked, Terminal: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.result, tt.attempt))
		})
	}
}

func TestClassify(t *testing.T) {
	planned := &crm.ClientAppointment{AppointmentID: "a", Status: crm.StatusPlanned}
	canceled := &crm.ClientAppointment{AppointmentID: "a", Status: crm.StatusPlanned, ArrivalStatus: crm.StatusCanceled}

	tests := []struct {
		name string
		st   Status
		want State
	}{
		{name: "booked", st: Status{Link: planned, Free: crm.SlotsOf(0)}, want: StateConfirmedBooked},
		{name: "claimed booked but link canceled", st: Status{AlreadyBooked: true, Link: canceled, Free: crm.SlotsOf(4)}, want: StateNeedsCleanup},
		{name: "class canceled", st: Status{ClassCanceled: true, Free: crm.SlotsOf(4)}, want: StateNotBooked},
		{name: "planned link over unpaid hold", st: Status{Stuck: true, Link: planned, Free: crm.SlotsOf(3)}, want: StateNeedsCleanup},
		{name: "stuck hold", st: Status{Stuck: true, Free: crm.SlotsOf(4)}, want: StateNeedsCleanup},
		{name: "no places", st: Status{Free: crm.SlotsOf(0)}, want: StateNeedsEntitlement},
		{name: "unknown places", st: Status{}, want: StateNeedsEntitlement},
		{name: "unlimited", st: Status{Free: crm.UnlimitedSlots()}, want: StateNotBooked},
		{name: "bookable", st: Status{Free: crm.SlotsOf(2)}, want: StateNotBooked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.st))
		})
	}
}

func TestCheckIsIdempotent(t *testing.T) {
	cases := map[string]*stubCRM{
		"booked": {
			desc: openClass(3),
			apps: []crm.ClientAppointment{{AppointmentID: "a-1", Status: crm.StatusPlanned}},
		},
		"cleanup": {
			desc: openClass(3),
			apps: []crm.ClientAppointment{{AppointmentID: "a-1", Status: crm.StatusPlanned, ArrivalStatus: crm.StatusCancelled}},
		},
		"full": {desc: openClass(0)},
	}

	for name, gw := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewReconciler(gw)
			first, _, err := r.Check(context.Background(), "tok", "a-1")
			require.NoError(t, err)
			second, _, err := r.Check(context.Background(), "tok", "a-1")
			require.NoError(t, err)
			assert.Equal(t, first, second)
			assert.Zero(t, gw.count("book"))
			assert.Zero(t, gw.count("cancel"))
		})
	}
}

func TestReconcileAlreadyBooked(t *testing.T) {
	gw := &stubCRM{
		desc: openClass(0),
		apps: []crm.ClientAppointment{{AppointmentID: "a-1", Status: crm.StatusPlanned}},
	}

	out, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmedBooked, out.State)
	assert.True(t, out.AlreadyBooked)
	assert.Zero(t, gw.count("book"))
}

func TestReconcileAuthorityRule(t *testing.T) {
	desc := openClass(3)
	desc.AlreadyBooked = true
	gw := &stubCRM{
		desc:    desc,
		apps:    []crm.ClientAppointment{{AppointmentID: "a-1", Status: crm.StatusPlanned, ArrivalStatus: crm.StatusCanceled}},
		tickets: []crm.Ticket{{TicketID: "t-1", Type: crm.TicketMembership, Status: crm.TicketActive}},
	}

	out, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmedBooked, out.State)
	assert.False(t, out.AlreadyBooked)

	// cleanup cancel precedes the booking call
	cancelAt, bookAt := -1, -1
	for i, c := range gw.calls {
		if c == "cancel" && cancelAt < 0 {
			cancelAt = i
		}
		if c == "book" && bookAt < 0 {
			bookAt = i
		}
	}
	require.GreaterOrEqual(t, cancelAt, 0)
	assert.Less(t, cancelAt, bookAt)
	assert.Equal(t, "t-1", gw.bookReqs[0].TicketID)
	assert.Equal(t, "club-1", gw.bookReqs[0].ClubID)
}

func TestReconcileCleanupIgnoresCancelFailure(t *testing.T) {
	gw := &stubCRM{
		desc:      openClass(3),
		apps:      []crm.ClientAppointment{{AppointmentID: "a-1", Status: crm.StatusCanceled}},
		cancelErr: errBoom,
	}

	out, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmedBooked, out.State)
	assert.Equal(t, 1, gw.count("book"))
}

// An unpaid hold is released and booked again even when the list already shows it planned.
func TestReconcileReleasesUnpaidHold(t *testing.T) {
	desc := openClass(3)
	desc.Status = crm.StatusTemporarilyReserved
	gw := &stubCRM{
		desc: desc,
		apps: []crm.ClientAppointment{{AppointmentID: "a-1", Status: crm.StatusPlanned}},
	}

	out, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmedBooked, out.State)
	assert.False(t, out.AlreadyBooked)
	assert.Equal(t, 1, gw.count("cancel"))
	assert.GreaterOrEqual(t, gw.count("book"), 1)
}

func TestReconcileClassCanceled(t *testing.T) {
	desc := openClass(5)
	desc.Canceled = true
	gw := &stubCRM{desc: desc}

	out, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, StateNotBooked, out.State)
	assert.True(t, out.ClassCanceled)
	assert.Zero(t, gw.count("book"))
}

func TestReconcileZeroSlotsSkipsBooking(t *testing.T) {
	gw := &stubCRM{desc: openClass(0)}

	out, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, StateNeedsEntitlement, out.State)
	assert.Zero(t, gw.count("book"))
}

func TestReconcileRetryBound(t *testing.T) {
	gw := &stubCRM{
		desc:         openClass(3),
		bookStatuses: []string{crm.StatusTemporarilyReserved, crm.StatusTemporarilyReserved, "planned"},
	}

	out, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, StateNeedsEntitlement, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 2, gw.count("book"))
	assert.Equal(t, 1, gw.count("cancel"))
}

func TestReconcileRetrySucceeds(t *testing.T) {
	gw := &stubCRM{
		desc:         openClass(3),
		bookStatuses: []string{crm.StatusTemporarilyReserved, "planned"},
	}

	out, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmedBooked, out.State)
	assert.Equal(t, 2, out.Attempts)
}

func TestReconcileFailures(t *testing.T) {
	t.Run("first attempt fails outright", func(t *testing.T) {
		gw := &stubCRM{
			desc:     openClass(3),
			bookErrs: []error{&crm.Failure{Op: "client_to_class", Reason: "нет основания"}},
		}
		out, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
		require.NoError(t, err)
		assert.Equal(t, StateNeedsEntitlement, out.State)
		assert.Equal(t, "нет основания", out.Reason)
		assert.Equal(t, 1, gw.count("book"))
	})

	t.Run("retry fails outright", func(t *testing.T) {
		gw := &stubCRM{
			desc:         openClass(3),
			bookStatuses: []string{crm.StatusTemporarilyReserved},
			bookErrs:     []error{nil, errBoom},
		}
		out, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
		require.NoError(t, err)
		assert.Equal(t, StateNeedsEntitlement, out.State)
		assert.Equal(t, 2, gw.count("book"))
	})

	t.Run("description retried once", func(t *testing.T) {
		gw := &stubCRM{desc: openClass(3), descErrs: []error{errBoom}}
		out, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
		require.NoError(t, err)
		assert.Equal(t, StateConfirmedBooked, out.State)
		assert.Equal(t, 2, gw.count("class_description"))
	})

	t.Run("description unavailable", func(t *testing.T) {
		gw := &stubCRM{desc: openClass(3), descErrs: []error{errBoom, errBoom}}
		_, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
		require.ErrorIs(t, err, errBoom)
		assert.Zero(t, gw.count("book"))
	})

	t.Run("appointments unavailable", func(t *testing.T) {
		gw := &stubCRM{desc: openClass(3), appsErr: errBoom}
		_, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
		require.Error(t, err)
		assert.Zero(t, gw.count("book"))
	})

	t.Run("tickets unavailable", func(t *testing.T) {
		gw := &stubCRM{desc: openClass(3), ticketsErr: errBoom}
		out, err := NewReconciler(gw).Reconcile(context.Background(), "tok", Target{AppointmentID: "a-1"})
		require.NoError(t, err)
		assert.Equal(t, StateConfirmedBooked, out.State)
		assert.Empty(t, gw.bookReqs[0].TicketID)
	})
}

func TestUnbook(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		gw := &stubCRM{desc: openClass(3)}
		_, err := NewReconciler(gw).Unbook(context.Background(), "tok", "a-1")
		require.NoError(t, err)
		assert.Equal(t, 1, gw.count("cancel"))
	})

	t.Run("class canceled", func(t *testing.T) {
		desc := openClass(3)
		desc.Canceled = true
		gw := &stubCRM{desc: desc}
		_, err := NewReconciler(gw).Unbook(context.Background(), "tok", "a-1")
		require.ErrorIs(t, err, ErrClassCanceled)
		assert.Zero(t, gw.count("cancel"))
	})

	t.Run("cancel failure surfaced", func(t *testing.T) {
		gw := &stubCRM{desc: openClass(3), cancelErr: errBoom}
		_, err := NewReconciler(gw).Unbook(context.Background(), "tok", "a-1")
		require.ErrorIs(t, err, errBoom)
		assert.Equal(t, 1, gw.count("cancel"))
	})
}
