package booking

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

// ErrClassCanceled is returned by Unbook when the class itself no longer takes place.
var ErrClassCanceled = errs.New("class is canceled").Kind(errs.KindBusiness)

// Gateway is the subset of the CRM the reconciler talks to.
type Gateway interface {
	Tickets(ctx context.Context, token, kind string) ([]crm.Ticket, error)
	ClassDescription(ctx context.Context, token, appointmentID string) (*crm.ClassDescription, error)
	Appointments(ctx context.Context, token string, query crm.AppointmentsQuery) ([]crm.ClientAppointment, error)
	Book(ctx context.Context, token string, req crm.BookRequest) (*crm.BookResult, error)
	Cancel(ctx context.Context, token, appointmentID string) error
}

// State of one (client, appointment) pair. Never persisted.
type State int

const (
	StateUnknown State = iota
	StateChecking
	StateConfirmedBooked
	StateNotBooked
	StateNeedsCleanup
	StateNeedsEntitlement
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateConfirmedBooked:
		return "confirmed_booked"
	case StateNotBooked:
		return "not_booked"
	case StateNeedsCleanup:
		return "needs_cleanup"
	case StateNeedsEntitlement:
		return "needs_entitlement"
	default:
		return "unknown"
	}
}

// Status is the reconciled view of class-description and appointments-list for one appointment.
type Status struct {
	AppointmentID string
	ClubID        string
	ServiceID     string
	ClassCanceled bool
	// AlreadyBooked is what the class description claims. It is not authoritative.
	AlreadyBooked bool
	// Stuck is set when the class description reports a temporary hold awaiting payment.
	Stuck bool
	Free  crm.Slots
	// Link is the client's own appointments-list entry, nil when there is none.
	Link        *crm.ClientAppointment
	Description *crm.ClassDescription
}

// Booked applies the authority rule: only a live, planned appointments-list entry counts.
// An unpaid hold on the class is never a booking, whatever the list says.
func (s Status) Booked() bool {
	return !s.Stuck && s.Link != nil && !s.Link.Canceled() && s.Link.Status == crm.StatusPlanned
}

// Classify maps a Status onto a reconciler state. Bookable classes come out as StateNotBooked.
func Classify(s Status) State {
	switch {
	case s.Booked():
		return StateConfirmedBooked
	case s.ClassCanceled:
		return StateNotBooked
	case s.Link != nil || s.Stuck:
		return StateNeedsCleanup
	case !s.Free.Available():
		return StateNeedsEntitlement
	default:
		return StateNotBooked
	}
}

// MaxAttempts bounds booking calls per attempt: the first call plus one retry after cancel.
const MaxAttempts = 2

// Action is what the caller must do before the next booking call.
type Action int

const (
	ActionNone Action = iota
	ActionCancelAndRetry
)

// AttemptResult is the outcome of one booking call.
type AttemptResult struct {
	Status string
	Err    error
}

// Step is the transition chosen by Decide.
type Step struct {
	Action   Action
	State    State
	Terminal bool
}

// Decide is the transition function of the ambiguous-status retry loop. attempt starts at 1.
func Decide(r AttemptResult, attempt int) Step {
	switch {
	case r.Err != nil:
		return Step{State: StateNeedsEntitlement, Terminal: true}
	case r.Status != crm.StatusTemporarilyReserved:
		return Step{State: StateConfirmedBooked, Terminal: true}
	case attempt < MaxAttempts:
		return Step{Action: ActionCancelAndRetry, State: StateChecking}
	default:
		return Step{State: StateNeedsEntitlement, Terminal: true}
	}
}

// Target is the appointment a client wants to attend.
type Target struct {
	AppointmentID string
	// ClubID is used when the class description does not name a club.
	ClubID string
}

// Outcome is the terminal result of Reconcile or BookAfterPayment.
type Outcome struct {
	State  State
	Status Status
	// AlreadyBooked is set when nothing had to be done.
	AlreadyBooked bool
	ClassCanceled bool
	Attempts      int
	// Reason carries the CRM's reason for the last failed booking call.
	Reason string
}

type Reconciler struct {
	gw Gateway
}

func NewReconciler(gw Gateway) *Reconciler {
	return &Reconciler{gw: gw}
}

// Status fetches both booking sources and merges them under the authority rule.
func (r *Reconciler) Status(ctx context.Context, token, appointmentID string) (Status, error) {
	desc, err := r.gw.ClassDescription(ctx, token, appointmentID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("appointment_id", appointmentID).Msg("class description failed, retrying once")
		desc, err = r.gw.ClassDescription(ctx, token, appointmentID)
		if err != nil {
			return Status{}, errs.New("fetch class description").Arg("appointment_id", appointmentID).Wrap(err)
		}
	}

	apps, err := r.gw.Appointments(ctx, token, crm.AppointmentsQuery{})
	if err != nil {
		return Status{}, errs.New("fetch appointments").Arg("appointment_id", appointmentID).Wrap(err)
	}

	st := Status{
		AppointmentID: appointmentID,
		ClubID:        desc.ClubRef(),
		ServiceID:     string(desc.Service.ID),
		ClassCanceled: desc.Canceled,
		AlreadyBooked: desc.AlreadyBooked,
		Stuck:         desc.Status == crm.StatusTemporarilyReserved,
		Free:          desc.Free(),
		Link:          findLink(apps, appointmentID),
		Description:   desc,
	}
	return st, nil
}

// findLink prefers a live entry over canceled leftovers for the same appointment.
func findLink(apps []crm.ClientAppointment, appointmentID string) *crm.ClientAppointment {
	var found *crm.ClientAppointment
	for i := range apps {
		if string(apps[i].AppointmentID) != appointmentID {
			continue
		}
		if !apps[i].Canceled() {
			return &apps[i]
		}
		if found == nil {
			found = &apps[i]
		}
	}
	return found
}

// Check reports the current state without side effects.
func (r *Reconciler) Check(ctx context.Context, token, appointmentID string) (State, Status, error) {
	st, err := r.Status(ctx, token, appointmentID)
	if err != nil {
		return StateUnknown, Status{}, err
	}
	return Classify(st), st, nil
}

// Reconcile drives the appointment to ConfirmedBooked, NotBooked or NeedsEntitlement.
// An error means the state could not be established and no booking call was made.
func (r *Reconciler) Reconcile(ctx context.Context, token string, target Target) (Outcome, error) {
	logger := zerolog.Ctx(ctx).With().Str("appointment_id", target.AppointmentID).Logger()

	state, st, err := r.Check(ctx, token, target.AppointmentID)
	if err != nil {
		return Outcome{State: StateUnknown}, err
	}
	logger.Debug().Stringer("state", state).Str("free", st.Free.String()).Bool("already_booked", st.AlreadyBooked).Msg("booking status")

	out := Outcome{State: state, Status: st}
	switch state {
	case StateConfirmedBooked:
		out.AlreadyBooked = true
		return out, nil
	case StateNotBooked:
		if st.ClassCanceled {
			out.ClassCanceled = true
			return out, nil
		}
	case StateNeedsEntitlement:
		return out, nil
	case StateNeedsCleanup:
		// the CRM refuses to re-add a client still linked to the class, even in canceled state
		if err := r.gw.Cancel(ctx, token, target.AppointmentID); err != nil {
			logger.Warn().Err(err).Msg("cleanup cancel failed")
		}
		if fresh, err := r.Status(ctx, token, target.AppointmentID); err == nil {
			st.Free = fresh.Free
			st.ClassCanceled = fresh.ClassCanceled
			st.Description = fresh.Description
		} else {
			logger.Warn().Err(err).Msg("status refresh after cleanup failed")
		}
		out.Status = st
		if st.ClassCanceled {
			out.State = StateNotBooked
			out.ClassCanceled = true
			return out, nil
		}
		if !st.Free.Available() {
			out.State = StateNeedsEntitlement
			return out, nil
		}
	}

	req := crm.BookRequest{AppointmentID: target.AppointmentID, ClubID: st.ClubID}
	if req.ClubID == "" {
		req.ClubID = target.ClubID
	}
	req.TicketID = r.pickTicket(ctx, token)

	booked := r.attempt(ctx, token, req)
	booked.Status = st
	return booked, nil
}

// BookAfterPayment books again once a purchase went through, letting the CRM infer the basis.
func (r *Reconciler) BookAfterPayment(ctx context.Context, token string, target Target) Outcome {
	return r.attempt(ctx, token, crm.BookRequest{AppointmentID: target.AppointmentID, ClubID: target.ClubID})
}

// Unbook cancels the client's booking. Cancel failures are returned as is.
func (r *Reconciler) Unbook(ctx context.Context, token, appointmentID string) (*crm.ClassDescription, error) {
	desc, err := r.gw.ClassDescription(ctx, token, appointmentID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("appointment_id", appointmentID).Msg("class description before unbook failed")
		desc = nil
	}
	if desc != nil && desc.Canceled {
		return desc, ErrClassCanceled
	}
	if err := r.gw.Cancel(ctx, token, appointmentID); err != nil {
		return desc, err
	}
	return desc, nil
}

func (r *Reconciler) pickTicket(ctx context.Context, token string) string {
	tickets, err := r.gw.Tickets(ctx, token, "")
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("tickets unavailable, booking without ticket")
		return ""
	}
	id, ok := SelectTicket(tickets)
	if !ok {
		zerolog.Ctx(ctx).Debug().Int("tickets", len(tickets)).Msg("no usable ticket")
	}
	return id
}

func (r *Reconciler) attempt(ctx context.Context, token string, req crm.BookRequest) Outcome {
	logger := zerolog.Ctx(ctx)
	var out Outcome
	for n := 1; ; n++ {
		res, err := r.gw.Book(ctx, token, req)
		result := AttemptResult{Err: err}
		if res != nil {
			result.Status = res.Status
		}
		step := Decide(result, n)
		out.Attempts = n
		logger.Debug().Int("attempt", n).Str("status", result.Status).Err(err).Stringer("next", step.State).Msg("book attempt")

		if err != nil {
			out.Reason = crm.Reason(err)
		} else if step.State == StateNeedsEntitlement {
			out.Reason = crm.StatusTemporarilyReserved
		}
		if step.Terminal {
			out.State = step.State
			return out
		}
		if step.Action == ActionCancelAndRetry {
			if err := r.gw.Cancel(ctx, token, req.AppointmentID); err != nil {
				logger.Warn().Err(err).Msg("cancel before retry failed")
			}
		}
	}
}
