package receiver

import (
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
	"github.com/napryag/fitness_portal_bot/pkg/domain/booking"
	"github.com/napryag/fitness_portal_bot/pkg/domain/schedule"
	"github.com/napryag/fitness_portal_bot/pkg/repository/model"
)

// maxTokens bounds the per-chat registry; the oldest buttons stop working first.
const maxTokens = 256

type appointmentRef struct {
	DirKey string
	Entry  schedule.Entry
}

type purchaseRef struct {
	DirKey string
	Item   crm.PriceItem
}

type paymentRef struct {
	DirKey string
	Quote  *booking.Quote
	Class  *model.SelectedClass
}

// Tokens maps short callback tokens to what a button stands for.
// Telegram caps callback data at 64 bytes, ids and quotes do not fit.
type Tokens struct {
	appointments  map[string]appointmentRef
	byAppointment map[string]string
	purchases     map[string]purchaseRef
	payments      map[string]paymentRef
	order         []string
	newToken      func() string
}

func NewTokens() *Tokens {
	return &Tokens{
		appointments:  make(map[string]appointmentRef),
		byAppointment: make(map[string]string),
		purchases:     make(map[string]purchaseRef),
		payments:      make(map[string]paymentRef),
		newToken:      shortToken,
	}
}

func shortToken() string {
	id := uuid.New()
	return hex.EncodeToString(id[:5])
}

// Appointment returns a stable token for a class of a direction, refreshing the stored entry.
func (t *Tokens) Appointment(dirKey string, e schedule.Entry) string {
	k := dirKey + "/" + e.AppointmentID
	if tok, ok := t.byAppointment[k]; ok {
		t.appointments[tok] = appointmentRef{DirKey: dirKey, Entry: e}
		return tok
	}
	tok := t.remember()
	t.appointments[tok] = appointmentRef{DirKey: dirKey, Entry: e}
	t.byAppointment[k] = tok
	return tok
}

func (t *Tokens) ResolveAppointment(tok string) (appointmentRef, bool) {
	ref, ok := t.appointments[tok]
	return ref, ok
}

func (t *Tokens) Purchase(dirKey string, item crm.PriceItem) string {
	tok := t.remember()
	t.purchases[tok] = purchaseRef{DirKey: dirKey, Item: item}
	return tok
}

func (t *Tokens) ResolvePurchase(tok string) (purchaseRef, bool) {
	ref, ok := t.purchases[tok]
	return ref, ok
}

func (t *Tokens) Payment(ref paymentRef) string {
	tok := t.remember()
	t.payments[tok] = ref
	return tok
}

func (t *Tokens) ResolvePayment(tok string) (paymentRef, bool) {
	ref, ok := t.payments[tok]
	return ref, ok
}

// Forget drops a token, e.g. a payment that already went through.
func (t *Tokens) Forget(tok string) {
	if ref, ok := t.appointments[tok]; ok {
		delete(t.byAppointment, ref.DirKey+"/"+ref.Entry.AppointmentID)
	}
	delete(t.appointments, tok)
	delete(t.purchases, tok)
	delete(t.payments, tok)
}

func (t *Tokens) Len() int {
	return len(t.appointments) + len(t.purchases) + len(t.payments)
}

func (t *Tokens) remember() string {
	tok := t.newToken()
	t.order = append(t.order, tok)
	for len(t.order) > maxTokens {
		t.Forget(t.order[0])
		t.order = t.order[1:]
	}
	return tok
}
