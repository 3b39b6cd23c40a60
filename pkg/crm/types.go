package crm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Ticket kinds and statuses as reported by /tickets.
const (
	TicketMembership = "membership"
	TicketPackage    = "package"

	TicketActive    = "active"
	TicketNotActive = "not_active"
	TicketFrozen    = "frozen"
	TicketLocked    = "locked"
	TicketClosed    = "closed"
)

// Booking and appointment statuses.
const (
	StatusTemporarilyReserved = "temporarily_reserved_need_payment"
	StatusPlanned             = "planned"
	StatusCanceled            = "canceled"
	StatusCancelled           = "cancelled"

	AppointmentTypeClasses = "classes"
)

// Payment line types accepted by /payment.
const (
	PaymentDeposit = "deposit"
	PaymentCard    = "card"
)

// TimeLayout is the wall-clock layout used by /classes and start_date fields.
const TimeLayout = "2006-01-02 15:04:05"

// ID is an identifier the CRM sends as a string or, for older records, a number.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	*id = ID(string(b))
	return nil
}

func (id ID) String() string { return string(id) }

// Amount is a money or count value that may arrive as a number or a numeric string.
type Amount float64

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*a = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	s = strings.ReplaceAll(strings.ReplaceAll(s, " ", ""), ",", ".")
	if s == "" {
		*a = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("amount %q: %w", s, err)
	}
	*a = Amount(v)
	return nil
}

func (a Amount) Float() float64 { return float64(a) }

// Slots is a free-place or capacity count. The CRM uses "unlimited" as a sentinel.
type Slots struct {
	N         int
	Unlimited bool
	Known     bool
}

// SlotsOf returns a known finite count.
func SlotsOf(n int) Slots { return Slots{N: n, Known: true} }

// UnlimitedSlots returns the unlimited sentinel.
func UnlimitedSlots() Slots { return Slots{Unlimited: true, Known: true} }

func (s *Slots) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*s = Slots{}
		return nil
	}
	raw = strings.Trim(raw, `"`)
	if strings.EqualFold(raw, "unlimited") {
		*s = UnlimitedSlots()
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("slots %q: %w", raw, err)
	}
	*s = SlotsOf(int(v))
	return nil
}

// Available reports whether at least one place is free. Unknown counts as none.
func (s Slots) Available() bool {
	return s.Unlimited || s.N > 0
}

func (s Slots) String() string {
	switch {
	case s.Unlimited:
		return "unlimited"
	case !s.Known:
		return "unknown"
	default:
		return strconv.Itoa(s.N)
	}
}

// Ref is the {id,title} pair the CRM nests for rooms, services, clubs and categories.
type Ref struct {
	ID    ID     `json:"id"`
	Title string `json:"title"`
}

type Employee struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// Tags accepts either a list of strings or a list of {title} objects.
type Tags []string

func (t *Tags) UnmarshalJSON(b []byte) error {
	var plain []string
	if err := json.Unmarshal(b, &plain); err == nil {
		*t = plain
		return nil
	}
	var refs []Ref
	if err := json.Unmarshal(b, &refs); err != nil {
		return err
	}
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Title)
	}
	*t = out
	return nil
}

// ClientInfo is the /client card. Read-only for this system.
type ClientInfo struct {
	ID         ID     `json:"id"`
	Club       Ref    `json:"club"`
	FullName   string `json:"full_name"`
	FIO        string `json:"fio"`
	LastName   string `json:"last_name"`
	Name       string `json:"name"`
	FirstName  string `json:"first_name"`
	MiddleName string `json:"middle_name"`
	Phone      string `json:"phone"`
	Tags       Tags   `json:"tags"`
}

// DisplayName returns the best available full name, or "" when the card has none.
func (c ClientInfo) DisplayName() string {
	for _, v := range []string{c.FullName, c.FIO} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	first := c.Name
	if first == "" {
		first = c.FirstName
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{c.LastName, first, c.MiddleName} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

type TicketService struct {
	ID    ID      `json:"id"`
	Title string  `json:"title"`
	Count *Amount `json:"count"`
}

// Ticket is a membership or package entitlement. A nil Count means unlimited.
type Ticket struct {
	TicketID    ID              `json:"ticket_id"`
	Title       string          `json:"title"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Count       *Amount         `json:"count"`
	EndDate     string          `json:"end_date"`
	ServiceList []TicketService `json:"service_list"`
}

// Class is one row of /classes.
type Class struct {
	AppointmentID ID        `json:"appointment_id"`
	LegacyID      ID        `json:"id"`
	StartDate     string    `json:"start_date"`
	Room          Ref       `json:"room"`
	Service       Ref       `json:"service"`
	Employee      *Employee `json:"employee"`
	Club          Ref       `json:"club"`
	Canceled      bool      `json:"canceled"`
	AlreadyBooked bool      `json:"already_booked"`
	FreePlaces    Slots     `json:"free_places"`
}

// Appointment returns appointment_id, falling back to id.
func (c Class) Appointment() string {
	if c.AppointmentID != "" {
		return string(c.AppointmentID)
	}
	return string(c.LegacyID)
}

// ClassDescription is the live /class_descriptions record for one appointment.
type ClassDescription struct {
	AppointmentID  ID        `json:"appointment_id"`
	StartDate      string    `json:"start_date"`
	Room           Ref       `json:"room"`
	Service        Ref       `json:"service"`
	Employee       *Employee `json:"employee"`
	Club           Ref       `json:"club"`
	ClubID         ID        `json:"club_id"`
	Canceled       bool      `json:"canceled"`
	AlreadyBooked  bool      `json:"already_booked"`
	AvailableSlots Slots     `json:"available_slots"`
	FreePlaces     Slots     `json:"free_places"`
	Capacity       Slots     `json:"capacity"`
	Status         string    `json:"status"`
}

// Free prefers available_slots and falls back to free_places.
func (d ClassDescription) Free() Slots {
	if d.AvailableSlots.Known {
		return d.AvailableSlots
	}
	return d.FreePlaces
}

// ClubRef returns club_id or club.id.
func (d ClassDescription) ClubRef() string {
	if d.ClubID != "" {
		return string(d.ClubID)
	}
	return string(d.Club.ID)
}

// ClientAppointment is one row of /appointments, the client's own link to a class.
type ClientAppointment struct {
	AppointmentID ID        `json:"appointment_id"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	ArrivalStatus string    `json:"arrival_status"`
	StartDate     string    `json:"start_date"`
	Service       Ref       `json:"service"`
	Employee      *Employee `json:"employee"`
	Room          Ref       `json:"room"`
	Club          Ref       `json:"club"`
	Payment       *Ref      `json:"payment"`
}

// Canceled reports whether the link is in any canceled state.
func (a ClientAppointment) Canceled() bool {
	return a.ArrivalStatus == StatusCanceled ||
		a.ArrivalStatus == StatusCancelled ||
		a.Status == StatusCanceled
}

// AppointmentsQuery filters /appointments. Zero values are omitted.
type AppointmentsQuery struct {
	Type     string
	Statuses []string
	Offset   int
	PageSize int
}

// Deposit is a named prepaid balance account.
type Deposit struct {
	ID          ID     `json:"id"`
	DepositID   ID     `json:"deposit_id"`
	UUID        ID     `json:"uuid"`
	Name        string `json:"name"`
	Title       string `json:"title"`
	DepositName string `json:"deposit_name"`
	Exists      bool   `json:"exists"`
	Balance     Amount `json:"balance"`
}

func (d Deposit) Key() string {
	for _, v := range []ID{d.ID, d.DepositID, d.UUID} {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

func (d Deposit) DisplayName() string {
	for _, v := range []string{d.Name, d.Title, d.DepositName} {
		if v != "" {
			return v
		}
	}
	return ""
}

// PriceItem is one purchasable catalog entry.
type PriceItem struct {
	ID                ID              `json:"id"`
	PurchaseID        ID              `json:"purchase_id"`
	Title             string          `json:"title"`
	Name              string          `json:"name"`
	TitleRU           string          `json:"title_ru"`
	Category          json.RawMessage `json:"category"`
	Price             *Amount         `json:"price"`
	PriceWithDiscount *Amount         `json:"price_with_discount"`
}

func (p PriceItem) Purchase() string {
	if p.ID != "" {
		return string(p.ID)
	}
	return string(p.PurchaseID)
}

func (p PriceItem) Label() string {
	for _, v := range []string{p.Title, p.Name, p.TitleRU} {
		if v != "" {
			return v
		}
	}
	return ""
}

// CategoryTitle returns category.title when category is an object, "" otherwise.
func (p PriceItem) CategoryTitle() string {
	raw := bytes.TrimSpace(p.Category)
	if len(raw) == 0 || raw[0] != '{' {
		return ""
	}
	var ref Ref
	if err := json.Unmarshal(raw, &ref); err != nil {
		return ""
	}
	return ref.Title
}

// EffectivePrice is the discounted price, else the full price.
func (p PriceItem) EffectivePrice() (float64, bool) {
	if p.PriceWithDiscount != nil {
		return p.PriceWithDiscount.Float(), true
	}
	if p.Price != nil {
		return p.Price.Float(), true
	}
	return 0, false
}

type CartLine struct {
	Purchase   *Ref   `json:"purchase"`
	PurchaseID ID     `json:"purchase_id"`
	Count      Amount `json:"count"`
	PriceType  *Ref   `json:"price_type"`
}

func (l CartLine) PurchaseRef() string {
	if l.Purchase != nil && l.Purchase.ID != "" {
		return string(l.Purchase.ID)
	}
	return string(l.PurchaseID)
}

// Cart is a fresh /cart_cost quote. Never reuse one across purchase attempts.
type Cart struct {
	Lines       []CartLine `json:"cart"`
	TotalAmount Amount     `json:"total_amount"`
	OrgID       ID         `json:"org_id"`
}

func (c Cart) Total() float64 { return c.TotalAmount.Float() }

type CartRequest struct {
	PurchaseID string
	ClubID     string
	ServiceID  string
}

type PaymentLine struct {
	Type   string  `json:"type"`
	ID     string  `json:"id,omitempty"`
	Amount float64 `json:"amount"`
}

type PaymentRequest struct {
	Cart      *Cart
	ClubID    string
	ServiceID string
	Payments  []PaymentLine
}

type PaymentResult struct {
	TransactionID string
	Data          json.RawMessage
}

type BookRequest struct {
	AppointmentID string
	ClubID        string
	TicketID      string
}

// BookResult carries the booking status; StatusTemporarilyReserved is ambiguous.
type BookResult struct {
	Status string
	Raw    json.RawMessage
}

// ParseTime parses CRM timestamps in loc. RFC 3339 values keep their own offset.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{TimeLayout, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time %q", s)
}
