package schedule

import (
	"sort"
	"strings"
	"time"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
)

// PaidMarker marks services that are sold per visit and therefore bookable from the bot.
const PaidMarker = "₽"

// Entry is one class as kept in the snapshot and shown in the schedule keyboard.
type Entry struct {
	AppointmentID string        `json:"appointment_id"`
	StartDate     string        `json:"start_date"`
	RoomTitle     string        `json:"room_title"`
	ServiceID     string        `json:"service_id,omitempty"`
	ServiceTitle  string        `json:"service_title"`
	Employee      *crm.Employee `json:"employee"`
	ClubID        string        `json:"club_id,omitempty"`
	Recorded      bool          `json:"recorded,omitempty"`
}

func EntryOf(c crm.Class) Entry {
	e := Entry{
		AppointmentID: c.Appointment(),
		StartDate:     c.StartDate,
		RoomTitle:     c.Room.Title,
		ServiceID:     string(c.Service.ID),
		ServiceTitle:  c.Service.Title,
		ClubID:        string(c.Club.ID),
		Recorded:      c.AlreadyBooked,
	}
	if c.Employee != nil {
		emp := *c.Employee
		e.Employee = &emp
	}
	return e
}

// Start parses StartDate in loc.
func (e Entry) Start(loc *time.Location) (time.Time, error) {
	return crm.ParseTime(e.StartDate, loc)
}

// Trainer returns the full trainer name or "".
func (e Entry) Trainer() string {
	if e.Employee == nil {
		return ""
	}
	return e.Employee.Name
}

// Select keeps paid, not canceled classes of the direction's room starting in (now, now+horizon], sorted by start.
func Select(classes []crm.Class, dir Direction, now time.Time, horizon time.Duration, loc *time.Location) []Entry {
	end := now.Add(horizon)
	picked := make([]dated, 0, len(classes))
	for _, c := range classes {
		if c.Canceled || c.StartDate == "" {
			continue
		}
		if c.Room.Title != dir.RoomTitle || !strings.Contains(c.Service.Title, PaidMarker) {
			continue
		}
		start, err := crm.ParseTime(c.StartDate, loc)
		if err != nil || !start.After(now) || start.After(end) {
			continue
		}
		picked = append(picked, dated{entry: EntryOf(c), start: start})
	}
	return byStart(picked)
}

// Future keeps entries starting after now, sorted by start.
func Future(entries []Entry, now time.Time, loc *time.Location) []Entry {
	picked := make([]dated, 0, len(entries))
	for _, e := range entries {
		start, err := e.Start(loc)
		if err != nil || !start.After(now) {
			continue
		}
		picked = append(picked, dated{entry: e, start: start})
	}
	return byStart(picked)
}

type dated struct {
	entry Entry
	start time.Time
}

func byStart(picked []dated) []Entry {
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].start.Before(picked[j].start) })
	out := make([]Entry, 0, len(picked))
	for _, p := range picked {
		out = append(out, p.entry)
	}
	return out
}
