package model

import (
	"context"
	"time"

	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

var ErrProfileNotFound = errs.New("profile not found")

type Status string

const (
	StatusActive    Status = "active"
	StatusLoggedOut Status = "logged_out"
)

// Telegram — контакт, которым поделился пользователь.
type Telegram struct {
	UserID    int64  `json:"user_id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone"`
}

// Membership — кэш основного абонемента для отчётов.
type Membership struct {
	TicketID string   `json:"ticket_id,omitempty"`
	Title    string   `json:"title"`
	Type     string   `json:"type,omitempty"`
	Status   string   `json:"status,omitempty"`
	EndDate  string   `json:"end_date,omitempty"`
	Count    *float64 `json:"count,omitempty"`
}

// CRM — идентификаторы клиента во внешней системе.
type CRM struct {
	FullName   string      `json:"full_name,omitempty"`
	ClientID   string      `json:"client_id,omitempty"`
	ClubID     string      `json:"club_id,omitempty"`
	UserToken  string      `json:"usertoken,omitempty"`
	Membership *Membership `json:"membership,omitempty"`
}

// SelectedClass — последнее открытое занятие, к нему привязывается покупка.
type SelectedClass struct {
	AppointmentID string `json:"appointment_id"`
	DirectionKey  string `json:"direction_key,omitempty"`
	ServiceID     string `json:"service_id,omitempty"`
	ClubID        string `json:"club_id,omitempty"`
	StartDate     string `json:"start_date,omitempty"`
	ServiceTitle  string `json:"service_title,omitempty"`
	Trainer       string `json:"trainer,omitempty"`
}

// Profile is the per-chat record. Writers replace it whole; last writer wins.
type Profile struct {
	ChatID            int64          `json:"chat_id"`
	Telegram          Telegram       `json:"telegram"`
	CRM               CRM            `json:"crm"`
	Status            Status         `json:"status"`
	SavedAt           time.Time      `json:"saved_at"`
	LoggedOutAt       *time.Time     `json:"logged_out_at,omitempty"`
	LastSelectedClass *SelectedClass `json:"last_selected_class,omitempty"`
}

func (p *Profile) Active() bool {
	return p != nil && p.Status != StatusLoggedOut
}

// Clone returns a deep copy so callers never share nested pointers with a repository.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	if p.CRM.Membership != nil {
		m := *p.CRM.Membership
		if m.Count != nil {
			n := *m.Count
			m.Count = &n
		}
		c.CRM.Membership = &m
	}
	if p.LoggedOutAt != nil {
		t := *p.LoggedOutAt
		c.LoggedOutAt = &t
	}
	if p.LastSelectedClass != nil {
		s := *p.LastSelectedClass
		c.LastSelectedClass = &s
	}
	return &c
}

type ProfileRepo interface {
	Get(ctx context.Context, chatID int64) (*Profile, error)
	Save(ctx context.Context, p *Profile) error
	Close() error
}
