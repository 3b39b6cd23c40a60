package receiver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
	"github.com/napryag/fitness_portal_bot/pkg/domain/booking"
	"github.com/napryag/fitness_portal_bot/pkg/domain/schedule"
	"github.com/napryag/fitness_portal_bot/pkg/repository/model"
)

var weekdays = [...]string{"вс", "пн", "вт", "ср", "чт", "пт", "сб"}

var months = [...]string{
	"января", "февраля", "марта", "апреля", "мая", "июня",
	"июля", "августа", "сентября", "октября", "ноября", "декабря",
}

const (
	msgNeedContact = "Сначала нажмите /start и поделитесь контактом."
	msgLogin       = "Чтобы войти нажмите /start."
	msgUnknownDir  = "Неизвестное направление."
)

// dayMonth renders "5 марта".
func dayMonth(t time.Time) string {
	return fmt.Sprintf("%d %s", t.Day(), months[t.Month()-1])
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// classView is what the user sees of one class.
type classView struct {
	Start   time.Time
	Title   string
	Trainer string
}

func viewOfEntry(e schedule.Entry, loc *time.Location) classView {
	v := classView{Title: e.ServiceTitle, Trainer: e.Trainer()}
	v.Start, _ = e.Start(loc)
	return v
}

func viewOfSelected(s *model.SelectedClass, loc *time.Location) classView {
	if s == nil {
		return classView{}
	}
	v := classView{Title: s.ServiceTitle, Trainer: s.Trainer}
	v.Start, _ = crm.ParseTime(s.StartDate, loc)
	return v
}

func (v classView) when() string {
	if v.Start.IsZero() {
		return ""
	}
	return weekdays[v.Start.Weekday()] + " " + v.Start.Format("15:04")
}

func (v classView) title() string {
	if v.Title == "" {
		return "Занятие"
	}
	return v.Title
}

func (v classView) trainer() string {
	if v.Trainer == "" {
		return "Тренер не указан"
	}
	return v.Trainer
}

// label is the schedule button text: mark, weekday and time, service, trainer's last name.
func (v classView) label(mark string) string {
	trainer := v.trainer()
	if f := strings.Fields(trainer); len(f) > 0 {
		trainer = f[0]
	}
	return fmt.Sprintf("%s %s, %s, %s", mark, v.when(), v.title(), trainer)
}

func (v classView) details() string {
	return fmt.Sprintf("%s\nУслуга: %s\nТренер: %s", v.when(), v.title(), v.trainer())
}

func membershipOf(t crm.Ticket) *model.Membership {
	m := &model.Membership{
		TicketID: string(t.TicketID),
		Title:    t.Title,
		Type:     t.Type,
		Status:   t.Status,
		EndDate:  t.EndDate,
	}
	if t.Count != nil {
		n := t.Count.Float()
		m.Count = &n
	}
	return m
}

func membershipLine(m *model.Membership) string {
	if m == nil || m.Title == "" {
		return "Членство: нет"
	}
	if m.EndDate != "" {
		return fmt.Sprintf("Членство: %s, до %s", m.Title, m.EndDate)
	}
	return "Членство: " + m.Title
}

func ticketStatus(status string) string {
	switch status {
	case crm.TicketActive:
		return "✅ Активно"
	case crm.TicketNotActive:
		return "⏸️ Не активно"
	case crm.TicketFrozen:
		return "❄️ Заморожено"
	case crm.TicketLocked:
		return "🔒 Заблокировано"
	case crm.TicketClosed:
		return "🔴 Закрыто"
	case "":
		return "❓ неизвестно"
	default:
		return "❓ " + status
	}
}

// purchasesReport lists memberships and packages; other ticket kinds are skipped.
func purchasesReport(tickets []crm.Ticket, loc *time.Location) (string, bool) {
	lines := []string{"📦 Что у вас куплено:\n"}
	shown := 0
	for _, t := range tickets {
		if t.Type != crm.TicketMembership && t.Type != crm.TicketPackage {
			continue
		}
		shown++

		emoji, kind := "📋", "Пакет услуг"
		if t.Type == crm.TicketMembership {
			emoji, kind = "🎫", "Членство"
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s", emoji, kind, t.Title))
		lines = append(lines, "   Статус: "+ticketStatus(t.Status))

		if t.EndDate != "" {
			if end, err := crm.ParseTime(t.EndDate, loc); err == nil {
				lines = append(lines, fmt.Sprintf("   Срок действия: до %s %d г.", dayMonth(end), end.Year()))
			} else {
				lines = append(lines, "   Срок действия: до "+t.EndDate)
			}
		}

		switch {
		case t.Count != nil:
			lines = append(lines, "   Остаток услуг: "+money(t.Count.Float()))
		case t.Type == crm.TicketMembership:
			lines = append(lines, "   Остаток услуг: безлимит")
		}

		if len(t.ServiceList) > 0 {
			lines = append(lines, "   Услуги в пакете:")
			for _, s := range t.ServiceList {
				count := "безлимит"
				if s.Count != nil {
					count = money(s.Count.Float())
				}
				lines = append(lines, fmt.Sprintf("     • %s: %s", s.Title, count))
			}
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n"), shown > 0
}

func entryOfAppointment(a crm.ClientAppointment) schedule.Entry {
	e := schedule.Entry{
		AppointmentID: string(a.AppointmentID),
		StartDate:     a.StartDate,
		RoomTitle:     a.Room.Title,
		ServiceID:     string(a.Service.ID),
		ServiceTitle:  a.Service.Title,
		ClubID:        string(a.Club.ID),
		Recorded:      true,
	}
	if a.Employee != nil {
		emp := *a.Employee
		e.Employee = &emp
	}
	return e
}

func myClassText(a crm.ClientAppointment, loc *time.Location) string {
	start, _ := crm.ParseTime(a.StartDate, loc)
	trainer := "Тренер не указан"
	if a.Employee != nil && a.Employee.Name != "" {
		trainer = a.Employee.Name
	}
	title := a.Service.Title
	if title == "" {
		title = "Занятие"
	}
	room := a.Room.Title
	if room == "" {
		room = "Зал не указан"
	}

	lines := []string{
		"🚴 Тренировка",
		"",
		fmt.Sprintf("📅 %s, %s", weekdays[start.Weekday()], dayMonth(start)),
		"🕐 Время: " + start.Format("15:04"),
		"🎯 Услуга: " + title,
		"👤 Тренер: " + trainer,
		"🏠 Зал: " + room,
	}
	if a.Payment != nil {
		pay := a.Payment.Title
		if pay == "" {
			pay = "Не указано"
		}
		lines = append(lines, "💳 Оплата: "+pay)
	}
	return strings.Join(lines, "\n")
}

func offerLabel(item crm.PriceItem) string {
	label := item.Label()
	if label == "" {
		label = "Без названия"
	}
	if price, ok := item.EffectivePrice(); ok {
		return fmt.Sprintf("%s — %s ₽", label, money(price))
	}
	return label
}

func settlementLabel(s booking.Settlement) string {
	switch s.Policy {
	case booking.PolicyDeposit:
		return fmt.Sprintf("Полностью с ЛС (остаток: %.2f руб.)", s.Remainder)
	case booking.PolicySplit:
		return fmt.Sprintf("Частично с ЛС (долг %.2f рублей)", s.Debt)
	default:
		return fmt.Sprintf("На рецепции (долг %.2f руб.)", s.Debt)
	}
}

func paymentText(r *booking.Receipt) string {
	head := "✅ Оплата успешно оформлена!\n"
	switch r.Policy {
	case booking.PolicyDeposit:
		return head + fmt.Sprintf("Оплачено полностью с лицевого счета. Остаток на счету: %.2f рублей.", r.Remainder)
	case booking.PolicySplit:
		return head + fmt.Sprintf("Оплачено частично с лицевого счета на сумму %.2f рублей.\nОсталось доплатить: %.2f рублей.",
			r.DepositPaid, r.Debt)
	default:
		return head + fmt.Sprintf("Создан долг на сумму %.2f рублей. Оплатите на рецепции.", r.Debt)
	}
}

func depositText(d *crm.Deposit) string {
	name := d.DisplayName()
	if name == "" {
		name = "Лицевой счёт"
	}
	return fmt.Sprintf("Обнаружен лицевой счёт \"%s\" %.2f руб.\n\nДоступные варианты оплаты:", name, d.Balance.Float())
}

// displayName picks what to call the user: CRM name, Telegram name, username, then fallback.
func displayName(p *model.Profile, fallback string) string {
	for _, v := range []string{p.CRM.FullName, p.Telegram.FirstName, p.Telegram.Username} {
		if v != "" {
			return v
		}
	}
	return fallback
}
