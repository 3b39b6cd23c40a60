package receiver

import (
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/napryag/fitness_portal_bot/pkg/domain/booking"
	"github.com/napryag/fitness_portal_bot/pkg/domain/bot/receiver/keyboards"
	"github.com/napryag/fitness_portal_bot/pkg/domain/schedule"
)

// ---------- FSM ----------

type State int

const (
	StateIdle State = iota
	StateDirections
	StateSchedule
	StateClassCard
	StatePurchase
	StatePayment
)

func (s State) String() string {
	switch s {
	case StateDirections:
		return "directions"
	case StateSchedule:
		return "schedule"
	case StateClassCard:
		return "class_card"
	case StatePurchase:
		return "purchase"
	case StatePayment:
		return "payment"
	default:
		return "idle"
	}
}

// Session — навигация и токены кнопок одного чата. Принадлежит воркеру этого чата.
type Session struct {
	State     State
	history   []State
	Direction string
	Tokens    *Tokens
}

func (s *Session) Go(to State) {
	if s.State == to {
		return
	}
	s.history = append(s.history, s.State)
	s.State = to
}

func (s *Session) Back() {
	if n := len(s.history); n > 0 {
		s.State = s.history[n-1]
		s.history = s.history[:n-1]
	} else {
		s.State = StateIdle
	}
}

// ResetFlow drops navigation and invalidates every button sent before.
func (s *Session) ResetFlow() {
	s.State = StateIdle
	s.history = s.history[:0]
	s.Direction = ""
	s.Tokens = NewTokens()
}

// ---------- Session store (in-memory, потокобезопасно) ----------

type Store struct {
	mu sync.Mutex
	m  map[int64]*Session
}

func NewStore() *Store {
	return &Store{m: make(map[int64]*Session)}
}

func (s *Store) Get(chatID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.m[chatID]; ok {
		return sess
	}
	se := &Session{State: StateIdle, Tokens: NewTokens()}
	s.m[chatID] = se
	return se
}

// ---------- Callback keys ----------

const (
	CbBackClasses = "back:classes"

	PCls     = "cls:"     // cls:<direction>
	PClsItem = "clsitem:" // clsitem:<direction>:<token>
	PUnbook  = "unbook:"  // unbook:<direction>:<token>
	PBuy     = "buy:"     // buy:<direction>:<token>
	PPay     = "pay:"     // pay:<policy>:<token>
	PClose   = "close:"   // close:<what>:<token>
)

var prefixes = []string{PClsItem, PCls, PUnbook, PBuy, PPay, PClose}

func Is(k, prefix string) (string, bool) {
	if strings.HasPrefix(k, prefix) {
		return strings.TrimPrefix(k, prefix), true
	}
	return "", false
}

// Callback is parsed callback data. Arg is a direction key or a payment policy.
type Callback struct {
	Prefix string
	Arg    string
	Token  string
}

func ParseCallback(data string) (Callback, bool) {
	if data == CbBackClasses {
		return Callback{Prefix: CbBackClasses}, true
	}
	for _, p := range prefixes {
		rest, ok := Is(data, p)
		if !ok {
			continue
		}
		arg, tok, _ := strings.Cut(rest, ":")
		return Callback{Prefix: p, Arg: arg, Token: tok}, true
	}
	return Callback{}, false
}

func data(prefix string, parts ...string) string {
	return prefix + strings.Join(parts, ":")
}

// ---------- UI builders ----------

func DirectionMenu(dirs schedule.Directions) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]keyboards.Button, 0, len(dirs))
	for _, d := range dirs {
		text := d.Button
		if text == "" {
			text = d.RoomTitle
		}
		buttons = append(buttons, keyboards.Button{Text: text, Data: data(PCls, d.Key)})
	}
	return keyboards.Column(buttons...)
}

// ScheduleRow is one class button of the schedule keyboard.
type ScheduleRow struct {
	Label string
	Token string
}

func ScheduleMenu(dirKey string, rows []ScheduleRow) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]keyboards.Button, 0, len(rows)+1)
	for _, r := range rows {
		buttons = append(buttons, keyboards.Button{Text: r.Label, Data: data(PClsItem, dirKey, r.Token)})
	}
	buttons = append(buttons, keyboards.Button{Text: "↩️ Назад", Data: CbBackClasses})
	return keyboards.Column(buttons...)
}

func ClassCardMenu(dirKey, tok string) tgbotapi.InlineKeyboardMarkup {
	return keyboards.Column(
		keyboards.Button{Text: "❌ Отменить запись", Data: data(PUnbook, dirKey, tok)},
		keyboards.Button{Text: "↩️ Закрыть", Data: data(PClose, "class", tok)},
	)
}

// Offer is one purchasable item button.
type Offer struct {
	Label string
	Token string
}

func OffersMenu(dirKey string, offers []Offer) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]keyboards.Button, 0, len(offers)+1)
	for _, o := range offers {
		buttons = append(buttons, keyboards.Button{Text: o.Label, Data: data(PBuy, dirKey, o.Token)})
	}
	buttons = append(buttons, keyboards.Button{Text: "↩️ Закрыть", Data: data(PClose, "buy", "0")})
	return keyboards.Column(buttons...)
}

func PaymentMenu(tok string, options []booking.Settlement) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]keyboards.Button, 0, len(options)+1)
	for _, o := range options {
		buttons = append(buttons, keyboards.Button{Text: settlementLabel(o), Data: data(PPay, string(o.Policy), tok)})
	}
	buttons = append(buttons, keyboards.Button{Text: "↩️ Закрыть", Data: data(PClose, "pay", "0")})
	return keyboards.Column(buttons...)
}
