package receiver

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
	"github.com/napryag/fitness_portal_bot/pkg/domain/booking"
	"github.com/napryag/fitness_portal_bot/pkg/domain/schedule"
	"github.com/napryag/fitness_portal_bot/pkg/repository/model"
)

var testNow = time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)

var unauthorized = &crm.Failure{Op: "tickets", Reason: "token expired", Status: 401}

// fakeBot records everything the handler sends.
type fakeBot struct {
	mu     sync.Mutex
	nextID int
	sent   []tgbotapi.Chattable
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: b.nextID}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

// texts returns the text of every sent or edited message.
func (b *fakeBot) texts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, m.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, m.Text)
		}
	}
	return out
}

func (b *fakeBot) last() tgbotapi.Chattable {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		switch b.sent[i].(type) {
		case tgbotapi.MessageConfig, tgbotapi.EditMessageTextConfig:
			return b.sent[i]
		}
	}
	return nil
}

// stubCRM answers every gateway call from canned data, per token where it matters.
type stubCRM struct {
	mu    sync.Mutex
	calls []string

	passToken string
	passErr   error
	client    *crm.ClientInfo
	clientErr map[string]error

	tickets    []crm.Ticket
	ticketsErr map[string]error

	desc *crm.ClassDescription
	apps []crm.ClientAppointment

	bookStatus string
	cancelErr  error

	prices   []crm.PriceItem
	deposits []crm.Deposit
	total    float64
	payments []crm.PaymentRequest
}

func (s *stubCRM) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *stubCRM) count(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (s *stubCRM) PassToken(_ context.Context, _ string) (string, error) {
	s.record("pass_token")
	return s.passToken, s.passErr
}

func (s *stubCRM) Client(_ context.Context, token string) (*crm.ClientInfo, error) {
	s.record("client:" + token)
	if err := s.clientErr[token]; err != nil {
		return nil, err
	}
	c := *s.client
	return &c, nil
}

func (s *stubCRM) Tickets(_ context.Context, token, _ string) ([]crm.Ticket, error) {
	s.record("tickets:" + token)
	if err := s.ticketsErr[token]; err != nil {
		return nil, err
	}
	return s.tickets, nil
}

func (s *stubCRM) ClassDescription(_ context.Context, _, id string) (*crm.ClassDescription, error) {
	s.record("class_description")
	d := *s.desc
	d.AppointmentID = crm.ID(id)
	return &d, nil
}

func (s *stubCRM) Appointments(_ context.Context, _ string, _ crm.AppointmentsQuery) ([]crm.ClientAppointment, error) {
	s.record("appointments")
	return s.apps, nil
}

func (s *stubCRM) Book(_ context.Context, _ string, _ crm.BookRequest) (*crm.BookResult, error) {
	s.record("book")
	status := s.bookStatus
	if status == "" {
		status = crm.StatusPlanned
	}
	return &crm.BookResult{Status: status}, nil
}

func (s *stubCRM) Cancel(_ context.Context, _, _ string) error {
	s.record("cancel")
	return s.cancelErr
}

func (s *stubCRM) Classes(_ context.Context, _, _ string, _, _ time.Time) ([]crm.Class, error) {
	s.record("classes")
	return nil, nil
}

func (s *stubCRM) PriceList(_ context.Context, _ string) ([]crm.PriceItem, error) {
	s.record("pricelist")
	return s.prices, nil
}

func (s *stubCRM) Deposits(_ context.Context, _ string) ([]crm.Deposit, error) {
	s.record("deposits")
	return s.deposits, nil
}

func (s *stubCRM) CartCost(_ context.Context, _ string, _ crm.CartRequest) (*crm.Cart, error) {
	s.record("cart_cost")
	return &crm.Cart{TotalAmount: crm.Amount(s.total)}, nil
}

func (s *stubCRM) CreatePayment(_ context.Context, _ string, req crm.PaymentRequest) (*crm.PaymentResult, error) {
	s.record("payment")
	s.mu.Lock()
	s.payments = append(s.payments, req)
	s.mu.Unlock()
	return &crm.PaymentResult{TransactionID: "sale_1"}, nil
}

type memRepo struct {
	mu sync.Mutex
	m  map[int64]*model.Profile
}

func newMemRepo(profiles ...*model.Profile) *memRepo {
	r := &memRepo{m: make(map[int64]*model.Profile)}
	for _, p := range profiles {
		r.m[p.ChatID] = p.Clone()
	}
	return r
}

func (r *memRepo) Get(_ context.Context, chatID int64) (*model.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[chatID]
	if !ok {
		return nil, model.ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (r *memRepo) Save(_ context.Context, p *model.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[p.ChatID] = p.Clone()
	return nil
}

func (r *memRepo) Close() error { return nil }

type memCache struct {
	snap *schedule.Snapshot
}

func (c *memCache) Load() (*schedule.Snapshot, error) {
	if c.snap == nil {
		return nil, schedule.ErrNoSnapshot
	}
	return c.snap, nil
}

func (c *memCache) Store(s *schedule.Snapshot) error { c.snap = s; return nil }

var testDirs = schedule.Directions{
	{Key: "cycle", RoomTitle: "Сайкл", Button: "🚲 Сайкл", CatalogTitle: "Сайкл"},
	{Key: "yoga", RoomTitle: "Йога", Button: "Йога"},
}

type fixture struct {
	h    *Handler
	bot  *fakeBot
	gw   *stubCRM
	repo *memRepo
	ctx  context.Context
}

func newFixture(t *testing.T, gw *stubCRM, profiles ...*model.Profile) *fixture {
	t.Helper()
	bot := &fakeBot{}
	repo := newMemRepo(profiles...)
	svc := schedule.NewService(&memCache{}, gw, 72*time.Hour, time.UTC)
	h := NewHandler(bot, repo, gw, booking.NewReconciler(gw), booking.NewPurchaser(gw, 5), svc, testDirs)
	h.now = func() time.Time { return testNow }
	ctx := zerolog.New(io.Discard).WithContext(context.Background())
	t.Cleanup(h.Wait)
	return &fixture{h: h, bot: bot, gw: gw, repo: repo, ctx: ctx}
}

func activeProfile(chatID int64, token string) *model.Profile {
	return &model.Profile{
		ChatID:   chatID,
		Telegram: model.Telegram{UserID: chatID, FirstName: "Иван", Phone: "+79990001122"},
		CRM:      model.CRM{FullName: "Иванов Иван", ClientID: "c1", ClubID: "club1", UserToken: token},
		Status:   model.StatusActive,
	}
}

func command(chatID int64, text string) tgbotapi.Update {
	cmd, _, _ := strings.Cut(text, " ")
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:     &tgbotapi.Chat{ID: chatID},
		From:     &tgbotapi.User{ID: chatID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}}
}

func callback(chatID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: chatID},
		Message: &tgbotapi.Message{MessageID: 100, Chat: &tgbotapi.Chat{ID: chatID}},
		Data:    data,
	}}
}
