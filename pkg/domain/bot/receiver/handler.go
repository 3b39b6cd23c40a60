package receiver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
	"github.com/napryag/fitness_portal_bot/pkg/domain/booking"
	"github.com/napryag/fitness_portal_bot/pkg/domain/bot/receiver/keyboards"
	"github.com/napryag/fitness_portal_bot/pkg/domain/schedule"
	"github.com/napryag/fitness_portal_bot/pkg/repository/model"
)

// statusRefreshTimeout bounds the detached schedule-marks refresh.
const statusRefreshTimeout = 30 * time.Second

// Messenger is the outgoing side of the Bot API.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// CRM is the part of the gateway handlers call directly.
type CRM interface {
	PassToken(ctx context.Context, phone string) (string, error)
	Client(ctx context.Context, token string) (*crm.ClientInfo, error)
	Tickets(ctx context.Context, token, kind string) ([]crm.Ticket, error)
	Appointments(ctx context.Context, token string, query crm.AppointmentsQuery) ([]crm.ClientAppointment, error)
}

type Handler struct {
	bot        Messenger
	repo       model.ProfileRepo
	crm        CRM
	reconciler *booking.Reconciler
	purchaser  *booking.Purchaser
	schedule   *schedule.Service
	sessions   *Store
	dirs       schedule.Directions
	loc        *time.Location
	now        func() time.Time

	// detached work started by handlers, awaited on shutdown
	bg sync.WaitGroup
}

func NewHandler(
	bot Messenger,
	repo model.ProfileRepo,
	gw CRM,
	reconciler *booking.Reconciler,
	purchaser *booking.Purchaser,
	svc *schedule.Service,
	dirs schedule.Directions,
) *Handler {
	return &Handler{
		bot:        bot,
		repo:       repo,
		crm:        gw,
		reconciler: reconciler,
		purchaser:  purchaser,
		schedule:   svc,
		sessions:   NewStore(),
		dirs:       dirs,
		loc:        svc.Location(),
		now:        time.Now,
	}
}

// Wait blocks until detached background work has finished.
func (h *Handler) Wait() { h.bg.Wait() }

func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if msg.Contact != nil {
		h.handleContact(ctx, msg)
		return
	}
	if !msg.IsCommand() {
		h.reply(ctx, chatID, "Пожалуйста, используйте команды из меню 👆", nil)
		return
	}

	zerolog.Ctx(ctx).Debug().Str("command", msg.Command()).Msg("command")
	switch msg.Command() {
	case "start":
		h.handleStart(ctx, msg)
	case "exit":
		h.handleExit(ctx, chatID)
	case "book":
		h.handleBook(ctx, chatID)
	case "my_purchases":
		h.handleMyPurchases(ctx, chatID)
	case "my_classes":
		h.handleMyClasses(ctx, chatID)
	default:
		h.reply(ctx, chatID, "Неизвестная команда. Доступно: /start, /book, /my_classes, /my_purchases, /exit", nil)
	}
}

// ---------- commands ----------

func (h *Handler) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	logger := zerolog.Ctx(ctx)
	h.sessions.Get(chatID).ResetFlow()

	p, err := h.repo.Get(ctx, chatID)
	switch {
	case err == nil:
		// /start снова входит после /exit
		updated, err := h.refreshProfile(ctx, p)
		if err == nil {
			h.reply(ctx, chatID, fmt.Sprintf("Привет, %s! Рад снова тебя видеть 👋\n%s",
				displayName(updated, "друг"), membershipLine(updated.CRM.Membership)), nil)
			return
		}
		logger.Warn().Err(err).Msg("profile refresh failed, asking for contact")
	case !errors.Is(err, model.ErrProfileNotFound):
		logger.Warn().Err(err).Msg("load profile")
	}

	h.reply(ctx, chatID, "Привет! Нажми кнопку ниже, чтобы поделиться контактом ⬇️", keyboards.Contact().Buttons)
}

func (h *Handler) handleContact(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	contact := msg.Contact

	existing, err := h.repo.Get(ctx, chatID)
	switch {
	case err == nil && !existing.Active():
		h.reply(ctx, chatID, msgLogin, nil)
		return
	case err != nil && !errors.Is(err, model.ErrProfileNotFound):
		zerolog.Ctx(ctx).Warn().Err(err).Msg("load profile")
	}

	if contact.UserID != 0 && msg.From != nil && contact.UserID != msg.From.ID {
		h.reply(ctx, chatID, "Нужно отправить свой контакт через кнопку \"Поделиться контактом\".", nil)
		return
	}
	if contact.PhoneNumber == "" {
		h.reply(ctx, chatID, "Не удалось прочитать контакт. Попробуй ещё раз /start.", nil)
		return
	}

	p := existing
	if p == nil {
		p = &model.Profile{ChatID: chatID}
	}
	p.Telegram = telegramOf(msg)

	updated, err := h.refreshProfile(ctx, p)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("contact lookup failed")
		h.reply(ctx, chatID, fmt.Sprintf("Ваша карточка не найдена в базе. Обратитесь на рецепцию или в отдел продаж, "+
			"чтобы они внесли ваш номер (%s) в карточку или завели новую карточку", contact.PhoneNumber), keyboards.Remove())
		return
	}

	h.reply(ctx, chatID, fmt.Sprintf("Спасибо, %s! Контакт получил.\n%s",
		displayName(updated, "клиент"), membershipLine(updated.CRM.Membership)), keyboards.Remove())
}

func telegramOf(msg *tgbotapi.Message) model.Telegram {
	c := msg.Contact
	t := model.Telegram{
		UserID:    c.UserID,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Phone:     c.PhoneNumber,
	}
	if from := msg.From; from != nil {
		if t.UserID == 0 {
			t.UserID = from.ID
		}
		if t.FirstName == "" {
			t.FirstName = from.FirstName
		}
		if t.LastName == "" {
			t.LastName = from.LastName
		}
		t.Username = from.UserName
	}
	return t
}

func (h *Handler) handleExit(ctx context.Context, chatID int64) {
	h.sessions.Get(chatID).ResetFlow()

	p, err := h.repo.Get(ctx, chatID)
	if err == nil {
		now := h.now().UTC()
		p.Status = model.StatusLoggedOut
		p.LoggedOutAt = &now
		if err := h.repo.Save(ctx, p); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("save logged out profile")
		}
	} else if !errors.Is(err, model.ErrProfileNotFound) {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("load profile")
	}

	h.reply(ctx, chatID, "Вы вышли. Чтобы войти снова, нажмите /start.", keyboards.Remove())
}

func (h *Handler) handleBook(ctx context.Context, chatID int64) {
	if _, ok := h.loadProfile(ctx, chatID); !ok {
		return
	}
	h.sendDirections(ctx, chatID)
}

func (h *Handler) sendDirections(ctx context.Context, chatID int64) {
	if len(h.dirs) == 0 {
		h.reply(ctx, chatID, "Список направлений пока пуст.", nil)
		return
	}
	h.sessions.Get(chatID).Go(StateDirections)
	h.reply(ctx, chatID, "Выберите направление:", DirectionMenu(h.dirs))
}

func (h *Handler) handleMyPurchases(ctx context.Context, chatID int64) {
	p, ok := h.loadProfile(ctx, chatID)
	if !ok {
		return
	}

	var tickets []crm.Ticket
	_, err := h.call(ctx, p, true, func(token string) error {
		var err error
		tickets, err = h.crm.Tickets(ctx, token, "")
		return err
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("fetch tickets")
		h.reply(ctx, chatID, "Не удалось получить информацию о покупках. Попробуйте позже.", nil)
		return
	}

	report, found := purchasesReport(tickets, h.loc)
	if !found {
		h.reply(ctx, chatID, "У вас нет активных членств и пакетов услуг.", nil)
		return
	}
	h.reply(ctx, chatID, report, nil)
}

func (h *Handler) handleMyClasses(ctx context.Context, chatID int64) {
	p, ok := h.loadProfile(ctx, chatID)
	if !ok {
		return
	}

	var apps []crm.ClientAppointment
	_, err := h.call(ctx, p, true, func(token string) error {
		var err error
		apps, err = h.crm.Appointments(ctx, token, crm.AppointmentsQuery{
			Type:     crm.AppointmentTypeClasses,
			Statuses: []string{crm.StatusPlanned},
			PageSize: 50,
		})
		return err
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("fetch appointments")
		h.reply(ctx, chatID, "Не удалось получить список запланированных тренировок. Попробуйте позже.", nil)
		return
	}

	planned := h.plannedClasses(apps)
	if len(planned) == 0 {
		h.reply(ctx, chatID, "У вас нет запланированных тренировок.", nil)
		return
	}

	h.reply(ctx, chatID, fmt.Sprintf("📅 Запланированные тренировки: %d\n\nОтправляю информацию о каждой тренировке...", len(planned)), nil)

	sess := h.sessions.Get(chatID)
	for _, a := range planned {
		key := ""
		if dir, ok := h.dirs.ByRoom(a.Room.Title); ok {
			key = dir.Key
		}
		tok := sess.Tokens.Appointment(key, entryOfAppointment(a))
		h.reply(ctx, chatID, myClassText(a, h.loc), ClassCardMenu(key, tok))
	}
}

// plannedClasses keeps future, planned, not canceled class appointments, earliest first.
func (h *Handler) plannedClasses(apps []crm.ClientAppointment) []crm.ClientAppointment {
	type dated struct {
		at time.Time
		a  crm.ClientAppointment
	}
	now := h.now()
	picked := make([]dated, 0, len(apps))
	for _, a := range apps {
		if a.Type != crm.AppointmentTypeClasses || a.Status != crm.StatusPlanned || a.Canceled() {
			continue
		}
		at, err := crm.ParseTime(a.StartDate, h.loc)
		if err != nil || !at.After(now) {
			continue
		}
		picked = append(picked, dated{at: at, a: a})
	}
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].at.Before(picked[j].at) })

	out := make([]crm.ClientAppointment, 0, len(picked))
	for _, d := range picked {
		out = append(out, d.a)
	}
	return out
}

// ---------- callbacks ----------

func (h *Handler) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil {
		h.answer(ctx, cq.ID, "")
		return
	}
	chatID := cq.Message.Chat.ID
	zerolog.Ctx(ctx).Debug().Str("data", cq.Data).Msg("callback")

	cb, ok := ParseCallback(cq.Data)
	if !ok {
		h.answer(ctx, cq.ID, "")
		return
	}

	notice := ""
	switch cb.Prefix {
	case CbBackClasses:
		h.sendDirections(ctx, chatID)
	case PCls:
		h.showSchedule(ctx, chatID, cb.Arg)
	case PClsItem:
		notice = h.showClass(ctx, chatID, cb.Arg, cb.Token)
	case PUnbook:
		h.unbook(ctx, chatID, cb.Arg, cb.Token)
	case PBuy:
		h.buy(ctx, chatID, cb.Arg, cb.Token)
	case PPay:
		h.pay(ctx, chatID, booking.Policy(cb.Arg), cb.Token)
	case PClose:
		h.delete(ctx, chatID, cq.Message.MessageID)
		h.sessions.Get(chatID).Back()
	}
	h.answer(ctx, cq.ID, notice)
}

func (h *Handler) showSchedule(ctx context.Context, chatID int64, key string) {
	dir, ok := h.dirs.ByKey(key)
	if !ok {
		h.reply(ctx, chatID, msgUnknownDir, nil)
		return
	}
	p, ok := h.loadProfile(ctx, chatID)
	if !ok {
		return
	}

	var entries []schedule.Entry
	p, err := h.ensureToken(ctx, p)
	if err == nil {
		clubID := p.CRM.ClubID
		p, err = h.call(ctx, p, true, func(token string) error {
			var err error
			entries, _, err = h.schedule.Upcoming(ctx, dir, schedule.Live{Token: token, ClubID: clubID})
			return err
		})
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("direction", key).Msg("upcoming classes")
		h.reply(ctx, chatID, "Не удалось получить расписание. Попробуйте позже или повторите попытку.", nil)
		return
	}
	if len(entries) == 0 {
		h.reply(ctx, chatID, "Ближайшие занятия не найдены.", nil)
		return
	}

	sess := h.sessions.Get(chatID)
	sess.Direction = key
	sess.Go(StateSchedule)

	rows := make([]ScheduleRow, 0, len(entries))
	pending := dir.Marks().Pending
	for _, e := range entries {
		rows = append(rows, ScheduleRow{
			Label: viewOfEntry(e, h.loc).label(pending),
			Token: sess.Tokens.Appointment(dir.Key, e),
		})
	}

	sent, err := h.reply(ctx, chatID, "Ближайшие занятия", ScheduleMenu(dir.Key, rows))
	if err != nil {
		return
	}

	// статусы дорисовываются в фоне, сообщение уже у пользователя
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusRefreshTimeout)
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		defer cancel()
		h.refreshMarks(bgCtx, chatID, sent.MessageID, dir, entries, rows, p.CRM.UserToken)
	}()
}

// refreshMarks replaces pending marks with booked/available ones. Failures leave the keyboard as is.
func (h *Handler) refreshMarks(ctx context.Context, chatID int64, messageID int, dir schedule.Direction,
	entries []schedule.Entry, rows []ScheduleRow, token string) {
	logger := zerolog.Ctx(ctx)

	apps, err := h.crm.Appointments(ctx, token, crm.AppointmentsQuery{
		Type:     crm.AppointmentTypeClasses,
		Statuses: []string{crm.StatusPlanned},
		PageSize: 30,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("schedule marks refresh failed")
		return
	}

	planned := make(map[string]bool, len(apps))
	for _, a := range apps {
		if a.Type == crm.AppointmentTypeClasses && a.Status == crm.StatusPlanned {
			planned[string(a.AppointmentID)] = true
		}
	}

	marks := dir.Marks()
	updated := make([]ScheduleRow, len(rows))
	for i, e := range entries {
		mark := marks.Available
		if planned[e.AppointmentID] {
			mark = marks.Recorded
		}
		updated[i] = ScheduleRow{Label: viewOfEntry(e, h.loc).label(mark), Token: rows[i].Token}
	}

	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, ScheduleMenu(dir.Key, updated))
	if _, err := h.bot.Request(edit); err != nil {
		logger.Warn().Err(err).Msg("schedule marks edit failed")
	}
}

// showClass checks the booking, books when possible and falls back to purchase offers.
// It returns the text for the callback notification.
func (h *Handler) showClass(ctx context.Context, chatID int64, key, tok string) string {
	dir, ok := h.dirs.ByKey(key)
	if !ok {
		h.reply(ctx, chatID, msgUnknownDir, nil)
		return ""
	}
	p, ok := h.loadProfile(ctx, chatID)
	if !ok {
		return ""
	}
	sess := h.sessions.Get(chatID)
	ref, ok := sess.Tokens.ResolveAppointment(tok)
	if !ok {
		h.showSchedule(ctx, chatID, key)
		return ""
	}
	sess.Go(StateClassCard)
	logger := zerolog.Ctx(ctx).With().Str("appointment_id", ref.Entry.AppointmentID).Logger()

	status, err := h.reply(ctx, chatID, "Проверяю, записаны ли вы на занятие...", nil)
	if err != nil {
		return ""
	}

	target := booking.Target{AppointmentID: ref.Entry.AppointmentID, ClubID: ref.Entry.ClubID}
	if target.ClubID == "" {
		target.ClubID = p.CRM.ClubID
	}

	// класс запоминается до записи: к нему привязывается покупка
	selected := selectedOf(dir.Key, ref.Entry)
	p = h.rememberClass(ctx, p, selected)

	// Reconcile fails only while reading the status, before any booking call, so it is safe to repeat.
	var out booking.Outcome
	p, err = h.call(ctx, p, true, func(token string) error {
		var err error
		out, err = h.reconciler.Reconcile(ctx, token, target)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("reconcile")
		h.editText(ctx, chatID, status.MessageID, "Не удалось проверить запись. Попробуйте позже.", nil)
		return ""
	}
	logger.Info().Stringer("state", out.State).Int("attempts", out.Attempts).Str("reason", out.Reason).Msg("reconciled")

	if d := out.Status.Description; d != nil {
		selected = refine(selected, d)
		p = h.rememberClass(ctx, p, selected)
	}
	details := viewOfSelected(selected, h.loc).details()

	switch {
	case out.AlreadyBooked:
		text := "✅ Вы уже записаны на занятие\n" + details
		h.editText(ctx, chatID, status.MessageID, text, ptr(ClassCardMenu(dir.Key, tok)))
		return "✅ Вы уже записаны на занятие"
	case out.ClassCanceled:
		text := "Занятие отменено, запись невозможна."
		h.editText(ctx, chatID, status.MessageID, text, nil)
		return text
	case out.State == booking.StateConfirmedBooked:
		h.editText(ctx, chatID, status.MessageID, "✅ Вы записаны на занятие\n"+details, ptr(ClassCardMenu(dir.Key, tok)))
		return "✅ Вы записаны на занятие"
	case out.State == booking.StateNeedsEntitlement:
		h.delete(ctx, chatID, status.MessageID)
		h.offerPurchase(ctx, chatID, p, dir, details)
		return ""
	default:
		h.editText(ctx, chatID, status.MessageID, "Не удалось записаться на занятие. Попробуйте позже или обратитесь на рецепцию.", nil)
		return ""
	}
}

func selectedOf(dirKey string, e schedule.Entry) *model.SelectedClass {
	return &model.SelectedClass{
		AppointmentID: e.AppointmentID,
		DirectionKey:  dirKey,
		ServiceID:     e.ServiceID,
		ClubID:        e.ClubID,
		StartDate:     e.StartDate,
		ServiceTitle:  e.ServiceTitle,
		Trainer:       e.Trainer(),
	}
}

// refine overlays live class-description values on the remembered class.
func refine(s *model.SelectedClass, d *crm.ClassDescription) *model.SelectedClass {
	c := *s
	if d.StartDate != "" {
		c.StartDate = d.StartDate
	}
	if d.Service.ID != "" {
		c.ServiceID = string(d.Service.ID)
	}
	if d.Service.Title != "" {
		c.ServiceTitle = d.Service.Title
	}
	if d.Employee != nil && d.Employee.Name != "" {
		c.Trainer = d.Employee.Name
	}
	if club := d.ClubRef(); club != "" {
		c.ClubID = club
	}
	return &c
}

func (h *Handler) rememberClass(ctx context.Context, p *model.Profile, s *model.SelectedClass) *model.Profile {
	updated := p.Clone()
	c := *s
	updated.LastSelectedClass = &c
	if err := h.repo.Save(ctx, updated); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("save selected class")
		return p
	}
	return updated
}

func (h *Handler) offerPurchase(ctx context.Context, chatID int64, p *model.Profile, dir schedule.Direction, details string) {
	if dir.CatalogTitle == "" {
		h.reply(ctx, chatID, "У вас нет основания для записи на занятие. Обратитесь на рецепцию.", nil)
		return
	}

	prep, err := h.reply(ctx, chatID, "У вас нет основания для записи на занятие, подготавливаю варианты для покупки тренировок...", nil)
	if err == nil {
		defer h.delete(ctx, chatID, prep.MessageID)
	}

	var offers []crm.PriceItem
	_, err = h.call(ctx, p, true, func(token string) error {
		var err error
		offers, err = h.purchaser.Offers(ctx, token, dir.CatalogTitle)
		return err
	})
	switch {
	case errors.Is(err, booking.ErrNoPurchaseOption):
		h.reply(ctx, chatID, fmt.Sprintf("Подходящие варианты для покупки в каталоге \"%s\" не найдены. Обратитесь на рецепцию.",
			dir.CatalogTitle), nil)
		return
	case err != nil:
		zerolog.Ctx(ctx).Error().Err(err).Msg("purchase offers")
		h.reply(ctx, chatID, "Не удалось подобрать варианты покупки. Попробуйте позже или обратитесь на рецепцию.", nil)
		return
	}

	sess := h.sessions.Get(chatID)
	sess.Go(StatePurchase)
	buttons := make([]Offer, 0, len(offers))
	for _, item := range offers {
		buttons = append(buttons, Offer{Label: offerLabel(item), Token: sess.Tokens.Purchase(dir.Key, item)})
	}

	header := fmt.Sprintf("Вы можете приобрести подходящие тренировки в каталоге \"%s\":", dir.CatalogTitle)
	if details != "" {
		header += "\nПосле оплаты вы будете записаны на:\n" + details
	}
	h.reply(ctx, chatID, header, OffersMenu(dir.Key, buttons))
}

func (h *Handler) buy(ctx context.Context, chatID int64, key, tok string) {
	if _, ok := h.dirs.ByKey(key); !ok {
		h.reply(ctx, chatID, msgUnknownDir, nil)
		return
	}
	p, ok := h.loadProfile(ctx, chatID)
	if !ok {
		return
	}
	sess := h.sessions.Get(chatID)
	ref, ok := sess.Tokens.ResolvePurchase(tok)
	if !ok {
		h.reply(ctx, chatID, "Не удалось найти выбранный товар. Попробуйте снова.", nil)
		return
	}

	p, err := h.ensureToken(ctx, p)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("ensure token")
		h.reply(ctx, chatID, "Не удалось обработать выбор товара. Попробуйте позже.", nil)
		return
	}
	if p.CRM.ClubID == "" {
		h.reply(ctx, chatID, "Не удалось определить клуб. Попробуйте позже.", nil)
		return
	}

	req := booking.QuoteRequest{PurchaseID: ref.Item.Purchase(), ClubID: p.CRM.ClubID}
	var class *model.SelectedClass
	if last := p.LastSelectedClass; last != nil {
		c := *last
		class = &c
		req.ServiceID = c.ServiceID
	}

	var q *booking.Quote
	p, err = h.call(ctx, p, true, func(token string) error {
		var err error
		q, err = h.purchaser.Quote(ctx, token, req)
		return err
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("purchase_id", req.PurchaseID).Msg("quote")
		h.reply(ctx, chatID, "Не удалось обработать выбор товара. Попробуйте позже.", nil)
		return
	}

	payment := paymentRef{DirKey: ref.DirKey, Quote: q, Class: class}
	payTok := sess.Tokens.Payment(payment)

	// без лицевого счёта остаётся один вариант: долг на рецепции, оформляем сразу
	if len(q.Options) == 1 {
		h.settle(ctx, chatID, p, payTok, payment, q.Options[0].Policy)
		return
	}

	sess.Go(StatePayment)
	h.reply(ctx, chatID, depositText(q.Deposit), PaymentMenu(payTok, q.Options))
}

func (h *Handler) pay(ctx context.Context, chatID int64, policy booking.Policy, tok string) {
	p, ok := h.loadProfile(ctx, chatID)
	if !ok {
		return
	}
	ref, ok := h.sessions.Get(chatID).Tokens.ResolvePayment(tok)
	if !ok {
		h.reply(ctx, chatID, "Не удалось найти информацию об оплате. Попробуйте снова.", nil)
		return
	}
	h.settle(ctx, chatID, p, tok, ref, policy)
}

// settle pays the quote and books the remembered class without a ticket.
func (h *Handler) settle(ctx context.Context, chatID int64, p *model.Profile, tok string, ref paymentRef, policy booking.Policy) {
	logger := zerolog.Ctx(ctx)

	var receipt *booking.Receipt
	p, err := h.call(ctx, p, false, func(token string) error {
		var err error
		receipt, err = h.purchaser.Pay(ctx, token, ref.Quote, policy)
		return err
	})
	switch {
	case errors.Is(err, booking.ErrPolicyUnavailable):
		h.reply(ctx, chatID, "Выбранный вариант оплаты недоступен.", nil)
		return
	case errors.Is(err, crm.ErrEmptyCart):
		logger.Error().Err(err).Msg("empty cart")
		h.reply(ctx, chatID, "Не удалось оформить оплату: корзина пуста. Обратитесь на рецепцию.", nil)
		return
	case err != nil:
		logger.Error().Err(err).Msg("payment")
		h.reply(ctx, chatID, "Не удалось оформить оплату: "+crm.Reason(err), nil)
		return
	}

	// повторное нажатие не должно создать второй платёж
	h.sessions.Get(chatID).Tokens.Forget(tok)
	h.reply(ctx, chatID, paymentText(receipt), nil)

	if ref.Class == nil || ref.Class.AppointmentID == "" {
		return
	}
	out := h.reconciler.BookAfterPayment(ctx, p.CRM.UserToken, booking.Target{
		AppointmentID: ref.Class.AppointmentID,
		ClubID:        ref.Quote.Request.ClubID,
	})
	if out.State != booking.StateConfirmedBooked {
		logger.Warn().Stringer("state", out.State).Str("reason", out.Reason).Msg("booking after payment failed")
		text := "Оплата прошла успешно, но не удалось записаться на занятие. Обратитесь на рецепцию."
		if out.Reason != "" && out.Reason != crm.StatusTemporarilyReserved {
			text = fmt.Sprintf("Оплата прошла успешно, но не удалось записаться на занятие: %s. Обратитесь на рецепцию.", out.Reason)
		}
		h.reply(ctx, chatID, text, nil)
		return
	}

	dir, _ := h.dirs.ByKey(ref.DirKey)
	view := viewOfSelected(ref.Class, h.loc)
	h.reply(ctx, chatID, fmt.Sprintf("✅ Запись оформлена! %s\n%s", dir.Marks().Recorded, view.details()), nil)
	if dir.Key != "" {
		h.showSchedule(ctx, chatID, dir.Key)
	}
}

func (h *Handler) unbook(ctx context.Context, chatID int64, key, tok string) {
	p, ok := h.loadProfile(ctx, chatID)
	if !ok {
		return
	}
	dir, known := h.dirs.ByKey(key)
	ref, ok := h.sessions.Get(chatID).Tokens.ResolveAppointment(tok)
	if !ok {
		if known {
			h.showSchedule(ctx, chatID, key)
			return
		}
		h.reply(ctx, chatID, "Занятие не найдено. Откройте список заново: /my_classes", nil)
		return
	}

	var desc *crm.ClassDescription
	_, err := h.call(ctx, p, false, func(token string) error {
		var err error
		desc, err = h.reconciler.Unbook(ctx, token, ref.Entry.AppointmentID)
		return err
	})
	switch {
	case errors.Is(err, booking.ErrClassCanceled):
		h.reply(ctx, chatID, "Занятие отменено.", nil)
		return
	case err != nil:
		zerolog.Ctx(ctx).Error().Err(err).Str("appointment_id", ref.Entry.AppointmentID).Msg("unbook")
		h.reply(ctx, chatID, "Не удалось отменить запись: "+crm.Reason(err), nil)
		return
	}

	selected := selectedOf(ref.DirKey, ref.Entry)
	if desc != nil {
		selected = refine(selected, desc)
	}
	view := viewOfSelected(selected, h.loc)
	h.reply(ctx, chatID, fmt.Sprintf("❌ Запись отменена. %s\n%s", dir.Marks().Available, view.details()), nil)
	if known {
		h.showSchedule(ctx, chatID, key)
	}
}

// ---------- helpers ----------

// loadProfile returns the active profile or tells the user how to log in.
func (h *Handler) loadProfile(ctx context.Context, chatID int64) (*model.Profile, bool) {
	p, err := h.repo.Get(ctx, chatID)
	switch {
	case errors.Is(err, model.ErrProfileNotFound):
		h.reply(ctx, chatID, msgNeedContact, nil)
		return nil, false
	case err != nil:
		zerolog.Ctx(ctx).Error().Err(err).Msg("load profile")
		h.reply(ctx, chatID, "Не удалось загрузить профиль. Попробуйте позже.", nil)
		return nil, false
	case !p.Active():
		h.reply(ctx, chatID, msgLogin, nil)
		return nil, false
	}
	return p, true
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string, markup any) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	sent, err := h.bot.Send(msg)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("send message")
	}
	return sent, err
}

func (h *Handler) editText(ctx context.Context, chatID int64, messageID int, text string, markup *tgbotapi.InlineKeyboardMarkup) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ReplyMarkup = markup
	if _, err := h.bot.Send(edit); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("edit message")
	}
}

func (h *Handler) delete(ctx context.Context, chatID int64, messageID int) {
	if _, err := h.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("delete message")
	}
}

func (h *Handler) answer(ctx context.Context, callbackID, text string) {
	if _, err := h.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("answer callback")
	}
}

func ptr[T any](v T) *T { return &v }
