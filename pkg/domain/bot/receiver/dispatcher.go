package receiver

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	msgThrottledCallback = "Слишком много запросов. Подождите..."
	msgThrottledMessage  = "Слишком много запросов. Пожалуйста, подождите..."
)

type UpdateHandler interface {
	HandleUpdate(ctx context.Context, upd tgbotapi.Update)
}

type DispatcherConfig struct {
	PerSecond float64
	Burst     int
	// Idle is how long a silent chat keeps its limiter.
	Idle time.Duration
}

type job struct {
	upd       tgbotapi.Update
	throttled bool
}

// chat is the per-chat queue. While running is set exactly one goroutine drains pending.
type chat struct {
	limiter  *rate.Limiter
	pending  []job
	running  bool
	lastSeen time.Time
}

// Dispatcher serves each chat on its own goroutine, in arrival order.
// A handler stuck in one chat never delays another chat.
type Dispatcher struct {
	handler UpdateHandler
	bot     Messenger
	cfg     DispatcherConfig
	logger  zerolog.Logger
	now     func() time.Time

	mu    sync.Mutex
	chats map[int64]*chat
	wg    sync.WaitGroup
}

func NewDispatcher(h UpdateHandler, bot Messenger, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 3
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Idle <= 0 {
		cfg.Idle = time.Minute
	}
	// лимитер нельзя забывать раньше, чем он полностью восполнится
	if refill := time.Duration(float64(cfg.Burst) / cfg.PerSecond * float64(time.Second)); cfg.Idle < refill {
		cfg.Idle = refill
	}
	return &Dispatcher{
		handler: h,
		bot:     bot,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		chats:   make(map[int64]*chat),
	}
}

// Run consumes updates until the channel closes or ctx is done, then waits for in-flight handlers.
func (d *Dispatcher) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	sweep := time.NewTicker(d.cfg.Idle)
	defer sweep.Stop()
	defer func() {
		d.wg.Wait()
		d.logger.Info().Msg("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			d.sweep()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			d.enqueue(ctx, upd)
		}
	}
}

// enqueue never blocks: the update is appended to its chat queue and a drainer is started if idle.
func (d *Dispatcher) enqueue(ctx context.Context, upd tgbotapi.Update) {
	chatID, ok := chatOf(upd)
	if !ok {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.chats[chatID]
	if !ok {
		c = &chat{limiter: rate.NewLimiter(rate.Limit(d.cfg.PerSecond), d.cfg.Burst)}
		d.chats[chatID] = c
	}
	c.lastSeen = d.now()
	c.pending = append(c.pending, job{upd: upd, throttled: !c.limiter.Allow()})
	if !c.running {
		c.running = true
		d.wg.Add(1)
		go d.drain(ctx, c)
	}
}

func (d *Dispatcher) drain(ctx context.Context, c *chat) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(c.pending) == 0 {
			c.running = false
			c.lastSeen = d.now()
			d.mu.Unlock()
			return
		}
		j := c.pending[0]
		c.pending = c.pending[1:]
		d.mu.Unlock()

		d.serve(ctx, j)
	}
}

// sweep forgets chats that have been silent for longer than cfg.Idle.
func (d *Dispatcher) sweep() {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, c := range d.chats {
		if !c.running && now.Sub(c.lastSeen) >= d.cfg.Idle {
			delete(d.chats, id)
		}
	}
}

func (d *Dispatcher) serve(ctx context.Context, j job) {
	upd := j.upd
	chatID, _ := chatOf(upd)
	logger := d.logger.With().
		Str("request_id", uuid.NewString()).
		Int64("chat_id", chatID).
		Int("update_id", upd.UpdateID).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("handler panic")
		}
	}()

	if j.throttled {
		logger.Warn().Msg("rate limited")
		d.throttled(upd, chatID)
		return
	}

	// уже начатая обработка доводится до конца и при остановке
	hctx := logger.WithContext(context.WithoutCancel(ctx))
	d.handler.HandleUpdate(hctx, upd)
}

func (d *Dispatcher) throttled(upd tgbotapi.Update, chatID int64) {
	var err error
	if cq := upd.CallbackQuery; cq != nil {
		_, err = d.bot.Request(tgbotapi.NewCallback(cq.ID, msgThrottledCallback))
	} else {
		_, err = d.bot.Send(tgbotapi.NewMessage(chatID, msgThrottledMessage))
	}
	if err != nil {
		d.logger.Debug().Err(err).Int64("chat_id", chatID).Msg("throttle notice failed")
	}
}

func chatOf(upd tgbotapi.Update) (int64, bool) {
	switch {
	case upd.CallbackQuery != nil && upd.CallbackQuery.Message != nil:
		return upd.CallbackQuery.Message.Chat.ID, true
	case upd.CallbackQuery != nil && upd.CallbackQuery.From != nil:
		return upd.CallbackQuery.From.ID, true
	case upd.Message != nil:
		return upd.Message.Chat.ID, true
	}
	return 0, false
}
