package sender

import (
	"errors"
	"math"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

// API is the part of tgbotapi.BotAPI the processor drives.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Processor sends outgoing messages, retrying transport failures, 5xx and 429.
// Other 4xx answers are final.
type Processor struct {
	config ProcessorConfig
	logger zerolog.Logger

	bot   API
	sleep func(time.Duration)
}

func New(config ProcessorConfig, logger zerolog.Logger, bot API) *Processor {
	return &Processor{
		config: config.withDefaults(),
		logger: logger,
		bot:    bot,
		sleep:  time.Sleep,
	}
}

func (p *Processor) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	var msg tgbotapi.Message
	err := p.retry("send", func() error {
		var err error
		msg, err = p.bot.Send(c)
		return err
	})
	return msg, err
}

func (p *Processor) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	var resp *tgbotapi.APIResponse
	err := p.retry("request", func() error {
		var err error
		resp, err = p.bot.Request(c)
		return err
	})
	return resp, err
}

func (p *Processor) retry(op string, call func() error) error {
	p.logger.Trace().Str("op", op).Msg("In")
	defer p.logger.Trace().Str("op", op).Msg("Out")

	var err error
	for i := 0; i < p.config.Attempts; i++ {
		if err = call(); err == nil {
			return nil
		}
		wait, ok := p.backoff(err, i)
		if !ok {
			return errs.New("telegram rejected the call").Arg("op", op).Kind(errs.KindBusiness).Wrap(err)
		}
		if i == p.config.Attempts-1 {
			break
		}
		p.logger.Warn().Err(err).Str("op", op).Int("retry", i+1).Dur("wait", wait).Msg("call failed, retrying")
		p.sleep(wait)
	}
	p.logger.Error().Err(err).Str("op", op).Msg("call permanently failed")

	return errs.New("failed to call telegram").Arg("op", op).Kind(errs.KindTransport).Wrap(err)
}

// backoff reports whether err is worth retrying and how long to wait before the next try.
func (p *Processor) backoff(err error, attempt int) (time.Duration, bool) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * p.config.BaseDelay

	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return wait, true
	}
	switch {
	case tgErr.Code == http.StatusTooManyRequests:
		if s := tgErr.RetryAfter; s > 0 {
			return time.Duration(s) * time.Second, true
		}
		return wait, true
	case tgErr.Code >= http.StatusInternalServerError:
		return wait, true
	default:
		return 0, false
	}
}
