package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	_ "time/tzdata"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
	"github.com/napryag/fitness_portal_bot/pkg/domain/booking"
	"github.com/napryag/fitness_portal_bot/pkg/domain/bot/receiver"
	"github.com/napryag/fitness_portal_bot/pkg/domain/bot/receiver/config"
	"github.com/napryag/fitness_portal_bot/pkg/domain/bot/sender"
	"github.com/napryag/fitness_portal_bot/pkg/domain/health"
	"github.com/napryag/fitness_portal_bot/pkg/domain/schedule"
	"github.com/napryag/fitness_portal_bot/pkg/repository/model"
	"github.com/napryag/fitness_portal_bot/pkg/repository/store"
	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 1) Логгер
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	// 2) Конфиг
	cfgPath := config.DefaultPath
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Err(errs.New("failed to load config").Wrap(err)).Msg("config init")
		os.Exit(1)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	// Контекст, завершающийся по SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("bot stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("bot stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// 3) Хранилище профилей
	repo, err := openRepo(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn().Err(err).Msg("close profile store")
		}
	}()

	// 4) CRM
	gw := crm.NewClient(crm.Config{
		BaseURL:            crm.BaseURL(cfg.Env.APIHost, cfg.Env.APIPort, cfg.Env.APIPath),
		APIKey:             cfg.Env.APIKey,
		Authorization:      cfg.Env.Authorization,
		SecretKey:          cfg.Env.SecretKey,
		Timeout:            cfg.CRM.Timeout,
		InsecureSkipVerify: cfg.CRM.InsecureSkipVerify,
		PricelistPaths:     cfg.CRM.PricelistPaths,
	}, logger)

	// 5) Telegram
	api, err := tgbotapi.NewBotAPI(cfg.Env.BotToken)
	if err != nil {
		return errs.New("create bot api").Wrap(err)
	}
	api.Debug = false
	logger.Info().Str("bot", api.Self.UserName).Msg("authorized")
	bot := sender.New(cfg.Sender, logger, api)

	// 6) Расписание
	cache := schedule.NewFileCache(cfg.CachePath)
	svc := schedule.NewService(cache, gw, cfg.ScheduleHorizon, loc)

	handler := receiver.NewHandler(
		bot, repo, gw,
		booking.NewReconciler(gw),
		booking.NewPurchaser(gw, cfg.PurchaseOptions),
		svc, cfg.Directions,
	)
	dispatcher := receiver.NewDispatcher(handler, bot, receiver.DispatcherConfig{
		PerSecond: cfg.RateLimit.PerSecond,
		Burst:     cfg.RateLimit.Burst,
		Idle:      cfg.ChatIdle,
	}, logger)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           health.NewHandler(cache, logger).SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 10
		updates := api.GetUpdatesChan(u)
		go func() {
			<-gctx.Done()
			logger.Info().Msg("shutting down bot")
			// Останавливаем лонг-поллинг -> канал updates закроется
			api.StopReceivingUpdates()
		}()
		err := dispatcher.Run(gctx, updates)
		handler.Wait()
		return err
	})

	refresher := schedule.NewRefresher(schedule.RefresherConfig{
		Phone:      cfg.Env.CachePhone,
		Interval:   cfg.CacheInterval,
		Horizon:    cfg.CacheHorizon,
		Location:   loc,
		Directions: cfg.Directions,
	}, gw, cache, logger)
	g.Go(func() error { return refresher.Start(gctx) })

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("health server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errs.New("health server").Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openRepo picks Postgres when DATABASE_URI is set and the JSON file otherwise.
func openRepo(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (model.ProfileRepo, error) {
	if dsn := cfg.Env.DatabaseURI; dsn != "" {
		repo, err := store.NewRepo(ctx, dsn)
		if err != nil {
			return nil, errs.New("open postgres profile store").Wrap(err)
		}
		logger.Info().Msg("profiles stored in postgres")
		return repo, nil
	}

	repo, err := store.NewFileRepo(cfg.StorePath)
	if err != nil {
		return nil, errs.New("open file profile store").Arg("path", cfg.StorePath).Wrap(err)
	}
	logger.Info().Str("path", cfg.StorePath).Msg("profiles stored in file")
	return repo, nil
}
