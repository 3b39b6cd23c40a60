package schedule

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

// Source is the part of the CRM the refresher needs.
type Source interface {
	PassToken(ctx context.Context, phone string) (string, error)
	Client(ctx context.Context, token string) (*crm.ClientInfo, error)
	Classes(ctx context.Context, token, clubID string, from, to time.Time) ([]crm.Class, error)
}

type RefresherConfig struct {
	Phone      string
	Interval   time.Duration
	Horizon    time.Duration
	Location   *time.Location
	Directions Directions
}

// Refresher rewrites the snapshot on a fixed interval using the cache identity.
type Refresher struct {
	cfg    RefresherConfig
	src    Source
	cache  Cache
	logger zerolog.Logger
	now    func() time.Time
}

func NewRefresher(cfg RefresherConfig, src Source, cache Cache, logger zerolog.Logger) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 72 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Refresher{
		cfg:    cfg,
		src:    src,
		cache:  cache,
		logger: logger.With().Str("component", "schedule_refresher").Logger(),
		now:    time.Now,
	}
}

// Start refreshes immediately and then on every tick until ctx is done. Failures are logged only.
func (r *Refresher) Start(ctx context.Context) error {
	if r.cfg.Phone == "" {
		r.logger.Warn().Msg("CACHE_PHONE is not set, schedule cache disabled")
		<-ctx.Done()
		return nil
	}

	r.refreshLogged(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.refreshLogged(ctx)
		}
	}
}

func (r *Refresher) refreshLogged(ctx context.Context) {
	started := r.now()
	snap, err := r.Refresh(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("schedule cache refresh failed")
		return
	}
	total := 0
	for _, entries := range snap.Data {
		total += len(entries)
	}
	r.logger.Info().Int("classes", total).Dur("took", r.now().Sub(started)).Msg("schedule cache refreshed")
}

// Refresh pulls the schedule once and stores a new snapshot.
func (r *Refresher) Refresh(ctx context.Context) (*Snapshot, error) {
	if len(r.cfg.Directions) == 0 {
		return nil, errs.New("no directions configured")
	}

	token, err := r.src.PassToken(ctx, r.cfg.Phone)
	if err != nil {
		return nil, errs.New("cache identity pass token").Wrap(err)
	}
	client, err := r.src.Client(ctx, token)
	if err != nil {
		return nil, errs.New("cache identity client").Wrap(err)
	}
	clubID := string(client.Club.ID)
	if clubID == "" {
		return nil, errs.New("cache identity has no club").Kind(errs.KindIntegrity)
	}

	now := r.now()
	classes, err := r.src.Classes(ctx, token, clubID, now, now.Add(r.cfg.Horizon))
	if err != nil {
		return nil, errs.New("fetch classes").Arg("club_id", clubID).Wrap(err)
	}

	snap := &Snapshot{
		UpdatedAt: now.UTC(),
		ClubID:    clubID,
		Phone:     crm.NormalizePhone(r.cfg.Phone),
		Data:      make(map[string][]Entry, len(r.cfg.Directions)),
	}
	for _, dir := range r.cfg.Directions {
		snap.Data[dir.Key] = Select(classes, dir, now, r.cfg.Horizon, r.cfg.Location)
	}

	if err := r.cache.Store(snap); err != nil {
		return nil, err
	}
	return snap, nil
}
