package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

var ErrNoClub = errs.New("client club is unknown").Kind(errs.KindIntegrity)

type ClassLister interface {
	Classes(ctx context.Context, token, clubID string, from, to time.Time) ([]crm.Class, error)
}

// Live is the user identity used when the snapshot has nothing for a direction.
type Live struct {
	Token  string
	ClubID string
}

// Service answers "what is coming up in this direction", cache first.
type Service struct {
	cache   Cache
	classes ClassLister
	horizon time.Duration
	loc     *time.Location
	now     func() time.Time
}

func NewService(cache Cache, classes ClassLister, horizon time.Duration, loc *time.Location) *Service {
	if horizon <= 0 {
		horizon = 72 * time.Hour
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{cache: cache, classes: classes, horizon: horizon, loc: loc, now: time.Now}
}

func (s *Service) Location() *time.Location { return s.loc }

// Cached returns the future snapshot entries for a direction. A missing snapshot yields nothing.
func (s *Service) Cached(ctx context.Context, dir Direction) []Entry {
	snap, err := s.cache.Load()
	if err != nil {
		if !errors.Is(err, ErrNoSnapshot) {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("schedule snapshot unreadable")
		}
		return nil
	}
	return Future(snap.Data[dir.Key], s.now(), s.loc)
}

// Upcoming returns the direction's classes from the snapshot, or from a live call for the user's club.
func (s *Service) Upcoming(ctx context.Context, dir Direction, live Live) (entries []Entry, fromCache bool, err error) {
	if cached := s.Cached(ctx, dir); len(cached) > 0 {
		return cached, true, nil
	}
	if live.ClubID == "" {
		return nil, false, ErrNoClub
	}

	now := s.now()
	classes, err := s.classes.Classes(ctx, live.Token, live.ClubID, now, now.Add(s.horizon))
	if err != nil {
		return nil, false, err
	}
	return Select(classes, dir, now, s.horizon, s.loc), false, nil
}
