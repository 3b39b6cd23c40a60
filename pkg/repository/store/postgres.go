package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/napryag/fitness_portal_bot/pkg/repository/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var retryDelays = []time.Duration{200 * time.Millisecond, time.Second, 3 * time.Second}

// PGRepo хранит профили в таблице chat_profile, по строке на чат.
type PGRepo struct{ pool *pgxpool.Pool }

func NewRepo(ctx context.Context, dsn string) (*PGRepo, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PGRepo{pool: pool}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *PGRepo) migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (r *PGRepo) Get(ctx context.Context, chatID int64) (*model.Profile, error) {
	var payload []byte
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx, `SELECT payload FROM chat_profile WHERE chat_id=$1`, chatID).Scan(&payload)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select profile %d: %w", chatID, err)
	}

	var p model.Profile
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode profile %d: %w", chatID, err)
	}
	p.ChatID = chatID
	return &p, nil
}

func (r *PGRepo) Save(ctx context.Context, p *model.Profile) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile %d: %w", p.ChatID, err)
	}
	err = r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO chat_profile (chat_id, status, payload, updated_at)
			VALUES ($1,$2,$3,now())
			ON CONFLICT (chat_id) DO UPDATE
			   SET status=EXCLUDED.status, payload=EXCLUDED.payload, updated_at=now()
		`, p.ChatID, string(p.Status), payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert profile %d: %w", p.ChatID, err)
	}
	return nil
}

func (r *PGRepo) Close() error {
	r.pool.Close()
	return nil
}

// withRetry повторяет fn при serialization failure, deadlock и обрыве соединения.
func (r *PGRepo) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; ; i++ {
		err = fn()
		if err == nil || !retryable(err) || i >= len(retryDelays) {
			return err
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgerrcode.IsConnectionException(pgErr.Code)
	}
	return pgconn.SafeToRetry(err)
}
