package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ikvm/Microservice/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	at         TIMESTAMPTZ NOT NULL,
	originator TEXT NOT NULL,
	kind       TEXT NOT NULL,
	ekey       TEXT,
	data       JSONB
);
CREATE INDEX IF NOT EXISTS events_at ON events(at);
CREATE TABLE IF NOT EXISTS dedup (
	dkey     TEXT PRIMARY KEY,
	until_ts TIMESTAMPTZ NOT NULL
);
`

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(pctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return &pgStore{pool: pool, log: log}, nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) AppendEvent(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var data any
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, at, originator, kind, ekey, data) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.At.UTC(), e.Originator, e.Kind, nullStr(e.Key), data,
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}
	return nil
}

func (s *pgStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, at, originator, kind, ekey, data::text FROM events ORDER BY at DESC, seq DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			e         Event
			key, data *string
		)
		if err := rows.Scan(&e.ID, &e.At, &e.Originator, &e.Kind, &key, &data); err != nil {
			return nil, err
		}
		if key != nil {
			e.Key = *key
		}
		if data != nil {
			e.Data = []byte(*data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dedup (dkey, until_ts) VALUES ($1, $2)
		 ON CONFLICT (dkey) DO UPDATE SET until_ts = EXCLUDED.until_ts`, key, until.UTC())
	return err
}

func (s *pgStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until time.Time
	err := s.pool.QueryRow(ctx, `SELECT until_ts FROM dedup WHERE dkey = $1 AND until_ts >= now()`, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}
