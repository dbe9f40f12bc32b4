package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ikvm/Microservice/pkg/logx"
)

const (
	openTimeout = 10 * time.Second
	// PutDedup prunes expired marks once every dedupPruneEvery writes
	dedupPruneEvery = 500
	pruneTimeout    = 50 * time.Millisecond
)

// dialect is what differs between the database/sql drivers: schema,
// upsert syntax and connection setup.
type dialect struct {
	driver      string
	schema      string
	upsert      string
	pragmas     []string
	maxConns    int
	maxLifetime time.Duration
	ping        bool
}

// sqlStore serves every database/sql dialect.
type sqlStore struct {
	db     *sql.DB
	log    logx.Logger
	upsert string

	writes atomic.Uint64
}

// openSQL connects, applies the dialect's session setup and creates the
// tables. The db is closed on any failure.
func openSQL(ctx context.Context, d dialect, dsn string, log logx.Logger) (_ *sqlStore, err error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()
	if d.maxConns > 0 {
		db.SetMaxOpenConns(d.maxConns)
		db.SetMaxIdleConns(d.maxConns)
	}
	if d.maxLifetime > 0 {
		db.SetConnMaxLifetime(d.maxLifetime)
	}

	octx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	if d.ping {
		if err := db.PingContext(octx); err != nil {
			return nil, fmt.Errorf("%s ping: %w", d.driver, err)
		}
	}
	for _, p := range d.pragmas {
		if _, err := db.ExecContext(octx, p); err != nil {
			log.Warn("session setup failed", logx.String("stmt", p), logx.Err(err))
		}
	}
	for _, stmt := range strings.Split(d.schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(octx, stmt); err != nil {
			return nil, fmt.Errorf("%s migrate: %w", d.driver, err)
		}
	}
	return &sqlStore{db: db, log: log, upsert: d.upsert}, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) AppendEvent(ctx context.Context, e Event) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(id, at, originator, kind, ekey, data) VALUES(?,?,?,?,?,?)`,
		e.ID, e.At.UnixMilli(), e.Originator, e.Kind, nullStr(e.Key), nullStr(string(e.Data)),
	)
	return err
}

func (s *sqlStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, originator, kind, ekey, data FROM events ORDER BY at DESC, seq DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			e         Event
			ms        int64
			key, data sql.NullString
		)
		if err := rows.Scan(&e.ID, &ms, &e.Originator, &e.Kind, &key, &data); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(ms)
		e.Key = key.String
		if data.Valid {
			e.Data = []byte(data.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, s.upsert, key, until.UnixMilli()); err != nil {
		return err
	}
	if s.writes.Add(1)%dedupPruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pruneTimeout)
		defer cancel()
		if err := s.pruneExpired(pctx); err != nil {
			s.log.Debug("dedup prune failed", logx.Err(err))
		}
	}
	return nil
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until_ms FROM dedup WHERE dkey = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if ms < time.Now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until_ms < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
