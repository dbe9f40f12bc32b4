package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ikvm/Microservice/pkg/logx"
)

// Store is the persistence API used by the event source and dedup.
type Store interface {
	AppendEvent(ctx context.Context, e Event) error
	// RecentEvents returns up to limit events, newest first.
	RecentEvents(ctx context.Context, limit int) ([]Event, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

type opener func(ctx context.Context, cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file": func(_ context.Context, cfg Config, log logx.Logger) (Store, error) {
		return openFile(cfg, log)
	},
	"sqlite":   openSQLite,
	"postgres": openPostgres,
	"mysql":    openMySQL,
}

var driverAliases = map[string]string{
	"sqlite3":    "sqlite",
	"postgresql": "postgres",
	"pgx":        "postgres",
}

// Open initializes the configured store. A blank or "none" driver yields
// (nil, nil).
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	if alias, ok := driverAliases[name]; ok {
		name = alias
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}
	return open(ctx, cfg, log.With(logx.String("driver", name)))
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

func clampLimit(n int) int {
	if n <= 0 || n > maxEventLimit {
		return defaultEventLimit
	}
	return n
}
