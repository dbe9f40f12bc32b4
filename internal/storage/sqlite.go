package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ikvm/Microservice/pkg/logx"
)

var sqliteDialect = dialect{
	driver: "sqlite",
	schema: `
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	at         INTEGER NOT NULL,
	originator TEXT NOT NULL,
	kind       TEXT NOT NULL,
	ekey       TEXT,
	data       TEXT
);
CREATE INDEX IF NOT EXISTS events_at ON events(at);
CREATE TABLE IF NOT EXISTS dedup (
	dkey     TEXT PRIMARY KEY,
	until_ms INTEGER NOT NULL
);
`,
	upsert: `INSERT INTO dedup(dkey, until_ms) VALUES(?,?) ON CONFLICT(dkey) DO UPDATE SET until_ms=excluded.until_ms`,
	// one writer; sqlite serializes writes anyway
	maxConns: 1,
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	d := sqliteDialect
	d.pragmas = []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"}
	if cfg.BusyTimeout > 0 {
		d.pragmas = append(d.pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	st, err := openSQL(ctx, d, path, log)
	if err != nil {
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}
