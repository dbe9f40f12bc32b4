package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/ikvm/Microservice/pkg/logx"
)

var mysqlDialect = dialect{
	driver: "mysql",
	schema: `
CREATE TABLE IF NOT EXISTS events (
	seq        BIGINT AUTO_INCREMENT PRIMARY KEY,
	id         VARCHAR(64) NOT NULL UNIQUE,
	at         BIGINT NOT NULL,
	originator VARCHAR(128) NOT NULL,
	kind       VARCHAR(128) NOT NULL,
	ekey       VARCHAR(255),
	data       TEXT,
	INDEX events_at (at)
);
CREATE TABLE IF NOT EXISTS dedup (
	dkey     VARCHAR(255) PRIMARY KEY,
	until_ms BIGINT NOT NULL
)
`,
	upsert:      `INSERT INTO dedup(dkey, until_ms) VALUES(?,?) ON DUPLICATE KEY UPDATE until_ms=VALUES(until_ms)`,
	maxConns:    8,
	maxLifetime: 5 * time.Minute,
	ping:        true,
}

func openMySQL(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("storage.dsn is required for mysql driver")
	}
	st, err := openSQL(ctx, mysqlDialect, dsn, log)
	if err != nil {
		return nil, err
	}
	return st, nil
}
