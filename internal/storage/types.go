package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal plus dedup snapshot under Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN is a pgx connection string
//   - "mysql": DSN is a go-sql-driver DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Event is one journal entry. Keep it compact and schema-stable.
type Event struct {
	ID         string          `json:"id"`
	At         time.Time       `json:"at"`
	Originator string          `json:"originator"`
	Kind       string          `json:"kind"`
	Key        string          `json:"key,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}
