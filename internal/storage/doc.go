// Package storage persists the runtime's event journal and the inbound
// message dedup window.
//
// Drivers: "file" (JSON Lines, no external service), "sqlite" (pure Go,
// modernc.org/sqlite), "postgres" (pgx pool) and "mysql".
package storage
