package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON state file (write-temp-then-rename) + jsonl delivery journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty, "file" is used.
type Config struct {
	Driver      string
	Path        string
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryEntry records one send attempt.
// Keep it compact and schema-stable.
type DeliveryEntry struct {
	At        time.Time `json:"at"`
	Key       string    `json:"key"`
	ListingID int64     `json:"listing_id"`
	Cycle     uint64    `json:"cycle"`
	OK        bool      `json:"ok"`
	Error     string    `json:"err,omitempty"`
	TookMS    int64     `json:"took_ms"`
}
