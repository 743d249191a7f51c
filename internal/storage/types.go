package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// OutcomeRecord is one finished job run.
// Keep it compact and schema-stable.
type OutcomeRecord struct {
	At      time.Time `json:"at"`
	Owner   int64     `json:"owner"`
	Kind    string    `json:"kind"`
	Lesson  string    `json:"lesson"`
	Result  string    `json:"result"` // succeeded | failed | aborted
	Message string    `json:"message,omitempty"`
	Retries int       `json:"retries,omitempty"`
}
