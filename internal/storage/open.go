package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "slotbot/pkg/logx"
)

// Store is the persistence API used by the job layer and the /history command.
type Store interface {
	AppendOutcome(ctx context.Context, rec OutcomeRecord) error
	// RecentOutcomes returns the operator's newest outcomes, newest first.
	RecentOutcomes(ctx context.Context, owner int64, limit int) ([]OutcomeRecord, error)
	// Prune drops records older than the cutoff and returns how many went.
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
