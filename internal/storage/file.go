package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "slotbot/pkg/logx"
)

// maxLoadedRecords bounds how much history a file store keeps in memory
// after replaying the log. Older records stay on disk until the next Prune.
const maxLoadedRecords = 10000

// fileStore is a dependency-free persistence backend: one append-only
// JSON Lines file, replayed into memory on open. Prune rewrites the file
// atomically (tmp + rename).
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	file *os.File
	recs []OutcomeRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	if ext := filepath.Ext(path); ext == "" {
		path += ".outcomes.jsonl"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	recs, err := replayOutcomes(path)
	if err != nil {
		return nil, err
	}
	if len(recs) > maxLoadedRecords {
		recs = recs[len(recs)-maxLoadedRecords:]
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, file: f, recs: recs}, nil
}

func replayOutcomes(path string) ([]OutcomeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var recs []OutcomeRecord
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for s.Scan() {
		var r OutcomeRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			// A torn final line from a crashed process is not fatal.
			continue
		}
		recs = append(recs, r)
	}
	return recs, s.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) AppendOutcome(ctx context.Context, rec OutcomeRecord) error {
	_ = ctx
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("outcome log closed")
	}
	if err := json.NewEncoder(s.file).Encode(rec); err != nil {
		return err
	}
	s.recs = append(s.recs, rec)
	if len(s.recs) > maxLoadedRecords {
		s.recs = s.recs[len(s.recs)-maxLoadedRecords:]
	}
	return nil
}

func (s *fileStore) RecentOutcomes(ctx context.Context, owner int64, limit int) ([]OutcomeRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutcomeRecord, 0, limit)
	for i := len(s.recs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.recs[i].Owner == owner {
			out = append(out, s.recs[i])
		}
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, errors.New("outcome log closed")
	}

	kept := make([]OutcomeRecord, 0, len(s.recs))
	for _, r := range s.recs {
		if !r.At.Before(olderThan) {
			kept = append(kept, r)
		}
	}
	dropped := len(s.recs) - len(kept)
	if dropped == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	for _, r := range kept {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}

	// Reopen the append handle on the rewritten file.
	_ = s.file.Close()
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.file = nil
		return dropped, err
	}
	s.file = nf
	s.recs = kept
	return dropped, nil
}
