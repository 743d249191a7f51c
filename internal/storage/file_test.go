package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "slotbot/pkg/logx"
)

func openTestStore(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if st == nil {
		t.Fatal("open store returned nil for file driver")
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func rec(owner int64, lesson string, at time.Time) OutcomeRecord {
	return OutcomeRecord{
		At:     at,
		Owner:  owner,
		Kind:   "Notify",
		Lesson: lesson,
		Result: "succeeded",
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) returned a store, want nil", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("Open accepted an unknown driver")
	}
}

func TestOpenFileRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver accepted an empty path")
	}
}

func TestRecentOutcomesNewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openTestStore(t, filepath.Join(t.TempDir(), "outcomes.jsonl"))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r := rec(7, "100", base.Add(time.Duration(i)*time.Hour))
		r.Retries = i
		if err := st.AppendOutcome(ctx, r); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// Another operator's records must not leak into the listing.
	if err := st.AppendOutcome(ctx, rec(8, "200", base)); err != nil {
		t.Fatalf("append other owner: %v", err)
	}

	got, err := st.RecentOutcomes(ctx, 7, 3)
	if err != nil {
		t.Fatalf("RecentOutcomes: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i, r := range got {
		if r.Owner != 7 {
			t.Errorf("record %d owner = %d", i, r.Owner)
		}
		wantRetries := 4 - i
		if r.Retries != wantRetries {
			t.Errorf("record %d retries = %d, want %d (newest first)", i, r.Retries, wantRetries)
		}
	}
}

func TestRecentOutcomesDefaultLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openTestStore(t, filepath.Join(t.TempDir(), "outcomes.jsonl"))

	base := time.Now()
	for i := 0; i < 15; i++ {
		if err := st.AppendOutcome(ctx, rec(1, "100", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := st.RecentOutcomes(ctx, 1, 0)
	if err != nil {
		t.Fatalf("RecentOutcomes: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("default limit returned %d records, want 10", len(got))
	}
}

func TestReplayAfterReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outcomes.jsonl")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := rec(7, "4711", at)
	r.Result = "failed"
	r.Message = "Job failed"
	if err := st.AppendOutcome(ctx, r); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a torn write from a crashed process.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	if _, err := f.WriteString(`{"at":"2026-03-01T13:`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	_ = f.Close()

	st2 := openTestStore(t, path)
	got, err := st2.RecentOutcomes(ctx, 7, 10)
	if err != nil {
		t.Fatalf("RecentOutcomes after reopen: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records after reopen, want 1", len(got))
	}
	if got[0].Lesson != "4711" || got[0].Result != "failed" || got[0].Message != "Job failed" {
		t.Errorf("replayed record = %+v", got[0])
	}
	if !got[0].At.Equal(at) {
		t.Errorf("replayed at = %v, want %v", got[0].At, at)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outcomes.jsonl")
	st := openTestStore(t, path)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		if err := st.AppendOutcome(ctx, rec(1, "100", base.Add(time.Duration(i)*24*time.Hour))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	n, err := st.Prune(ctx, base.Add(3*24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned %d records, want 3", n)
	}

	got, err := st.RecentOutcomes(ctx, 1, 100)
	if err != nil {
		t.Fatalf("RecentOutcomes: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("%d records remain, want 3", len(got))
	}

	// Appending still works after the prune rewrote the file.
	if err := st.AppendOutcome(ctx, rec(1, "200", base.Add(10*24*time.Hour))); err != nil {
		t.Fatalf("append after prune: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2 := openTestStore(t, path)
	got, err = st2.RecentOutcomes(ctx, 1, 100)
	if err != nil {
		t.Fatalf("RecentOutcomes after reopen: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("%d records survive reopen after prune, want 4", len(got))
	}

	if n, err := st2.Prune(ctx, base); err != nil || n != 0 {
		t.Errorf("no-op prune = (%d, %v), want (0, nil)", n, err)
	}
}

func TestOpenAppendsExtensionWhenMissing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st := openTestStore(t, filepath.Join(dir, "history"))
	if err := st.AppendOutcome(context.Background(), rec(1, "100", time.Now())); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "history.outcomes.jsonl")); err != nil {
		t.Fatalf("expected extension-suffixed file: %v", err)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	t.Parallel()

	st := openTestStore(t, filepath.Join(t.TempDir(), "outcomes.jsonl"))
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := st.AppendOutcome(context.Background(), rec(1, "100", time.Now()))
	if err == nil || !strings.Contains(err.Error(), "closed") {
		t.Fatalf("append after close = %v, want closed error", err)
	}
}
