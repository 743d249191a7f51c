package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	logx "slotbot/pkg/logx"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  poll_timeout: "15s"
  allowed_user_ids: [7, 42]
logging:
  level: debug
  console: true
api:
  base_url: "https://schalter.example"
  retry_max: 5
jobs:
  max_retries: 3
storage:
  driver: file
  path: ./history
  retention_days: 30
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.PollTimeout != "15s" {
		t.Errorf("poll_timeout = %q", cfg.Telegram.PollTimeout)
	}
	if len(cfg.Telegram.AllowedUserIDs) != 2 || cfg.Telegram.AllowedUserIDs[1] != 42 {
		t.Errorf("allowed_user_ids = %v", cfg.Telegram.AllowedUserIDs)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.API.BaseURL != "https://schalter.example" || cfg.API.RetryMax != 5 {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Jobs.MaxRetries != 3 {
		t.Errorf("jobs.max_retries = %d", cfg.Jobs.MaxRetries)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" || cfg.Storage.RetentionDays != 30 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.json",
		`{"telegram":{"token":"t"},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""},"telegram":{"enabled":false,"thread_id":0,"min_level":"","rate_per_sec":0}},"api":{}}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "t" || cfg.Logging.Level != "info" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml top level", "config.yaml", "telegram:\n  token: t\nlogging:\n  level: info\napi: {}\ntypo_section: true\n"},
		{"yaml nested", "config.yaml", "telegram:\n  token: t\n  pol_timeout: \"10s\"\nlogging:\n  level: info\napi: {}\n"},
		{"json nested", "config.json", `{"telegram":{"token":"t","tokken":"x"},"logging":{},"api":{}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, tt.file, tt.content)
			if _, err := NewManager(path).Parse(); err == nil {
				t.Fatal("Parse accepted a config with unknown fields")
			}
		})
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.json",
		`{"telegram":{"token":"t"},"logging":{},"api":{}}{"extra":1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("Parse accepted trailing data")
	}
}

func TestParseMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(filepath.Join(t.TempDir(), "nope.yaml")).Parse(); err == nil {
		t.Fatal("Parse succeeded on a missing file")
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"empty uses default", "", 10 * time.Second, 10 * time.Second, false},
		{"blank uses default", "   ", time.Minute, time.Minute, false},
		{"parses value", "90s", time.Second, 90 * time.Second, false},
		{"trims whitespace", " 2m ", 0, 2 * time.Minute, false},
		{"rejects junk", "soon", 0, 0, true},
		{"rejects bare number", "30", 0, 0, true},
		{"rejects negative", "-5s", 0, 0, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Duration("poll_timeout", tt.in, tt.def)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Duration(%q) = %v, want error", tt.in, got)
				}
				if !strings.Contains(err.Error(), "poll_timeout") {
					t.Errorf("error %q does not name the field", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Duration(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Duration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// renderFields applies logx fields to a throwaway zerolog event so tests can
// inspect what would be logged.
func renderFields(t *testing.T, attrs []logx.Field) string {
	t.Helper()
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Msg("change")
	return buf.String()
}

func TestSummarizeChangeNeverLogsToken(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Telegram.Token = "123456:very-secret-token"
	newCfg.Telegram.PollTimeout = "10s"

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "telegram" {
		t.Fatalf("changed = %v, want [telegram]", changed)
	}

	out := renderFields(t, attrs)
	if strings.Contains(out, "very-secret-token") {
		t.Fatalf("token leaked into log attrs: %s", out)
	}
	if !strings.Contains(out, "poll_timeout") {
		t.Errorf("attrs missing poll_timeout: %s", out)
	}
}

func TestSummarizeChangeSections(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{}
	oldCfg.Telegram.Token = "t"
	oldCfg.Logging.Level = "info"

	newCfg := &Config{}
	newCfg.Telegram.Token = "t"
	newCfg.Logging.Level = "debug"
	newCfg.API.BaseURL = "https://other.example"
	newCfg.Jobs.MaxRetries = 2
	newCfg.Storage = &StorageConfig{Driver: "file", Path: "./h"}

	changed, _ := SummarizeChange(oldCfg, newCfg)
	want := []string{"api", "jobs", "logging", "storage"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}

	if c, _ := SummarizeChange(newCfg, newCfg); len(c) != 0 {
		t.Errorf("identical configs reported changes: %v", c)
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", "telegram:\n  token: t1\nlogging:\n  level: info\napi: {}\n")
	m := NewManager(path)
	if m.Get() != nil {
		t.Fatal("Get returned a config before Load")
	}

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestReloadPublishesToSubscribers(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", "telegram:\n  token: t1\nlogging:\n  level: info\napi: {}\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if err := os.WriteFile(path, []byte("telegram:\n  token: t2\nlogging:\n  level: info\napi: {}\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	m.reloadNow(context.Background())

	select {
	case cfg := <-ch:
		if cfg.Telegram.Token != "t2" {
			t.Errorf("published token = %q, want t2", cfg.Telegram.Token)
		}
	default:
		t.Fatal("no config published after reload")
	}

	// Unchanged content must not publish again.
	m.reloadNow(context.Background())
	select {
	case <-ch:
		t.Fatal("redundant reload was published")
	default:
	}
}

func TestReloadKeepsOldConfigWhenValidatorRejects(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "config.yaml", "telegram:\n  token: t1\nlogging:\n  level: info\napi: {}\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Telegram.Token == "" {
			return errors.New("telegram.token is required")
		}
		return nil
	})

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if err := os.WriteFile(path, []byte("telegram:\n  token: \"\"\nlogging:\n  level: info\napi: {}\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	m.reloadNow(context.Background())

	select {
	case cfg := <-ch:
		t.Fatalf("rejected config was published: %+v", cfg)
	default:
	}
	if got := m.Get().Telegram.Token; got != "t1" {
		t.Errorf("committed token = %q, want t1", got)
	}
}
