package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// API points the lesson client at the booking service.
	API APIConfig `json:"api"`

	// Enroll tunes the watch/enroll timing loops.
	Enroll EnrollConfig `json:"enroll,omitempty"`

	Jobs    JobsConfig     `json:"jobs,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// GroupLog is an optional chat ID (as string) that receives log messages.
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// AllowedUserIDs restricts who may talk to the bot. Empty allows everyone.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// APIConfig configures the HTTP client for the booking service.
//
// All durations are Go duration strings.
type APIConfig struct {
	// BaseURL of the booking site (default: "https://schalter.asvz.ch").
	BaseURL string `json:"base_url,omitempty"`
	// EventsBaseURL of the public site used for the weekly lesson search
	// (default: "https://www.asvz.ch").
	EventsBaseURL string `json:"events_base_url,omitempty"`
	// AuthBaseURL of the identity provider (default: "https://auth.asvz.ch").
	AuthBaseURL string `json:"auth_base_url,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	// RetryMax bounds automatic retries of transient HTTP failures (default 3).
	RetryMax  int    `json:"retry_max,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// EnrollConfig tunes the timing of watch and enroll jobs.
//
// Defaults match the booking window behavior:
//   - watch_lead: "60s" (wake up before the window opens to log in)
//   - enroll_lead: "30s" (start the fast loop before the window opens)
//   - poll_interval: "10s" (slow poll while waiting for free slots)
//   - window_slack: "5s" (keep the fast loop running past window open)
type EnrollConfig struct {
	WatchLead    string `json:"watch_lead,omitempty"`
	EnrollLead   string `json:"enroll_lead,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	WindowSlack  string `json:"window_slack,omitempty"`
}

// JobsConfig controls job execution.
type JobsConfig struct {
	// MaxRetries bounds crash-driven job relaunches. 0 means unlimited,
	// which matches the default behavior of retrying forever.
	MaxRetries int `json:"max_retries,omitempty"`
}

// StorageConfig controls the optional job-outcome history store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./slotbot_history" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// RetentionDays prunes outcomes older than this (default 90).
	RetentionDays int `json:"retention_days,omitempty"`
}
