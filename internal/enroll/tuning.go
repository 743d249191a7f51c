package enroll

import "time"

// Tuning holds the protocol's timing knobs. The defaults reproduce the
// production cadence; tests shrink them to milliseconds.
type Tuning struct {
	// WatchLead: wake a watch job this long before the window opens.
	WatchLead time.Duration
	// EnrollLead: wake an enroll job this long before the window opens so
	// the token refresh finishes in time.
	EnrollLead time.Duration
	// PollInterval paces the slow loop while the lesson is full.
	PollInterval time.Duration
	// WindowSlack keeps the fast submission loop running this long past
	// window open before falling back to the slow loop.
	WindowSlack time.Duration
	// RateLimitFast/Slow are the sleeps after a 429 in the fast/slow loop.
	RateLimitFast time.Duration
	RateLimitSlow time.Duration
	// FastPace is the gap between submissions inside the fast loop.
	FastPace time.Duration
}

func (t Tuning) withDefaults() Tuning {
	if t.WatchLead <= 0 {
		t.WatchLead = 60 * time.Second
	}
	if t.EnrollLead <= 0 {
		t.EnrollLead = 30 * time.Second
	}
	if t.PollInterval <= 0 {
		t.PollInterval = 10 * time.Second
	}
	if t.WindowSlack <= 0 {
		t.WindowSlack = 5 * time.Second
	}
	if t.RateLimitFast <= 0 {
		t.RateLimitFast = 300 * time.Millisecond
	}
	if t.RateLimitSlow <= 0 {
		t.RateLimitSlow = 500 * time.Millisecond
	}
	if t.FastPace <= 0 {
		t.FastPace = 100 * time.Millisecond
	}
	return t
}
