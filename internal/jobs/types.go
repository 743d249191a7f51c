package jobs

import (
	"slotbot/internal/schalter"
	kit "slotbot/internal/transport"
	"slotbot/internal/users"
)

// Kind tags what a job does. The tag is immutable for the job's lifetime;
// weekly jobs re-bind their lesson as the chain advances but stay weekly.
type Kind int

const (
	KindWatch Kind = iota
	KindWatchWeekly
	KindEnroll
	KindEnrollWeekly
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindWatch:
		return "Notify"
	case KindWatchWeekly:
		return "NotifyWeekly"
	case KindEnroll:
		return "Enroll"
	case KindEnrollWeekly:
		return "EnrollWeekly"
	default:
		return "Internal"
	}
}

// Internal is a housekeeping reply job: deliver text, optionally deleting
// the operator's original message afterwards (used after /login so the
// credentials leave the chat history).
type Internal struct {
	Text           string
	DeleteOriginal bool
	Origin         kit.MessageRef
}

// Spec is everything needed to (re)start a job. Credentials are a snapshot
// taken at dispatch; a later /logout does not affect a running job.
type Spec struct {
	Kind     Kind
	Lesson   schalter.LessonID
	Creds    users.Credentials // set for enroll kinds
	Internal *Internal         // set for KindInternal
}

// Job is one live entry in the active set.
type Job struct {
	id     uint64
	spec   Spec
	owner  int64
	target kit.ChatTarget
	cancel func()

	retryCount int
}
