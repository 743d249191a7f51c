// Package enroll drives a single lesson from "window not open yet" to a
// terminal outcome, in two modes: watch (notify when a spot is free) and
// enroll (submit the registration). Weekly variants chain runs across the
// lesson's weekly recurrences.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slotbot/internal/schalter"
	"slotbot/internal/users"
	logx "slotbot/pkg/logx"
)

// ReplyFunc delivers one text message to the job's operator. Implementations
// prefix the job's lesson id. A non-nil error is a transport escape: the run
// stops and the job layer decides whether to relaunch.
type ReplyFunc func(ctx context.Context, text string) error

// Session is one job's isolated view of the booking service. Each run gets
// a fresh session so cookies and tokens never leak between operators.
type Session struct {
	Client *schalter.Client
	Auth   schalter.Authenticator
}

// SessionFactory builds a fresh Session per protocol run.
type SessionFactory func() Session

type Runner struct {
	tuning  Tuning
	log     logx.Logger
	session SessionFactory
}

func NewRunner(session SessionFactory, tuning Tuning, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{session: session, tuning: tuning.withDefaults(), log: log}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func secs(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// Watch runs the notify protocol once.
func (r *Runner) Watch(ctx context.Context, id schalter.LessonID, reply ReplyFunc) (Outcome, error) {
	s := r.session()
	return r.watchOnce(ctx, s, id, reply)
}

// WatchWeekly chains watch runs across weekly recurrences.
func (r *Runner) WatchWeekly(ctx context.Context, id schalter.LessonID, reply ReplyFunc) (Outcome, error) {
	s := r.session()
	return r.chainWeekly(ctx, s, id, reply, func(ctx context.Context, cur schalter.LessonID) (Outcome, error) {
		return r.watchOnce(ctx, s, cur, reply)
	})
}

// Enroll runs the registration protocol once.
func (r *Runner) Enroll(ctx context.Context, id schalter.LessonID, creds users.Credentials, reply ReplyFunc) (Outcome, error) {
	s := r.session()
	return r.enrollOnce(ctx, s, id, creds, reply)
}

// EnrollWeekly chains registration runs across weekly recurrences.
func (r *Runner) EnrollWeekly(ctx context.Context, id schalter.LessonID, creds users.Credentials, reply ReplyFunc) (Outcome, error) {
	s := r.session()
	return r.chainWeekly(ctx, s, id, reply, func(ctx context.Context, cur schalter.LessonID) (Outcome, error) {
		return r.enrollOnce(ctx, s, cur, creds, reply)
	})
}

// chainWeekly re-runs the protocol on each week's recurrence. Succeeded and
// Failed outcomes of an inner run are delivered to the operator and the
// chain advances; Aborted ends the chain without searching. The chain's own
// terminal outcome is the one returned.
func (r *Runner) chainWeekly(ctx context.Context, s Session, id schalter.LessonID, reply ReplyFunc, run func(context.Context, schalter.LessonID) (Outcome, error)) (Outcome, error) {
	cur := id
	for {
		out, err := run(ctx, cur)
		if err != nil {
			return Outcome{}, err
		}
		if out.Kind == Aborted {
			return out, nil
		}
		if err := reply(ctx, out.Message); err != nil {
			return Outcome{}, err
		}

		next, err := s.Client.NextWeek(ctx, cur)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			if errors.Is(err, schalter.ErrNoLesson) {
				return failed("Unable to find next lesson"), nil
			}
			return failed("I got an unexpected error: %v", err), nil
		}
		cur = next
		if err := reply(ctx, "Found next week's lesson: "+cur.String()); err != nil {
			return Outcome{}, err
		}
	}
}

func (r *Runner) watchOnce(ctx context.Context, s Session, id schalter.LessonID, reply ReplyFunc) (Outcome, error) {
	lesson, err := s.Client.Lesson(ctx, id)
	if err != nil {
		return r.fetchFailed(ctx, err)
	}
	from, until, out, ok := windowOf(lesson)
	if !ok {
		return out, nil
	}

	now := time.Now()
	if from.After(now) {
		wait := from.Sub(now) - r.tuning.WatchLead
		if wait < 0 {
			wait = 0
		}
		if err := reply(ctx, msgf("I will remind you to enroll in %d seconds.", secs(wait))); err != nil {
			return Outcome{}, err
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return Outcome{}, err
		}
		if err := reply(ctx, msgf("Enrollment starts in %d seconds!", secs(time.Until(from)))); err != nil {
			return Outcome{}, err
		}
	}

	first := true
	for {
		if time.Now().After(until) {
			return failed("You can no longer enroll."), nil
		}
		fresh, err := s.Client.Lesson(ctx, id)
		if err != nil {
			return r.fetchFailed(ctx, err)
		}
		if free := fresh.FreeSpots(); free > 0 {
			return succeeded("There are currently %d free spots.", free), nil
		}
		if first {
			first = false
			if err := reply(ctx, "This lesson is already full. I will notify you, when a spot opens up."); err != nil {
				return Outcome{}, err
			}
		}
		if err := sleepCtx(ctx, r.tuning.PollInterval); err != nil {
			return Outcome{}, err
		}
	}
}

func (r *Runner) enrollOnce(ctx context.Context, s Session, id schalter.LessonID, creds users.Credentials, reply ReplyFunc) (Outcome, error) {
	token, err := s.Auth.Authenticate(ctx, creds.Username, creds.Password())
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return failed("Unable to log in: %v", err), nil
	}

	lesson, err := s.Client.Lesson(ctx, id)
	if err != nil {
		return r.fetchFailed(ctx, err)
	}
	from, until, out, ok := windowOf(lesson)
	if !ok {
		return out, nil
	}

	now := time.Now()
	if from.After(now) {
		if err := reply(ctx, msgf("I will enroll you in %d seconds", secs(from.Sub(now)))); err != nil {
			return Outcome{}, err
		}
		wait := from.Sub(now) - r.tuning.EnrollLead
		if wait < 0 {
			wait = 0
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return Outcome{}, err
		}

		// The wait may have outlived the token; refresh right before the
		// window opens.
		token, err = s.Auth.Authenticate(ctx, creds.Username, creds.Password())
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			return failed("Unable to log in: %v", err), nil
		}
		if err := sleepCtx(ctx, time.Until(from)); err != nil {
			return Outcome{}, err
		}

		// Fast phase: the window just opened and fills within seconds.
		deadline := from.Add(r.tuning.WindowSlack)
		for time.Now().Before(deadline) {
			res, err := s.Client.Enroll(ctx, id, token)
			if err != nil {
				return r.fetchFailed(ctx, err)
			}
			switch res.Status {
			case schalter.EnrollCreated:
				return succeeded("I successfully enrolled you"), nil
			case schalter.EnrollCapacityFull:
				// keep hammering inside the fast window
			case schalter.EnrollRateLimited:
				if err := sleepCtx(ctx, r.tuning.RateLimitFast); err != nil {
					return Outcome{}, err
				}
			case schalter.EnrollUnauthorized:
				token, err = s.Auth.Authenticate(ctx, creds.Username, creds.Password())
				if err != nil {
					if ctx.Err() != nil {
						return Outcome{}, ctx.Err()
					}
					return aborted("Unable to log in: %v", err), nil
				}
			default:
				return failed("Got unexpected status code: %d", res.Code), nil
			}
			if err := sleepCtx(ctx, r.tuning.FastPace); err != nil {
				return Outcome{}, err
			}
		}
	}

	// Slow phase: contention has subsided; poll politely until the window
	// closes or a spot frees up.
	first := true
	for {
		if time.Now().After(until) {
			return failed("You can no longer enroll"), nil
		}
		res, err := s.Client.Enroll(ctx, id, token)
		if err != nil {
			return r.fetchFailed(ctx, err)
		}
		switch res.Status {
		case schalter.EnrollCreated:
			return succeeded("I successfully enrolled you"), nil
		case schalter.EnrollCapacityFull:
		case schalter.EnrollRateLimited:
			if err := sleepCtx(ctx, r.tuning.RateLimitSlow); err != nil {
				return Outcome{}, err
			}
		case schalter.EnrollUnauthorized:
			token, err = s.Auth.Authenticate(ctx, creds.Username, creds.Password())
			if err != nil {
				if ctx.Err() != nil {
					return Outcome{}, ctx.Err()
				}
				return aborted("Unable to log in: %v", err), nil
			}
		default:
			return failed("Got unexpected status code: %d", res.Code), nil
		}
		if first {
			first = false
			if err := reply(ctx, "It's already full. I will try to enroll you, when something opens up"); err != nil {
				return Outcome{}, err
			}
		}
		if err := sleepCtx(ctx, r.tuning.PollInterval); err != nil {
			return Outcome{}, err
		}
	}
}

// fetchFailed maps a remote fetch error to the protocol's definitive
// failure, unless the context ended (then the cancellation escapes).
func (r *Runner) fetchFailed(ctx context.Context, err error) (Outcome, error) {
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	return failed("I got an unexpected error: %v", err), nil
}

// windowOf extracts the enrollment window; malformed timestamps end the run.
func windowOf(lesson *schalter.Lesson) (from, until time.Time, out Outcome, ok bool) {
	var err error
	from, err = lesson.EnrollFrom()
	if err != nil {
		return from, until, failed("I got an unexpected error: %v", err), false
	}
	until, err = lesson.EnrollUntil()
	if err != nil {
		return from, until, failed("I got an unexpected error: %v", err), false
	}
	return from, until, Outcome{}, true
}

func msgf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
