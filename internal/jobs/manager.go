// Package jobs tracks every live job per operator: dispatch, listing,
// cancellation, crash-restart with backoff, and outcome delivery.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"slotbot/internal/enroll"
	"slotbot/internal/runtime/supervisor"
	"slotbot/internal/storage"
	kit "slotbot/internal/transport"
	logx "slotbot/pkg/logx"
)

// Transport is the slice of the chat adapter the job layer needs.
type Transport interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	DeleteMessage(ctx context.Context, ref kit.MessageRef) error
}

const (
	suffixSucceeded = "\nJob existed successfully"
	suffixFailed    = "\nJob failed"
	suffixAborted   = "\nJob canceled"

	// retryMargin pads the platform's retry-after hint before a job is
	// relaunched after a transport error.
	retryMargin = 5 * time.Second

	// loginReplyLinger is how long the /login confirmation stays visible
	// before the operator's original message (with the password) is deleted.
	loginReplyLinger = time.Second
)

type Manager struct {
	sup    *supervisor.Supervisor
	runner *enroll.Runner
	sender Transport
	store  storage.Store // nil when persistence is disabled
	log    logx.Logger

	mu         sync.Mutex
	jobs       map[uint64]*Job
	nextID     uint64
	maxRetries int // 0 means unlimited
}

func NewManager(sup *supervisor.Supervisor, runner *enroll.Runner, sender Transport, store storage.Store, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		sup:    sup,
		runner: runner,
		sender: sender,
		store:  store,
		log:    log,
		jobs:   make(map[uint64]*Job),
	}
}

// SetMaxRetries bounds how often a job is relaunched after transport
// errors. Zero keeps the job alive indefinitely.
func (m *Manager) SetMaxRetries(n int) {
	m.mu.Lock()
	m.maxRetries = n
	m.mu.Unlock()
}

// Submit registers and starts a job. It never blocks on the protocol.
func (m *Manager) Submit(owner int64, target kit.ChatTarget, spec Spec) uint64 {
	return m.submit(owner, target, spec, "")
}

// SubmitWithMessage starts a job and delivers preMsg to the operator first,
// without the job's lesson prefix.
func (m *Manager) SubmitWithMessage(owner int64, target kit.ChatTarget, spec Spec, preMsg string) uint64 {
	return m.submit(owner, target, spec, preMsg)
}

func (m *Manager) submit(owner int64, target kit.ChatTarget, spec Spec, preMsg string) uint64 {
	jctx, cancel := context.WithCancel(m.sup.Context())

	m.mu.Lock()
	m.nextID++
	j := &Job{
		id:     m.nextID,
		spec:   spec,
		owner:  owner,
		target: target,
		cancel: cancel,
	}
	m.jobs[j.id] = j
	m.mu.Unlock()

	name := fmt.Sprintf("job.%d.%s", j.id, strings.ToLower(spec.Kind.String()))
	m.sup.Go0(name, func(context.Context) {
		defer m.remove(j.id)
		if preMsg != "" {
			if _, err := m.sender.SendText(jctx, target, preMsg, nil); err != nil {
				m.log.Warn("job pre-message failed",
					logx.Uint64("job_id", j.id), logx.Err(err))
			}
		}
		m.run(jctx, j)
	})
	return j.id
}

// run drives one job to completion, relaunching the protocol after
// transport errors until the retry valve trips or the job is canceled.
func (m *Manager) run(ctx context.Context, j *Job) {
	if j.spec.Kind == KindInternal {
		m.runInternal(ctx, j)
		return
	}

	reply := func(ctx context.Context, text string) error {
		_, err := m.sender.SendText(ctx, j.target, "["+j.spec.Lesson.String()+"] "+text, nil)
		return err
	}

	for {
		out, err := m.dispatch(ctx, j, reply)
		if err == nil {
			m.finish(ctx, j, out, reply)
			return
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			m.log.Debug("job canceled", logx.Uint64("job_id", j.id))
			return
		}

		m.mu.Lock()
		j.retryCount++
		retries, valve := j.retryCount, m.maxRetries
		m.mu.Unlock()
		if valve > 0 && retries > valve {
			m.log.Error("job gave up after retries",
				logx.Uint64("job_id", j.id), logx.Int("retries", retries-1), logx.Err(err))
			return
		}

		m.log.Warn("job hit an unexpected error, restarting",
			logx.Uint64("job_id", j.id), logx.Int("retry", retries), logx.Err(err))
		_ = reply(ctx, "An unexpected error occurred. Restarting your Job")

		wait := retryMargin
		var ra *kit.RetryAfterError
		if errors.As(err, &ra) {
			wait += ra.After
		}
		if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
			return
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, j *Job, reply enroll.ReplyFunc) (enroll.Outcome, error) {
	switch j.spec.Kind {
	case KindWatch:
		return m.runner.Watch(ctx, j.spec.Lesson, reply)
	case KindWatchWeekly:
		return m.runner.WatchWeekly(ctx, j.spec.Lesson, reply)
	case KindEnroll:
		return m.runner.Enroll(ctx, j.spec.Lesson, j.spec.Creds, reply)
	case KindEnrollWeekly:
		return m.runner.EnrollWeekly(ctx, j.spec.Lesson, j.spec.Creds, reply)
	default:
		return enroll.Outcome{}, fmt.Errorf("job %d: unknown kind %d", j.id, j.spec.Kind)
	}
}

// finish delivers the terminal outcome with its suffix and records it.
func (m *Manager) finish(ctx context.Context, j *Job, out enroll.Outcome, reply enroll.ReplyFunc) {
	var suffix string
	switch out.Kind {
	case enroll.Succeeded:
		suffix = suffixSucceeded
	case enroll.Failed:
		suffix = suffixFailed
	default:
		suffix = suffixAborted
	}
	if err := reply(ctx, out.Message+suffix); err != nil {
		m.log.Warn("outcome delivery failed",
			logx.Uint64("job_id", j.id), logx.Err(err))
	}
	m.record(j, out)
}

func (m *Manager) record(j *Job, out enroll.Outcome) {
	if m.store == nil {
		return
	}
	var result string
	switch out.Kind {
	case enroll.Succeeded:
		result = "succeeded"
	case enroll.Failed:
		result = "failed"
	default:
		result = "aborted"
	}
	rec := storage.OutcomeRecord{
		At:      time.Now(),
		Owner:   j.owner,
		Kind:    j.spec.Kind.String(),
		Lesson:  j.spec.Lesson.String(),
		Result:  result,
		Message: out.Message,
		Retries: j.retryCount,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.AppendOutcome(ctx, rec); err != nil {
		m.log.Warn("outcome not recorded", logx.Uint64("job_id", j.id), logx.Err(err))
	}
}

func (m *Manager) runInternal(ctx context.Context, j *Job) {
	in := j.spec.Internal
	if in == nil {
		return
	}
	if _, err := m.sender.SendText(ctx, j.target, in.Text, nil); err != nil {
		m.log.Warn("internal reply failed", logx.Uint64("job_id", j.id), logx.Err(err))
		return
	}
	if !in.DeleteOriginal {
		return
	}
	if err := sleepCtx(ctx, loginReplyLinger); err != nil {
		return
	}
	if err := m.sender.DeleteMessage(ctx, in.Origin); err != nil {
		m.log.Warn("could not delete original message",
			logx.Uint64("job_id", j.id), logx.Err(err))
	}
}

func (m *Manager) remove(id uint64) {
	m.mu.Lock()
	if j, ok := m.jobs[id]; ok {
		j.cancel()
		delete(m.jobs, id)
	}
	m.mu.Unlock()
}

// List renders the operator's active jobs, internal ones excluded.
func (m *Manager) List(owner int64) string {
	m.mu.Lock()
	var entries []*Job
	for _, j := range m.jobs {
		if j.owner == owner && j.spec.Kind != KindInternal {
			entries = append(entries, j)
		}
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, k int) bool { return entries[i].id < entries[k].id })

	var b strings.Builder
	b.WriteString("Current Jobs:")
	for _, j := range entries {
		fmt.Fprintf(&b, "\n%s %s", j.spec.Kind.String(), j.spec.Lesson.String())
	}
	return b.String()
}

// CancelAll cancels the operator's active jobs and returns how many.
// Internal jobs are left alone.
func (m *Manager) CancelAll(owner int64) int {
	m.mu.Lock()
	var canceled []*Job
	for _, j := range m.jobs {
		if j.owner == owner && j.spec.Kind != KindInternal {
			canceled = append(canceled, j)
		}
	}
	m.mu.Unlock()

	for _, j := range canceled {
		j.cancel()
	}
	return len(canceled)
}

// ActiveCount reports how many jobs are live across all operators.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
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
