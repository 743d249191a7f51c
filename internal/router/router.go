// Package router turns chat updates into bot commands and jobs. Every reply
// goes through the job manager, so command handlers never talk to the chat
// platform directly.
package router

import (
	"context"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"slotbot/internal/jobs"
	"slotbot/internal/schalter"
	"slotbot/internal/storage"
	kit "slotbot/internal/transport"
	"slotbot/internal/users"
	logx "slotbot/pkg/logx"
)

// Request carries one parsed command through the middleware chain.
type Request struct {
	Msg     kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
}

type Router struct {
	jobs  *jobs.Manager
	users *users.Directory
	store storage.Store // nil when history is disabled
	log   logx.Logger

	mu       sync.Mutex
	commands map[string]Command
	allowed  map[int64]struct{} // empty means everyone

	queue chan func()
}

func New(jm *jobs.Manager, dir *users.Directory, store storage.Store, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		jobs:    jm,
		users:   dir,
		store:   store,
		log:     log,
		allowed: map[int64]struct{}{},
		queue:   make(chan func(), 256),
	}
	r.commands = r.registry()
	return r
}

// SetAllowedUsers restricts who may talk to the bot. An empty list opens
// the bot to everyone. Safe to call during hot-reload.
func (r *Router) SetAllowedUsers(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	r.mu.Lock()
	r.allowed = set
	r.mu.Unlock()
}

func (r *Router) allowedUser(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.allowed) == 0 {
		return true
	}
	_, ok := r.allowed[id]
	return ok
}

// MenuCommands lists the registered commands for the platform's command menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(commandOrder))
	for _, name := range commandOrder {
		c, ok := r.commands[name]
		if !ok {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.MenuDescription})
	}
	return out
}

// DispatchLoop consumes updates until the context ends. Handlers run on a
// bounded worker pool so one slow command cannot stall the stream.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	r.log.Info("dispatcher started",
		logx.Int("workers", workers), logx.Int("queue_cap", cap(r.queue)))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.queue:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}
	defer func() {
		wg.Wait()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("dispatcher stopped (updates channel closed)")
				return nil
			}
			r.routeUpdate(ctx, up)
		}
	}
}

func (r *Router) routeUpdate(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := *up.Message
	if msg.FromID == 0 {
		return
	}
	if !r.allowedUser(msg.FromID) {
		r.log.Debug("update from unlisted user dropped", logx.Int64("from_id", msg.FromID))
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		r.routeCommand(ctx, msg, text)
		return
	}
	if id := schalter.LessonIDFromURL(text); id != "" {
		r.handleLessonURL(msg, id)
		return
	}
	r.replyInternal(msg, "Unknown Command. See /help for available commands.")
}

func (r *Router) routeCommand(ctx context.Context, msg kit.Message, text string) {
	parts := strings.Fields(text)
	name := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)
	args := parts[1:]

	r.mu.Lock()
	cmd, ok := r.commands[name]
	r.mu.Unlock()
	if !ok {
		r.replyInternal(msg, "Unknown Command. See /help for available commands.")
		return
	}

	rid := newReqID()
	req := &Request{
		Msg:     msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(cmd.Timeout),
	)

	select {
	case r.queue <- func() { _ = final(ctx, req) }:
	default:
		r.log.Warn("dispatch queue full, command dropped",
			logx.String("cmd", cmd.Name), logx.Int64("from_id", msg.FromID))
		r.replyInternal(msg, "I'm busy right now. Please try again.")
	}
}

// replyInternal delivers a plain reply through an internal job.
func (r *Router) replyInternal(msg kit.Message, text string) {
	r.jobs.Submit(msg.FromID,
		kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		jobs.Spec{Kind: jobs.KindInternal, Internal: &jobs.Internal{Text: text}})
}

var ridSeq uint64

func newReqID() string {
	n := atomic.AddUint64(&ridSeq, 1)
	ts := time.Now().UnixNano()
	return base36(ts) + "-" + base36(int64(n)) + randSuffix(2)
}

func randSuffix(n int) string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alpha[rand.Intn(len(alpha))])
	}
	return b.String()
}

func base36(v int64) string {
	const chars = "0123456789abcdefghijklmnopqrstuvwxyz"
	if v < 0 {
		v = -v
	}
	if v == 0 {
		return "0"
	}
	var out [32]byte
	i := len(out)
	for v > 0 {
		i--
		out[i] = chars[v%36]
		v /= 36
	}
	return string(out[i:])
}
