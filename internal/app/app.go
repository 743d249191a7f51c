// Package app wires the bot together: config, logging, the chat adapter,
// the job manager, and the command router.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"slotbot/internal/config"
	"slotbot/internal/enroll"
	"slotbot/internal/jobs"
	"slotbot/internal/router"
	"slotbot/internal/runtime/supervisor"
	"slotbot/internal/schalter"
	"slotbot/internal/storage"
	kit "slotbot/internal/transport"
	telegram "slotbot/internal/transport/telegram/adapter"
	"slotbot/internal/users"
	logx "slotbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter kit.Adapter
	store   storage.Store
	users   *users.Directory
	runner  *enroll.Runner

	jobs   *jobs.Manager
	router *router.Router

	cron      *cron.Cron
	retention time.Duration

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New() calls Apply() immediately. If Telegram logging is enabled
	// but the target chat isn't set yet, Apply() would warn. Bootstrap with
	// Telegram logging disabled, set the target, then Apply() the final
	// config.
	baseLogCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    false,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	if strings.TrimSpace(cfg.Telegram.GroupLog) != "" {
		if chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64); err == nil {
			logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
		}
	}
	finalLogCfg := baseLogCfg
	finalLogCfg.Telegram.Enabled = cfg.Logging.Telegram.Enabled
	logSvc.Apply(finalLogCfg)

	// Storage (optional)
	var store storage.Store
	var retention time.Duration
	if sc, keep, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		retention = keep
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	tuning, err := mapTuning(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		adapter:   ad,
		store:     store,
		users:     users.NewDirectory(),
		retention: retention,
		updates:   make(chan kit.Update, 256),
	}

	// Each protocol run gets a fresh session so cookies and tokens never
	// mix between operators. The factory reads the live config, so API
	// endpoint changes apply to the next job without a restart.
	sessionLog := log.With(logx.String("comp", "schalter"))
	factory := func() enroll.Session {
		sc, _ := mapAPIConfig(a.cfgm.Get())
		c := schalter.New(sc, sessionLog)
		return enroll.Session{Client: c, Auth: schalter.NewAuthClient(sc, c)}
	}
	a.runner = enroll.NewRunner(factory, tuning, log.With(logx.String("comp", "enroll")))

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required")
		}
		if _, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0); err != nil {
			return err
		}
		if cfg.Jobs.MaxRetries < 0 {
			return fmt.Errorf("jobs.max_retries must be >= 0")
		}
		if _, err := mapAPIConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTuning(cfg); err != nil {
			return err
		}
		if _, _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	cfg := a.cfgm.Get()

	a.jobs = jobs.NewManager(a.sup, a.runner, a.adapter, a.store,
		a.log.With(logx.String("comp", "jobs")))
	a.jobs.SetMaxRetries(cfg.Jobs.MaxRetries)

	a.router = router.New(a.jobs, a.users, a.store,
		a.log.With(logx.String("comp", "router")))
	a.router.SetAllowedUsers(cfg.Telegram.AllowedUserIDs)

	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		cmds := a.router.MenuCommands()
		a.sup.Go0("menu.update", func(c context.Context) {
			if err := mu.UpdateMenuCommands(c, cmds); err != nil && c.Err() == nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	// Daily history prune.
	if a.store != nil && a.retention > 0 {
		a.cron = cron.New()
		_, err := a.cron.AddFunc("@daily", func() {
			ctx, cancel := context.WithTimeout(a.sup.Context(), 30*time.Second)
			defer cancel()
			n, err := a.store.Prune(ctx, time.Now().Add(-a.retention))
			if err != nil {
				a.log.Warn("history prune failed", logx.Err(err))
				return
			}
			if n > 0 {
				a.log.Info("history pruned", logx.Int("removed", n))
			}
		})
		if err != nil {
			return err
		}
		a.cron.Start()
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "enroll", "telegram":
			// Adapter token, timing parameters and the storage driver are
			// bound at startup; everything else applies live.
			a.log.Warn("section changed; restart required for it to take full effect",
				logx.String("section", s))
		}
	}

	if strings.TrimSpace(newCfg.Telegram.GroupLog) != "" {
		if chatID, err := strconv.ParseInt(strings.TrimSpace(newCfg.Telegram.GroupLog), 10, 64); err == nil {
			a.logs.SetTelegramTarget(chatID, newCfg.Logging.Telegram.ThreadID)
		}
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    newCfg.Logging.Telegram.Enabled,
			ThreadID:   newCfg.Logging.Telegram.ThreadID,
			MinLevel:   newCfg.Logging.Telegram.MinLevel,
			RatePerSec: newCfg.Logging.Telegram.RatePerSec,
		},
	})

	a.router.SetAllowedUsers(newCfg.Telegram.AllowedUserIDs)
	a.jobs.SetMaxRetries(newCfg.Jobs.MaxRetries)

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end",
				logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	if a.cron != nil {
		step("cron", time.Second, func(context.Context) error {
			<-a.cron.Stop().Done()
			return nil
		})
	}
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapAPIConfig(cfg *config.Config) (schalter.Config, error) {
	timeout, err := config.Duration("api.timeout", cfg.API.Timeout, 0)
	if err != nil {
		return schalter.Config{}, err
	}
	if cfg.API.RetryMax < 0 {
		return schalter.Config{}, fmt.Errorf("api.retry_max must be >= 0")
	}
	return schalter.Config{
		BaseURL:       cfg.API.BaseURL,
		EventsBaseURL: cfg.API.EventsBaseURL,
		AuthBaseURL:   cfg.API.AuthBaseURL,
		Timeout:       timeout,
		RetryMax:      cfg.API.RetryMax,
		UserAgent:     cfg.API.UserAgent,
	}, nil
}

func mapTuning(cfg *config.Config) (enroll.Tuning, error) {
	var t enroll.Tuning
	var err error
	if t.WatchLead, err = config.Duration("enroll.watch_lead", cfg.Enroll.WatchLead, 0); err != nil {
		return t, err
	}
	if t.EnrollLead, err = config.Duration("enroll.enroll_lead", cfg.Enroll.EnrollLead, 0); err != nil {
		return t, err
	}
	if t.PollInterval, err = config.Duration("enroll.poll_interval", cfg.Enroll.PollInterval, 0); err != nil {
		return t, err
	}
	if t.WindowSlack, err = config.Duration("enroll.window_slack", cfg.Enroll.WindowSlack, 0); err != nil {
		return t, err
	}
	return t, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, time.Duration, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, 0, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, 0, false, nil
	}
	busy, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, 0, false, err
	}
	days := cfg.Storage.RetentionDays
	if days < 0 {
		return storage.Config{}, 0, false, fmt.Errorf("storage.retention_days must be >= 0")
	}
	if days == 0 {
		days = 90
	}
	sc := storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
	return sc, time.Duration(days) * 24 * time.Hour, true, nil
}
