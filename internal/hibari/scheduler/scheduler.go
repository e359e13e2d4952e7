// Package scheduler runs Hibari's periodic jobs on robfig/cron: the session
// maintenance tick, daily memory decay and the expired-note sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bdobrica/Hibari/internal/hibari/memory"
	"github.com/bdobrica/Hibari/internal/hibari/notes"
	"github.com/bdobrica/Hibari/internal/hibari/session"
)

// Config holds the job schedules. Zero fields take the defaults noted.
type Config struct {
	TickSchedule   string  // "@every 1m"
	ForgetSchedule string  // "0 4 * * *"
	ForgetRatio    float64 // 0.1
	SweepSchedule  string  // "@hourly"
}

func (c Config) withDefaults() Config {
	if c.TickSchedule == "" {
		c.TickSchedule = "@every 1m"
	}
	if c.ForgetSchedule == "" {
		c.ForgetSchedule = "0 4 * * *"
	}
	if c.ForgetRatio <= 0 {
		c.ForgetRatio = 0.1
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@hourly"
	}
	return c
}

// Deps are the components the jobs act on. Graphs and Notes may be nil.
type Deps struct {
	Registry *session.Registry
	Graphs   memory.Store
	Notes    notes.Store
	// GraphOptions configure graphs loaded for offline decay.
	GraphOptions memory.Options
	Logger       *slog.Logger
	Now          func() time.Time
}

// Scheduler owns a cron instance.
type Scheduler struct {
	cfg    Config
	deps   Deps
	cron   *cron.Cron
	chain  cron.Chain
	logger *slog.Logger
}

// cronLogger routes robfig/cron's own messages to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) { c.l.Debug(msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error(msg, append(kv, "err", err)...)
}

// New validates the schedules and registers the jobs. Nothing runs until Run.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	s := &Scheduler{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		cron: cron.New(
			cron.WithParser(cron.NewParser(
				cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
			)),
			cron.WithLogger(cl),
		),
		// A job still running when its next activation comes is skipped,
		// so a slow tick never piles up behind itself.
		chain: cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	}
	jobs := []struct {
		name, schedule string
		fn         func(context.Context)
	}{
		{"tick", cfg.TickSchedule, s.tick},
		{"forget", cfg.ForgetSchedule, s.forget},
		{"sweep", cfg.SweepSchedule, s.sweep},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddJob(j.schedule, s.wrap(j.fn)); err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", j.name, j.schedule, err)
		}
	}
	return s, nil
}

func (s *Scheduler) wrap(fn func(context.Context)) cron.Job {
	return s.chain.Then(cron.FuncJob(func() { fn(context.Background()) }))
}

// Run starts the cron and blocks until ctx is done, then waits for running
// jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", "cron_entries", len(s.cron.Entries()))
	<-ctx.Done()
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.deps.Registry != nil {
		s.deps.Registry.Tick(ctx, s.deps.Now())
	}
}

func (s *Scheduler) forget(ctx context.Context) {
	n, err := Forget(ctx, s.deps.Registry, s.deps.Graphs, s.cfg.ForgetRatio, s.deps.Now(), s.deps.GraphOptions)
	if err != nil {
		s.logger.Error("memory decay failed", "err", err, "forgotten", n)
		return
	}
	s.logger.Info("memory decay finished", "forgotten", n)
}

func (s *Scheduler) sweep(ctx context.Context) {
	if s.deps.Notes == nil {
		return
	}
	n, err := notes.Sweep(ctx, s.deps.Notes, s.deps.Now())
	if err != nil {
		s.logger.Error("note sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired notes removed", "count", n)
	}
}

// Forget decays every stored memory graph. Graphs of live sessions are
// decayed in the session so the in-memory copy stays authoritative. It
// returns the number of nodes forgotten.
func Forget(ctx context.Context, registry *session.Registry, graphs memory.Store, ratio float64, now time.Time, opts memory.Options) (int, error) {
	if graphs == nil {
		return 0, nil
	}
	ids, err := graphs.GraphIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list memory graphs: %w", err)
	}
	total := 0
	for _, id := range ids {
		var n int
		if live, ok := lookup(registry, id); ok {
			n, err = live.ForgetMemories(ctx, ratio, now)
		} else {
			n, err = memory.ForgetStored(ctx, graphs, id, ratio, now, opts)
		}
		total += n
		if err != nil {
			return total, fmt.Errorf("forget %s: %w", id, err)
		}
	}
	return total, nil
}

func lookup(r *session.Registry, id string) (*session.Session, bool) {
	if r == nil {
		return nil, false
	}
	return r.Get(id)
}
