// Package cron runs the bridge's housekeeping jobs: sweeping expired
// cooldowns (persisting the surviving state) and trimming the request ledger.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/puter-bridge/internal/bus"
	"github.com/basket/puter-bridge/internal/engine"
)

// DefaultRetentionSchedule runs ledger retention once a day.
const DefaultRetentionSchedule = "@daily"

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 1m" or "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Retainer trims old ledger rows.
type Retainer interface {
	RunRetention(ctx context.Context, days int) (int64, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Registries []*engine.CooldownRegistry
	Ledger     Retainer // may be nil
	Bus        *bus.Bus // may be nil
	Logger     *slog.Logger

	SweepSchedule     string
	RetentionSchedule string
	RetentionDays     int
}

// Scheduler owns a robfig/cron runner with the sweep and retention jobs.
type Scheduler struct {
	registries    []*engine.CooldownRegistry
	ledger        Retainer
	bus           *bus.Bus
	logger        *slog.Logger
	retentionDays int

	runner *cronlib.Cron
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates the schedules and registers the jobs.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sweepSpec := cfg.SweepSchedule
	if sweepSpec == "" {
		sweepSpec = "@every 1m"
	}
	retentionSpec := cfg.RetentionSchedule
	if retentionSpec == "" {
		retentionSpec = DefaultRetentionSchedule
	}

	s := &Scheduler{
		registries:    cfg.Registries,
		ledger:        cfg.Ledger,
		bus:           cfg.Bus,
		logger:        logger,
		retentionDays: cfg.RetentionDays,
		runner:        cronlib.New(cronlib.WithParser(cronParser)),
		ctx:           context.Background(),
	}
	if _, err := s.runner.AddFunc(sweepSpec, s.Sweep); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", sweepSpec, err)
	}
	if s.ledger != nil && s.retentionDays > 0 {
		if _, err := s.runner.AddFunc(retentionSpec, s.retain); err != nil {
			return nil, fmt.Errorf("retention schedule %q: %w", retentionSpec, err)
		}
	}
	return s, nil
}

// Start runs the jobs until ctx is done or Stop is called. It sweeps once
// immediately so state restored at startup is trimmed right away.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	s.Sweep()
	s.runner.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.runner.Entries()))

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
}

// Stop halts the runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.runner.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// Sweep evicts expired cooldowns from every registry.
func (s *Scheduler) Sweep() {
	for _, reg := range s.registries {
		n := reg.Sweep()
		if n == 0 {
			continue
		}
		s.logger.Debug("cron: cooldowns expired", "registry", reg.Name(), "count", n)
		if s.bus != nil {
			s.bus.Publish(bus.TopicCooldownSwept, bus.CooldownEvent{Scope: reg.Name(), Count: n})
		}
	}
}

func (s *Scheduler) retain() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	deleted, err := s.ledger.RunRetention(ctx, s.retentionDays)
	if err != nil {
		s.logger.Error("cron: ledger retention failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("cron: ledger retention", "deleted", deleted, "days", s.retentionDays)
	}
}

// RunRetentionNow runs the retention job synchronously.
func (s *Scheduler) RunRetentionNow() {
	if s.ledger != nil && s.retentionDays > 0 {
		s.retain()
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
