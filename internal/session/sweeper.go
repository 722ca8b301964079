package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SweeperConfig controls the background sweep cadence. CronExpr, when set,
// takes precedence over Interval.
type SweeperConfig struct {
	Interval time.Duration
	Idle     time.Duration
	CronExpr string
}

// Sweeper periodically summarizes idle sessions.
type Sweeper struct {
	mgr    *Manager
	cfg    SweeperConfig
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(mgr *Manager, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 1800 * time.Second
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 600 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{mgr: mgr, cfg: cfg, logger: logger, done: make(chan struct{})}
}

func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	var sched cron.Schedule
	if s.cfg.CronExpr != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		parsed, err := parser.Parse(s.cfg.CronExpr)
		if err != nil {
			s.logger.Error("invalid sweep cron expression, using interval",
				"cron", s.cfg.CronExpr, "interval", s.cfg.Interval.String(), "error", err)
		} else {
			sched = parsed
		}
	}

	s.logger.Info("session sweeper started",
		"interval", s.cfg.Interval.String(), "idle", s.cfg.Idle.String(), "cron", s.cfg.CronExpr)
	go s.run(ctx, sched)
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sweeper) run(ctx context.Context, sched cron.Schedule) {
	defer close(s.done)
	for {
		var wait time.Duration
		if sched != nil {
			wait = time.Until(sched.Next(time.Now()))
		} else {
			wait = s.cfg.Interval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		s.mgr.SweepOnce(ctx, s.cfg.Idle)
	}
}
