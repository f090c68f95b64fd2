// Package jobs runs the periodic maintenance work: cache warmup and
// long-term memory archive sweeps.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Warmer replays popular queries for a collection.
type Warmer interface {
	Warmup(ctx context.Context, collection string) (int, error)
}

// Archiver soft-archives a user's low-importance memories.
type Archiver interface {
	Archive(ctx context.Context, userID string, importanceThreshold float64) (int, error)
}

// Config selects what runs and when. An empty schedule disables its job.
type Config struct {
	WarmupSchedule   string
	Collections      []string
	ArchiveSchedule  string
	ArchiveUsers     []string
	ArchiveThreshold float64
	// Timeout bounds one run of a job.
	Timeout time.Duration
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron     *cron.Cron
	cfg      Config
	warmer   Warmer
	archiver Archiver
	logger   *zap.Logger
}

// New registers the configured jobs. warmer or archiver may be nil when
// their job is disabled.
func New(cfg Config, warmer Warmer, archiver Archiver, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		cfg:      cfg,
		warmer:   warmer,
		archiver: archiver,
		logger:   logger,
	}

	if expr := strings.TrimSpace(cfg.WarmupSchedule); expr != "" && warmer != nil && len(cfg.Collections) > 0 {
		if _, err := s.cron.AddFunc(expr, s.timed(s.RunWarmup)); err != nil {
			return nil, fmt.Errorf("invalid warmup schedule %q: %w", expr, err)
		}
	}
	if expr := strings.TrimSpace(cfg.ArchiveSchedule); expr != "" && archiver != nil && len(cfg.ArchiveUsers) > 0 {
		if _, err := s.cron.AddFunc(expr, s.timed(s.RunArchive)); err != nil {
			return nil, fmt.Errorf("invalid archive schedule %q: %w", expr, err)
		}
	}
	return s, nil
}

func (s *Scheduler) timed(run func(context.Context)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		run(ctx)
	}
}

// Jobs reports how many jobs are scheduled.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("job scheduler started", zap.Int("jobs", s.Jobs()))
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("job scheduler stopped with jobs still running")
	}
}

// RunWarmup warms every configured collection once.
func (s *Scheduler) RunWarmup(ctx context.Context) {
	for _, coll := range s.cfg.Collections {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.warmer.Warmup(ctx, coll); err != nil {
			s.logger.Warn("scheduled warmup failed", zap.String("collection", coll), zap.Error(err))
		}
	}
}

// RunArchive sweeps every configured user once.
func (s *Scheduler) RunArchive(ctx context.Context) {
	total := 0
	for _, user := range s.cfg.ArchiveUsers {
		if ctx.Err() != nil {
			return
		}
		n, err := s.archiver.Archive(ctx, user, s.cfg.ArchiveThreshold)
		if err != nil {
			s.logger.Warn("archive sweep failed", zap.String("user", user), zap.Error(err))
			continue
		}
		total += n
	}
	s.logger.Info("archive sweep done",
		zap.Int("users", len(s.cfg.ArchiveUsers)),
		zap.Int("archived", total))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
