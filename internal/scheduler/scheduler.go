// Package scheduler triggers periodic syncs of every subscribed user.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "rostersync/internal/log"
	"rostersync/internal/model"
)

// Syncer runs one sync pass over all users. *reconcile.Engine satisfies it.
type Syncer interface {
	SyncAll(ctx context.Context) ([]model.SyncReport, error)
}

// Scheduler runs Syncer on a cron schedule. A run still in progress when the
// next tick fires causes that tick to be skipped.
type Scheduler struct {
	cron   *cron.Cron
	syncer Syncer

	mu  sync.Mutex
	ctx context.Context
}

// New parses spec (standard 5-field cron or descriptors like "@every 15m")
// evaluated in loc.
func New(spec string, loc *time.Location, syncer Syncer) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		syncer: syncer,
		ctx:    context.Background(),
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("scheduler: invalid refresh schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing; jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	appLog.Info("scheduler started", "next_run", s.Next().Format(time.RFC3339))
}

// Stop stops firing and waits for a running job to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		appLog.Warn("scheduler: stop timed out with a sync still running")
	}
}

// Next returns the next scheduled run, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	started := time.Now()
	reports, err := s.syncer.SyncAll(ctx)
	total := 0
	for _, r := range reports {
		total += r.TotalUpserted
	}
	if err != nil {
		appLog.Error("scheduled sync finished with errors", err, "users", len(reports), "total_upserted", total)
		return
	}
	appLog.Info("scheduled sync finished",
		"users", len(reports),
		"total_upserted", total,
		"elapsed", time.Since(started).String(),
	)
}

// cronLogger routes cron's own logging to the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
