package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives incremental reconciliation on a timer, backing off
// to a shorter retry interval after a failed run.
type Scheduler struct {
	syncer        *Syncer
	interval      time.Duration
	retryInterval time.Duration
	log           *zap.Logger

	mu       sync.Mutex
	lastRun  *time.Time
	lastErr  string
	lastKind string
}

func NewScheduler(s *Syncer, interval, retryInterval time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		syncer:        s,
		interval:      interval,
		retryInterval: retryInterval,
		log:           log,
	}
}

// Run loops until the context is cancelled. Meant to be started in its
// own goroutine.
func (sc *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(sc.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := sc.interval
		_, err := sc.syncer.Incremental(ctx, "scheduler")
		sc.record(err)
		if err != nil {
			sc.log.Warn("scheduled sync failed, backing off", zap.Error(err), zap.Duration("retry_in", sc.retryInterval))
			next = sc.retryInterval
		}
		timer.Reset(next)
	}
}

func (sc *Scheduler) record(err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	now := time.Now()
	sc.lastRun = &now
	sc.lastErr = ""
	if err != nil {
		sc.lastErr = err.Error()
	}
	sc.lastKind = "incremental"
}

// Status reports the last scheduled run for the sync status endpoint.
func (sc *Scheduler) Status() (lastRun *time.Time, lastErr string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lastRun, sc.lastErr
}
