// Package scheduler runs the periodic maintenance jobs: live-stats
// decay, expired device-code cleanup and the nightly daily rollup.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/burrowlabs/burrow/internal/stats"
	"github.com/burrowlabs/burrow/internal/store"
	"github.com/burrowlabs/burrow/pkg/logger"
)

const (
	decayInterval   = 10 * time.Minute
	cleanupInterval = time.Hour
)

// Scheduler drives the background jobs on their own goroutines.
type Scheduler struct {
	store    *store.Store
	pipeline *stats.Pipeline

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates the scheduler.
func New(st *store.Store, pipeline *stats.Pipeline) *Scheduler {
	return &Scheduler{
		store:    st,
		pipeline: pipeline,
		stop:     make(chan struct{}),
	}
}

// Start launches the job loops.
func (s *Scheduler) Start() {
	s.wg.Add(3)
	go s.decayLoop()
	go s.cleanupLoop()
	go s.rollupLoop()
	logger.Info("Scheduler started")
}

func (s *Scheduler) decayLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(decayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.pipeline.DecayLiveStats(ctx)
			cancel()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			count, err := s.store.DeleteExpiredDeviceCodes(ctx)
			cancel()
			if err != nil {
				logger.ErrorEvent().Err(err).Msg("Failed to delete expired device codes")
			} else if count > 0 {
				logger.DebugEvent().Int64("count", count).Msg("Deleted expired device codes")
			}
		case <-s.stop:
			return
		}
	}
}

// rollupLoop fires shortly after each local midnight and condenses the
// previous day's hourly rows.
func (s *Scheduler) rollupLoop() {
	defer s.wg.Done()

	for {
		timer := time.NewTimer(untilNextMidnight(time.Now()))
		select {
		case <-timer.C:
			day := time.Now().AddDate(0, 0, -1)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if err := s.pipeline.RollupDaily(ctx, day); err != nil {
				logger.ErrorEvent().Err(err).Msg("Daily rollup failed")
			}
			cancel()
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// untilNextMidnight returns the wait until just past the next local
// midnight. The minute of slack keeps the rollup clear of hourly buckets
// still being flushed at the boundary.
func untilNextMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now) + time.Minute
}

// Stop halts the job loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		logger.Info("Scheduler stopped")
	})
}
