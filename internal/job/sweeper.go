// Package job runs periodic maintenance on a cron schedule.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StaleSweeper takes offline agents whose heartbeats stopped.
type StaleSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper StaleSweeper
	timeout time.Duration
	logger  *zap.Logger
}

// NewScheduler registers the stale presence sweep on spec, e.g. "@every 1m".
func NewScheduler(spec string, sweeper StaleSweeper, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sweeper: sweeper,
		timeout: 30 * time.Second,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(spec, s.RunSweep); err != nil {
		return nil, fmt.Errorf("schedule stale presence sweep %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunSweep runs one sweep.
func (s *Scheduler) RunSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.sweeper.SweepStale(ctx)
	if err != nil {
		s.logger.Error("stale presence sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("stale agents marked offline", zap.Int("count", n))
	}
}
