// Package sweeper runs the engine's advisory cleanup on a cron schedule.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"secshare.io/engine/internal/engine"
	"secshare.io/engine/internal/metrics"
)

const runTimeout = 30 * time.Second

// Sweeper is the part of the engine the scheduler drives.
type Sweeper interface {
	Sweep(ctx context.Context) (engine.SweepResult, error)
}

type Scheduler struct {
	target Sweeper
	cron   *cron.Cron
	log    logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc

	wg      sync.WaitGroup
	running sync.Mutex
}

// New parses a standard five-field cron spec (or a descriptor such as
// "@every 5m"). Runs that would overlap a still-running sweep are skipped.
func New(target Sweeper, schedule string, log logrus.FieldLogger) (*Scheduler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Scheduler{target: target, log: log.WithField("component", "sweeper")}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.log}),
		cron.SkipIfStillRunning(cronLogger{s.log}),
	))
	if _, err := s.cron.AddFunc(schedule, func() { _ = s.RunOnce(s.ctx) }); err != nil {
		s.cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs one sweep immediately and then follows the schedule.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.RunOnce(s.ctx)
	}()
	s.cron.Start()
}

// Stop prevents new runs and waits for running sweeps. When ctx ends first
// the running sweeps are canceled.
func (s *Scheduler) Stop(ctx context.Context) error {
	defer s.cancel()

	done := make(chan struct{})
	go func() {
		<-s.cron.Stop().Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) RunOnce(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !s.running.TryLock() {
		s.log.Debug("Sweep already running, skipping")
		return nil
	}
	defer s.running.Unlock()

	cctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	started := time.Now()
	res, err := s.target.Sweep(cctx)
	metrics.RecordSweep(time.Since(started), err)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		s.log.WithError(err).Error("Sweep failed")
		return err
	}
	if res.Purged > 0 || res.Removed > 0 {
		s.log.WithFields(logrus.Fields{"purged": res.Purged, "removed": res.Removed}).Info("Sweep cleaned up secrets")
	}
	return nil
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(kv []any) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
