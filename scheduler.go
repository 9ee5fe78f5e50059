package opscenario

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// RunFunc performs one scheduled run.
type RunFunc func(ctx context.Context) error

// Scheduler triggers runs, either once or every interval.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
	RegisterCallback(RunFunc)
	WaitForShutdown(ctx context.Context) error
	Stopped() bool
}

// DefaultScheduler implements the Scheduler interface.
type DefaultScheduler struct {
	interval time.Duration
	runOnce  bool
	logger   log.Logger
	callback RunFunc

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDefaultScheduler creates a scheduler. With runOnce set, Start runs the callback once
// and returns its error.
func NewDefaultScheduler(interval time.Duration, runOnce bool, logger log.Logger) *DefaultScheduler {
	return &DefaultScheduler{
		interval: interval,
		runOnce:  runOnce,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// RegisterCallback registers the run to trigger.
func (s *DefaultScheduler) RegisterCallback(callback RunFunc) {
	s.callback = callback
}

// Start runs the callback immediately. In interval mode it then keeps running it every
// interval in the background until Stop is called or ctx is done. Errors of background runs
// are logged, not returned.
func (s *DefaultScheduler) Start(ctx context.Context) error {
	if s.callback == nil {
		return errors.New("callback must be registered before starting scheduler")
	}
	if s.running.Swap(true) {
		return errors.New("scheduler already started")
	}

	if s.runOnce {
		s.logger.Info("Starting scheduler in run-once mode")
		defer s.running.Store(false)
		return s.callback(ctx)
	}

	s.logger.Info("Starting scheduler in continuous mode", "interval", s.interval)
	if err := s.callback(ctx); err != nil {
		s.running.Store(false)
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)

		for {
			select {
			case <-time.After(s.interval):
				if !s.running.Load() {
					return
				}
				s.logger.Info("Running scheduled scenarios")
				if err := s.callback(ctx); err != nil {
					s.logger.Error("Scheduled run failed", "err", err)
				}
				s.logger.Info("Next run scheduled", "interval", s.interval)

			case <-s.done:
				s.logger.Debug("Done signal received, stopping scheduler")
				return

			case <-ctx.Done():
				s.logger.Debug("Context canceled, stopping scheduler")
				return
			}
		}
	}()
	return nil
}

// Stop prevents further runs. A run in progress is not interrupted.
func (s *DefaultScheduler) Stop() error {
	if !s.running.Load() {
		s.logger.Debug("Scheduler already stopped, nothing to do")
		return nil
	}
	s.running.Store(false)
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

// Stopped returns true if the scheduler is stopped.
func (s *DefaultScheduler) Stopped() bool {
	return !s.running.Load()
}

// WaitForShutdown blocks until the background loop has exited.
func (s *DefaultScheduler) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for scheduler to stop", "err", ctx.Err())
		return ctx.Err()
	}
}
