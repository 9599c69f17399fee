// Package shutdown coordinates graceful termination: one signal-driven
// context shared by every long-lived component, plus named cleanup
// hooks that each get a bounded time to finish.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Shutdown fans a single cancellation signal (OS signal or manual
// trigger) out to a set of named, optionally timeout-bounded callbacks.
type Shutdown struct {
	logger    zerolog.Logger
	rootCtx   context.Context
	cancel    func()
	mutex     sync.Mutex
	callbacks []callback
	sigCh     chan os.Signal
}

type callback struct {
	name    string
	f       func()
	timeout time.Duration
}

// New creates a Shutdown listening for sigs, or for os.Interrupt alone
// when none are given.
func New(logger zerolog.Logger, sigs ...os.Signal) *Shutdown {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt}
	}
	signal.Notify(sigCh, sigs...)
	return &Shutdown{
		logger:  logger,
		rootCtx: ctx,
		cancel:  cancel,
		sigCh:   sigCh,
	}
}

// Hook registers a callback to run during shutdown. timeout==0 means
// run without a deadline.
func (s *Shutdown) Hook(name string, f func(), timeout time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.callbacks = append(s.callbacks, callback{name: name, f: f, timeout: timeout})
}

// Context is canceled the moment a shutdown signal arrives, before
// callbacks run — components should select on it to stop accepting new
// work.
func (s *Shutdown) Context() context.Context {
	return s.rootCtx
}

// Wait blocks until a registered signal arrives, then runs every
// callback concurrently and returns once all have finished or timed out.
func (s *Shutdown) Wait() {
	<-s.sigCh
	s.cancel()
	s.logger.Info().Msg("shutdown signal received, running shutdown hooks")
	s.run()
	s.logger.Info().Msg("shutdown complete")
}

// Trigger manually starts the shutdown sequence without waiting for a
// signal, e.g. after a fatal config error.
func (s *Shutdown) Trigger() {
	s.cancel()
	s.logger.Info().Msg("shutdown triggered manually, running shutdown hooks")
	s.run()
	s.logger.Info().Msg("shutdown complete")
}

func (s *Shutdown) run() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var wg sync.WaitGroup
	for _, cb := range s.callbacks {
		wg.Add(1)
		go func(cb callback) {
			defer wg.Done()

			ctx := context.Background()
			var cancel context.CancelFunc
			if cb.timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, cb.timeout)
				defer cancel()
			}

			done := make(chan struct{})
			go func() {
				defer close(done)
				cb.f()
			}()

			select {
			case <-done:
				s.logger.Debug().Str("hook", cb.name).Msg("shutdown hook finished")
			case <-ctx.Done():
				s.logger.Error().Str("hook", cb.name).Dur("timeout", cb.timeout).Msg("shutdown hook timed out")
			}
		}(cb)
	}
	wg.Wait()
}
