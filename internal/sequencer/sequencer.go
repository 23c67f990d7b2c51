// Package sequencer serializes smart-contract writes for a single signing
// identity. The chain enforces strictly increasing per-signer nonces, so at
// most one transaction may be in flight at a time and submission order must
// match enqueue order exactly, even across retries.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainseal/chainseal/internal/ledger"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// NonceSource reports the signer's current pending-transaction count, which
// doubles as the next nonce. It is queried fresh immediately before every
// dispatch attempt so externally-caused nonce advancement is tolerated.
type NonceSource interface {
	PendingTransactionCount(ctx context.Context, signer string) (uint64, error)
}

// Config tunes the sequencer. Zero values take the production defaults.
type Config struct {
	// Signer is the identity all queued writes are signed with.
	Signer string
	// MaxAttempts bounds dispatches per call, counting the first (default 3).
	MaxAttempts int
	// RetryDelay is the pause between attempts of one call (default 5s).
	RetryDelay time.Duration
	// MinInterval is the minimum spacing between any two dispatched calls,
	// independent ones included, to respect backend rate limits (default 1s).
	MinInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MinInterval == 0 {
		c.MinInterval = time.Second
	}
}

// call is one queued write request.
type call struct {
	ctx        context.Context
	dispatch   ledger.DispatchFunc
	result     chan callResult
	enqueuedAt time.Time
}

type callResult struct {
	txRef string
	err   error
}

// Sequencer is a strict-FIFO, single-flight write queue. Queue depth is
// unbounded; backpressure is the caller's problem, not the queue's.
type Sequencer struct {
	cfg    Config
	nonces NonceSource
	pacer  *rate.Limiter
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*call
	closed  bool

	onRetry func()
	done    chan struct{}
	stopped chan struct{}
}

// New creates a Sequencer. Call Start to begin dispatching.
func New(cfg Config, nonces NonceSource, logger *zap.Logger) *Sequencer {
	cfg.applyDefaults()
	s := &Sequencer{
		cfg:     cfg,
		nonces:  nonces,
		pacer:   rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		logger:  logger,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetRetryRecord installs an optional callback invoked once per retry, for
// metrics.
func (s *Sequencer) SetRetryRecord(fn func()) {
	s.onRetry = fn
}

// Depth returns the number of calls waiting to be dispatched.
func (s *Sequencer) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Start launches the dispatch loop.
func (s *Sequencer) Start() {
	go s.run()
}

// Stop shuts the queue down. Queued calls that have not been dispatched fail
// with the shutdown error; the call currently in flight runs to completion.
func (s *Sequencer) Stop() {
	close(s.done)
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.stopped
}

var errShutdown = errors.New("sequencer shut down")

// Submit enqueues dispatch and parks the caller until the call reaches a
// terminal state. A caller whose context is cancelled before dispatch
// abandons the call with no nonce consumed; once dispatched, the call runs
// to success or terminal failure regardless of the caller's context.
func (s *Sequencer) Submit(ctx context.Context, dispatch ledger.DispatchFunc) (string, error) {
	c := &call{
		ctx:        ctx,
		dispatch:   dispatch,
		result:     make(chan callResult, 1),
		enqueuedAt: time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errShutdown
	}
	s.pending = append(s.pending, c)
	s.cond.Signal()
	s.mu.Unlock()

	select {
	case res := <-c.result:
		return res.txRef, res.err
	case <-ctx.Done():
		// The dispatch loop checks c.ctx before dispatching, so an
		// undispatched call is dropped with no side effect.
		return "", ctx.Err()
	}
}

// run is the single dispatch loop: it guarantees both the single-flight
// discipline and FIFO ordering.
func (s *Sequencer) run() {
	defer close(s.stopped)

	for {
		c, ok := s.dequeue()
		if !ok {
			return
		}

		// Caller abandoned the wait before dispatch: drop, no nonce used.
		if c.ctx.Err() != nil {
			continue
		}

		// Fixed inter-submission spacing between any two dispatched calls.
		if err := s.pace(); err != nil {
			c.result <- callResult{err: err}
			s.failPending(err)
			return
		}

		txRef, err := s.dispatchWithRetry(c)
		c.result <- callResult{txRef: txRef, err: err}
	}
}

// failPending resolves every still-queued call with err so no Submit caller
// is left parked after shutdown.
func (s *Sequencer) failPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.pending {
		c.result <- callResult{err: err}
	}
	s.pending = nil
}

// dequeue blocks until a call is available or the sequencer is stopped.
func (s *Sequencer) dequeue() (*call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.pending) == 0 {
		return nil, false
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, true
}

// pace waits out the minimum inter-submission interval.
func (s *Sequencer) pace() error {
	r := s.pacer.Reserve()
	select {
	case <-time.After(r.Delay()):
		return nil
	case <-s.done:
		r.Cancel()
		return errShutdown
	}
}

// dispatchWithRetry drives one call through its attempt budget. Each attempt
// fetches a fresh nonce; transient failures (ErrUnavailable) wait out the
// retry delay and try again, terminal failures propagate immediately without
// consuming the remaining budget.
//
// The caller's context is deliberately not used past this point: a caller
// abandoning Submit mid-flight must not abort an RPC whose transaction the
// chain may already have included, and an aborted RPC would read as
// ErrUnavailable and burn the remaining attempts against a dead context.
func (s *Sequencer) dispatchWithRetry(c *call) (string, error) {
	ctx := context.WithoutCancel(c.ctx)
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		nonce, err := s.nonces.PendingTransactionCount(ctx, s.cfg.Signer)
		if err == nil {
			var txRef string
			txRef, err = c.dispatch(ctx, nonce)
			if err == nil {
				s.logger.Debug("transaction confirmed",
					zap.Uint64("nonce", nonce),
					zap.String("tx_ref", txRef),
					zap.Int("attempt", attempt),
				)
				return txRef, nil
			}
		} else {
			err = fmt.Errorf("fetch nonce for %s: %w", s.cfg.Signer, err)
		}

		if !errors.Is(err, ledger.ErrUnavailable) {
			// Business refusal or malformed input: retrying cannot succeed.
			return "", err
		}

		lastErr = err
		s.logger.Warn("transient submission failure",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.MaxAttempts),
			zap.Error(err),
		)
		if s.onRetry != nil && attempt < s.cfg.MaxAttempts {
			s.onRetry()
		}
		if attempt < s.cfg.MaxAttempts {
			select {
			case <-time.After(s.cfg.RetryDelay):
			case <-s.done:
				return "", errShutdown
			}
		}
	}

	return "", fmt.Errorf("retries exhausted after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}
