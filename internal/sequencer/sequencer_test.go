package sequencer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chainseal/chainseal/internal/ledger"
	"github.com/chainseal/chainseal/internal/sequencer"

	"go.uber.org/zap"
)

// stubNonces hands out nonces equal to the number of confirmed transactions,
// the way a chain's pending-transaction count behaves for a single signer.
type stubNonces struct {
	mu        sync.Mutex
	confirmed uint64
}

func (s *stubNonces) PendingTransactionCount(_ context.Context, _ string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed, nil
}

func (s *stubNonces) confirm() {
	s.mu.Lock()
	s.confirmed++
	s.mu.Unlock()
}

func newTestSequencer(t *testing.T, nonces sequencer.NonceSource, cfg sequencer.Config) *sequencer.Sequencer {
	t.Helper()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = time.Millisecond
	}
	s := sequencer.New(cfg, nonces, zap.NewNop())
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func TestSubmit_success(t *testing.T) {
	nonces := &stubNonces{}
	s := newTestSequencer(t, nonces, sequencer.Config{Signer: "signer-1"})

	txRef, err := s.Submit(context.Background(), func(_ context.Context, nonce uint64) (string, error) {
		nonces.confirm()
		return fmt.Sprintf("tx-%d", nonce), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if txRef != "tx-0" {
		t.Errorf("expected tx-0, got %s", txRef)
	}
}

func TestSubmit_fifoOrderAndContiguousNonces(t *testing.T) {
	const n = 8
	nonces := &stubNonces{}
	s := newTestSequencer(t, nonces, sequencer.Config{Signer: "signer-1"})

	var mu sync.Mutex
	var dispatched []uint64

	// Enqueue in a strict order by starting each goroutine only after the
	// previous one is queued. A sleep-free way would need hooks into the
	// queue; a tiny stagger keeps the test honest enough.
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Submit(context.Background(), func(_ context.Context, nonce uint64) (string, error) {
				mu.Lock()
				dispatched = append(dispatched, nonce)
				mu.Unlock()
				nonces.confirm()
				return fmt.Sprintf("tx-%d", nonce), nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	if len(dispatched) != n {
		t.Fatalf("expected %d dispatches, got %d", n, len(dispatched))
	}
	for i, nonce := range dispatched {
		if nonce != uint64(i) {
			t.Errorf("dispatch %d used nonce %d; nonces must be contiguous and increasing", i, nonce)
		}
	}
}

func TestSubmit_retryBoundOnTransientFailure(t *testing.T) {
	nonces := &stubNonces{}
	s := newTestSequencer(t, nonces, sequencer.Config{Signer: "signer-1", MaxAttempts: 3})

	attempts := 0
	_, err := s.Submit(context.Background(), func(_ context.Context, _ uint64) (string, error) {
		attempts++
		return "", fmt.Errorf("rpc timeout: %w", ledger.ErrUnavailable)
	})
	if err == nil {
		t.Fatal("expected terminal failure after exhausting retries")
	}
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Errorf("terminal error should wrap the last transient failure, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected exactly 3 dispatch attempts, got %d", attempts)
	}
}

func TestSubmit_terminalFailureNotRetried(t *testing.T) {
	nonces := &stubNonces{}
	s := newTestSequencer(t, nonces, sequencer.Config{Signer: "signer-1", MaxAttempts: 3})

	attempts := 0
	_, err := s.Submit(context.Background(), func(_ context.Context, _ uint64) (string, error) {
		attempts++
		return "", fmt.Errorf("duplicate submission: %w", ledger.ErrRejected)
	})
	if !errors.Is(err, ledger.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("terminal failures must not consume retry budget, got %d attempts", attempts)
	}
}

func TestSubmit_nonceFetchedFreshPerAttempt(t *testing.T) {
	nonces := &stubNonces{}
	s := newTestSequencer(t, nonces, sequencer.Config{Signer: "signer-1", MaxAttempts: 3})

	var seen []uint64
	attempts := 0
	txRef, err := s.Submit(context.Background(), func(_ context.Context, nonce uint64) (string, error) {
		seen = append(seen, nonce)
		attempts++
		if attempts < 3 {
			// Simulate externally-caused nonce advancement between attempts.
			nonces.confirm()
			return "", fmt.Errorf("not confirmed: %w", ledger.ErrUnavailable)
		}
		return "tx-final", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if txRef != "tx-final" {
		t.Errorf("unexpected txRef %s", txRef)
	}
	want := []uint64{0, 1, 2}
	for i, n := range seen {
		if n != want[i] {
			t.Errorf("attempt %d used stale nonce %d, want %d", i+1, n, want[i])
		}
	}
}

func TestSubmit_minIntervalBetweenCalls(t *testing.T) {
	nonces := &stubNonces{}
	const interval = 40 * time.Millisecond
	s := newTestSequencer(t, nonces, sequencer.Config{Signer: "signer-1", MinInterval: interval})

	dispatch := func(_ context.Context, nonce uint64) (string, error) {
		nonces.confirm()
		return fmt.Sprintf("tx-%d", nonce), nil
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := s.Submit(context.Background(), dispatch); err != nil {
			t.Fatal(err)
		}
	}
	elapsed := time.Since(start)

	// First call may go immediately; the next two must each wait a full
	// interval.
	if elapsed < 2*interval {
		t.Errorf("3 calls finished in %v; pacing of %v per call not enforced", elapsed, interval)
	}
}

func TestSubmit_cancelBeforeDispatch(t *testing.T) {
	nonces := &stubNonces{}
	s := newTestSequencer(t, nonces, sequencer.Config{Signer: "signer-1", MinInterval: 50 * time.Millisecond})

	block := make(chan struct{})
	go s.Submit(context.Background(), func(_ context.Context, nonce uint64) (string, error) { //nolint:errcheck
		<-block
		nonces.confirm()
		return "tx-long", nil
	})
	time.Sleep(10 * time.Millisecond) // let the first call occupy the flight slot

	ctx, cancel := context.WithCancel(context.Background())
	dispatched := false
	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx, func(_ context.Context, _ uint64) (string, error) {
			dispatched = true
			return "tx-should-not-run", nil
		})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(block)
	// Give the loop a moment to drain; the abandoned call must be skipped.
	time.Sleep(100 * time.Millisecond)
	if dispatched {
		t.Error("cancelled call must not be dispatched and must not consume a nonce")
	}
}

func TestSubmit_inflightCallDetachedFromCaller(t *testing.T) {
	nonces := &stubNonces{}
	s := newTestSequencer(t, nonces, sequencer.Config{Signer: "signer-1"})

	started := make(chan struct{})
	release := make(chan struct{})
	ctxErr := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _ = s.Submit(ctx, func(dctx context.Context, _ uint64) (string, error) {
			close(started)
			<-release
			ctxErr <- dctx.Err()
			nonces.confirm()
			return "tx-detached", nil
		})
	}()

	<-started
	// Caller walks away while the dispatch is in flight. The dispatch
	// context must stay live: the chain may already hold the transaction.
	cancel()
	time.Sleep(10 * time.Millisecond)
	close(release)

	if err := <-ctxErr; err != nil {
		t.Fatalf("in-flight dispatch saw caller cancellation: %v", err)
	}
}

func TestSubmit_retryCallback(t *testing.T) {
	nonces := &stubNonces{}
	s := newTestSequencer(t, nonces, sequencer.Config{Signer: "signer-1", MaxAttempts: 3})

	retries := 0
	s.SetRetryRecord(func() { retries++ })

	_, _ = s.Submit(context.Background(), func(_ context.Context, _ uint64) (string, error) {
		return "", fmt.Errorf("throttled: %w", ledger.ErrUnavailable)
	})
	if retries != 2 {
		t.Errorf("3 attempts imply 2 retries, got %d", retries)
	}
}
