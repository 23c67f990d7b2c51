package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

var errProbe = errors.New("dependency unreachable")

func failingProbe(_ context.Context) error { return errProbe }
func passingProbe(_ context.Context) error { return nil }

func TestCheckAll_degradesAfterThreshold(t *testing.T) {
	checker := New(Config{
		ProbeTimeout:  time.Second,
		FailThreshold: 3,
	}, zap.NewNop())
	checker.AddProbe("ledger", failingProbe)

	// Below the threshold the dependency still reports healthy.
	checker.CheckAll(context.Background())
	checker.CheckAll(context.Background())
	if !checker.Healthy() {
		t.Fatal("dependency must not degrade below the fail threshold")
	}

	checker.CheckAll(context.Background())
	if checker.Healthy() {
		t.Fatal("expected degraded after 3 consecutive failures")
	}
	if up := checker.Snapshot()["ledger"]; up {
		t.Error("snapshot should report ledger down")
	}
}

func TestCheckAll_recovers(t *testing.T) {
	checker := New(Config{
		ProbeTimeout:  time.Second,
		FailThreshold: 2,
	}, zap.NewNop())

	fail := true
	checker.AddProbe("database", func(_ context.Context) error {
		if fail {
			return errProbe
		}
		return nil
	})

	checker.CheckAll(context.Background())
	checker.CheckAll(context.Background())
	if checker.Healthy() {
		t.Fatal("expected degraded after hitting the threshold")
	}

	fail = false
	checker.CheckAll(context.Background())
	if !checker.Healthy() {
		t.Fatal("expected recovery after a successful probe")
	}
	if up := checker.Snapshot()["database"]; !up {
		t.Error("snapshot should report database up again")
	}
}

func TestCheckAll_singleFailureResets(t *testing.T) {
	checker := New(Config{
		ProbeTimeout:  time.Second,
		FailThreshold: 3,
	}, zap.NewNop())

	calls := 0
	checker.AddProbe("ledger", func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errProbe
		}
		return nil
	})

	checker.CheckAll(context.Background())
	checker.CheckAll(context.Background())
	checker.CheckAll(context.Background())
	checker.CheckAll(context.Background())
	if !checker.Healthy() {
		t.Error("an isolated probe failure must never degrade the dependency")
	}
}

func TestCheckAll_metricsCallback(t *testing.T) {
	checker := New(Config{
		ProbeTimeout:  time.Second,
		FailThreshold: 1,
	}, zap.NewNop())
	checker.AddProbe("ledger", failingProbe)
	checker.AddProbe("database", passingProbe)

	var mu sync.Mutex
	got := make(map[string]bool)
	checker.SetMetricsRecord(func(dependency string, up bool) {
		mu.Lock()
		defer mu.Unlock()
		got[dependency] = up
	})

	checker.CheckAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if up, ok := got["ledger"]; !ok || up {
		t.Errorf("expected ledger reported down, got %v (present %v)", up, ok)
	}
	if up, ok := got["database"]; !ok || !up {
		t.Errorf("expected database reported up, got %v (present %v)", up, ok)
	}
}

func TestSnapshot_unprobedReportsHealthy(t *testing.T) {
	checker := New(Config{}, zap.NewNop())
	checker.AddProbe("ledger", failingProbe)

	if !checker.Snapshot()["ledger"] {
		t.Error("never-probed dependency should report healthy")
	}
}
