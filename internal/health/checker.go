// Package health runs periodic liveness probes against anchord's
// dependencies (the ledger backend, the audit store) and tracks their
// degraded/healthy transitions for the readiness endpoint.
package health

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Probe checks one dependency. A nil return means the dependency answered.
type Probe func(ctx context.Context) error

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(dependency string, up bool)

// Checker runs periodic dependency probes. A dependency is reported degraded
// only after FailThreshold consecutive failures, so a single dropped probe
// does not flip readiness.
type Checker struct {
	cfg        Config
	probes     map[string]Probe
	mu         sync.Mutex
	failCounts map[string]int
	degraded   map[string]bool
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new Checker. Probes are registered with AddProbe before Start.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &Checker{
		cfg:        cfg,
		probes:     make(map[string]Probe),
		failCounts: make(map[string]int),
		degraded:   make(map[string]bool),
		logger:     logger,
	}
}

// AddProbe registers a named dependency probe.
func (c *Checker) AddProbe(name string, p Probe) {
	c.probes[name] = p
}

// SetMetricsRecord configures the metrics recording callback.
func (c *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	c.onMetrics = fn
}

// Start runs one probe round immediately, then loops on the check interval
// until quit is signalled.
func (c *Checker) Start(quit <-chan os.Signal) {
	c.CheckAll(context.Background())

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckAll(context.Background())
		case <-quit:
			return
		}
	}
}

// CheckAll probes every registered dependency concurrently.
func (c *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup

	for name, probe := range c.probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
			err := probe(probeCtx)
			cancel()

			c.record(name, err)
		}(name, probe)
	}

	wg.Wait()
}

func (c *Checker) record(name string, err error) {
	c.mu.Lock()
	if err == nil {
		wasDegraded := c.degraded[name]
		c.failCounts[name] = 0
		c.degraded[name] = false
		c.mu.Unlock()

		if wasDegraded {
			c.logger.Info("health: dependency recovered", zap.String("dependency", name))
		}
		if c.onMetrics != nil {
			c.onMetrics(name, true)
		}
		return
	}

	c.failCounts[name]++
	count := c.failCounts[name]
	if count == c.cfg.FailThreshold {
		c.degraded[name] = true
	}
	degraded := c.degraded[name]
	c.mu.Unlock()

	if count == c.cfg.FailThreshold {
		c.logger.Warn("health: dependency degraded",
			zap.String("dependency", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	} else {
		c.logger.Debug("health: probe failed",
			zap.String("dependency", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	}
	if c.onMetrics != nil {
		c.onMetrics(name, !degraded)
	}
}

// Snapshot reports per-dependency readiness. Dependencies that have never
// been probed report healthy.
func (c *Checker) Snapshot() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]bool, len(c.probes))
	for name := range c.probes {
		out[name] = !c.degraded[name]
	}
	return out
}

// Healthy reports whether no dependency is currently degraded.
func (c *Checker) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range c.degraded {
		if d {
			return false
		}
	}
	return true
}
