package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// HealthStatus is the outcome of the latest round of checks.
type HealthStatus struct {
	Healthy   bool             `json:"healthy"`
	Ready     bool             `json:"ready"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Uptime    time.Duration    `json:"uptime"`
}

// Check is the result of one named check.
type Check struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency,omitempty"`
}

// HealthCheckFunc performs one check.
type HealthCheckFunc func(ctx context.Context) Check

// HealthChecker runs named checks against a machine's metrics, either on
// demand or periodically. The machine is ready once the owner says so and
// every check passes.
type HealthChecker struct {
	metrics  *Metrics
	started  time.Time
	interval time.Duration
	maxMem   uint64

	mu     sync.RWMutex
	checks map[string]HealthCheckFunc

	status  atomic.Pointer[HealthStatus]
	ready   atomic.Bool
	running atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

// HealthCheckerOption configures a HealthChecker.
type HealthCheckerOption func(*HealthChecker)

// WithMaxMemoryBytes sets the host memory ceiling checked against
// Metrics.MemoryBytes.
func WithMaxMemoryBytes(n uint64) HealthCheckerOption {
	return func(h *HealthChecker) { h.maxMem = n }
}

// WithHealthCheckInterval sets the period used by Start.
func WithHealthCheckInterval(d time.Duration) HealthCheckerOption {
	return func(h *HealthChecker) { h.interval = d }
}

// NewHealthChecker creates a checker with the memory and fault checks
// registered. m may be nil, in which case both always pass.
func NewHealthChecker(m *Metrics, opts ...HealthCheckerOption) *HealthChecker {
	h := &HealthChecker{
		metrics:  m,
		started:  time.Now(),
		interval: 10 * time.Second,
		maxMem:   4 << 30,
		checks:   make(map[string]HealthCheckFunc),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.status.Store(&HealthStatus{Healthy: true, Timestamp: h.started})
	h.RegisterCheck("memory_usage", h.checkMemoryUsage)
	h.RegisterCheck("cpu_faults", h.checkFaults)
	return h
}

// RegisterCheck adds or replaces the check called name.
func (h *HealthChecker) RegisterCheck(name string, check HealthCheckFunc) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// UnregisterCheck removes the check called name.
func (h *HealthChecker) UnregisterCheck(name string) {
	h.mu.Lock()
	delete(h.checks, name)
	h.mu.Unlock()
}

// IsHealthy reports the outcome of the latest round.
func (h *HealthChecker) IsHealthy() bool {
	return h.status.Load().Healthy
}

// IsReady reports whether the machine is marked ready and healthy.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && h.IsHealthy()
}

// SetReady marks the machine ready or not.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// GetStatus returns a copy of the latest status.
func (h *HealthChecker) GetStatus() *HealthStatus {
	status := *h.status.Load()
	status.Ready = h.IsReady()
	return &status
}

// Check runs every registered check in name order and publishes the result.
// The status message lists the failing checks' messages.
func (h *HealthChecker) Check(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	fns := make(map[string]HealthCheckFunc, len(h.checks))
	for name, fn := range h.checks {
		names = append(names, name)
		fns[name] = fn
	}
	h.mu.RUnlock()
	sort.Strings(names)

	status := &HealthStatus{
		Healthy:   true,
		Timestamp: time.Now(),
		Checks:    make(map[string]Check, len(names)),
		Uptime:    time.Since(h.started),
	}

	var failed []string
	for _, name := range names {
		start := time.Now()
		c := fns[name](ctx)
		c.Name = name
		if c.Latency == 0 {
			c.Latency = time.Since(start)
		}
		status.Checks[name] = c

		if !c.Healthy {
			status.Healthy = false
			if c.Message != "" {
				failed = append(failed, name+": "+c.Message)
			}
		}
	}
	status.Message = strings.Join(failed, "; ")

	h.status.Store(status)
	status.Ready = h.IsReady()
	return status
}

func (h *HealthChecker) checkMemoryUsage(ctx context.Context) Check {
	if h.metrics == nil {
		return Check{Healthy: true}
	}
	used := uint64(h.metrics.MemoryBytes.Value())
	switch {
	case used > h.maxMem:
		return Check{Message: "memory usage exceeds threshold"}
	case used > h.maxMem/10*8:
		return Check{Healthy: true, Message: "memory usage above 80%"}
	}
	return Check{Healthy: true}
}

// checkFaults fails once any CPU has stopped on a fatal fault.
func (h *HealthChecker) checkFaults(ctx context.Context) Check {
	if h.metrics == nil || h.metrics.Faults.Value() == 0 {
		return Check{Healthy: true}
	}
	return Check{Message: "a cpu stopped on a fatal fault"}
}

// Start runs Check immediately and then every interval until ctx ends or
// Stop is called. Further calls while running do nothing.
func (h *HealthChecker) Start(ctx context.Context) {
	if h.running.Swap(true) {
		return
	}

	go func() {
		defer h.running.Store(false)
		t := time.NewTicker(h.interval)
		defer t.Stop()

		for {
			h.Check(ctx)
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-t.C:
			}
		}
	}()
}

// Stop ends periodic checking.
func (h *HealthChecker) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// Pinger is anything that can report whether it is available.
type Pinger interface {
	Ping() error
}

// RegisterStoreCheck registers a "store" check pinging the library store.
func (h *HealthChecker) RegisterStoreCheck(p Pinger) {
	h.RegisterCheck("store", func(ctx context.Context) Check {
		if p == nil {
			return Check{Message: "no store"}
		}
		start := time.Now()
		if err := p.Ping(); err != nil {
			return Check{Message: "store unavailable: " + err.Error(), Latency: time.Since(start)}
		}
		return Check{Healthy: true, Latency: time.Since(start)}
	})
}
