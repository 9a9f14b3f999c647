package metrics

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is an interface for metrics collectors.
type Collector interface {
	// Collect collects metrics.
	Collect()
	// Start starts the collector.
	Start(ctx context.Context)
	// Stop stops the collector.
	Stop()
}

// poller runs a collect function on an interval until stopped.
type poller struct {
	interval time.Duration
	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

func newPoller(interval, def time.Duration) *poller {
	if interval <= 0 {
		interval = def
	}
	return &poller{interval: interval, stopCh: make(chan struct{})}
}

func (p *poller) start(ctx context.Context, collect func()) {
	if p.running.Swap(true) {
		return // Already running
	}

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		defer p.running.Store(false)

		collect()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				collect()
			}
		}
	}()
}

func (p *poller) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// RuntimeCollector collects Go runtime statistics.
type RuntimeCollector struct {
	*poller
	metrics *Metrics

	HeapInuse *Gauge
	NumGC     *Gauge
}

// NewRuntimeCollector creates a new runtime collector.
func NewRuntimeCollector(m *Metrics, interval time.Duration) *RuntimeCollector {
	return &RuntimeCollector{
		poller:  newPoller(interval, 15*time.Second),
		metrics: m,

		HeapInuse: NewGauge("summercoat_runtime_heap_inuse_bytes", "Heap in use in bytes"),
		NumGC:     NewGauge("summercoat_runtime_gc_completed_cycles", "Number of completed GC cycles"),
	}
}

// Collect collects runtime metrics.
func (rc *RuntimeCollector) Collect() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	if rc.metrics != nil {
		rc.metrics.MemoryBytes.SetUint64(memStats.Alloc)
		rc.metrics.Goroutines.SetUint64(uint64(runtime.NumGoroutine()))
	}
	rc.HeapInuse.SetUint64(memStats.HeapInuse)
	rc.NumGC.SetUint64(uint64(memStats.NumGC))
}

// Start starts periodic collection.
func (rc *RuntimeCollector) Start(ctx context.Context) {
	rc.start(ctx, rc.Collect)
}

// Stop stops the collector.
func (rc *RuntimeCollector) Stop() {
	rc.stop()
}

// AdditionalMetrics returns additional runtime metrics for registration.
func (rc *RuntimeCollector) AdditionalMetrics() []Metric {
	return []Metric{rc.HeapInuse, rc.NumGC}
}

// StoreStatsProvider reports the contents of a library store.
type StoreStatsProvider interface {
	// LibraryCount returns the number of stored libraries.
	LibraryCount() (int, error)
}

// StoreCollector collects suite store statistics.
type StoreCollector struct {
	*poller
	mu       sync.RWMutex
	metrics  *Metrics
	provider StoreStatsProvider
	path     string
}

// NewStoreCollector creates a collector for the store at path. provider may
// be nil, in which case only the on-disk size is collected.
func NewStoreCollector(m *Metrics, provider StoreStatsProvider, path string, interval time.Duration) *StoreCollector {
	return &StoreCollector{
		poller:   newPoller(interval, 30*time.Second),
		metrics:  m,
		provider: provider,
		path:     path,
	}
}

// Collect collects store metrics.
func (sc *StoreCollector) Collect() {
	if sc.metrics == nil {
		return
	}

	sc.mu.RLock()
	provider := sc.provider
	sc.mu.RUnlock()

	if provider != nil {
		if n, err := provider.LibraryCount(); err == nil {
			sc.metrics.Libraries.Set(int64(n))
		}
	}
	if sc.path != "" {
		sc.metrics.StoreSize.Set(dirSize(sc.path))
	}
}

// SetProvider sets the store stats provider.
func (sc *StoreCollector) SetProvider(provider StoreStatsProvider) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.provider = provider
}

// Start starts periodic collection.
func (sc *StoreCollector) Start(ctx context.Context) {
	sc.start(ctx, sc.Collect)
}

// Stop stops the collector.
func (sc *StoreCollector) Stop() {
	sc.stop()
}

// dirSize calculates the total size of files under path.
func dirSize(path string) int64 {
	var size int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// CollectorManager manages multiple collectors.
type CollectorManager struct {
	mu         sync.Mutex
	collectors []Collector
	cancel     context.CancelFunc
}

// NewCollectorManager creates a new collector manager.
func NewCollectorManager() *CollectorManager {
	return &CollectorManager{}
}

// Add adds a collector to the manager.
func (cm *CollectorManager) Add(c Collector) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.collectors = append(cm.collectors, c)
}

// Start starts all collectors.
func (cm *CollectorManager) Start() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.cancel != nil {
		return
	}

	var ctx context.Context
	ctx, cm.cancel = context.WithCancel(context.Background())
	for _, c := range cm.collectors {
		c.Start(ctx)
	}
}

// Stop stops all collectors.
func (cm *CollectorManager) Stop() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.cancel == nil {
		return
	}
	cm.cancel()
	cm.cancel = nil

	for _, c := range cm.collectors {
		c.Stop()
	}
}

// CollectAll triggers collection on all collectors.
func (cm *CollectorManager) CollectAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, c := range cm.collectors {
		c.Collect()
	}
}
