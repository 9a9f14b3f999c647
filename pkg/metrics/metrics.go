// Package metrics provides Prometheus-compatible metrics for the VM.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType defines the type of a metric.
type MetricType string

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = "counter"
	// TypeGauge is a value that can go up and down.
	TypeGauge MetricType = "gauge"
	// TypeHistogram is a histogram with configurable buckets.
	TypeHistogram MetricType = "histogram"
)

// Metric is the interface for all metrics.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
}

// desc is the name and help text shared by every metric.
type desc struct {
	name string
	help string
}

// Name returns the metric name.
func (d *desc) Name() string { return d.name }

// Help returns the metric help text.
func (d *desc) Help() string { return d.help }

// Counter is a thread-safe counter metric.
type Counter struct {
	desc
	value atomic.Uint64
}

// NewCounter creates a new counter metric.
func NewCounter(name, help string) *Counter {
	return &Counter{desc: desc{name, help}}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds the given value to the counter.
func (c *Counter) Add(delta uint64) { c.value.Add(delta) }

// Value returns the current counter value.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Type returns TypeCounter.
func (c *Counter) Type() MetricType { return TypeCounter }

// Gauge is a thread-safe gauge metric.
type Gauge struct {
	desc
	value atomic.Int64
}

// NewGauge creates a new gauge metric.
func NewGauge(name, help string) *Gauge {
	return &Gauge{desc: desc{name, help}}
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(value int64) { g.value.Store(value) }

// SetUint64 sets the gauge to the given unsigned value.
func (g *Gauge) SetUint64(value uint64) { g.value.Store(int64(value)) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Add adds the given value to the gauge.
func (g *Gauge) Add(delta int64) { g.value.Add(delta) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Type returns TypeGauge.
func (g *Gauge) Type() MetricType { return TypeGauge }

// Histogram is a thread-safe histogram metric. Bucket counts are kept
// cumulative, as exposed.
type Histogram struct {
	desc
	mu      sync.RWMutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// DefaultHistogramBuckets are the default buckets for histograms.
var DefaultHistogramBuckets = []float64{
	0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 60.0,
}

// NewHistogram creates a new histogram metric with the given buckets.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	if len(buckets) == 0 {
		buckets = DefaultHistogramBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)

	return &Histogram{
		desc:    desc{name, help},
		buckets: sorted,
		counts:  make([]uint64, len(sorted)),
	}
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += value
	h.count++

	// First bucket holding the value, and every one above it
	for i := sort.SearchFloat64s(h.buckets, value); i < len(h.buckets); i++ {
		h.counts[i]++
	}
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Type returns TypeHistogram.
func (h *Histogram) Type() MetricType { return TypeHistogram }

// HistogramBucket represents a single bucket in a histogram.
type HistogramBucket struct {
	UpperBound float64
	Count      uint64
}

// HistogramSnapshot is a point-in-time snapshot of a histogram.
type HistogramSnapshot struct {
	Buckets []HistogramBucket
	Sum     float64
	Count   uint64
}

// Snapshot returns a snapshot of the histogram.
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := HistogramSnapshot{
		Buckets: make([]HistogramBucket, len(h.buckets)),
		Sum:     h.sum,
		Count:   h.count,
	}
	for i, bound := range h.buckets {
		snap.Buckets[i] = HistogramBucket{UpperBound: bound, Count: h.counts[i]}
	}
	return snap
}

// Metrics is the metric set of one VM. The exported fields are the
// instruments the CPUs, collectors and CLI update directly.
type Metrics struct {
	Steps         *Counter
	Invokes       *Counter
	Returns       *Counter
	ICacheRefills *Counter
	AtomicOps     *Counter
	Traps         *Counter
	Faults        *Counter

	ActiveCPUs  *Gauge
	FrameDepth  *Gauge
	MappedBytes *Gauge
	MemoryBytes *Gauge
	Goroutines  *Gauge
	Libraries   *Gauge
	StoreSize   *Gauge

	RunDuration *Histogram

	mu     sync.RWMutex
	byName map[string]Metric
}

// NewMetrics creates a metric set with every instrument registered.
func NewMetrics() *Metrics {
	m := &Metrics{
		Steps:         NewCounter("summercoat_steps_total", "Total number of instructions executed"),
		Invokes:       NewCounter("summercoat_invokes_total", "Total number of frames entered by INVOKE"),
		Returns:       NewCounter("summercoat_returns_total", "Total number of frames left by RETURN"),
		ICacheRefills: NewCounter("summercoat_icache_refills_total", "Total number of instruction cache refills"),
		AtomicOps:     NewCounter("summercoat_atomic_ops_total", "Total number of atomic memory operations"),
		Traps:         NewCounter("summercoat_traps_total", "Total number of arithmetic traps"),
		Faults:        NewCounter("summercoat_faults_total", "Total number of runs ended by a fatal fault"),

		ActiveCPUs:  NewGauge("summercoat_active_cpus", "Number of CPUs currently running"),
		FrameDepth:  NewGauge("summercoat_frame_depth", "Frame count of the last CPU to stop running"),
		MappedBytes: NewGauge("summercoat_mapped_bytes", "Bytes of memory mapped into the VM"),
		MemoryBytes: NewGauge("summercoat_memory_bytes", "Host heap usage in bytes"),
		Goroutines:  NewGauge("summercoat_goroutines", "Number of active goroutines"),
		Libraries:   NewGauge("summercoat_libraries", "Number of libraries in the suite store"),
		StoreSize:   NewGauge("summercoat_store_size_bytes", "Suite store size in bytes"),

		RunDuration: NewHistogram("summercoat_run_duration_seconds",
			"Duration of a single CPU run in seconds", DefaultHistogramBuckets),

		byName: make(map[string]Metric),
	}

	m.Register(m.Steps, m.Invokes, m.Returns, m.ICacheRefills, m.AtomicOps, m.Traps, m.Faults)
	m.Register(m.ActiveCPUs, m.FrameDepth, m.MappedBytes, m.MemoryBytes, m.Goroutines, m.Libraries, m.StoreSize)
	m.Register(m.RunDuration)
	return m
}

// Register adds metrics to the exposed set. A metric with the name of an
// already registered one replaces it.
func (m *Metrics) Register(ms ...Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, metric := range ms {
		m.byName[metric.Name()] = metric
	}
}

// Get returns the metric called name, or nil.
func (m *Metrics) Get(name string) Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byName[name]
}

// All returns a copy of the registry.
func (m *Metrics) All() map[string]Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Metric, len(m.byName))
	for k, v := range m.byName {
		out[k] = v
	}
	return out
}

// WriteTo writes every metric in Prometheus text format, sorted by name.
func (m *Metrics) WriteTo(w io.Writer) (int64, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	ms := make([]Metric, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		ms = append(ms, m.byName[name])
	}
	m.mu.RUnlock()

	cw := &countingWriter{w: w}
	for _, metric := range ms {
		writeMetric(cw, metric)
		fmt.Fprintln(cw)
		if cw.err != nil {
			break
		}
	}
	return cw.n, cw.err
}

// Format returns the text WriteTo would write.
func (m *Metrics) Format() string {
	var sb strings.Builder
	m.WriteTo(&sb)
	return sb.String()
}

func formatMetric(metric Metric) string {
	var sb strings.Builder
	writeMetric(&sb, metric)
	return sb.String()
}

func writeMetric(w io.Writer, metric Metric) {
	name := metric.Name()
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, metric.Help(), name, metric.Type())

	switch v := metric.(type) {
	case *Counter:
		fmt.Fprintf(w, "%s %d\n", name, v.Value())
	case *Gauge:
		fmt.Fprintf(w, "%s %d\n", name, v.Value())
	case *Histogram:
		snap := v.Snapshot()
		for _, b := range snap.Buckets {
			fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", name, b.UpperBound, b.Count)
		}
		fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.Count)
		fmt.Fprintf(w, "%s_sum %.6f\n%s_count %d\n", name, snap.Sum, name, snap.Count)
	}
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

// RunStats are the events of one CPU run.
type RunStats struct {
	Steps        uint64
	Invokes      uint64
	Returns      uint64
	CacheRefills uint64
	AtomicOps    uint64
	Traps        uint64
}

// RecordRun records the events of a finished run. depth is the number of
// frames left on the CPU.
func (m *Metrics) RecordRun(s RunStats, depth int, duration time.Duration) {
	m.Steps.Add(s.Steps)
	m.Invokes.Add(s.Invokes)
	m.Returns.Add(s.Returns)
	m.ICacheRefills.Add(s.CacheRefills)
	m.AtomicOps.Add(s.AtomicOps)
	m.Traps.Add(s.Traps)
	m.FrameDepth.Set(int64(depth))
	m.RunDuration.ObserveDuration(duration)
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide metric set, used by servers
// created without WithMetrics.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() { defaultMetrics = NewMetrics() })
	return defaultMetrics
}
