// Package cpu implements the native CPU: a register machine interpreting the
// instruction stream described by package isa against a shared memory.
//
// A CPU owns its frames and is driven by a single goroutine. Several CPUs
// may share one memory. Only the atomic instructions synchronize, by holding
// the memory's lock; plain loads and stores from different CPUs must not
// race on the same address.
package cpu

import (
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/lvyitian/SquirrelJME/pkg/debuginfo"
	"github.com/lvyitian/SquirrelJME/pkg/isa"
	"github.com/lvyitian/SquirrelJME/pkg/memory"
	"github.com/lvyitian/SquirrelJME/pkg/metrics"
)

// Instruction cache defaults.
const (
	DefaultCacheSize  = 2048
	DefaultCacheSpill = 1024
)

// Options configures a CPU.
type Options struct {
	// CacheSize is the number of instruction bytes fetched per refill.
	CacheSize int

	// CacheSpill is how far into the cache the PC may move before the cache
	// is refilled from the PC. It must not exceed CacheSize.
	CacheSpill int

	// Observer, if set, is called once per decoded instruction.
	Observer StepObserver

	// Metrics receives counters at the end of each run.
	Metrics *metrics.Metrics

	// Debug resolves trace information. CPUs sharing memory may share one
	// cache; nil creates a private one.
	Debug *debuginfo.Cache
}

// Stats counts CPU events since creation.
type Stats struct {
	Steps        uint64
	Invokes      uint64
	Returns      uint64
	CacheRefills uint64
	AtomicOps    uint64
	Traps        uint64
}

// sub returns s - o.
func (s Stats) sub(o Stats) Stats {
	return Stats{
		Steps:        s.Steps - o.Steps,
		Invokes:      s.Invokes - o.Invokes,
		Returns:      s.Returns - o.Returns,
		CacheRefills: s.CacheRefills - o.CacheRefills,
		AtomicOps:    s.AtomicOps - o.AtomicOps,
		Traps:        s.Traps - o.Traps,
	}
}

// CPU is a native CPU.
type CPU struct {
	id  uuid.UUID
	mem memory.Memory
	log commonlog.Logger

	frames []*Frame

	// Instruction cache over [cacheBase, cacheBase+cacheLen)
	icache     []byte
	cacheBase  uint32
	cacheLen   int
	cacheValid bool
	spill      int

	// Per step scratch
	inst isa.Instruction
	argv []int32

	observer StepObserver
	metrics  *metrics.Metrics
	debug    *debuginfo.Cache

	stats Stats
}

// NewCPU creates a CPU executing against mem.
func NewCPU(mem memory.Memory, opts Options) *CPU {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	spill := opts.CacheSpill
	if spill <= 0 {
		spill = DefaultCacheSpill
	}
	if spill > size {
		spill = size
	}

	debug := opts.Debug
	if debug == nil {
		debug = debuginfo.NewCache(mem, 0)
	}

	c := &CPU{
		id:       uuid.New(),
		mem:      mem,
		log:      commonlog.GetLogger("summercoat.cpu"),
		icache:   make([]byte, size),
		spill:    spill,
		argv:     make([]int32, 0, isa.NumRegisters),
		observer: opts.Observer,
		metrics:  opts.Metrics,
		debug:    debug,
	}

	c.log.Debugf("cpu %s: created, icache=%d spill=%d", c.id, size, spill)
	return c
}

// ID returns the CPU's identity, used in logs.
func (c *CPU) ID() uuid.UUID {
	return c.id
}

// Memory returns the memory the CPU executes against.
func (c *CPU) Memory() memory.Memory {
	return c.mem
}

// Stats returns the event counters.
func (c *CPU) Stats() Stats {
	return c.stats
}

// SetObserver replaces the step observer; nil disables it.
func (c *CPU) SetObserver(o StepObserver) {
	c.observer = o
}

// InvalidateCache discards cached instruction bytes. Call it after code
// memory the CPU may have fetched has been rewritten.
func (c *CPU) InvalidateCache() {
	c.cacheValid = false
}

// record flushes the events of one run into the metrics.
func (c *CPU) record(before Stats, elapsed time.Duration) {
	m := c.metrics
	if m == nil {
		return
	}

	d := c.stats.sub(before)
	m.RecordRun(metrics.RunStats{
		Steps:        d.Steps,
		Invokes:      d.Invokes,
		Returns:      d.Returns,
		CacheRefills: d.CacheRefills,
		AtomicOps:    d.AtomicOps,
		Traps:        d.Traps,
	}, len(c.frames), elapsed)
}
