// Package machine runs several native CPUs against one shared memory.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/lvyitian/SquirrelJME/pkg/cpu"
	"github.com/lvyitian/SquirrelJME/pkg/debuginfo"
	"github.com/lvyitian/SquirrelJME/pkg/memory"
)

var log = commonlog.GetLogger("summercoat.machine")

// ErrNoProcessors is returned by Run when no processor has been added.
var ErrNoProcessors = errors.New("no processors")

// ProcessorError is the fault that stopped one processor.
type ProcessorError struct {
	Processor int
	Err       error
	Trace     []cpu.TraceElement
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor %d: %v", e.Processor, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProcessorError) Unwrap() error {
	return e.Err
}

// Machine is a set of processors sharing memory and a debug cache.
type Machine struct {
	mem   memory.Memory
	opts  cpu.Options
	mu    sync.Mutex
	procs []*cpu.CPU
}

// New creates a machine over mem. Every processor is created with opts; a
// nil opts.Debug is replaced by one cache shared by all processors.
func New(mem memory.Memory, opts cpu.Options) *Machine {
	if opts.Debug == nil {
		opts.Debug = debuginfo.NewCache(mem, 0)
	}
	return &Machine{mem: mem, opts: opts}
}

// Memory returns the shared memory.
func (m *Machine) Memory() memory.Memory {
	return m.mem
}

// AddProcessor creates a processor with an initial frame at entry.
func (m *Machine) AddProcessor(entry uint32, args ...int32) *cpu.CPU {
	c := cpu.NewCPU(m.mem, m.opts)
	c.EnterFrame(entry, args...)

	m.mu.Lock()
	m.procs = append(m.procs, c)
	n := len(m.procs)
	m.mu.Unlock()

	log.Debugf("processor %d (cpu %s) enters 0x%08x", n-1, c.ID(), entry)
	return c
}

// Processors returns the processors in creation order.
func (m *Machine) Processors() []*cpu.CPU {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*cpu.CPU(nil), m.procs...)
}

// Run runs every processor on its own goroutine until all of them have no
// frames left. The first fault is returned as a *ProcessorError and the
// remaining processors are stopped between two steps, within a bounded
// number of steps even in loops that never invoke; each keeps its frames
// for inspection.
func (m *Machine) Run(ctx context.Context) error {
	procs := m.Processors()
	if len(procs) == 0 {
		return ErrNoProcessors
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range procs {
		i, c := i, c
		g.Go(func() error {
			err := c.RunContext(gctx, 0)
			if err == nil {
				log.Debugf("processor %d finished after %d steps", i, c.Stats().Steps)
				return nil
			}
			if errors.Is(err, context.Canceled) && ctx.Err() == nil {
				// Stopped because a sibling failed
				return err
			}
			return &ProcessorError{Processor: i, Err: err, Trace: c.Trace()}
		})
	}

	err := g.Wait()
	if err != nil {
		log.Errorf("machine stopped: %v", err)
	}
	return err
}

// Stats returns the sum of every processor's counters.
func (m *Machine) Stats() cpu.Stats {
	var total cpu.Stats
	for _, c := range m.Processors() {
		s := c.Stats()
		total.Steps += s.Steps
		total.Invokes += s.Invokes
		total.Returns += s.Returns
		total.CacheRefills += s.CacheRefills
		total.AtomicOps += s.AtomicOps
		total.Traps += s.Traps
	}
	return total
}
