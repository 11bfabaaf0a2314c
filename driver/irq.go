package driver

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/pkg"
	"github.com/ardnew/softreg/pkg/trace"
)

// defaultIRQQueue is the interrupt queue depth used when none is configured.
const defaultIRQQueue = 64

// irqWorker moves interrupts out of interrupt context.
//
// The platform handler only enqueues the line; it never blocks and counts a
// drop when the queue is full. The worker goroutine resolves the line to the
// instances currently registered on it and hands each to the notifier.
// Lines may be shared by several instances.
type irqWorker struct {
	ic       hal.InterruptController
	notifier *Notifier
	rec      trace.Recorder

	isrQ chan int

	mu    sync.RWMutex
	lines map[int]map[uint64]*Instance // line -> generation -> instance

	drops    atomic.Uint32
	reported uint32 // drops already traced; worker goroutine only
}

func newIRQWorker(ic hal.InterruptController, n *Notifier, rec trace.Recorder, depth int) *irqWorker {
	if depth <= 0 {
		depth = defaultIRQQueue
	}
	return &irqWorker{
		ic:       ic,
		notifier: n,
		rec:      rec,
		isrQ:     make(chan int, depth),
		lines:    map[int]map[uint64]*Instance{},
	}
}

// run drains the queue until ctx is cancelled.
func (w *irqWorker) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-w.isrQ:
			w.dispatch(line)
		}
	}
}

// register routes line to inst, installing the platform handler on first use.
func (w *irqWorker) register(inst *Instance) error {
	line := inst.Resource().IRQ
	if line == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	set, ok := w.lines[line]
	if !ok {
		handler := func() {
			select {
			case w.isrQ <- line:
			default:
				w.drops.Add(1) // protect interrupt context
			}
		}
		if err := w.ic.SetInterruptHandler(line, handler); err != nil {
			return err
		}
		set = map[uint64]*Instance{}
		w.lines[line] = set
	}
	set[inst.Generation()] = inst
	return nil
}

// unregister stops routing line to inst; the handler is removed with the
// last instance on the line.
func (w *irqWorker) unregister(inst *Instance) {
	line := inst.Resource().IRQ
	if line == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	set, ok := w.lines[line]
	if !ok {
		return
	}
	delete(set, inst.Generation())
	if len(set) == 0 {
		w.ic.ClearInterruptHandler(line)
		delete(w.lines, line)
	}
}

func (w *irqWorker) dispatch(line int) {
	if d := w.drops.Load(); d != w.reported {
		pkg.LogWarn(pkg.ComponentNotify, "interrupts dropped", "count", d-w.reported)
		trace.Stamp(w.rec, trace.Event{Kind: trace.KindIRQDrop, IRQ: line, Value: d - w.reported})
		w.reported = d
	}

	w.mu.RLock()
	set := w.lines[line]
	targets := make([]*Instance, 0, len(set))
	for _, inst := range set {
		targets = append(targets, inst)
	}
	w.mu.RUnlock()

	if len(targets) == 0 {
		pkg.LogDebug(pkg.ComponentNotify, "spurious interrupt", "irq", line)
		return
	}
	for _, inst := range targets {
		w.notifier.OnInterrupt(inst)
	}
}

// Drops returns the number of interrupts lost to a full queue.
func (w *irqWorker) Drops() uint32 { return w.drops.Load() }
