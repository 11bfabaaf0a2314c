package driver

import (
	"sync/atomic"

	"github.com/ardnew/softreg/pkg"
	"github.com/ardnew/softreg/pkg/trace"
)

// Notifier handles hardware interrupts for resolved instances.
//
// It bypasses the dispatcher and the session state machine. Its register
// reset may interleave with client writes to the same instance; each access
// is atomic but the two are not mutually exclusive.
type Notifier struct {
	rec   trace.Recorder
	count atomic.Uint64
}

// NewNotifier returns a notifier. A nil recorder discards events.
func NewNotifier(rec trace.Recorder) *Notifier {
	if rec == nil {
		rec = trace.Discard
	}
	return &Notifier{rec: rec}
}

// OnInterrupt resets the instance's register to 0 and emits a diagnostic
// event. An instance already torn down is ignored.
func (n *Notifier) OnInterrupt(inst *Instance) {
	if err := inst.Write(0); err != nil {
		pkg.LogDebug(pkg.ComponentNotify, "interrupt for detached instance",
			"minor", inst.Minor(),
			"generation", inst.Generation())
		return
	}
	n.count.Add(1)
	pkg.LogDebug(pkg.ComponentNotify, "interrupt: register reset",
		"minor", inst.Minor(),
		"irq", inst.Resource().IRQ)
	trace.Stamp(n.rec, trace.Event{
		Kind:       trace.KindInterrupt,
		Minor:      int(inst.Minor()),
		Generation: inst.Generation(),
		Handle:     inst.Handle(),
		IRQ:        inst.Resource().IRQ,
	})
}

// Count returns the number of interrupts that reset a register.
func (n *Notifier) Count() uint64 { return n.count.Load() }
