package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/minor"
	"github.com/ardnew/softreg/pkg"
	"github.com/ardnew/softreg/pkg/trace"
)

// EntryPoints creates and removes the client-visible names of instances.
type EntryPoints interface {
	// Create publishes name for the instance at m.
	Create(name string, m minor.Minor) error

	// Remove withdraws name. Removing an unknown name is a no-op.
	Remove(name string)
}

// Options configures a Driver.
type Options struct {
	// Name prefixes entry points: "<Name>-<minor>".
	Name string

	// Capacity is the number of minors. Zero selects minor.DefaultCapacity.
	Capacity int

	// IRQQueue is the interrupt queue depth. Zero selects a default.
	IRQQueue int

	// Copier moves client bytes. Nil selects DirectCopier.
	Copier Copier

	// Recorder receives diagnostic events. Nil discards them.
	Recorder trace.Recorder
}

// DefaultName is the entry point prefix used when Options.Name is empty.
const DefaultName = "regdev"

// Stats summarizes driver activity.
type Stats struct {
	Attached   int
	Capacity   int
	Interrupts uint64
	IRQDrops   uint32
}

// Driver binds a platform to the registry, dispatcher and notifier.
//
// It is the single context object for one driver instance: construct it
// with New, Start it to begin serving hot-plug events and Stop it to detach
// everything.
type Driver struct {
	platform hal.Platform
	nodes    EntryPoints
	name     string
	rec      trace.Recorder

	registry   *Registry
	dispatcher *Dispatcher
	notifier   *Notifier
	irq        *irqWorker

	// State
	running  bool
	starting bool
	mutex    sync.RWMutex

	// Serializes Attach and Detach so entry points and interrupt routing
	// always match the registry.
	lifecycle sync.Mutex

	// Detach events that overtook their attach, by handle.
	pending map[string]bool
	// Handles whose attach failed and whose detach event is still due.
	failed map[string]bool

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// Callbacks
	onAttach func(*Instance)
	onDetach func(*Instance)
}

// New creates a driver on platform p publishing entry points through nodes.
func New(p hal.Platform, nodes EntryPoints, opts Options) *Driver {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Capacity == 0 {
		opts.Capacity = minor.DefaultCapacity
	}
	if opts.Recorder == nil {
		opts.Recorder = trace.Discard
	}

	reg := NewRegistry(p, opts.Capacity, opts.Recorder)
	n := NewNotifier(opts.Recorder)
	return &Driver{
		platform:   p,
		nodes:      nodes,
		name:       opts.Name,
		rec:        opts.Recorder,
		registry:   reg,
		dispatcher: NewDispatcher(reg, opts.Copier, opts.Recorder),
		notifier:   n,
		irq:        newIRQWorker(p, n, opts.Recorder, opts.IRQQueue),
		pending:    make(map[string]bool),
		failed:     make(map[string]bool),
	}
}

// Registry returns the instance registry.
func (d *Driver) Registry() *Registry { return d.registry }

// Dispatcher returns the request dispatcher.
func (d *Driver) Dispatcher() *Dispatcher { return d.dispatcher }

// Notifier returns the interrupt notifier.
func (d *Driver) Notifier() *Notifier { return d.notifier }

// EntryName returns the entry point name for m.
func (d *Driver) EntryName(m minor.Minor) string {
	return fmt.Sprintf("%s-%d", d.name, m)
}

// Start initializes the platform and begins serving hot-plug events and
// interrupts.
func (d *Driver) Start(ctx context.Context) error {
	d.mutex.Lock()
	if d.running || d.starting {
		d.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	d.starting = true
	ctx, cancel := context.WithCancel(ctx)
	d.ctx, d.cancel = ctx, cancel
	d.mutex.Unlock()

	fail := func(err error) error {
		cancel()
		d.mutex.Lock()
		d.starting = false
		d.mutex.Unlock()
		return err
	}
	if err := d.platform.Init(ctx); err != nil {
		return fail(err)
	}
	if err := d.platform.Start(); err != nil {
		return fail(err)
	}

	d.mutex.Lock()
	d.starting = false
	d.running = true
	d.group, _ = errgroup.WithContext(ctx)
	d.group.Go(func() error { return d.irq.run(ctx) })
	d.group.Go(d.monitorAttach)
	d.group.Go(d.monitorDetach)
	d.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentDriver, "driver started", "name", d.name, "capacity", d.registry.Cap())
	return nil
}

// Stop halts hot-plug handling, detaches every instance and stops the
// platform.
func (d *Driver) Stop() error {
	d.mutex.Lock()
	if !d.running {
		d.mutex.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	g := d.group
	d.mutex.Unlock()

	if err := g.Wait(); err != nil {
		pkg.LogWarn(pkg.ComponentDriver, "monitor exited with error", "error", err)
	}

	for _, m := range d.registry.Minors() {
		if err := d.Detach(m); err != nil && !errors.Is(err, pkg.ErrNotFound) {
			pkg.LogWarn(pkg.ComponentDriver, "detach on stop failed", "minor", m, "error", err)
		}
	}

	if err := d.platform.Stop(); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentDriver, "driver stopped", "name", d.name)
	return nil
}

// Close releases the platform. The driver must be stopped.
func (d *Driver) Close() error {
	d.mutex.RLock()
	busy := d.running || d.starting
	d.mutex.RUnlock()
	if busy {
		return pkg.ErrAlreadyRunning
	}
	return d.platform.Close()
}

// IsRunning returns true if the driver is running.
func (d *Driver) IsRunning() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.running
}

// SetOnAttach sets the callback run after an instance is published.
func (d *Driver) SetOnAttach(cb func(*Instance)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onAttach = cb
}

// SetOnDetach sets the callback run after an instance is torn down.
func (d *Driver) SetOnDetach(cb func(*Instance)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onDetach = cb
}

// Attach manages a new device: the instance is published, its interrupt
// line routed, and only then its entry point created.
func (d *Driver) Attach(res hal.Resource) (*Instance, error) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	inst, err := d.registry.Attach(res)
	if err != nil {
		return nil, err
	}

	if err := d.irq.register(inst); err != nil {
		_ = d.registry.detach(inst.Minor(), inst)
		return nil, fmt.Errorf("irq %d: %w", res.IRQ, err)
	}

	name := d.EntryName(inst.Minor())
	if d.nodes != nil {
		if err := d.nodes.Create(name, inst.Minor()); err != nil {
			d.irq.unregister(inst)
			_ = d.registry.detach(inst.Minor(), inst)
			return nil, fmt.Errorf("entry point %s: %w", name, err)
		}
	}

	d.mutex.RLock()
	cb := d.onAttach
	d.mutex.RUnlock()
	if cb != nil {
		cb(inst)
	}

	pkg.LogInfo(pkg.ComponentDriver, "device attached", "node", name, "resource", res)
	return inst, nil
}

// Detach withdraws the entry point and interrupt routing of m, then
// removes it from the registry.
func (d *Driver) Detach(m minor.Minor) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	inst, err := d.registry.Lookup(m)
	if err != nil {
		return err
	}
	return d.detach(inst)
}

// DetachHandle detaches the instance attached with the platform handle.
func (d *Driver) DetachHandle(handle string) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	m, err := d.registry.FindHandle(handle)
	if err != nil {
		return err
	}
	inst, err := d.registry.Lookup(m)
	if err != nil {
		return err
	}
	return d.detach(inst)
}

func (d *Driver) detach(inst *Instance) error {
	name := d.EntryName(inst.Minor())
	if d.nodes != nil {
		d.nodes.Remove(name)
	}
	d.irq.unregister(inst)

	if err := d.registry.detach(inst.Minor(), inst); err != nil {
		return err
	}

	d.mutex.RLock()
	cb := d.onDetach
	d.mutex.RUnlock()
	if cb != nil {
		cb(inst)
	}

	pkg.LogInfo(pkg.ComponentDriver, "device detached", "node", name, "handle", inst.Handle())
	return nil
}

// Open binds a session to the instance at m.
func (d *Driver) Open(m minor.Minor) (*Session, error) {
	return d.dispatcher.Open(m)
}

// Stats returns a snapshot of driver counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Attached:   d.registry.Len(),
		Capacity:   d.registry.Cap(),
		Interrupts: d.notifier.Count(),
		IRQDrops:   d.irq.Drops(),
	}
}

// monitorAttach attaches devices reported by the platform.
func (d *Driver) monitorAttach() error {
	for {
		res, err := d.platform.WaitForAttach(d.ctx)
		if err != nil {
			if d.ctx.Err() != nil {
				return nil
			}
			pkg.LogWarn(pkg.ComponentDriver, "error waiting for attach", "error", err)
			continue
		}
		d.handleAttach(res)
	}
}

// monitorDetach detaches devices the platform reports gone.
func (d *Driver) monitorDetach() error {
	for {
		handle, err := d.platform.WaitForDetach(d.ctx)
		if err != nil {
			if d.ctx.Err() != nil {
				return nil
			}
			pkg.LogWarn(pkg.ComponentDriver, "error waiting for detach", "error", err)
			continue
		}
		d.handleDetach(handle)
	}
}

// handleAttach attaches a hot-plugged device and settles any detach event
// that arrived before it.
func (d *Driver) handleAttach(res hal.Resource) {
	if _, err := d.Attach(res); err != nil {
		// The device stays unmanaged. Its detach event, early or late,
		// has nothing to remove.
		pkg.LogWarn(pkg.ComponentDriver, "attach failed", "resource", res, "error", err)
		d.mutex.Lock()
		if d.pending[res.Handle] {
			delete(d.pending, res.Handle)
		} else {
			d.failed[res.Handle] = true
		}
		d.mutex.Unlock()
		return
	}

	d.mutex.Lock()
	delete(d.failed, res.Handle)
	overtaken := d.pending[res.Handle]
	delete(d.pending, res.Handle)
	d.mutex.Unlock()
	if overtaken {
		if err := d.DetachHandle(res.Handle); err != nil {
			pkg.LogWarn(pkg.ComponentDriver, "deferred detach failed", "handle", res.Handle, "error", err)
		}
	}
}

// handleDetach detaches an unplugged device. A detach for a handle that is
// not live either pairs with an earlier failed attach or is deferred until
// its attach completes.
func (d *Driver) handleDetach(handle string) {
	// Lookup and bookkeeping are atomic with respect to handleAttach, which
	// settles the maps after the instance is published.
	d.mutex.Lock()
	_, err := d.registry.FindHandle(handle)
	unmanaged := false
	if err != nil {
		if d.failed[handle] {
			delete(d.failed, handle)
			unmanaged = true
		} else {
			d.pending[handle] = true
		}
	}
	d.mutex.Unlock()
	if unmanaged {
		pkg.LogDebug(pkg.ComponentDriver, "detach of unmanaged device", "handle", handle)
		return
	}
	if err != nil {
		pkg.LogDebug(pkg.ComponentDriver, "detach before attach", "handle", handle)
		return
	}

	if err := d.DetachHandle(handle); err != nil {
		pkg.LogWarn(pkg.ComponentDriver, "detach failed", "handle", handle, "error", err)
	}
}
