package driver

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/minor"
	"github.com/ardnew/softreg/pkg"
	"github.com/ardnew/softreg/pkg/trace"
	"github.com/ardnew/softreg/register"
)

// Registry tracks live instances by minor number.
//
// One mutex guards the minor pool, the instance map and the handle index.
// It is never held across platform calls: mapping happens between two short
// critical sections on attach, and unmapping after de-listing on detach.
type Registry struct {
	mapper hal.Mapper
	rec    trace.Recorder

	mu        sync.Mutex
	pool      *minor.Pool
	instances map[minor.Minor]*Instance
	handles   map[string]minor.Minor // attached or attaching handles
	nextGen   uint64
}

// NewRegistry returns a registry with capacity minors, mapping registers
// through m. A nil recorder discards events.
func NewRegistry(m hal.Mapper, capacity int, rec trace.Recorder) *Registry {
	if rec == nil {
		rec = trace.Discard
	}
	return &Registry{
		mapper:    m,
		rec:       rec,
		pool:      minor.New(capacity),
		instances: make(map[minor.Minor]*Instance, capacity),
		handles:   make(map[string]minor.Minor),
	}
}

// Attach allocates a minor, maps the register and publishes the instance.
//
// Concurrent lookups see either nothing or the complete instance. If
// mapping fails the minor is released before the error is returned.
func (r *Registry) Attach(res hal.Resource) (*Instance, error) {
	r.mu.Lock()
	if res.Handle != "" {
		if m, ok := r.handles[res.Handle]; ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("handle %s (minor %d): %w", res.Handle, m, pkg.ErrExists)
		}
	}
	m, err := r.pool.Allocate()
	if err != nil {
		r.mu.Unlock()
		pkg.LogWarn(pkg.ComponentRegistry, "no free minor", "resource", res, "capacity", r.pool.Cap())
		return nil, err
	}
	if res.Handle != "" {
		r.handles[res.Handle] = m
	}
	r.nextGen++
	gen := r.nextGen
	r.mu.Unlock()

	w, err := register.Map(r.mapper, res.Address, res.Size)
	if err != nil {
		r.mu.Lock()
		r.pool.Free(m)
		if res.Handle != "" {
			delete(r.handles, res.Handle)
		}
		r.mu.Unlock()
		pkg.LogWarn(pkg.ComponentRegistry, "attach failed", "resource", res, "error", err)
		trace.Stamp(r.rec, trace.Event{Kind: trace.KindError, Minor: int(m), Generation: gen, Handle: res.Handle, Err: err.Error()})
		return nil, err
	}

	inst := newInstance(m, gen, res, w)

	r.mu.Lock()
	r.instances[m] = inst
	r.mu.Unlock()

	pkg.LogInfo(pkg.ComponentRegistry, "instance attached",
		"minor", m,
		"generation", gen,
		"resource", res)
	trace.Stamp(r.rec, trace.Event{Kind: trace.KindAttach, Minor: int(m), Generation: gen, Handle: res.Handle, IRQ: res.IRQ})
	return inst, nil
}

// Detach de-lists the instance, tears it down and frees its minor, in that
// order. It returns [pkg.ErrNotFound] if m is not attached.
func (r *Registry) Detach(m minor.Minor) error {
	return r.detach(m, nil)
}

// detach removes the instance at m. If want is non-nil only that instance is
// removed, so a stale reference cannot detach a successor at the same minor.
func (r *Registry) detach(m minor.Minor, want *Instance) error {
	r.mu.Lock()
	inst, ok := r.instances[m]
	if !ok || (want != nil && inst != want) {
		r.mu.Unlock()
		return fmt.Errorf("minor %d: %w", m, pkg.ErrNotFound)
	}
	delete(r.instances, m)
	if h := inst.Handle(); h != "" {
		delete(r.handles, h)
	}
	r.mu.Unlock()

	// In-flight accesses finish before the window is unmapped.
	err := inst.teardown()

	r.mu.Lock()
	r.pool.Free(m)
	r.mu.Unlock()

	if err != nil {
		pkg.LogWarn(pkg.ComponentRegistry, "unmap failed", "minor", m, "error", err)
	}
	pkg.LogInfo(pkg.ComponentRegistry, "instance detached",
		"minor", m,
		"generation", inst.Generation(),
		"handle", inst.Handle())
	trace.Stamp(r.rec, trace.Event{Kind: trace.KindDetach, Minor: int(m), Generation: inst.Generation(), Handle: inst.Handle()})
	return nil
}

// Lookup returns the live instance for m, or [pkg.ErrNotFound].
// The instance is only valid for the immediate operation; its Read and
// Write report [pkg.ErrDeviceGone] once it has been detached.
func (r *Registry) Lookup(m minor.Minor) (*Instance, error) {
	r.mu.Lock()
	inst, ok := r.instances[m]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("minor %d: %w", m, pkg.ErrNotFound)
	}
	return inst, nil
}

// FindHandle returns the minor of the instance attached with handle.
func (r *Registry) FindHandle(handle string) (minor.Minor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.handles[handle]
	if !ok {
		return 0, fmt.Errorf("handle %s: %w", handle, pkg.ErrNotFound)
	}
	if _, live := r.instances[m]; !live {
		// Still attaching.
		return 0, fmt.Errorf("handle %s: %w", handle, pkg.ErrNotFound)
	}
	return m, nil
}

// Minors returns the live minors in ascending order.
func (r *Registry) Minors() []minor.Minor {
	r.mu.Lock()
	out := make([]minor.Minor, 0, len(r.instances))
	for m := range r.instances {
		out = append(out, m)
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Cap returns the minor pool capacity.
func (r *Registry) Cap() int {
	return r.pool.Cap()
}
