// Package sim implements an in-memory [hal.Platform].
//
// Register memory is a set of atomic words keyed by physical address. Tests
// and the interactive shell drive hot-plug with Plug and Unplug, fire
// interrupts with Raise, and act as the device side with Peek and Poke.
// Device memory outlives mappings, as real hardware does: a value written
// before a detach is still there when the device is mapped again.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/pkg"
)

// Errors.
var (
	ErrNoMemory     = errors.New("no device memory at address")
	ErrUnknown      = errors.New("unknown device handle")
	ErrDoubleUnmap  = errors.New("region already unmapped")
	ErrQueueFull    = errors.New("hot-plug queue full")
	ErrNotStarted   = errors.New("platform not started")
	ErrInvalidLine  = errors.New("invalid interrupt line")
	ErrAddressInUse = errors.New("address already claimed by a plugged device")
)

// QueueDepth is the number of hot-plug events buffered per direction.
const QueueDepth = 64

// Platform is an in-memory platform.
type Platform struct {
	mu       sync.Mutex
	words    map[uint64]*atomic.Uint32 // device memory by address
	mapped   map[uint64]int            // live mappings by address
	unmaps   int                       // total successful unmaps
	failMap  map[uint64]error          // injected Map failures
	devices  map[string]hal.Resource   // plugged devices by handle
	handlers map[int]func()
	started  bool

	attachCh chan hal.Resource
	detachCh chan string
}

// New returns an empty platform.
func New() *Platform {
	return &Platform{
		words:    make(map[uint64]*atomic.Uint32),
		mapped:   make(map[uint64]int),
		failMap:  make(map[uint64]error),
		devices:  make(map[string]hal.Resource),
		handlers: make(map[int]func()),
		attachCh: make(chan hal.Resource, QueueDepth),
		detachCh: make(chan string, QueueDepth),
	}
}

// Init prepares the platform. The simulator has no background work.
func (p *Platform) Init(ctx context.Context) error {
	pkg.LogInfo(pkg.ComponentHAL, "simulated platform initialized")
	return nil
}

// Start enables interrupt delivery.
func (p *Platform) Start() error {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

// Stop disables interrupt delivery and drops all handlers.
func (p *Platform) Stop() error {
	p.mu.Lock()
	p.started = false
	clear(p.handlers)
	p.mu.Unlock()
	return nil
}

// Close is a no-op; device memory stays inspectable.
func (p *Platform) Close() error { return nil }

// Plug adds a device and queues its attach event. An empty handle is
// replaced by "device-<uuid>". The device's register memory is created on
// first plug and retained across unplug.
func (p *Platform) Plug(res hal.Resource) (hal.Resource, error) {
	if err := res.Validate(); err != nil {
		return res, fmt.Errorf("%w: %v", pkg.ErrInvalidParameter, err)
	}
	if res.Handle == "" {
		res.Handle = "device-" + uuid.NewString()
	}

	p.mu.Lock()
	if _, ok := p.devices[res.Handle]; ok {
		p.mu.Unlock()
		return res, fmt.Errorf("%s: %w", res.Handle, pkg.ErrExists)
	}
	for h, other := range p.devices {
		if other.Address == res.Address {
			p.mu.Unlock()
			return res, fmt.Errorf("%#x (%s): %w", res.Address, h, ErrAddressInUse)
		}
	}
	if _, ok := p.words[res.Address]; !ok {
		p.words[res.Address] = new(atomic.Uint32)
	}
	p.devices[res.Handle] = res
	p.mu.Unlock()

	select {
	case p.attachCh <- res:
	default:
		p.mu.Lock()
		delete(p.devices, res.Handle)
		p.mu.Unlock()
		return res, ErrQueueFull
	}
	pkg.LogDebug(pkg.ComponentHAL, "device plugged", "resource", res)
	return res, nil
}

// Unplug removes a device and queues its detach event.
func (p *Platform) Unplug(handle string) error {
	p.mu.Lock()
	if _, ok := p.devices[handle]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", handle, ErrUnknown)
	}
	delete(p.devices, handle)
	p.mu.Unlock()

	select {
	case p.detachCh <- handle:
	default:
		return ErrQueueFull
	}
	pkg.LogDebug(pkg.ComponentHAL, "device unplugged", "handle", handle)
	return nil
}

// Devices returns the plugged devices.
func (p *Platform) Devices() []hal.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]hal.Resource, 0, len(p.devices))
	for _, r := range p.devices {
		out = append(out, r)
	}
	return out
}

// Map maps the register at addr. It fails if no device memory exists there
// or a failure was injected with FailMap.
func (p *Platform) Map(addr, size uint64) (hal.Region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failMap[addr]; err != nil {
		return nil, err
	}
	w, ok := p.words[addr]
	if !ok {
		return nil, fmt.Errorf("%#x: %w", addr, ErrNoMemory)
	}
	p.mapped[addr]++
	return &region{p: p, addr: addr, word: w}, nil
}

// FailMap makes every Map at addr fail with err until cleared with a nil err.
func (p *Platform) FailMap(addr uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failMap, addr)
		return
	}
	p.failMap[addr] = err
}

// Mapped returns the number of live mappings of addr.
func (p *Platform) Mapped(addr uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapped[addr]
}

// Unmaps returns the total number of regions released.
func (p *Platform) Unmaps() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unmaps
}

// Peek reads device memory at addr as the device would.
func (p *Platform) Peek(addr uint64) (uint32, bool) {
	p.mu.Lock()
	w, ok := p.words[addr]
	p.mu.Unlock()
	if !ok {
		return 0, false
	}
	return w.Load(), true
}

// Poke writes device memory at addr, creating it if needed.
func (p *Platform) Poke(addr uint64, v uint32) {
	p.mu.Lock()
	w, ok := p.words[addr]
	if !ok {
		w = new(atomic.Uint32)
		p.words[addr] = w
	}
	p.mu.Unlock()
	w.Store(v)
}

// WaitForAttach returns the next plugged device.
func (p *Platform) WaitForAttach(ctx context.Context) (hal.Resource, error) {
	select {
	case <-ctx.Done():
		return hal.Resource{}, ctx.Err()
	case res := <-p.attachCh:
		return res, nil
	}
}

// WaitForDetach returns the handle of the next unplugged device.
func (p *Platform) WaitForDetach(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case h := <-p.detachCh:
		return h, nil
	}
}

// SetInterruptHandler installs fn for line.
func (p *Platform) SetInterruptHandler(line int, fn func()) error {
	if line <= 0 || fn == nil {
		return fmt.Errorf("%w: %d", ErrInvalidLine, line)
	}
	p.mu.Lock()
	p.handlers[line] = fn
	p.mu.Unlock()
	return nil
}

// ClearInterruptHandler removes the handler for line.
func (p *Platform) ClearInterruptHandler(line int) {
	p.mu.Lock()
	delete(p.handlers, line)
	p.mu.Unlock()
}

// Raise fires interrupt line. It reports whether a handler ran.
func (p *Platform) Raise(line int) (bool, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return false, ErrNotStarted
	}
	fn := p.handlers[line]
	p.mu.Unlock()

	if fn == nil {
		return false, nil
	}
	fn()
	return true, nil
}

type region struct {
	p        *Platform
	addr     uint64
	word     *atomic.Uint32
	unmapped atomic.Bool
}

func (r *region) Load32() uint32   { return r.word.Load() }
func (r *region) Store32(v uint32) { r.word.Store(v) }

func (r *region) Unmap() error {
	if !r.unmapped.CompareAndSwap(false, true) {
		return ErrDoubleUnmap
	}
	r.p.mu.Lock()
	r.p.mapped[r.addr]--
	if r.p.mapped[r.addr] == 0 {
		delete(r.p.mapped, r.addr)
	}
	r.p.unmaps++
	r.p.mu.Unlock()
	return nil
}

var _ hal.Platform = (*Platform)(nil)
