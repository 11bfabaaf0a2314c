package driver

import (
	"fmt"
	"sync"

	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/minor"
	"github.com/ardnew/softreg/pkg"
	"github.com/ardnew/softreg/register"
)

// Instance is one attached device.
//
// Register access goes through Read and Write, which hold the instance gate
// for the duration of a single word access. Teardown closes the gate, so a
// reference obtained from [Registry.Lookup] that outlives its instance
// yields [pkg.ErrDeviceGone] instead of touching an unmapped window.
type Instance struct {
	minor      minor.Minor
	generation uint64
	res        hal.Resource

	mu     sync.RWMutex
	window *register.Window // nil once torn down
}

func newInstance(m minor.Minor, gen uint64, res hal.Resource, w *register.Window) *Instance {
	return &Instance{minor: m, generation: gen, res: res, window: w}
}

// Minor returns the instance's minor number.
func (i *Instance) Minor() minor.Minor { return i.minor }

// Generation returns the registry-unique attach sequence number.
// Unlike the minor it is never reused.
func (i *Instance) Generation() uint64 { return i.generation }

// Handle returns the platform's opaque device handle.
func (i *Instance) Handle() string { return i.res.Handle }

// Resource returns the resource the instance was attached from.
func (i *Instance) Resource() hal.Resource { return i.res }

// Read returns the register value.
func (i *Instance) Read() (uint32, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.window == nil {
		return 0, i.gone()
	}
	return i.window.Read(), nil
}

// Write stores v in the register.
func (i *Instance) Write(v uint32) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.window == nil {
		return i.gone()
	}
	i.window.Write(v)
	return nil
}

// Alive reports whether the instance still owns its window.
func (i *Instance) Alive() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.window != nil
}

// teardown waits for in-flight accesses, then unmaps the window.
func (i *Instance) teardown() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.window == nil {
		panic(fmt.Sprintf("driver: teardown of dead instance minor=%d gen=%d", i.minor, i.generation))
	}
	w := i.window
	i.window = nil
	return w.Close()
}

func (i *Instance) gone() error {
	return fmt.Errorf("minor %d: %w", i.minor, pkg.ErrDeviceGone)
}
