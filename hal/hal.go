package hal

import (
	"context"
	"fmt"
)

// RegisterSize is the width in bytes of the value register every instance exposes.
const RegisterSize = 4

// Resource describes one physical device instance as reported by discovery.
type Resource struct {
	Handle  string `yaml:"handle,omitempty"` // Opaque platform handle, unique per attached device
	Address uint64 `yaml:"address"`          // Physical base address of the register
	Size    uint64 `yaml:"size"`             // Length of the register region in bytes
	IRQ     int    `yaml:"irq,omitempty"`    // Interrupt line, 0 if the device has none
}

// String returns a compact description for logs.
func (r Resource) String() string {
	return fmt.Sprintf("%s@%#x+%#x irq=%d", r.Handle, r.Address, r.Size, r.IRQ)
}

// Validate checks that the region can hold one aligned 32-bit register.
func (r Resource) Validate() error {
	if r.Size < RegisterSize {
		return fmt.Errorf("region size %d smaller than register (%d)", r.Size, RegisterSize)
	}
	if r.Address%RegisterSize != 0 {
		return fmt.Errorf("address %#x not %d-byte aligned", r.Address, RegisterSize)
	}
	if r.Address+r.Size < r.Address {
		return fmt.Errorf("region %#x+%#x wraps the address space", r.Address, r.Size)
	}
	if r.IRQ < 0 {
		return fmt.Errorf("negative interrupt line %d", r.IRQ)
	}
	return nil
}

// Region is a mapped register region.
//
// Load32 and Store32 access the 32-bit word at the start of the region and
// must each be a single indivisible operation: concurrent callers never
// observe a partially written value. Neither may be called after Unmap.
type Region interface {
	Load32() uint32
	Store32(v uint32)
	Unmap() error
}

// Mapper makes physical register ranges accessible.
type Mapper interface {
	// Map maps size bytes at physical address addr.
	Map(addr, size uint64) (Region, error)
}

// Discovery reports hot-plugged device instances.
type Discovery interface {
	// WaitForAttach blocks until a device appears or ctx is cancelled.
	WaitForAttach(ctx context.Context) (Resource, error)

	// WaitForDetach blocks until a device disappears or ctx is cancelled.
	// It returns the handle previously reported by WaitForAttach.
	WaitForDetach(ctx context.Context) (string, error)
}

// InterruptController routes interrupt lines to handlers.
type InterruptController interface {
	// SetInterruptHandler installs fn for line, replacing any previous handler.
	// fn runs in interrupt context and must not block.
	SetInterruptHandler(line int, fn func()) error

	// ClearInterruptHandler removes the handler for line. After it returns,
	// fn is not invoked again.
	ClearInterruptHandler(line int)
}

// Platform defines the Hardware Abstraction Layer the driver runs on.
//
// All methods should be safe for concurrent use.
type Platform interface {
	// Initialization and Lifecycle

	// Init prepares the platform. The context bounds the platform's
	// background work.
	Init(ctx context.Context) error

	// Start begins device discovery.
	Start() error

	// Stop halts discovery and interrupt delivery.
	Stop() error

	// Close releases all resources associated with the platform.
	Close() error

	Mapper
	Discovery
	InterruptController
}
