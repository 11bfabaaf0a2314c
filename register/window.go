// Package register provides the access window onto a device's single
// 32-bit value register.
package register

import (
	"fmt"
	"sync/atomic"

	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/pkg"
)

// Window owns one mapped 32-bit register.
//
// Read and Write are whole-word accesses delegated to the platform region.
// A Window must not be used after Close; the driver's instance gate makes
// that unreachable, so a violation panics.
type Window struct {
	addr   uint64
	size   uint64
	region hal.Region
	closed atomic.Bool
}

// Map maps the register at addr and returns its window.
// Every failure, including an invalid range, wraps [pkg.ErrMapFailed].
func Map(m hal.Mapper, addr, size uint64) (*Window, error) {
	if err := (hal.Resource{Address: addr, Size: size}).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrMapFailed, err)
	}
	region, err := m.Map(addr, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %#x+%#x: %v", pkg.ErrMapFailed, addr, size, err)
	}
	if region == nil {
		return nil, fmt.Errorf("%w: %#x+%#x: platform returned no region", pkg.ErrMapFailed, addr, size)
	}
	return &Window{addr: addr, size: size, region: region}, nil
}

// Read returns the register value.
func (w *Window) Read() uint32 {
	w.mustBeOpen()
	return w.region.Load32()
}

// Write stores v in the register.
func (w *Window) Write(v uint32) {
	w.mustBeOpen()
	w.region.Store32(v)
}

// Address returns the physical base address.
func (w *Window) Address() uint64 { return w.addr }

// Size returns the mapped length in bytes.
func (w *Window) Size() uint64 { return w.size }

// Close releases the mapping. Closing twice is a programming error.
func (w *Window) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("register: double close of window %#x", w.addr))
	}
	return w.region.Unmap()
}

func (w *Window) mustBeOpen() {
	if w.closed.Load() {
		panic(fmt.Sprintf("register: access to closed window %#x", w.addr))
	}
}
