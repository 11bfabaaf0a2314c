package interactive

import (
	"fmt"

	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/hal/fifo"
	"github.com/ardnew/softreg/hal/sim"
	"github.com/ardnew/softreg/pkg"
)

// SimBus drives a simulated platform.
type SimBus struct {
	P *sim.Platform
}

// Plug implements [Bus].
func (b SimBus) Plug(res hal.Resource) (string, error) {
	res, err := b.P.Plug(res)
	if err != nil {
		return "", err
	}
	return res.Handle, nil
}

// Unplug implements [Bus].
func (b SimBus) Unplug(handle string) error {
	return b.P.Unplug(handle)
}

// Raise implements [Bus].
func (b SimBus) Raise(handle string) error {
	for _, res := range b.P.Devices() {
		if res.Handle != handle {
			continue
		}
		ran, err := b.P.Raise(res.IRQ)
		if err != nil {
			return err
		}
		if !ran {
			return fmt.Errorf("irq %d: no handler", res.IRQ)
		}
		return nil
	}
	return fmt.Errorf("%s: %w", handle, pkg.ErrNotFound)
}

// FIFOBus drives devices on a fifo platform's bus directory.
type FIFOBus struct {
	Dir string
}

// Plug implements [Bus].
func (b FIFOBus) Plug(res hal.Resource) (string, error) {
	return fifo.CreateDevice(b.Dir, res)
}

// Unplug implements [Bus].
func (b FIFOBus) Unplug(handle string) error {
	return fifo.RemoveDevice(b.Dir, handle)
}

// Raise implements [Bus].
func (b FIFOBus) Raise(handle string) error {
	return fifo.RaiseInterrupt(b.Dir, handle)
}

var (
	_ Bus = SimBus{}
	_ Bus = FIFOBus{}
)
