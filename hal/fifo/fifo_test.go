package fifo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/pkg"
)

const (
	testPoll = 5 * time.Millisecond
	waitFor  = 2 * time.Second
)

func startPlatform(t *testing.T) (*Platform, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "bus")
	p := New(dir, testPoll)
	require.NoError(t, p.Init(context.Background()))
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })
	return p, dir
}

func waitAttach(t *testing.T, p *Platform) hal.Resource {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	res, err := p.WaitForAttach(ctx)
	require.NoError(t, err)
	return res
}

func waitDetach(t *testing.T, p *Platform) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	h, err := p.WaitForDetach(ctx)
	require.NoError(t, err)
	return h
}

func TestCreateDeviceLayout(t *testing.T) {
	bus := t.TempDir()
	handle, err := CreateDevice(bus, hal.Resource{Address: 0x1000, Size: 8, IRQ: 3})
	require.NoError(t, err)
	assert.Regexp(t, `^device-[0-9a-f-]{36}$`, handle)

	dir := filepath.Join(bus, handle)
	info, err := os.Stat(filepath.Join(dir, fileRegs))
	require.NoError(t, err)
	assert.Equal(t, int64(8), info.Size())

	info, err = os.Stat(filepath.Join(dir, fifoIRQ))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeNamedPipe)

	res, err := ReadResource(dir)
	require.NoError(t, err)
	assert.Equal(t, hal.Resource{Address: 0x1000, Size: 8, IRQ: 3}, res)

	_, err = CreateDevice(bus, hal.Resource{Handle: handle, Address: 0x2000, Size: 4})
	assert.ErrorIs(t, err, pkg.ErrExists)
}

func TestCreateDeviceInvalid(t *testing.T) {
	bus := t.TempDir()
	_, err := CreateDevice(bus, hal.Resource{Address: 0x1001, Size: 4})
	assert.ErrorIs(t, err, ErrBadResource)
	_, err = CreateDevice(bus, hal.Resource{Handle: "sensor", Address: 0x1000, Size: 4})
	assert.ErrorIs(t, err, ErrBadResource)

	entries, err := os.ReadDir(bus)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadResourceHex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileResource),
		[]byte("address: 0x40000000\nsize: 4\nirq: 9\n"), 0o644))

	res, err := ReadResource(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x40000000), res.Address)
	assert.Equal(t, 9, res.IRQ)

	require.NoError(t, os.WriteFile(filepath.Join(dir, fileResource), []byte("size: 2\n"), 0o644))
	_, err = ReadResource(dir)
	assert.ErrorIs(t, err, ErrBadResource)
}

func TestPlatformHotplug(t *testing.T) {
	p, bus := startPlatform(t)

	handle, err := CreateDevice(bus, hal.Resource{Address: 0x4000, Size: 4, IRQ: 2})
	require.NoError(t, err)

	res := waitAttach(t, p)
	assert.Equal(t, handle, res.Handle)
	assert.Equal(t, uint64(0x4000), res.Address)
	assert.Equal(t, 2, res.IRQ)

	require.NoError(t, RemoveDevice(bus, handle))
	assert.Equal(t, handle, waitDetach(t, p))

	assert.ErrorIs(t, RemoveDevice(bus, handle), pkg.ErrNotFound)
}

func TestPlatformRegisterShared(t *testing.T) {
	p, bus := startPlatform(t)
	handle, err := CreateDevice(bus, hal.Resource{Address: 0x8000, Size: 4})
	require.NoError(t, err)
	waitAttach(t, p)

	r, err := p.Map(0x8000, hal.RegisterSize)
	require.NoError(t, err)

	r.Store32(0xdeadbeef)
	v, err := ReadRegister(bus, handle)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)

	require.NoError(t, WriteRegister(bus, handle, 17))
	assert.Equal(t, uint32(17), r.Load32())

	require.NoError(t, r.Unmap())
	assert.ErrorIs(t, r.Unmap(), ErrUnmapped)
}

func TestPlatformMapErrors(t *testing.T) {
	p, bus := startPlatform(t)
	_, err := p.Map(0x9000, 4)
	assert.ErrorIs(t, err, ErrNoDevice)

	_, err = CreateDevice(bus, hal.Resource{Address: 0x9000, Size: 4})
	require.NoError(t, err)
	waitAttach(t, p)

	_, err = p.Map(0x9000, 8)
	assert.Error(t, err)
}

func TestPlatformMapShortRegisterFile(t *testing.T) {
	p, bus := startPlatform(t)
	handle, err := CreateDevice(bus, hal.Resource{Address: 0x9800, Size: 4})
	require.NoError(t, err)
	require.NoError(t, os.Truncate(filepath.Join(bus, handle, fileRegs), 0))
	waitAttach(t, p)

	r, err := p.Map(0x9800, hal.RegisterSize)
	assert.ErrorIs(t, err, ErrBadResource)
	assert.Nil(t, r)

	require.NoError(t, os.Truncate(filepath.Join(bus, handle, fileRegs), 4))
	r, err = p.Map(0x9800, hal.RegisterSize)
	require.NoError(t, err)
	r.Store32(7)
	assert.Equal(t, uint32(7), r.Load32())
	require.NoError(t, r.Unmap())
}

func TestPlatformInterrupt(t *testing.T) {
	p, bus := startPlatform(t)
	handle, err := CreateDevice(bus, hal.Resource{Address: 0xa000, Size: 4, IRQ: 5})
	require.NoError(t, err)
	waitAttach(t, p)

	fired := make(chan struct{}, 8)
	require.NoError(t, p.SetInterruptHandler(5, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}))

	// The reader opens the FIFO asynchronously after the attach event.
	require.Eventually(t, func() bool {
		return RaiseInterrupt(bus, handle) == nil
	}, waitFor, testPoll)

	select {
	case <-fired:
	case <-time.After(waitFor):
		t.Fatal("interrupt not delivered")
	}

	assert.Error(t, p.SetInterruptHandler(0, func() {}))
	p.ClearInterruptHandler(5)
}

func TestPlatformRejectsOverlap(t *testing.T) {
	p, bus := startPlatform(t)
	_, err := CreateDevice(bus, hal.Resource{Address: 0xb000, Size: 8})
	require.NoError(t, err)
	first := waitAttach(t, p)

	_, err = CreateDevice(bus, hal.Resource{Address: 0xb004, Size: 4})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*testPoll)
	defer cancel()
	_, err = p.WaitForAttach(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, RemoveDevice(bus, first.Handle))
	assert.Equal(t, first.Handle, waitDetach(t, p))
}

func TestPlatformStartWithoutInit(t *testing.T) {
	p := New(t.TempDir(), 0)
	assert.ErrorIs(t, p.Start(), pkg.ErrInvalidParameter)
}
