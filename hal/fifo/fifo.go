package fifo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/pkg"
)

// File names inside each device subdirectory.
const (
	fileResource = "resource.yaml"
	fileRegs     = "regs"
	fifoIRQ      = "irq"
)

// devicePrefix marks device subdirectories of the bus directory.
const devicePrefix = "device-"

// Timing constants.
const (
	// DefaultPollInterval is the bus directory polling interval.
	DefaultPollInterval = 50 * time.Millisecond

	irqReadTimeout = 100 * time.Millisecond
)

// queueDepth is the number of hot-plug events buffered per direction.
const queueDepth = 16

// Errors.
var (
	ErrNoDevice    = errors.New("no device at address")
	ErrBadResource = errors.New("invalid resource description")
	ErrFIFOCreate  = errors.New("failed to create FIFO")
	ErrUnmapped    = errors.New("region already unmapped")
)

// device is a device directory the platform has reported attached.
type device struct {
	res    hal.Resource
	dir    string
	cancel context.CancelFunc // stops the interrupt reader
}

// Platform implements [hal.Platform] on a directory of device
// subdirectories. Register memory is a file mapped shared, so the device
// side and the driver see the same word.
type Platform struct {
	busDir string
	poll   time.Duration

	mu       sync.Mutex
	devices  map[string]*device // attached devices by handle
	rejected map[string]bool    // directories with unusable descriptions
	handlers map[int]func()
	started  bool

	// Channels for hot-plug events
	attachCh chan hal.Resource
	detachCh chan string

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a platform serving busDir. A zero poll selects
// [DefaultPollInterval].
func New(busDir string, poll time.Duration) *Platform {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Platform{
		busDir:   busDir,
		poll:     poll,
		devices:  make(map[string]*device),
		rejected: make(map[string]bool),
		handlers: make(map[int]func()),
		attachCh: make(chan hal.Resource, queueDepth),
		detachCh: make(chan string, queueDepth),
	}
}

// BusDir returns the bus directory.
func (p *Platform) BusDir() string { return p.busDir }

// Init creates the bus directory.
func (p *Platform) Init(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := os.MkdirAll(p.busDir, 0o755); err != nil {
		return fmt.Errorf("bus directory %s: %w", p.busDir, err)
	}

	pkg.LogInfo(pkg.ComponentHAL, "FIFO platform initialized", "busDir", p.busDir)
	return nil
}

// Start begins polling the bus directory.
func (p *Platform) Start() error {
	if p.ctx == nil {
		return fmt.Errorf("%w: Init not called", pkg.ErrInvalidParameter)
	}
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.pollDeviceDirectories()

	pkg.LogInfo(pkg.ComponentHAL, "FIFO platform started")
	return nil
}

// Stop halts polling and interrupt delivery. Devices still present are
// forgotten, so a later Start reports them attached again.
func (p *Platform) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.started = false
	clear(p.handlers)
	clear(p.devices)
	clear(p.rejected)
	p.mu.Unlock()

	// Events of the stopped session are stale.
	for drained := false; !drained; {
		select {
		case <-p.attachCh:
		case <-p.detachCh:
		default:
			drained = true
		}
	}

	pkg.LogInfo(pkg.ComponentHAL, "FIFO platform stopped")
	return nil
}

// Close is a no-op; the bus directory belongs to the caller.
func (p *Platform) Close() error { return nil }

// Map maps the register file of the device whose register is at addr.
func (p *Platform) Map(addr, size uint64) (hal.Region, error) {
	p.mu.Lock()
	var dev *device
	for _, d := range p.devices {
		if d.res.Address == addr {
			dev = d
			break
		}
	}
	p.mu.Unlock()
	if dev == nil {
		return nil, fmt.Errorf("%#x: %w", addr, ErrNoDevice)
	}
	if size > dev.res.Size {
		return nil, fmt.Errorf("%#x: map of %d bytes exceeds region of %d", addr, size, dev.res.Size)
	}

	f, err := os.OpenFile(filepath.Join(dev.dir, fileRegs), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Touching a mapped page past the end of the file raises SIGBUS.
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < int64(size) {
		return nil, fmt.Errorf("%s: register file holds %d bytes, need %d: %w",
			dev.dir, info.Size(), size, ErrBadResource)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", dev.dir, err)
	}
	pkg.LogDebug(pkg.ComponentHAL, "register mapped", "handle", dev.res.Handle, "address", addr)
	return &region{mem: mem}, nil
}

// WaitForAttach returns the next device that appeared on the bus.
func (p *Platform) WaitForAttach(ctx context.Context) (hal.Resource, error) {
	select {
	case <-ctx.Done():
		return hal.Resource{}, ctx.Err()
	case res := <-p.attachCh:
		return res, nil
	}
}

// WaitForDetach returns the handle of the next device removed from the bus.
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
		return fmt.Errorf("%w: interrupt line %d", pkg.ErrInvalidParameter, line)
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

// pollDeviceDirectories polls the bus directory for device subdirectories
// appearing and disappearing.
func (p *Platform) pollDeviceDirectories() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		p.scan()
		select {
		case <-p.ctx.Done():
			p.stopReaders()
			return
		case <-ticker.C:
		}
	}
}

func (p *Platform) scan() {
	entries, err := os.ReadDir(p.busDir)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "failed to read bus directory", "dir", p.busDir, "error", err)
		return
	}

	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), devicePrefix) {
			continue
		}
		handle := entry.Name()
		present[handle] = true

		p.mu.Lock()
		known := p.devices[handle] != nil || p.rejected[handle]
		p.mu.Unlock()
		if known {
			continue
		}

		// The description is written last; a directory without one is
		// still being created.
		dir := filepath.Join(p.busDir, handle)
		if _, err := os.Stat(filepath.Join(dir, fileResource)); err != nil {
			continue
		}
		p.connect(handle, dir)
	}

	p.mu.Lock()
	var gone []*device
	for handle, dev := range p.devices {
		if !present[handle] {
			gone = append(gone, dev)
			delete(p.devices, handle)
		}
	}
	for handle := range p.rejected {
		if !present[handle] {
			delete(p.rejected, handle)
		}
	}
	p.mu.Unlock()

	for _, dev := range gone {
		dev.cancel()
		pkg.LogInfo(pkg.ComponentHAL, "device removed", "handle", dev.res.Handle)
		select {
		case p.detachCh <- dev.res.Handle:
		case <-p.ctx.Done():
			return
		}
	}
}

// connect reads a device description and reports the device attached.
func (p *Platform) connect(handle, dir string) {
	res, err := ReadResource(dir)
	if err == nil {
		err = p.claim(handle, res)
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "ignoring device directory", "dir", dir, "error", err)
		p.mu.Lock()
		p.rejected[handle] = true
		p.mu.Unlock()
		return
	}
	res.Handle = handle

	ctx, cancel := context.WithCancel(p.ctx)
	dev := &device{res: res, dir: dir, cancel: cancel}

	p.mu.Lock()
	p.devices[handle] = dev
	p.mu.Unlock()

	if res.IRQ != 0 {
		p.wg.Add(1)
		go p.readInterrupts(ctx, dev)
	}

	pkg.LogInfo(pkg.ComponentHAL, "device found", "resource", res)
	select {
	case p.attachCh <- res:
	case <-p.ctx.Done():
	}
}

// claim rejects a device whose register overlaps an attached one.
func (p *Platform) claim(handle string, res hal.Resource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for h, d := range p.devices {
		if res.Address < d.res.Address+d.res.Size && d.res.Address < res.Address+res.Size {
			return fmt.Errorf("%w: register %#x overlaps %s", ErrBadResource, res.Address, h)
		}
	}
	return nil
}

func (p *Platform) stopReaders() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, dev := range p.devices {
		dev.cancel()
	}
}

// readInterrupts raises the device's line once per byte written to its
// interrupt FIFO.
func (p *Platform) readInterrupts(ctx context.Context, dev *device) {
	defer p.wg.Done()

	// O_RDWR keeps the FIFO open without a writer and never blocks.
	path := filepath.Join(dev.dir, fifoIRQ)
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "failed to open interrupt FIFO", "path", path, "error", err)
		return
	}
	defer f.Close()

	var buf [16]byte
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = f.SetReadDeadline(time.Now().Add(irqReadTimeout))
		n, err := f.Read(buf[:])
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			if !errors.Is(err, io.EOF) {
				pkg.LogDebug(pkg.ComponentHAL, "interrupt FIFO closed", "path", path, "error", err)
			}
			return
		}
		for i := 0; i < n; i++ {
			p.raise(dev.res.IRQ)
		}
	}
}

func (p *Platform) raise(line int) {
	p.mu.Lock()
	fn := p.handlers[line]
	if !p.started {
		fn = nil
	}
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// region is a shared mapping of a register file.
type region struct {
	mem      []byte
	unmapped atomic.Bool
}

func (r *region) word() *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[0]))
}

func (r *region) Load32() uint32   { return atomic.LoadUint32(r.word()) }
func (r *region) Store32(v uint32) { atomic.StoreUint32(r.word(), v) }

func (r *region) Unmap() error {
	if !r.unmapped.CompareAndSwap(false, true) {
		return ErrUnmapped
	}
	return unix.Munmap(r.mem)
}

// ReadResource reads the description of the device in dir.
func ReadResource(dir string) (hal.Resource, error) {
	data, err := os.ReadFile(filepath.Join(dir, fileResource))
	if err != nil {
		return hal.Resource{}, err
	}
	var res hal.Resource
	if err := yaml.Unmarshal(data, &res); err != nil {
		return hal.Resource{}, fmt.Errorf("%w: %v", ErrBadResource, err)
	}
	if err := res.Validate(); err != nil {
		return hal.Resource{}, fmt.Errorf("%w: %v", ErrBadResource, err)
	}
	return res, nil
}

// CreateDevice publishes a device on the bus and returns its handle.
//
// The register file and interrupt FIFO are created before the description,
// so the platform never sees a partial device. An empty res.Handle is
// replaced by "device-<uuid>".
func CreateDevice(busDir string, res hal.Resource) (string, error) {
	if err := res.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadResource, err)
	}
	handle := res.Handle
	if handle == "" {
		handle = devicePrefix + uuid.NewString()
	}
	if !strings.HasPrefix(handle, devicePrefix) {
		return "", fmt.Errorf("%w: handle %q lacks %q prefix", ErrBadResource, handle, devicePrefix)
	}
	dir := filepath.Join(busDir, handle)

	if err := os.MkdirAll(busDir, 0o755); err != nil {
		return "", err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%s: %w", handle, pkg.ErrExists)
		}
		return "", err
	}

	cleanup := func(err error) (string, error) {
		_ = os.RemoveAll(dir)
		return "", err
	}

	regs, err := os.OpenFile(filepath.Join(dir, fileRegs), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return cleanup(err)
	}
	err = regs.Truncate(int64(res.Size))
	regs.Close()
	if err != nil {
		return cleanup(err)
	}

	if err := unix.Mkfifo(filepath.Join(dir, fifoIRQ), 0o600); err != nil {
		return cleanup(fmt.Errorf("%w: %v", ErrFIFOCreate, err))
	}

	desc := res
	desc.Handle = ""
	data, err := yaml.Marshal(desc)
	if err != nil {
		return cleanup(err)
	}
	tmp := filepath.Join(dir, "."+fileResource)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return cleanup(err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, fileResource)); err != nil {
		return cleanup(err)
	}

	pkg.LogDebug(pkg.ComponentHAL, "device created", "dir", dir)
	return handle, nil
}

// RemoveDevice removes a device from the bus. Mappings the driver still
// holds stay valid until unmapped.
func RemoveDevice(busDir, handle string) error {
	dir := filepath.Join(busDir, handle)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%s: %w", handle, pkg.ErrNotFound)
	}
	return os.RemoveAll(dir)
}

// RaiseInterrupt fires the interrupt of a device. It fails if the platform
// is not listening on the device's FIFO.
func RaiseInterrupt(busDir, handle string) error {
	path := filepath.Join(busDir, handle, fifoIRQ)
	f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("interrupt %s: %w", handle, err)
	}
	defer f.Close()
	_, err = f.Write([]byte{1})
	return err
}

// ReadRegister returns the device's register as the device sees it.
func ReadRegister(busDir, handle string) (uint32, error) {
	f, err := os.Open(filepath.Join(busDir, handle, fileRegs))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var b [hal.RegisterSize]byte
	if _, err := io.ReadFull(f, b[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(b[:]), nil
}

// WriteRegister stores v in the device's register from the device side.
func WriteRegister(busDir, handle string, v uint32) error {
	f, err := os.OpenFile(filepath.Join(busDir, handle, fileRegs), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	var b [hal.RegisterSize]byte
	binary.NativeEndian.PutUint32(b[:], v)
	_, err = f.WriteAt(b[:], 0)
	return err
}

var _ hal.Platform = (*Platform)(nil)
