package driver

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/ardnew/softreg/minor"
	"github.com/ardnew/softreg/pkg"
	"github.com/ardnew/softreg/pkg/trace"
)

// Buffer limits of the text protocol.
const (
	// parseBufSize is the internal buffer a write payload is copied into,
	// including room for a terminator.
	parseBufSize = 10

	// MaxWriteLen is the longest accepted write payload in bytes.
	MaxWriteLen = parseBufSize - 2

	// MaxValueLen is the length of the longest formatted register value.
	MaxValueLen = len("4294967295")
)

// Dispatcher binds client sessions to instances and serializes their
// register accesses.
type Dispatcher struct {
	registry *Registry
	copier   Copier
	rec      trace.Recorder
}

// NewDispatcher returns a dispatcher over reg. A nil copier uses
// [DirectCopier]; a nil recorder discards events.
func NewDispatcher(reg *Registry, cp Copier, rec trace.Recorder) *Dispatcher {
	if cp == nil {
		cp = DirectCopier{}
	}
	if rec == nil {
		rec = trace.Discard
	}
	return &Dispatcher{registry: reg, copier: cp, rec: rec}
}

// Open binds a new session to the live instance at m.
// It returns [pkg.ErrNotFound] if no instance is attached there.
func (d *Dispatcher) Open(m minor.Minor) (*Session, error) {
	inst, err := d.registry.Lookup(m)
	if err != nil {
		return nil, err
	}
	s := &Session{
		d:          d,
		minor:      m,
		generation: inst.Generation(),
		state:      sessionBound,
	}
	pkg.LogDebug(pkg.ComponentDispatch, "session opened", "minor", m, "generation", s.generation)
	trace.Stamp(d.rec, trace.Event{Kind: trace.KindOpen, Minor: int(m), Generation: s.generation})
	return s, nil
}

// resolve re-finds the instance a session was bound to. A detach since open,
// even one followed by a new attach at the same minor, is ErrDeviceGone.
func (d *Dispatcher) resolve(m minor.Minor, gen uint64) (*Instance, error) {
	inst, err := d.registry.Lookup(m)
	if err != nil || inst.Generation() != gen {
		return nil, fmt.Errorf("minor %d: %w", m, pkg.ErrDeviceGone)
	}
	return inst, nil
}

func (d *Dispatcher) fail(s *Session, err error) error {
	pkg.LogDebug(pkg.ComponentDispatch, "request failed", "minor", s.minor, "error", err)
	trace.Stamp(d.rec, trace.Event{Kind: trace.KindError, Minor: int(s.minor), Generation: s.generation, Err: err.Error()})
	return err
}

type sessionState uint8

const (
	sessionUnbound sessionState = iota
	sessionBound
	sessionClosed
)

// String returns the state name.
func (s sessionState) String() string {
	switch s {
	case sessionUnbound:
		return "unbound"
	case sessionBound:
		return "bound"
	case sessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Session is a client's open handle on one instance.
//
// It holds the minor and the instance generation, never the instance
// itself; every operation resolves through the registry. Session implements
// io.ReadWriteSeeker and io.Closer.
type Session struct {
	d          *Dispatcher
	minor      minor.Minor
	generation uint64

	mu     sync.Mutex
	state  sessionState
	offset int64
}

// Minor returns the minor the session was opened on.
func (s *Session) Minor() minor.Minor { return s.minor }

// Offset returns the current stream offset.
func (s *Session) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Read delivers the register value as unsigned decimal text.
//
// The whole value is returned by the first read at offset 0; reads at any
// other offset return 0, io.EOF. If p cannot hold the text the read fails
// with [pkg.ErrInsufficientSpace] rather than truncating.
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkBound(); err != nil {
		return 0, err
	}
	if s.offset != 0 {
		return 0, io.EOF
	}

	inst, err := s.d.resolve(s.minor, s.generation)
	if err != nil {
		return 0, s.d.fail(s, err)
	}
	v, err := inst.Read()
	if err != nil {
		return 0, s.d.fail(s, err)
	}

	var buf [MaxValueLen]byte
	text := strconv.AppendUint(buf[:0], uint64(v), 10)
	if len(p) < len(text) {
		return 0, s.d.fail(s, fmt.Errorf("minor %d: %w: value needs %d bytes, buffer has %d",
			s.minor, pkg.ErrInsufficientSpace, len(text), len(p)))
	}
	if err := s.d.copier.CopyOut(p, text, len(text)); err != nil {
		return 0, s.d.fail(s, err)
	}
	s.offset += int64(len(text))

	trace.Stamp(s.d.rec, trace.Event{Kind: trace.KindRead, Minor: int(s.minor), Generation: s.generation, Value: v})
	return len(text), nil
}

// Write parses p as a signed decimal integer and stores its low 32 bits.
//
// Payloads longer than [MaxWriteLen] or that do not parse fail with
// [pkg.ErrInvalidArgument] and leave the register untouched. On success the
// full length of p is reported as consumed.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkBound(); err != nil {
		return 0, err
	}
	inst, err := s.d.resolve(s.minor, s.generation)
	if err != nil {
		return 0, s.d.fail(s, err)
	}
	if len(p) > MaxWriteLen {
		return 0, s.d.fail(s, fmt.Errorf("minor %d: %w: payload of %d bytes exceeds %d",
			s.minor, pkg.ErrInvalidArgument, len(p), MaxWriteLen))
	}

	var buf [parseBufSize]byte
	if err := s.d.copier.CopyIn(buf[:], p, len(p)); err != nil {
		return 0, s.d.fail(s, err)
	}
	v, err := ParseValue(buf[:len(p)])
	if err != nil {
		return 0, s.d.fail(s, fmt.Errorf("minor %d: %w", s.minor, err))
	}
	if err := inst.Write(v); err != nil {
		return 0, s.d.fail(s, err)
	}

	trace.Stamp(s.d.rec, trace.Event{Kind: trace.KindWrite, Minor: int(s.minor), Generation: s.generation, Value: v})
	return len(p), nil
}

// Seek sets the stream offset; rewinding to 0 makes the value readable again.
func (s *Session) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkBound(); err != nil {
		return 0, err
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.offset + offset
	default:
		return 0, fmt.Errorf("%w: whence %d", pkg.ErrInvalidArgument, whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", pkg.ErrInvalidArgument, abs)
	}
	s.offset = abs
	return abs, nil
}

// Close ends the session. Any further use fails with [pkg.ErrInvalidState].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkBound(); err != nil {
		return err
	}
	s.state = sessionClosed
	pkg.LogDebug(pkg.ComponentDispatch, "session closed", "minor", s.minor)
	trace.Stamp(s.d.rec, trace.Event{Kind: trace.KindClose, Minor: int(s.minor), Generation: s.generation})
	return nil
}

func (s *Session) checkBound() error {
	if s.state != sessionBound {
		return fmt.Errorf("session on minor %d is %s: %w", s.minor, s.state, pkg.ErrInvalidState)
	}
	return nil
}

// ParseValue parses a write payload: an optionally signed base-10 integer
// with at most one trailing newline. The result is truncated to 32 bits.
func ParseValue(b []byte) (uint32, error) {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal integer", pkg.ErrInvalidArgument, b)
	}
	return uint32(v), nil
}

var (
	_ io.ReadWriteSeeker = (*Session)(nil)
	_ io.Closer          = (*Session)(nil)
)
