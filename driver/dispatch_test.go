package driver

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softreg/hal/sim"
	"github.com/ardnew/softreg/minor"
	"github.com/ardnew/softreg/pkg"
	"github.com/ardnew/softreg/pkg/trace"
)

type dispatchFixture struct {
	reg  *Registry
	disp *Dispatcher
	p    *sim.Platform
	rec  *trace.Memory
}

func newDispatchFixture(t *testing.T, devices int) *dispatchFixture {
	t.Helper()
	reg, p, rec := newTestRegistry(t, minor.DefaultCapacity)
	for i := 0; i < devices; i++ {
		mustAttach(t, reg, p, i)
	}
	return &dispatchFixture{reg: reg, disp: NewDispatcher(reg, nil, rec), p: p, rec: rec}
}

func (f *dispatchFixture) open(t *testing.T, m minor.Minor) *Session {
	t.Helper()
	s, err := f.disp.Open(m)
	require.NoError(t, err)
	return s
}

func (f *dispatchFixture) register(t *testing.T, i int) uint32 {
	t.Helper()
	v, ok := f.p.Peek(addrOf(i))
	require.True(t, ok)
	return v
}

func readAll(t *testing.T, s *Session) string {
	t.Helper()
	_, err := s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, MaxValueLen)
	n, err := s.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestDispatchRoundTrip(t *testing.T) {
	f := newDispatchFixture(t, 1)
	s := f.open(t, 0)

	n, err := s.Write([]byte("42"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint32(42), f.register(t, 0))

	buf := make([]byte, 16)
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "42", string(buf[:n]))

	require.NoError(t, s.Close())
	assert.Equal(t,
		[]trace.Kind{trace.KindAttach, trace.KindOpen, trace.KindWrite, trace.KindRead, trace.KindClose},
		f.rec.Kinds())
}

func TestDispatchReadFormatsCanonical(t *testing.T) {
	tests := []struct {
		value uint32
		want  string
	}{
		{0, "0"},
		{7, "7"},
		{10, "10"},
		{1000000000, "1000000000"},
		{0x7fffffff, "2147483647"},
		{0xffffffff, "4294967295"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			f := newDispatchFixture(t, 1)
			f.p.Poke(addrOf(0), tt.value)
			assert.Equal(t, tt.want, readAll(t, f.open(t, 0)))
		})
	}
}

func TestDispatchReadSingleShot(t *testing.T) {
	f := newDispatchFixture(t, 1)
	f.p.Poke(addrOf(0), 123)
	s := f.open(t, 0)

	buf := make([]byte, 8)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "123", string(buf[:n]))
	assert.Equal(t, int64(3), s.Offset())

	n, err = s.Read(buf)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	// Writes do not move the offset; the handle stays at end-of-stream.
	_, err = s.Write([]byte("5"))
	require.NoError(t, err)
	_, err = s.Read(buf)
	assert.Equal(t, io.EOF, err)

	assert.Equal(t, "5", readAll(t, s))
}

func TestDispatchReadAllHelper(t *testing.T) {
	f := newDispatchFixture(t, 1)
	f.p.Poke(addrOf(0), 99)
	data, err := io.ReadAll(f.open(t, 0))
	require.NoError(t, err)
	assert.Equal(t, "99", string(data))
}

func TestDispatchReadInsufficientSpace(t *testing.T) {
	f := newDispatchFixture(t, 1)
	f.p.Poke(addrOf(0), 12345)
	s := f.open(t, 0)

	for _, size := range []int{0, 1, 4} {
		n, err := s.Read(make([]byte, size))
		assert.Equal(t, 0, n)
		assert.ErrorIs(t, err, pkg.ErrInsufficientSpace, "buffer of %d", size)
		assert.Equal(t, int64(0), s.Offset())
	}
	assert.Equal(t, uint32(12345), f.register(t, 0))

	buf := make([]byte, 5)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(buf[:n]))
}

func TestDispatchWrite(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
	}{
		{"0", 0},
		{"10", 10},
		{"+7", 7},
		{"-1", 0xffffffff},
		{"-9999999", uint32(0xff676981)},
		{"12345678", 12345678},
		{"10\n", 10},
		{"0000042", 42},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			f := newDispatchFixture(t, 1)
			s := f.open(t, 0)
			n, err := s.Write([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, len(tt.in), n)
			assert.Equal(t, tt.want, f.register(t, 0))
		})
	}
}

func TestDispatchWriteInvalid(t *testing.T) {
	tests := []string{
		"123456789",  // one byte over the parse buffer
		"4294967295", // representable value, oversized text
		"",
		"abc",
		"1a",
		" 1",
		"1 ",
		"0x10",
		"-",
		"+",
		"\n",
		"1\n\n",
		"1_000",
	}

	for _, in := range tests {
		t.Run(fmt.Sprintf("%q", in), func(t *testing.T) {
			f := newDispatchFixture(t, 1)
			f.p.Poke(addrOf(0), 77)
			s := f.open(t, 0)

			n, err := s.Write([]byte(in))
			assert.Equal(t, 0, n)
			require.ErrorIs(t, err, pkg.ErrInvalidArgument)
			assert.Equal(t, uint32(77), f.register(t, 0), "register must be untouched")
		})
	}
}

func TestDispatchOpenUnknown(t *testing.T) {
	f := newDispatchFixture(t, 1)
	_, err := f.disp.Open(3)
	assert.ErrorIs(t, err, pkg.ErrNotFound)
}

func TestDispatchDeviceGone(t *testing.T) {
	f := newDispatchFixture(t, 1)
	s := f.open(t, 0)
	require.NoError(t, f.reg.Detach(0))

	_, err := s.Read(make([]byte, 16))
	assert.ErrorIs(t, err, pkg.ErrDeviceGone)
	_, err = s.Write([]byte("1"))
	assert.ErrorIs(t, err, pkg.ErrDeviceGone)

	// A new device at the same minor is not the session's device.
	inst := mustAttach(t, f.reg, f.p, 1)
	require.Equal(t, minor.Minor(0), inst.Minor())
	_, err = s.Write([]byte("1"))
	assert.ErrorIs(t, err, pkg.ErrDeviceGone)
	assert.Equal(t, uint32(0), f.register(t, 1))

	// Close still succeeds; the session itself was valid.
	require.NoError(t, s.Close())
}

func TestDispatchClosedSession(t *testing.T) {
	f := newDispatchFixture(t, 1)
	s := f.open(t, 0)
	require.NoError(t, s.Close())

	_, err := s.Read(make([]byte, 16))
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	_, err = s.Write([]byte("1"))
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	_, err = s.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	assert.ErrorIs(t, s.Close(), pkg.ErrInvalidState)
}

func TestDispatchUnboundSession(t *testing.T) {
	var s Session
	_, err := s.Read(make([]byte, 16))
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	_, err = s.Write([]byte("1"))
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	assert.ErrorIs(t, s.Close(), pkg.ErrInvalidState)
}

func TestDispatchSeek(t *testing.T) {
	f := newDispatchFixture(t, 1)
	s := f.open(t, 0)

	off, err := s.Seek(4, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(4), off)

	off, err = s.Seek(-4, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)

	_, err = s.Seek(-1, io.SeekCurrent)
	assert.ErrorIs(t, err, pkg.ErrInvalidArgument)
	_, err = s.Seek(0, io.SeekEnd)
	assert.ErrorIs(t, err, pkg.ErrInvalidArgument)
}

// faultCopier fails every copy.
type faultCopier struct{}

func (faultCopier) CopyIn(dst, src []byte, n int) error  { return pkg.ErrFault }
func (faultCopier) CopyOut(dst, src []byte, n int) error { return pkg.ErrFault }

func TestDispatchCopyFault(t *testing.T) {
	reg, p, _ := newTestRegistry(t, 2)
	mustAttach(t, reg, p, 0)
	p.Poke(addrOf(0), 5)
	d := NewDispatcher(reg, faultCopier{}, nil)

	s, err := d.Open(0)
	require.NoError(t, err)

	_, err = s.Read(make([]byte, 8))
	assert.ErrorIs(t, err, pkg.ErrFault)
	assert.Equal(t, int64(0), s.Offset())

	_, err = s.Write([]byte("9"))
	assert.ErrorIs(t, err, pkg.ErrFault)
	v, _ := p.Peek(addrOf(0))
	assert.Equal(t, uint32(5), v)
}

func TestDirectCopier(t *testing.T) {
	var c DirectCopier
	dst := make([]byte, 4)
	require.NoError(t, c.CopyOut(dst, []byte("abcd"), 3))
	assert.Equal(t, []byte("abc\x00"), dst)

	assert.ErrorIs(t, c.CopyIn(dst, []byte("ab"), 3), pkg.ErrFault)
	assert.ErrorIs(t, c.CopyIn(dst, []byte("abcdef"), 5), pkg.ErrFault)
	assert.ErrorIs(t, c.CopyIn(dst, []byte("ab"), -1), pkg.ErrFault)
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue([]byte("-2"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xfffffffe), v)

	_, err = ParseValue([]byte("--2"))
	assert.ErrorIs(t, err, pkg.ErrInvalidArgument)
}

func TestDispatchNoCrossTalk(t *testing.T) {
	const devices, rounds = 8, 200
	f := newDispatchFixture(t, devices)

	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.disp.Open(minor.Minor(i))
			if !assert.NoError(t, err) {
				return
			}
			defer s.Close()

			buf := make([]byte, MaxValueLen)
			for r := 0; r < rounds; r++ {
				want := fmt.Sprintf("%d", i*1000+r)
				if _, err := s.Write([]byte(want)); !assert.NoError(t, err) {
					return
				}
				if _, err := s.Seek(0, io.SeekStart); !assert.NoError(t, err) {
					return
				}
				n, err := s.Read(buf)
				if !assert.NoError(t, err) {
					return
				}
				if got := string(buf[:n]); got != want {
					t.Errorf("minor %d: read %q, want %q", i, got, want)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestDispatchDetachRace(t *testing.T) {
	for iter := 0; iter < 20; iter++ {
		f := newDispatchFixture(t, 1)
		s := f.open(t, 0)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			buf := make([]byte, MaxValueLen)
			for j := 0; j < 200; j++ {
				_, err := s.Write([]byte("31"))
				if err != nil && !errors.Is(err, pkg.ErrDeviceGone) {
					t.Errorf("write: unexpected error %v", err)
					return
				}
				_, _ = s.Seek(0, io.SeekStart)
				_, err = s.Read(buf)
				if err != nil && !errors.Is(err, pkg.ErrDeviceGone) {
					t.Errorf("read: unexpected error %v", err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, f.reg.Detach(0))
		}()
		close(start)
		wg.Wait()

		_, err := s.Write([]byte("1"))
		assert.ErrorIs(t, err, pkg.ErrDeviceGone)
		assert.Equal(t, 0, f.p.Mapped(addrOf(0)))
	}
}
