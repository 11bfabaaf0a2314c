package register

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/pkg"
)

// fakeRegion is an atomic word standing in for device memory.
type fakeRegion struct {
	word     atomic.Uint32
	unmapped atomic.Int32
}

func (r *fakeRegion) Load32() uint32   { return r.word.Load() }
func (r *fakeRegion) Store32(v uint32) { r.word.Store(v) }
func (r *fakeRegion) Unmap() error {
	r.unmapped.Add(1)
	return nil
}

type fakeMapper struct {
	region *fakeRegion
	err    error
	nilReg bool
	calls  int
}

func (m *fakeMapper) Map(addr, size uint64) (hal.Region, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.nilReg {
		return nil, nil
	}
	return m.region, nil
}

func TestMapReadWrite(t *testing.T) {
	m := &fakeMapper{region: &fakeRegion{}}
	w, err := Map(m, 0x50000000, 4)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), w.Read())
	w.Write(0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), w.Read())
	assert.Equal(t, uint64(0x50000000), w.Address())
	assert.Equal(t, uint64(4), w.Size())

	require.NoError(t, w.Close())
	assert.Equal(t, int32(1), m.region.unmapped.Load())
}

func TestMapFailures(t *testing.T) {
	tests := []struct {
		name   string
		mapper *fakeMapper
		addr   uint64
		size   uint64
		calls  int
	}{
		{"platform error", &fakeMapper{err: errors.New("busy")}, 0x1000, 4, 1},
		{"nil region", &fakeMapper{nilReg: true}, 0x1000, 4, 1},
		{"short region", &fakeMapper{region: &fakeRegion{}}, 0x1000, 2, 0},
		{"unaligned", &fakeMapper{region: &fakeRegion{}}, 0x1001, 4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := Map(tt.mapper, tt.addr, tt.size)
			require.ErrorIs(t, err, pkg.ErrMapFailed)
			assert.Nil(t, w)
			assert.Equal(t, tt.calls, tt.mapper.calls)
		})
	}
}

func TestClosedWindowPanics(t *testing.T) {
	w, err := Map(&fakeMapper{region: &fakeRegion{}}, 0x2000, 4)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Panics(t, func() { w.Read() })
	assert.Panics(t, func() { w.Write(1) })
	assert.Panics(t, func() { _ = w.Close() })
}

func TestConcurrentAccessNoTearing(t *testing.T) {
	w, err := Map(&fakeMapper{region: &fakeRegion{}}, 0x3000, 4)
	require.NoError(t, err)

	// Writers store only these two patterns; a torn value would be a mix.
	const a, b = uint32(0x00000000), uint32(0xffffffff)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				w.Write(a)
				w.Write(b)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				v := w.Read()
				if v != a && v != b {
					t.Errorf("torn read %#x", v)
					return
				}
			}
		}()
	}
	wg.Wait()
}
