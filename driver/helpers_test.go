package driver

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/hal/sim"
	"github.com/ardnew/softreg/minor"
	"github.com/ardnew/softreg/pkg/trace"
)

// baseAddr is where test devices start; each device is one page apart.
const baseAddr = 0x50000000

func addrOf(i int) uint64 { return baseAddr + uint64(i)*0x1000 }

// resourceAt returns a resource for test device i with memory present on p.
func resourceAt(p *sim.Platform, i int) hal.Resource {
	p.Poke(addrOf(i), 0)
	return hal.Resource{
		Handle:  fmt.Sprintf("device-%d", i),
		Address: addrOf(i),
		Size:    hal.RegisterSize,
		IRQ:     i + 1,
	}
}

func newTestRegistry(t *testing.T, capacity int) (*Registry, *sim.Platform, *trace.Memory) {
	t.Helper()
	p := sim.New()
	rec := &trace.Memory{}
	return NewRegistry(p, capacity, rec), p, rec
}

func mustAttach(t *testing.T, r *Registry, p *sim.Platform, i int) *Instance {
	t.Helper()
	inst, err := r.Attach(resourceAt(p, i))
	require.NoError(t, err)
	return inst
}

// fakeNodes records entry points in memory.
type fakeNodes struct {
	mu        sync.Mutex
	nodes     map[string]minor.Minor
	createErr error
	log       []string
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{nodes: make(map[string]minor.Minor)}
}

func (f *fakeNodes) Create(name string, m minor.Minor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nodes[name] = m
	f.log = append(f.log, "create "+name)
	return nil
}

func (f *fakeNodes) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, name)
	f.log = append(f.log, "remove "+name)
}

func (f *fakeNodes) get(name string) (minor.Minor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.nodes[name]
	return m, ok
}

func (f *fakeNodes) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.nodes)
}

var _ EntryPoints = (*fakeNodes)(nil)
