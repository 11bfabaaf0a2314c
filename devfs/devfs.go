// Package devfs is an in-memory namespace of driver entry points.
//
// It stands where a device filesystem would: the driver publishes one name
// per attached instance and clients open sessions by name.
package devfs

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ardnew/softreg/driver"
	"github.com/ardnew/softreg/minor"
	"github.com/ardnew/softreg/pkg"
)

// Opener binds sessions to minors.
type Opener interface {
	Open(m minor.Minor) (*driver.Session, error)
}

// Node is a published entry point.
type Node struct {
	Name    string
	Minor   minor.Minor
	Created time.Time
}

// Namespace maps entry point names to minors.
type Namespace struct {
	mu     sync.RWMutex
	nodes  map[string]Node
	opener Opener
}

// New returns an empty namespace.
func New() *Namespace {
	return &Namespace{nodes: make(map[string]Node)}
}

// Bind sets the opener used by Open. The driver is typically constructed
// with the namespace and bound afterwards:
//
//	ns := devfs.New()
//	drv := driver.New(p, ns, opts)
//	ns.Bind(drv)
func (n *Namespace) Bind(o Opener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opener = o
}

// Create publishes name for minor m.
func (n *Namespace) Create(name string, m minor.Minor) error {
	if name == "" || strings.ContainsAny(name, "/ \t\n") {
		return fmt.Errorf("%w: entry point name %q", pkg.ErrInvalidParameter, name)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.nodes[name]; ok {
		return fmt.Errorf("%s (minor %d): %w", name, old.Minor, pkg.ErrExists)
	}
	n.nodes[name] = Node{Name: name, Minor: m, Created: time.Now()}

	pkg.LogDebug(pkg.ComponentDevfs, "entry point created", "name", name, "minor", m)
	return nil
}

// Remove withdraws name. Unknown names are ignored.
func (n *Namespace) Remove(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[name]; !ok {
		return
	}
	delete(n.nodes, name)
	pkg.LogDebug(pkg.ComponentDevfs, "entry point removed", "name", name)
}

// Lookup returns the node published as name.
func (n *Namespace) Lookup(name string) (Node, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	node, ok := n.nodes[name]
	if !ok {
		return Node{}, fmt.Errorf("%s: %w", name, pkg.ErrNotFound)
	}
	return node, nil
}

// Open opens a session on the instance published as name.
func (n *Namespace) Open(name string) (*driver.Session, error) {
	n.mu.RLock()
	node, ok := n.nodes[name]
	o := n.opener
	n.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", name, pkg.ErrNotFound)
	}
	if o == nil {
		return nil, fmt.Errorf("%s: %w", name, pkg.ErrNotRunning)
	}
	return o.Open(node.Minor)
}

// List returns the published nodes ordered by minor.
func (n *Namespace) List() []Node {
	n.mu.RLock()
	out := make([]Node, 0, len(n.nodes))
	for _, node := range n.nodes {
		out = append(out, node)
	}
	n.mu.RUnlock()

	slices.SortFunc(out, func(a, b Node) int {
		if c := cmp.Compare(a.Minor, b.Minor); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Len returns the number of published nodes.
func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.nodes)
}

var _ driver.EntryPoints = (*Namespace)(nil)
