// Package registrar maintains the registry of live worker handles and runs
// the acceptor that admits new workers into it.
package registrar

import (
	"sort"
	"sync"

	"github.com/me/condex/internal/node"
	"github.com/me/condex/pkg/model"
)

// Registrar is an append-only, lock-guarded list of worker handles.
// Insertion happens from the acceptor goroutine; iteration from the dispatch
// goroutine. Handles are never removed; a target reset keeps them and
// attaches fresh state machines.
type Registrar struct {
	mu    sync.Mutex
	nodes []*node.Node
}

// New returns an empty registrar.
func New() *Registrar {
	return &Registrar{}
}

// Append adds a freshly registered worker handle.
func (r *Registrar) Append(n *node.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = append(r.nodes, n)
}

// Nodes returns a snapshot of the current handles. The registrar lock is
// released before the caller performs any per-node I/O.
func (r *Registrar) Nodes() []*node.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*node.Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Len returns the number of registered workers.
func (r *Registrar) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// FilterRole returns the registered handles with the given role, in
// registration order.
func (r *Registrar) FilterRole(role model.NodeRole) []*node.Node {
	all := r.Nodes()
	out := all[:0:0]
	for _, n := range all {
		if n.Role() == role {
			out = append(out, n)
		}
	}
	return out
}

// SortByTraceCount orders handles by their last reported trace queue depth,
// emptiest first.
func SortByTraceCount(nodes []*node.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Status().TraceCount < nodes[j].Status().TraceCount
	})
}

// SortByTestCount orders handles by their last reported test-case queue
// depth, emptiest first.
func SortByTestCount(nodes []*node.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Status().TestCaseCount < nodes[j].Status().TestCaseCount
	})
}
