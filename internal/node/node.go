// Package node holds the worker handle shared between the registrar and a
// per-node state machine, plus the protocol round-trip primitives.
package node

import (
	"io"
	"sync"

	"github.com/me/condex/pkg/model"
)

// Node is a uniquely identified remote worker. The id and role are assigned
// at registration and never change; the connection and status are mutated
// only while holding the per-handle lock, via Acquire.
type Node struct {
	id   uint32
	role model.NodeRole

	mu     sync.Mutex
	conn   io.ReadWriter
	status model.NodeStatus
}

// New builds a handle for a registered worker.
func New(id uint32, role model.NodeRole, conn io.ReadWriter) *Node {
	return &Node{
		id:   id,
		role: role,
		conn: conn,
		status: model.NodeStatus{
			ID:   id,
			Role: role,
		},
	}
}

// ID returns the registration-assigned worker id.
func (n *Node) ID() uint32 { return n.id }

// Role returns the worker role.
func (n *Node) Role() model.NodeRole { return n.role }

// Status returns a copy of the last reported worker status.
func (n *Node) Status() model.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// SetActive flags the worker active (set at FSM registration).
func (n *Node) SetActive(active bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status.Active = active
}

// Acquire locks the handle and returns a guard exposing the socket and
// status atomically. A single acquire spans a full request/response
// exchange, making each round trip atomic with respect to other operations
// on this worker.
func (n *Node) Acquire() *Guard {
	n.mu.Lock()
	return &Guard{n: n}
}

// Guard is an acquired node handle. Release it exactly once.
type Guard struct {
	n *Node
}

// Conn returns the worker's framed byte stream.
func (g *Guard) Conn() io.ReadWriter { return g.n.conn }

// Status returns the current worker status.
func (g *Guard) Status() model.NodeStatus { return g.n.status }

// SetStatus replaces the stored worker status.
func (g *Guard) SetStatus(st model.NodeStatus) { g.n.status = st }

// Release unlocks the handle.
func (g *Guard) Release() { g.n.mu.Unlock() }
