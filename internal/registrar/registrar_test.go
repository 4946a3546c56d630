package registrar

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/me/condex/internal/node"
	"github.com/me/condex/internal/wire"
	"github.com/me/condex/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dialWorker connects to the driver and performs the registration
// handshake, returning the assigned id.
func dialWorker(t *testing.T, addr string, req model.PacketType) (net.Conn, uint32) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := wire.WritePacket(conn, model.PacketInfo{Type: req}); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	ack, err := wire.ReadPacket(conn)
	if err != nil {
		t.Fatalf("handshake ack: %v", err)
	}
	return conn, ack.ID
}

// waitLen polls until the registrar holds n nodes or the deadline passes.
func waitLen(t *testing.T, r *Registrar, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Len() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registrar has %d nodes, want %d", r.Len(), n)
}

func TestDriverRegistersWorkers(t *testing.T) {
	reg := New()

	var mu sync.Mutex
	var registered []*node.Node

	drv, err := NewDriver(0, reg, func(n *node.Node) {
		mu.Lock()
		registered = append(registered, n)
		mu.Unlock()
	}, testLogger())
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		drv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, vmID := dialWorker(t, drv.Addr().String(), model.PacketRequestVMNode)
	_, svmID := dialWorker(t, drv.Addr().String(), model.PacketRequestSVMNode)

	waitLen(t, reg, 2)

	if vmID != 1 || svmID != 2 {
		t.Errorf("assigned ids = %d, %d; want 1, 2", vmID, svmID)
	}

	mu.Lock()
	cbCount := len(registered)
	mu.Unlock()
	if cbCount != 2 {
		t.Errorf("callback ran %d times, want 2", cbCount)
	}

	vms := reg.FilterRole(model.RoleVM)
	svms := reg.FilterRole(model.RoleSVM)
	if len(vms) != 1 || len(svms) != 1 {
		t.Errorf("filtered %d vm / %d svm, want 1/1", len(vms), len(svms))
	}
	if vms[0].ID() != vmID {
		t.Errorf("vm node id = %d, want %d", vms[0].ID(), vmID)
	}
}

func TestDriverRejectsUnknownRole(t *testing.T) {
	reg := New()
	drv, err := NewDriver(0, reg, nil, testLogger())
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		drv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := net.Dial("tcp", drv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := wire.WritePacket(conn, model.PacketInfo{Type: model.PacketStatus}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The driver closes the connection without registering.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected the connection to be closed")
	}
	if reg.Len() != 0 {
		t.Errorf("registrar has %d nodes, want 0", reg.Len())
	}
}

func TestSortHelpers(t *testing.T) {
	mk := func(id uint32, traces, tests int) *node.Node {
		n := node.New(id, model.RoleVM, nil)
		g := n.Acquire()
		g.SetStatus(model.NodeStatus{ID: id, TraceCount: traces, TestCaseCount: tests})
		g.Release()
		return n
	}

	nodes := []*node.Node{mk(1, 5, 0), mk(2, 1, 9), mk(3, 3, 2)}

	SortByTraceCount(nodes)
	if nodes[0].ID() != 2 || nodes[2].ID() != 1 {
		t.Errorf("trace order = %d,%d,%d", nodes[0].ID(), nodes[1].ID(), nodes[2].ID())
	}

	SortByTestCount(nodes)
	if nodes[0].ID() != 1 || nodes[2].ID() != 2 {
		t.Errorf("test order = %d,%d,%d", nodes[0].ID(), nodes[1].ID(), nodes[2].ID())
	}
}
