package node

import (
	"net"
	"testing"

	"github.com/me/condex/internal/wire"
	"github.com/me/condex/pkg/model"
)

func TestStatusIsCopiedUnderLock(t *testing.T) {
	n := New(3, model.RoleVM, nil)

	if n.ID() != 3 || n.Role() != model.RoleVM {
		t.Fatalf("identity = %d/%s", n.ID(), n.Role())
	}

	st := n.Status()
	if st.ID != 3 || st.Role != model.RoleVM {
		t.Errorf("initial status = %+v", st)
	}

	g := n.Acquire()
	g.SetStatus(model.NodeStatus{ID: 3, Role: model.RoleVM, TraceCount: 7})
	g.Release()

	if got := n.Status().TraceCount; got != 7 {
		t.Errorf("TraceCount = %d, want 7", got)
	}

	n.SetActive(true)
	if !n.Status().Active {
		t.Error("SetActive not reflected")
	}
}

// A full round trip happens under one handle acquisition: the request and
// the response are not interleaved with other operations on the worker.
func TestPollRoundTrip(t *testing.T) {
	dispatchSide, workerSide := net.Pipe()
	defer dispatchSide.Close()
	defer workerSide.Close()

	n := New(1, model.RoleVM, dispatchSide)

	go func() {
		pk, err := wire.ReadPacket(workerSide)
		if err != nil {
			t.Errorf("worker read: %v", err)
			return
		}
		if pk.Type != model.PacketStatusRequest {
			t.Errorf("worker got type %d", pk.Type)
			return
		}
		st := model.NodeStatus{ID: 1, Role: model.RoleVM, Active: true, TraceCount: 2}
		if err := wire.WriteMessage(workerSide, model.PacketInfo{ID: 1, Type: model.PacketStatus}, st); err != nil {
			t.Errorf("worker write: %v", err)
		}
	}()

	st, err := Poll(n)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.TraceCount != 2 || !st.Active {
		t.Errorf("status = %+v", st)
	}
	if got := n.Status(); got != st {
		t.Errorf("stored status %+v != returned %+v", got, st)
	}
}

func TestTransmitEmptyBatchesSkipTheWire(t *testing.T) {
	// A nil conn would panic on any write; empty batches must not touch it.
	n := New(1, model.RoleSVM, nil)

	if err := TransmitTraces(n, nil); err != nil {
		t.Errorf("TransmitTraces(nil) = %v", err)
	}
	if err := TransmitTests(n, nil); err != nil {
		t.Errorf("TransmitTests(nil) = %v", err)
	}
}
