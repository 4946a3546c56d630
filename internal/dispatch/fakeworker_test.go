package dispatch

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/me/condex/internal/wire"
	"github.com/me/condex/pkg/model"
)

// fakeWorker is a scripted remote worker that registers over TCP and
// answers the dispatcher's requests. Tests mutate its reported status and
// stocked traces/tests/errors.
type fakeWorker struct {
	t    *testing.T
	conn net.Conn
	id   uint32

	mu     sync.Mutex
	status model.NodeStatus
	traces []model.Trace
	tests  []model.TestCase
	errs   []model.NodeError

	rxTraces [][]model.Trace
	rxTests  [][]model.TestCase
	targets  []string
	resets   int
	configs  int
}

// connectWorker dials the dispatcher's master port and registers with the
// given role. The worker initially reports the given active flag with empty
// queues.
func connectWorker(t *testing.T, addr string, role model.NodeRole, active bool) *fakeWorker {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial dispatcher: %v", err)
	}

	req := model.PacketRequestVMNode
	if role == model.RoleSVM {
		req = model.PacketRequestSVMNode
	}
	if err := wire.WritePacket(conn, model.PacketInfo{Type: req}); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	ack, err := wire.ReadPacket(conn)
	if err != nil {
		t.Fatalf("handshake ack: %v", err)
	}

	w := &fakeWorker{
		t:    t,
		conn: conn,
		id:   ack.ID,
		status: model.NodeStatus{
			ID:     ack.ID,
			Role:   role,
			Active: active,
		},
	}
	go w.serve()
	t.Cleanup(func() { conn.Close() })
	return w
}

func (w *fakeWorker) setActive(active bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Active = active
}

func (w *fakeWorker) stockTraces(traces []model.Trace) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.traces = traces
	w.status.TraceCount = len(traces)
}

func (w *fakeWorker) stockTests(tests []model.TestCase) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tests = tests
	w.status.TestCaseCount = len(tests)
}

func (w *fakeWorker) stockErrors(errs []model.NodeError) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errs = errs
	w.status.ErrorCount = len(errs)
}

func (w *fakeWorker) seenTargets() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.targets...)
}

func (w *fakeWorker) receivedTests() [][]model.TestCase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]model.TestCase(nil), w.rxTests...)
}

func (w *fakeWorker) receivedTraces() [][]model.Trace {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]model.Trace(nil), w.rxTraces...)
}

func (w *fakeWorker) serve() {
	for {
		pk, err := wire.ReadPacket(w.conn)
		if err != nil {
			return
		}
		body := make([]byte, pk.Size)
		if _, err := io.ReadFull(w.conn, body); err != nil {
			return
		}
		if err := w.handle(pk, body); err != nil {
			return
		}
	}
}

func (w *fakeWorker) handle(pk model.PacketInfo, body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	reply := func(typ model.PacketType, payload any) error {
		return wire.WriteMessage(w.conn, model.PacketInfo{ID: w.id, Type: typ}, payload)
	}

	switch pk.Type {
	case model.PacketConfig:
		w.configs++

	case model.PacketStatusRequest:
		return reply(model.PacketStatus, w.status)

	case model.PacketTraceRequest:
		out := w.traces
		w.traces = nil
		w.status.TraceCount = 0
		return reply(model.PacketTrace, out)

	case model.PacketTestCaseRequest:
		out := w.tests
		w.tests = nil
		w.status.TestCaseCount = 0
		return reply(model.PacketTestCase, out)

	case model.PacketErrorLogRequest:
		out := w.errs
		w.errs = nil
		w.status.ErrorCount = 0
		return reply(model.PacketErrorLog, out)

	case model.PacketImageInfoRequest:
		return reply(model.PacketImageInfo, model.ImageInfo{})

	case model.PacketCommence, model.PacketImageInfo, model.PacketImage:
		// Nothing to answer.

	case model.PacketReset:
		w.resets++

	case model.PacketTrace:
		var traces []model.Trace
		if err := json.Unmarshal(body, &traces); err != nil {
			w.t.Errorf("fake worker: decode traces: %v", err)
		}
		w.rxTraces = append(w.rxTraces, traces)

	case model.PacketTestCase:
		var tests []model.TestCase
		if err := json.Unmarshal(body, &tests); err != nil {
			w.t.Errorf("fake worker: decode tests: %v", err)
		}
		w.rxTests = append(w.rxTests, tests)

	case model.PacketNextTarget:
		var target string
		if err := json.Unmarshal(body, &target); err != nil {
			w.t.Errorf("fake worker: decode target: %v", err)
		}
		w.targets = append(w.targets, target)

	default:
		w.t.Errorf("fake worker: unexpected packet type %d", pk.Type)
	}
	return nil
}
