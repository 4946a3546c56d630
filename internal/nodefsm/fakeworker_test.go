package nodefsm

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/me/condex/internal/config"
	"github.com/me/condex/internal/node"
	"github.com/me/condex/internal/wire"
	"github.com/me/condex/pkg/model"
)

// fakeWorker scripts the remote side of a worker connection. Tests mutate
// its status and stocked traces/tests/errors; the serve loop answers the
// dispatcher's requests the way a real worker would.
type fakeWorker struct {
	t    *testing.T
	conn net.Conn

	mu        sync.Mutex
	status    model.NodeStatus
	imageInfo model.ImageInfo
	traces    []model.Trace
	tests     []model.TestCase
	errs      []model.NodeError

	order      []uint32
	configs    []config.Options
	imageInfos []model.ImageInfo
	images     []model.OSImage
	rxTraces   [][]model.Trace
	rxTests    [][]model.TestCase
	targets    []string
	commences  int
	resets     int
}

// newFakeWorker wires a fake worker to a fresh node handle over an
// in-memory pipe and starts its serve loop.
func newFakeWorker(t *testing.T, role model.NodeRole) (*fakeWorker, *node.Node) {
	t.Helper()

	dispatchSide, workerSide := net.Pipe()
	n := node.New(1, role, dispatchSide)

	w := &fakeWorker{
		t:      t,
		conn:   workerSide,
		status: model.NodeStatus{ID: 1, Role: role, Active: true},
	}
	go w.serve()

	t.Cleanup(func() {
		dispatchSide.Close()
		workerSide.Close()
	})
	return w, n
}

func (w *fakeWorker) setStatus(st model.NodeStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = st
}

func (w *fakeWorker) setImageInfo(info model.ImageInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.imageInfo = info
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

// messageOrder returns the packet types received so far.
func (w *fakeWorker) messageOrder() []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint32(nil), w.order...)
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

		w.mu.Lock()
		w.order = append(w.order, pk.Type)
		w.mu.Unlock()

		if err := w.handle(pk, body); err != nil {
			return
		}
	}
}

func (w *fakeWorker) handle(pk model.PacketInfo, body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	reply := func(typ model.PacketType, payload any) error {
		return wire.WriteMessage(w.conn, model.PacketInfo{ID: pk.ID, Type: typ}, payload)
	}

	switch pk.Type {
	case model.PacketConfig:
		var o config.Options
		if err := json.Unmarshal(body, &o); err != nil {
			w.t.Errorf("fake worker: decode config: %v", err)
		}
		w.configs = append(w.configs, o)

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
		return reply(model.PacketImageInfo, w.imageInfo)

	case model.PacketImageInfo:
		var info model.ImageInfo
		if err := json.Unmarshal(body, &info); err != nil {
			w.t.Errorf("fake worker: decode image info: %v", err)
		}
		w.imageInfos = append(w.imageInfos, info)

	case model.PacketImage:
		var img model.OSImage
		if err := json.Unmarshal(body, &img); err != nil {
			w.t.Errorf("fake worker: decode image: %v", err)
		}
		w.images = append(w.images, img)

	case model.PacketCommence:
		w.commences++

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
