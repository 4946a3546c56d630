package node

import (
	"fmt"

	"github.com/me/condex/internal/config"
	"github.com/me/condex/internal/wire"
	"github.com/me/condex/pkg/model"
)

// Every function here performs exactly one protocol round trip while holding
// the worker handle's lock for the whole exchange.

// TransmitConfig sends the dispatcher options to the worker.
func TransmitConfig(n *Node, opts config.Options) error {
	g := n.Acquire()
	defer g.Release()

	pk := model.PacketInfo{ID: g.Status().ID, Type: model.PacketConfig}
	return wire.WriteMessage(g.Conn(), pk, opts)
}

// TransmitImageInfo sends the dispatcher's image fingerprint.
func TransmitImageInfo(n *Node, info model.ImageInfo) error {
	g := n.Acquire()
	defer g.Release()

	pk := model.PacketInfo{ID: g.Status().ID, Type: model.PacketImageInfo}
	return wire.WriteMessage(g.Conn(), pk, info)
}

// TransmitImage sends the compressed OS image payload.
func TransmitImage(n *Node, img *model.OSImage) error {
	g := n.Acquire()
	defer g.Release()

	pk := model.PacketInfo{ID: g.Status().ID, Type: model.PacketImage}
	return wire.WriteMessage(g.Conn(), pk, img)
}

// TransmitCommencement tells the worker to start executing.
func TransmitCommencement(n *Node) error {
	g := n.Acquire()
	defer g.Release()

	pk := model.PacketInfo{ID: g.Status().ID, Type: model.PacketCommence}
	return wire.WritePacket(g.Conn(), pk)
}

// Poll requests the worker's status and stores the reply on the handle.
func Poll(n *Node) (model.NodeStatus, error) {
	g := n.Acquire()
	defer g.Release()

	pk := model.PacketInfo{ID: g.Status().ID, Type: model.PacketStatusRequest}
	if err := wire.WritePacket(g.Conn(), pk); err != nil {
		return model.NodeStatus{}, fmt.Errorf("node %d: %w", n.id, err)
	}

	var st model.NodeStatus
	if _, err := wire.ReadMessage(g.Conn(), model.PacketStatus, &st); err != nil {
		return model.NodeStatus{}, fmt.Errorf("node %d: %w", n.id, err)
	}
	g.SetStatus(st)
	return st, nil
}

// ReceiveTraces drains the worker's buffered traces.
func ReceiveTraces(n *Node) ([]model.Trace, error) {
	g := n.Acquire()
	defer g.Release()

	pk := model.PacketInfo{ID: g.Status().ID, Type: model.PacketTraceRequest}
	if err := wire.WritePacket(g.Conn(), pk); err != nil {
		return nil, fmt.Errorf("node %d: %w", n.id, err)
	}

	var traces []model.Trace
	if _, err := wire.ReadMessage(g.Conn(), model.PacketTrace, &traces); err != nil {
		return nil, fmt.Errorf("node %d: %w", n.id, err)
	}
	return traces, nil
}

// ReceiveTests drains the worker's buffered test cases.
func ReceiveTests(n *Node) ([]model.TestCase, error) {
	g := n.Acquire()
	defer g.Release()

	pk := model.PacketInfo{ID: g.Status().ID, Type: model.PacketTestCaseRequest}
	if err := wire.WritePacket(g.Conn(), pk); err != nil {
		return nil, fmt.Errorf("node %d: %w", n.id, err)
	}

	var tcs []model.TestCase
	if _, err := wire.ReadMessage(g.Conn(), model.PacketTestCase, &tcs); err != nil {
		return nil, fmt.Errorf("node %d: %w", n.id, err)
	}
	return tcs, nil
}

// ReceiveErrors drains the worker's unreported errors.
func ReceiveErrors(n *Node) ([]model.NodeError, error) {
	g := n.Acquire()
	defer g.Release()

	pk := model.PacketInfo{ID: g.Status().ID, Type: model.PacketErrorLogRequest}
	if err := wire.WritePacket(g.Conn(), pk); err != nil {
		return nil, fmt.Errorf("node %d: %w", n.id, err)
	}

	var errs []model.NodeError
	if _, err := wire.ReadMessage(g.Conn(), model.PacketErrorLog, &errs); err != nil {
		return nil, fmt.Errorf("node %d: %w", n.id, err)
	}
	return errs, nil
}

// ReceiveImageInfo requests the worker's current image fingerprint.
func ReceiveImageInfo(n *Node) (model.ImageInfo, error) {
	g := n.Acquire()
	defer g.Release()

	pk := model.PacketInfo{ID: g.Status().ID, Type: model.PacketImageInfoRequest}
	if err := wire.WritePacket(g.Conn(), pk); err != nil {
		return model.ImageInfo{}, fmt.Errorf("node %d: %w", n.id, err)
	}

	var info model.ImageInfo
	if _, err := wire.ReadMessage(g.Conn(), model.PacketImageInfo, &info); err != nil {
		return model.ImageInfo{}, fmt.Errorf("node %d: %w", n.id, err)
	}
	return info, nil
}

// TransmitTraces pushes traces to an SVM worker. An empty batch is a no-op.
func TransmitTraces(n *Node, traces []model.Trace) error {
	if len(traces) == 0 {
		return nil
	}

	g := n.Acquire()
	defer g.Release()

	pk := model.PacketInfo{ID: g.Status().ID, Type: model.PacketTrace}
	return wire.WriteMessage(g.Conn(), pk, traces)
}

// TransmitTests pushes test cases to a VM worker. An empty batch is a no-op.
func TransmitTests(n *Node, tcs []model.TestCase) error {
	if len(tcs) == 0 {
		return nil
	}

	g := n.Acquire()
	defer g.Release()

	pk := model.PacketInfo{ID: g.Status().ID, Type: model.PacketTestCase}
	return wire.WriteMessage(g.Conn(), pk, tcs)
}

// SendReset tells the worker to discard all per-target state.
func SendReset(n *Node) error {
	g := n.Acquire()
	defer g.Release()

	pk := model.PacketInfo{ID: g.Status().ID, Type: model.PacketReset}
	return wire.WritePacket(g.Conn(), pk)
}

// SendNextTarget announces the next target name to a VM worker.
func SendNextTarget(n *Node, target string) error {
	g := n.Acquire()
	defer g.Release()

	pk := model.PacketInfo{ID: g.Status().ID, Type: model.PacketNextTarget}
	return wire.WriteMessage(g.Conn(), pk, target)
}
