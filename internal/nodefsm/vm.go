package nodefsm

import (
	"fmt"

	"github.com/me/condex/internal/fsm"
	"github.com/me/condex/internal/node"
	"github.com/me/condex/pkg/model"
)

// VM machine states.
const (
	StateStart         fsm.State = "Start"
	StateTxConfig      fsm.State = "TxConfig"
	StateValidateImage fsm.State = "ValidateImage"
	StateRxGuestData   fsm.State = "RxGuestData"
	StateGuestDataRxed fsm.State = "GuestDataRxed"
	StateUpdateImage   fsm.State = "UpdateImage"
	StateCommence      fsm.State = "Commence"
	StateRxStatus      fsm.State = "RxStatus"
	StateStatusRxed    fsm.State = "StatusRxed"
	StateRxTrace       fsm.State = "RxTrace"
	StateTraceRxed     fsm.State = "TraceRxed"
	StateTxTest        fsm.State = "TxTest"
	StateTestTxed      fsm.State = "TestTxed"
	StateErrorRxed     fsm.State = "ErrorRxed"
	StateError         fsm.State = "Error"
)

// vmFlags labels the states the dispatch action reacts to.
var vmFlags = map[fsm.State]Flag{
	StateTxConfig:      FlagTxConfig,
	StateValidateImage: FlagImage,
	StateUpdateImage:   FlagImage,
	StateGuestDataRxed: FlagGuestDataRxed,
	StateStatusRxed:    FlagStatusRxed,
	StateTraceRxed:     FlagTraceRxed,
	StateTxTest:        FlagTxTest,
	StateErrorRxed:     FlagErrorRxed,
	StateError:         FlagError,
}

// VM is the per-VM-worker machine: config, image provisioning, commencement,
// then the status/trace/test polling loop.
type VM struct {
	machine *fsm.Machine[*VM]

	node        *node.Node
	first       bool
	updateImage bool
	distributed bool

	traces    []model.Trace
	errors    []model.NodeError
	imageInfo *model.ImageInfo
}

// NewVM returns a machine in Start; deliver a Start event to attach it to
// its worker.
func NewVM() *VM {
	v := &VM{}
	v.machine = fsm.New(v, StateStart, StateError, vmTable)
	return v
}

// Fire delivers one event; see fsm.Machine.Fire.
func (v *VM) Fire(ev fsm.Event) error { return v.machine.Fire(ev) }

// State returns the current state.
func (v *VM) State() fsm.State { return v.machine.State() }

// Flag returns the capability flag of the current state.
func (v *VM) Flag() Flag { return vmFlags[v.machine.State()] }

// Node returns the attached worker handle.
func (v *VM) Node() *node.Node { return v.node }

// NodeStatus returns the worker's last reported status.
func (v *VM) NodeStatus() model.NodeStatus { return v.node.Status() }

// Traces returns the traces buffered by the last receive.
func (v *VM) Traces() []model.Trace { return v.traces }

// HasErrors reports whether drained worker errors remain buffered.
func (v *VM) HasErrors() bool { return len(v.errors) > 0 }

// PopError removes and returns the oldest buffered worker error.
func (v *VM) PopError() model.NodeError {
	e := v.errors[0]
	v.errors = v.errors[1:]
	return e
}

// vmTable is the VM transition table. Rows sharing (state, event) are
// ordered so the first passing guard wins.
var vmTable = []fsm.Transition[*VM]{
	{Src: StateStart, On: TagStart, Dst: StateTxConfig, Action: vmInit},

	{Src: StateTxConfig, On: TagConfig, Dst: StateValidateImage, Action: vmTxConfig,
		Guard: func(v *VM, _ fsm.Event) (bool, error) { return v.distributed && v.updateImage, nil }},
	{Src: StateTxConfig, On: TagConfig, Dst: StateRxGuestData, Action: vmTxConfig,
		Guard: func(v *VM, _ fsm.Event) (bool, error) { return !v.updateImage && v.first, nil }},
	{Src: StateTxConfig, On: TagConfig, Dst: StateCommence, Action: vmTxConfig,
		Guard: func(v *VM, _ fsm.Event) (bool, error) { return !v.updateImage && !v.first, nil }},

	{Src: StateValidateImage, On: TagImage, Dst: StateUpdateImage,
		Guard: func(v *VM, ev fsm.Event) (bool, error) {
			ok, err := vmImageValid(v, ev)
			return !ok, err
		}},
	{Src: StateValidateImage, On: TagImage, Dst: StateRxGuestData,
		Guard: func(v *VM, ev fsm.Event) (bool, error) {
			ok, err := vmImageValid(v, ev)
			return ok && v.first, err
		}},
	{Src: StateValidateImage, On: TagImage, Dst: StateCommence,
		Guard: func(v *VM, ev fsm.Event) (bool, error) {
			ok, err := vmImageValid(v, ev)
			return ok && !v.first, err
		}},

	{Src: StateUpdateImage, On: TagImage, Dst: StateRxGuestData, Action: vmUpdateImage,
		Guard: func(v *VM, _ fsm.Event) (bool, error) { return v.first, nil }},
	{Src: StateUpdateImage, On: TagImage, Dst: StateCommence, Action: vmUpdateImage,
		Guard: func(v *VM, _ fsm.Event) (bool, error) { return !v.first, nil }},

	{Src: StateRxGuestData, On: TagPoll, Dst: StateGuestDataRxed, Action: vmRxGuestData},
	{Src: StateGuestDataRxed, On: TagPoll, Dst: StateCommence},

	{Src: StateCommence, On: TagPoll, Dst: StateRxStatus, Action: vmCommence},
	{Src: StateRxStatus, On: TagPoll, Dst: StateStatusRxed, Action: vmRxStatus},
	{Src: StateStatusRxed, On: TagPoll, Dst: StateRxTrace},

	{Src: StateRxTrace, On: TagPoll, Dst: StateTxTest,
		Guard: func(v *VM, _ fsm.Event) (bool, error) { return v.node.Status().TraceCount == 0, nil }},
	{Src: StateRxTrace, On: TagPoll, Dst: StateTraceRxed, Action: vmRxTrace,
		Guard: func(v *VM, _ fsm.Event) (bool, error) { return v.node.Status().TraceCount > 0, nil }},

	{Src: StateTraceRxed, On: TagTrace, Dst: StateTxTest},

	{Src: StateTxTest, On: TagTest, Dst: StateTestTxed, Action: vmTxTest},

	{Src: StateTestTxed, On: TagPoll, Dst: StateRxStatus,
		Guard: func(v *VM, _ fsm.Event) (bool, error) { return v.node.Status().ErrorCount == 0, nil }},
	{Src: StateTestTxed, On: TagPoll, Dst: StateErrorRxed, Action: vmRxError,
		Guard: func(v *VM, _ fsm.Event) (bool, error) { return v.node.Status().ErrorCount > 0, nil }},

	{Src: StateErrorRxed, On: TagPoll, Dst: StateRxStatus},
}

func vmInit(v *VM, ev fsm.Event) error {
	s, ok := ev.(Start)
	if !ok {
		return fmt.Errorf("start event carries %T", ev)
	}
	v.node = s.Node
	v.first = s.First
	v.updateImage = s.UpdateImage
	v.distributed = s.Distributed
	return nil
}

func vmTxConfig(v *VM, ev fsm.Event) error {
	c, ok := ev.(Config)
	if !ok {
		return fmt.Errorf("config event carries %T", ev)
	}
	return node.TransmitConfig(v.node, c.Options)
}

// vmImageValid fetches the worker's image fingerprint once, caches it, and
// compares it against the configured image. An absent or mismatching image
// is invalid.
func vmImageValid(v *VM, ev fsm.Event) (bool, error) {
	img, ok := ev.(Image)
	if !ok {
		return false, fmt.Errorf("image event carries %T", ev)
	}

	if v.imageInfo == nil {
		info, err := node.ReceiveImageInfo(v.node)
		if err != nil {
			return false, err
		}
		v.imageInfo = &info
	}

	want, err := model.NewImageInfo(img.Path)
	if err != nil {
		return false, err
	}

	if v.imageInfo.Empty() {
		return false, nil
	}
	return want.Equal(*v.imageInfo), nil
}

// vmUpdateImage transmits the fingerprint followed by the compressed image.
func vmUpdateImage(v *VM, ev fsm.Event) error {
	img, ok := ev.(Image)
	if !ok {
		return fmt.Errorf("image event carries %T", ev)
	}

	info, err := model.NewImageInfo(img.Path)
	if err != nil {
		return err
	}
	if err := node.TransmitImageInfo(v.node, info); err != nil {
		return err
	}

	osImage, err := model.LoadOSImage(img.Path)
	if err != nil {
		return err
	}
	return node.TransmitImage(v.node, osImage)
}

func vmRxGuestData(*VM, fsm.Event) error {
	// Guest data (proc maps, ELF info) is not yet compared across nodes.
	return nil
}

func vmCommence(v *VM, _ fsm.Event) error {
	return node.TransmitCommencement(v.node)
}

func vmRxStatus(v *VM, _ fsm.Event) error {
	_, err := node.Poll(v.node)
	return err
}

func vmRxTrace(v *VM, _ fsm.Event) error {
	traces, err := node.ReceiveTraces(v.node)
	if err != nil {
		return err
	}
	v.traces = traces
	return nil
}

// vmTxTest transmits the batch (empty batches skip the wire write) and then
// refreshes the worker status.
func vmTxTest(v *VM, ev fsm.Event) error {
	t, ok := ev.(Test)
	if !ok {
		return fmt.Errorf("test event carries %T", ev)
	}
	if err := node.TransmitTests(v.node, t.Tests); err != nil {
		return err
	}
	_, err := node.Poll(v.node)
	return err
}

func vmRxError(v *VM, _ fsm.Event) error {
	errs, err := node.ReceiveErrors(v.node)
	if err != nil {
		return err
	}
	v.errors = errs
	return nil
}
