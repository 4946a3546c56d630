package nodefsm

import (
	"fmt"

	"github.com/me/condex/internal/fsm"
	"github.com/me/condex/internal/node"
	"github.com/me/condex/pkg/model"
)

// SVM-specific states; Start, TxConfig, Commence, RxStatus, StatusRxed,
// ErrorRxed and Error are shared with the VM machine.
const (
	StateTxTrace   fsm.State = "TxTrace"
	StateTraceTxed fsm.State = "TraceTxed"
	StateRxTest    fsm.State = "RxTest"
	StateTestRxed  fsm.State = "TestRxed"
)

var svmFlags = map[fsm.State]Flag{
	StateTxConfig:   FlagTxConfig,
	StateStatusRxed: FlagStatusRxed,
	StateTxTrace:    FlagTxTrace,
	StateTestRxed:   FlagTestRxed,
	StateErrorRxed:  FlagErrorRxed,
	StateError:      FlagError,
}

// SVM is the per-SVM-worker machine: the mirror image of the VM machine
// with the flow direction swapped, receiving traces and emitting tests.
type SVM struct {
	machine *fsm.Machine[*SVM]

	node   *node.Node
	tests  []model.TestCase
	errors []model.NodeError
}

// NewSVM returns a machine in Start; deliver a Start event to attach it to
// its worker.
func NewSVM() *SVM {
	s := &SVM{}
	s.machine = fsm.New(s, StateStart, StateError, svmTable)
	return s
}

// Fire delivers one event; see fsm.Machine.Fire.
func (s *SVM) Fire(ev fsm.Event) error { return s.machine.Fire(ev) }

// State returns the current state.
func (s *SVM) State() fsm.State { return s.machine.State() }

// Flag returns the capability flag of the current state.
func (s *SVM) Flag() Flag { return svmFlags[s.machine.State()] }

// Node returns the attached worker handle.
func (s *SVM) Node() *node.Node { return s.node }

// NodeStatus returns the worker's last reported status.
func (s *SVM) NodeStatus() model.NodeStatus { return s.node.Status() }

// Tests returns the test cases buffered by the last receive.
func (s *SVM) Tests() []model.TestCase { return s.tests }

// HasErrors reports whether drained worker errors remain buffered.
func (s *SVM) HasErrors() bool { return len(s.errors) > 0 }

// PopError removes and returns the oldest buffered worker error.
func (s *SVM) PopError() model.NodeError {
	e := s.errors[0]
	s.errors = s.errors[1:]
	return e
}

var svmTable = []fsm.Transition[*SVM]{
	{Src: StateStart, On: TagStart, Dst: StateTxConfig, Action: svmInit},
	{Src: StateTxConfig, On: TagConfig, Dst: StateCommence, Action: svmTxConfig},
	{Src: StateCommence, On: TagPoll, Dst: StateRxStatus, Action: svmCommence},
	{Src: StateRxStatus, On: TagPoll, Dst: StateStatusRxed, Action: svmRxStatus},
	{Src: StateStatusRxed, On: TagPoll, Dst: StateTxTrace},

	{Src: StateTxTrace, On: TagTrace, Dst: StateTraceTxed, Action: svmTxTrace},
	{Src: StateTraceTxed, On: TagPoll, Dst: StateRxTest},

	{Src: StateRxTest, On: TagPoll, Dst: StateRxStatus,
		Guard: func(s *SVM, _ fsm.Event) (bool, error) {
			st := s.node.Status()
			return st.TestCaseCount == 0 && st.ErrorCount == 0, nil
		}},
	{Src: StateRxTest, On: TagPoll, Dst: StateErrorRxed, Action: svmRxError,
		Guard: func(s *SVM, _ fsm.Event) (bool, error) {
			st := s.node.Status()
			return st.TestCaseCount == 0 && st.ErrorCount > 0, nil
		}},
	{Src: StateRxTest, On: TagPoll, Dst: StateTestRxed, Action: svmRxTest,
		Guard: func(s *SVM, _ fsm.Event) (bool, error) {
			return s.node.Status().TestCaseCount > 0, nil
		}},

	{Src: StateTestRxed, On: TagTest, Dst: StateRxStatus,
		Guard: func(s *SVM, _ fsm.Event) (bool, error) { return s.node.Status().ErrorCount == 0, nil }},
	{Src: StateTestRxed, On: TagTest, Dst: StateErrorRxed, Action: svmRxError,
		Guard: func(s *SVM, _ fsm.Event) (bool, error) { return s.node.Status().ErrorCount > 0, nil }},

	{Src: StateErrorRxed, On: TagPoll, Dst: StateRxStatus},
}

func svmInit(s *SVM, ev fsm.Event) error {
	st, ok := ev.(Start)
	if !ok {
		return fmt.Errorf("start event carries %T", ev)
	}
	s.node = st.Node
	return nil
}

func svmTxConfig(s *SVM, ev fsm.Event) error {
	c, ok := ev.(Config)
	if !ok {
		return fmt.Errorf("config event carries %T", ev)
	}
	return node.TransmitConfig(s.node, c.Options)
}

func svmCommence(s *SVM, _ fsm.Event) error {
	return node.TransmitCommencement(s.node)
}

func svmRxStatus(s *SVM, _ fsm.Event) error {
	_, err := node.Poll(s.node)
	return err
}

// svmTxTrace transmits the batch (empty batches skip the wire write) and
// then refreshes the worker status.
func svmTxTrace(s *SVM, ev fsm.Event) error {
	t, ok := ev.(Trace)
	if !ok {
		return fmt.Errorf("trace event carries %T", ev)
	}
	if err := node.TransmitTraces(s.node, t.Traces); err != nil {
		return err
	}
	_, err := node.Poll(s.node)
	return err
}

func svmRxTest(s *SVM, _ fsm.Event) error {
	tests, err := node.ReceiveTests(s.node)
	if err != nil {
		return err
	}
	s.tests = tests
	return nil
}

func svmRxError(s *SVM, _ fsm.Event) error {
	errs, err := node.ReceiveErrors(s.node)
	if err != nil {
		return err
	}
	s.errors = errs
	return nil
}
