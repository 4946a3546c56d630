// Package nodefsm implements the per-worker state machines driven by the
// dispatch loop: one machine per VM node and one per SVM node. Each state
// carries a capability flag the dispatch action inspects to choose which
// event to deliver next.
package nodefsm

import (
	"github.com/me/condex/internal/config"
	"github.com/me/condex/internal/fsm"
	"github.com/me/condex/internal/node"
	"github.com/me/condex/pkg/model"
)

// Event tags shared by both machines.
const (
	TagStart  fsm.EventTag = "start"
	TagConfig fsm.EventTag = "config"
	TagPoll   fsm.EventTag = "poll"
	TagImage  fsm.EventTag = "image"
	TagTrace  fsm.EventTag = "trace"
	TagTest   fsm.EventTag = "test"
)

// Start attaches the machine to its worker handle. First, UpdateImage and
// Distributed apply to VM machines only.
type Start struct {
	Node        *node.Node
	First       bool
	UpdateImage bool
	Distributed bool
}

// Tag implements fsm.Event.
func (Start) Tag() fsm.EventTag { return TagStart }

// Config carries the dispatcher options to transmit.
type Config struct {
	Options config.Options
}

// Tag implements fsm.Event.
func (Config) Tag() fsm.EventTag { return TagConfig }

// Poll is the empty tick event.
type Poll struct{}

// Tag implements fsm.Event.
func (Poll) Tag() fsm.EventTag { return TagPoll }

// Image points at the configured OS image.
type Image struct {
	Path string
}

// Tag implements fsm.Event.
func (Image) Tag() fsm.EventTag { return TagImage }

// Trace acknowledges received traces (VM) or carries traces to transmit
// (SVM).
type Trace struct {
	Traces []model.Trace
}

// Tag implements fsm.Event.
func (Trace) Tag() fsm.EventTag { return TagTrace }

// Test carries test cases to transmit (VM) or acknowledges received test
// cases (SVM).
type Test struct {
	Tests []model.TestCase
}

// Tag implements fsm.Event.
func (Test) Tag() fsm.EventTag { return TagTest }

// Flag is the capability label attached to a machine state, observed by
// the dispatch action to choose the next event.
type Flag string

const (
	FlagNone          Flag = ""
	FlagTxConfig      Flag = "tx_config"
	FlagImage         Flag = "image"
	FlagGuestDataRxed Flag = "guest_data_rxed"
	FlagStatusRxed    Flag = "status_rxed"
	FlagTraceRxed     Flag = "trace_rxed"
	FlagTxTest        Flag = "tx_test"
	FlagTestRxed      Flag = "test_rxed"
	FlagTxTrace       Flag = "tx_trace"
	FlagErrorRxed     Flag = "error_rxed"
	FlagError         Flag = "error"
)
