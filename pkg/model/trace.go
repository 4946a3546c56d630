package model

import "github.com/google/uuid"

// Trace is a serialized execution record produced by a VM node and consumed
// by an SVM node. The UUID is assigned by the producing node and is the
// stable identity of the trace across the trace pool and the filesystem.
type Trace struct {
	UUID   uuid.UUID `json:"uuid"`
	Target string    `json:"target,omitempty"`
	Data   []byte    `json:"data"`
}

// TestElement is one named input of a test case.
type TestElement struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// TestCase is a set of concrete inputs produced by an SVM node and fed back
// to VM nodes.
type TestCase struct {
	ID       uuid.UUID     `json:"id"`
	Target   string        `json:"target,omitempty"`
	Elements []TestElement `json:"elements"`
}
