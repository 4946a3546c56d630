package model

// NodeRole identifies which kind of worker a node is.
type NodeRole string

const (
	// RoleVM executes the target binary under instrumentation and
	// produces execution traces.
	RoleVM NodeRole = "vm"

	// RoleSVM replays traces symbolically and emits concrete test cases.
	RoleSVM NodeRole = "svm"
)

// Valid returns true for a recognized role.
func (r NodeRole) Valid() bool {
	return r == RoleVM || r == RoleSVM
}

// NodeStatus is a worker's self-reported state. Counts are queue depths on
// the worker side and are not monotonic; they may go up or down as the
// worker processes items.
type NodeStatus struct {
	ID            uint32   `json:"id"`
	Role          NodeRole `json:"role"`
	Active        bool     `json:"active"`
	TraceCount    int      `json:"trace_count"`
	TestCaseCount int      `json:"test_case_count"`
	ErrorCount    int      `json:"error_count"`
}

// NodeError is a worker-reported error payload. Never fatal to the
// dispatcher; drained and written to the per-role log directory.
type NodeError struct {
	Log string `json:"log"`
}
