// Package dispatch implements the central supervisor of the concolic
// testing cluster: a polled state machine that drives every registered
// worker through configuration, provisioning, commencement and the
// trace/test exchange loop, balances work between the pools, and rotates
// targets until the queue is exhausted.
package dispatch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/me/condex/internal/archive"
	"github.com/me/condex/internal/config"
	"github.com/me/condex/internal/fsm"
	"github.com/me/condex/internal/logging"
	"github.com/me/condex/internal/node"
	"github.com/me/condex/internal/nodefsm"
	"github.com/me/condex/internal/pool"
	"github.com/me/condex/internal/registrar"
	"github.com/me/condex/pkg/model"
)

// Dispatch FSM states.
const (
	StateStart      fsm.State = "Start"
	StateSpecCheck  fsm.State = "SpecCheck"
	StateNextTarget fsm.State = "NextTarget"
	StateDispatch   fsm.State = "Dispatch"
	StateTerminate  fsm.State = "Terminate"
	StateTerminated fsm.State = "Terminated"
	StateFailed     fsm.State = "Failed"
)

// Work-balancing caps: a worker is topped up until its self-reported queue
// depth reaches the multiplier.
const (
	vmTestMultiplier   = 2
	svmTraceMultiplier = 2
)

type startEvent struct{}

func (startEvent) Tag() fsm.EventTag { return "start" }

type pollEvent struct{}

func (pollEvent) Tag() fsm.EventTag { return "poll" }

// fsmList guards a per-role machine list: appended from the registrar
// goroutine, iterated from the dispatch goroutine.
type fsmList[T any] struct {
	mu   sync.Mutex
	list []T
}

func (l *fsmList[T]) append(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, v)
}

func (l *fsmList[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = nil
}

// forEach holds the list lock for the whole iteration; fn returning an
// error aborts it.
func (l *fsmList[T]) forEach(fn func(T) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range l.list {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// Params configures a Dispatch.
type Params struct {
	Options    config.Options
	MasterPort int

	// RootBase is the parent of all run roots; defaults to
	// "dispatch-root".
	RootBase string

	// Out receives the per-tick status display; defaults to stdout.
	Out io.Writer

	Logger *slog.Logger
}

// Dispatch owns the top-level state machine and everything it supervises.
// All fields are owned by the dispatch goroutine except where noted.
type Dispatch struct {
	opts   config.Options
	logger *slog.Logger
	out    io.Writer

	machine *fsm.Machine[*Dispatch]

	registrar    *registrar.Registrar
	driver       *registrar.Driver
	driverCancel context.CancelFunc
	driverDone   chan struct{}

	rootBase string
	root     string
	runRoot  string

	tracePool *pool.TracePool
	testPool  *pool.TestPool
	archive   *archive.Archive

	vmFSMs  fsmList[*nodefsm.VM]
	svmFSMs fsmList[*nodefsm.SVM]

	masterPort   int
	exceptionLog *logging.Sink
	nodeErrorLog *logging.Sink

	startTime   time.Time
	first       bool
	targetQueue []string
	target      string

	prevStatTime uint64
	pgWritten    bool

	now func() time.Time

	// snapMu guards lastSnapshot, the only state read from outside the
	// dispatch goroutine (the status API).
	snapMu       sync.Mutex
	lastSnapshot StatusSnapshot
}

// New builds an unstarted dispatcher.
func New(p Params) *Dispatch {
	if p.RootBase == "" {
		p.RootBase = RootDirName
	}
	if p.Out == nil {
		p.Out = os.Stdout
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	d := &Dispatch{
		opts:       p.Options,
		logger:     p.Logger.With("component", "dispatch"),
		out:        p.Out,
		registrar:  registrar.New(),
		rootBase:   p.RootBase,
		masterPort: p.MasterPort,
		first:      true,
		now:        time.Now,
	}
	d.machine = fsm.New(d, StateStart, StateFailed, dispatchTable)
	return d
}

// Start runs the init action: log sinks, pools, the registrar driver
// thread, and (dev mode) the root directory.
func (d *Dispatch) Start() error {
	return d.machine.Fire(startEvent{})
}

// Run performs one tick. It is a no-op until at least one worker has
// registered, and after the machine reaches a terminal state.
func (d *Dispatch) Run() error {
	if d.Terminated() || d.machine.State() == StateFailed {
		return nil
	}
	if d.registrar.Len() == 0 {
		return nil
	}
	return d.machine.Fire(pollEvent{})
}

// RunLoop ticks the dispatcher until termination or context cancellation.
func (d *Dispatch) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatch stopping (context cancelled)")
			d.shutdown()
			return ctx.Err()
		case <-ticker.C:
			if err := d.Run(); err != nil {
				d.logger.Error("tick error", "error", err)
				d.logException(err)
				if d.machine.State() == StateFailed {
					d.shutdown()
					return err
				}
			}
			if d.Terminated() {
				d.logger.Info("dispatch terminated")
				return nil
			}
		}
	}
}

// State returns the current dispatch FSM state.
func (d *Dispatch) State() fsm.State { return d.machine.State() }

// Terminated reports whether the machine reached its terminal state.
func (d *Dispatch) Terminated() bool { return d.machine.State() == StateTerminated }

// Target returns the current target name.
func (d *Dispatch) Target() string { return d.target }

// MasterAddr returns the registrar's bound listen address, or empty before
// Start.
func (d *Dispatch) MasterAddr() string {
	if d.driver == nil {
		return ""
	}
	return d.driver.Addr().String()
}

// Registrar exposes the node registry (status API, tests).
func (d *Dispatch) Registrar() *registrar.Registrar { return d.registrar }

// dispatchTable mirrors the top-level supervisor machine: spec-check, then
// dispatch, rotate target, or terminate.
var dispatchTable = []fsm.Transition[*Dispatch]{
	{Src: StateStart, On: "start", Dst: StateSpecCheck, Action: initAction},

	{Src: StateSpecCheck, On: "poll", Dst: StateNextTarget,
		Guard: func(d *Dispatch, _ fsm.Event) (bool, error) {
			return !d.devMode() && (d.first || (d.targetExpired() && d.haveNextTarget())), nil
		}},
	{Src: StateSpecCheck, On: "poll", Dst: StateDispatch,
		Guard: func(d *Dispatch, _ fsm.Event) (bool, error) {
			return d.devMode() || (!d.first && !d.targetExpired()), nil
		}},
	{Src: StateSpecCheck, On: "poll", Dst: StateTerminate, Action: nextTargetClean,
		Guard: func(d *Dispatch, _ fsm.Event) (bool, error) {
			return d.targetExpired() && !d.haveNextTarget(), nil
		}},

	{Src: StateNextTarget, On: "poll", Dst: StateDispatch,
		Action: sequence(finishAction, nextTargetClean, resetAction, assignNextTarget)},

	{Src: StateDispatch, On: "poll", Dst: StateSpecCheck, Action: dispatchAction},

	{Src: StateTerminate, On: "poll", Dst: StateTerminated,
		Action: sequence(finishAction, terminateAction)},
}

// sequence composes actions; the first error aborts the chain.
func sequence(actions ...func(*Dispatch, fsm.Event) error) func(*Dispatch, fsm.Event) error {
	return func(d *Dispatch, ev fsm.Event) error {
		for _, a := range actions {
			if err := a(d, ev); err != nil {
				return err
			}
		}
		return nil
	}
}

// --- Guards ---

func (d *Dispatch) devMode() bool { return !d.opts.Mode.Distributed }

func (d *Dispatch) haveNextTarget() bool { return len(d.targetQueue) > 0 }

// targetExpired is true on convergence or when any rotation threshold is
// reached.
func (d *Dispatch) targetExpired() bool {
	converged := d.isConverged()
	traceExceeded := d.tracePool.CountAllUnique() >= d.opts.Test.Interval.Trace
	tcExceeded := d.testPool.CountAll() >= d.opts.Test.Interval.TC
	timeExceeded := d.elapsedTime() >= d.opts.Test.Interval.Time

	return converged || traceExceeded || tcExceeded || timeExceeded
}

// --- Convergence ---

// areNodeQueuesEmpty is true when no worker reports pending traces or test
// cases.
func (d *Dispatch) areNodeQueuesEmpty() bool {
	for _, n := range d.registrar.Nodes() {
		st := n.Status()
		if st.TestCaseCount != 0 || st.TraceCount != 0 {
			return false
		}
	}
	return true
}

func (d *Dispatch) areAllQueuesEmpty() bool {
	return d.areNodeQueuesEmpty() &&
		d.testPool.CountNext() == 0 &&
		d.tracePool.CountNext() == 0
}

func (d *Dispatch) areNodesInactive() bool {
	for _, n := range d.registrar.Nodes() {
		if n.Status().Active {
			return false
		}
	}
	return true
}

func (d *Dispatch) isConverged() bool {
	return d.areAllQueuesEmpty() && d.areNodesInactive()
}

func (d *Dispatch) elapsedTime() uint64 {
	return uint64(d.now().Sub(d.startTime).Seconds())
}

// --- Registration ---

// registerNodeFSM attaches a fresh machine to a registered worker and
// appends it to the proper list. It holds only the list handles and the
// options, so the registrar callback never reaches back into the
// dispatcher. Newly registered nodes are never "first".
func registerNodeFSM(n *node.Node, opts config.Options, vms *fsmList[*nodefsm.VM], svms *fsmList[*nodefsm.SVM], logger *slog.Logger) {
	n.SetActive(true)

	switch n.Role() {
	case model.RoleVM:
		m := nodefsm.NewVM()
		if err := m.Fire(nodefsm.Start{
			Node:        n,
			First:       false,
			UpdateImage: opts.VM.Image.Update,
			Distributed: opts.Mode.Distributed,
		}); err != nil {
			logger.Error("start vm machine", "node", n.ID(), "error", err)
			return
		}
		vms.append(m)
	case model.RoleSVM:
		m := nodefsm.NewSVM()
		if err := m.Fire(nodefsm.Start{Node: n}); err != nil {
			logger.Error("start svm machine", "node", n.ID(), "error", err)
			return
		}
		svms.append(m)
	default:
		logger.Error("node role not recognized", "node", n.ID(), "role", string(n.Role()))
	}
}

// logException appends to the run's exception log; nil-safe before init.
func (d *Dispatch) logException(err error) {
	if d.exceptionLog == nil || err == nil {
		return
	}
	if werr := d.exceptionLog.Printf("%v", err); werr != nil {
		d.logger.Error("write exception log", "error", werr)
	}
}

// shutdown joins the registrar driver and closes the run's resources.
func (d *Dispatch) shutdown() {
	if d.driverCancel != nil {
		d.driverCancel()
		<-d.driverDone
		d.driverCancel = nil
	}
	if d.archive != nil {
		d.archive.Close()
	}
	if d.exceptionLog != nil {
		d.exceptionLog.Close()
	}
	if d.nodeErrorLog != nil {
		d.nodeErrorLog.Close()
	}
}
