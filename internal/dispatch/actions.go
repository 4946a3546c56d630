package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/me/condex/internal/archive"
	"github.com/me/condex/internal/fsm"
	"github.com/me/condex/internal/logging"
	"github.com/me/condex/internal/node"
	"github.com/me/condex/internal/nodefsm"
	"github.com/me/condex/internal/pool"
	"github.com/me/condex/internal/registrar"
	"github.com/me/condex/pkg/model"
)

// initAction opens the run's log sinks, seeds the target queue, constructs
// the pools and the archive, launches the registrar driver, and (dev mode)
// materializes the root directory.
func initAction(d *Dispatch, _ fsm.Event) error {
	d.startTime = d.now()
	d.root = makeDispatchRoot(d.rootBase, d.startTime)
	d.runRoot = d.root

	logDir := filepath.Join(d.runRoot, LogDirName)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", logDir, err)
	}

	var err error
	if d.exceptionLog, err = logging.OpenSink(filepath.Join(logDir, ExceptionLogFileName)); err != nil {
		return err
	}
	if d.nodeErrorLog, err = logging.OpenSink(filepath.Join(logDir, NodeErrorLogFileName)); err != nil {
		return err
	}

	d.targetQueue = append([]string(nil), d.opts.Test.Items...)

	if d.tracePool, err = pool.NewTracePool(d.opts, filepath.Join(d.root, TraceDirName)); err != nil {
		return err
	}
	d.testPool = pool.NewTestPool(d.root)

	if d.archive, err = archive.Open(filepath.Join(d.runRoot, ArchiveFileName), d.logger); err != nil {
		return err
	}

	if err := d.launchNodeRegistrar(); err != nil {
		return err
	}

	if !d.opts.Mode.Distributed {
		if err := d.setUpRootDir(); err != nil {
			return err
		}
	}

	d.updateSnapshot()
	return nil
}

// launchNodeRegistrar starts the acceptor on its own goroutine. The
// callback captures only the machine lists and options.
func (d *Dispatch) launchNodeRegistrar() error {
	vms, svms := &d.vmFSMs, &d.svmFSMs
	opts := d.opts
	logger := d.logger

	driver, err := registrar.NewDriver(d.masterPort, d.registrar, func(n *node.Node) {
		registerNodeFSM(n, opts, vms, svms, logger)
	}, d.logger)
	if err != nil {
		return err
	}
	d.driver = driver

	ctx, cancel := context.WithCancel(context.Background())
	d.driverCancel = cancel
	d.driverDone = make(chan struct{})

	go func() {
		defer close(d.driverDone)
		if err := driver.Run(ctx); err != nil {
			d.logger.Error("registrar driver", "error", err)
		}
	}()
	return nil
}

// resetAction rebuilds the root for the next target, reconstructs the
// pools, clears the machine lists, resets the clock, and re-registers a
// fresh machine for every existing worker after sending it a reset.
func resetAction(d *Dispatch, _ fsm.Event) error {
	if err := d.setUpRootDir(); err != nil {
		return err
	}

	var err error
	if d.tracePool, err = pool.NewTracePool(d.opts, filepath.Join(d.root, TraceDirName)); err != nil {
		return err
	}
	d.testPool = pool.NewTestPool(d.root)

	d.vmFSMs.clear()
	d.svmFSMs.clear()

	d.startTime = d.now()

	for _, n := range d.registrar.Nodes() {
		if err := node.SendReset(n); err != nil {
			d.logException(fmt.Errorf("reset node %d: %w", n.ID(), err))
			continue
		}
		registerNodeFSM(n, d.opts, &d.vmFSMs, &d.svmFSMs, d.logger)
	}
	return nil
}

// assignNextTarget pops the queue head and announces it to every VM worker,
// emptiest test queue first so the least-loaded workers start on the new
// target soonest.
func assignNextTarget(d *Dispatch, _ fsm.Event) error {
	if len(d.targetQueue) == 0 {
		return nil
	}
	d.target = d.targetQueue[0]
	d.targetQueue = d.targetQueue[1:]

	vms := d.registrar.FilterRole(model.RoleVM)
	registrar.SortByTestCount(vms)
	for _, n := range vms {
		if err := node.SendNextTarget(n, d.target); err != nil {
			d.logException(fmt.Errorf("assign target to node %d: %w", n.ID(), err))
		}
	}

	d.logger.Info("target assigned", "target", d.target, "remaining", len(d.targetQueue))
	return nil
}

// nextTargetClean deletes the on-disk trace directory; traces are
// per-target and expensive to keep.
func nextTargetClean(d *Dispatch, _ fsm.Event) error {
	p := filepath.Join(d.root, TraceDirName)
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

// terminateAction joins the registrar driver and releases run resources.
func terminateAction(d *Dispatch, _ fsm.Event) error {
	d.shutdown()
	return nil
}

// dispatchAction is the central per-tick pass: advance every node machine
// by one event chosen from its capability flag, exchange work with the
// pools, drain errors, then refresh the display and the statistics profile.
func dispatchAction(d *Dispatch, _ fsm.Event) error {
	if err := d.vmFSMs.forEach(d.dispatchVM); err != nil {
		return err
	}
	if err := d.svmFSMs.forEach(d.dispatchSVM); err != nil {
		return err
	}

	d.first = false

	d.displayStatus(d.out)
	d.updateSnapshot()
	d.writeStatistics()
	return nil
}

// dispatchVM advances one VM machine. Worker I/O errors park the machine in
// its error state and are logged; filesystem errors abort the run.
func (d *Dispatch) dispatchVM(m *nodefsm.VM) error {
	var err error

	switch m.Flag() {
	case nodefsm.FlagError:
		return nil

	case nodefsm.FlagTraceRxed:
		if perr := d.toTracePool(m.Traces()); perr != nil {
			return perr
		}
		err = m.Fire(nodefsm.Trace{})

	case nodefsm.FlagTxTest:
		tests := d.topUpTests(m.NodeStatus().TestCaseCount)
		err = m.Fire(nodefsm.Test{Tests: tests})

	case nodefsm.FlagErrorRxed:
		for m.HasErrors() {
			ne := m.PopError()
			if werr := d.writeTargetLog(ne.Log, LogVMDirName); werr != nil {
				return werr
			}
			d.logNodeError(ne)
		}
		err = m.Fire(nodefsm.Poll{})

	case nodefsm.FlagTxConfig:
		err = m.Fire(nodefsm.Config{Options: d.opts})

	case nodefsm.FlagImage:
		err = m.Fire(nodefsm.Image{Path: d.opts.VM.Image.Path})

	default:
		err = m.Fire(nodefsm.Poll{})
	}

	if err != nil {
		d.logException(fmt.Errorf("vm node %d: %w", m.Node().ID(), err))
	}
	return nil
}

// dispatchSVM advances one SVM machine, symmetrically to dispatchVM.
func (d *Dispatch) dispatchSVM(m *nodefsm.SVM) error {
	var err error

	switch m.Flag() {
	case nodefsm.FlagError:
		return nil

	case nodefsm.FlagTestRxed:
		tests := m.Tests()
		if perr := d.testPool.Insert(tests); perr != nil {
			return perr
		}
		for _, tc := range tests {
			if aerr := d.archive.RecordTestCase(context.Background(), d.target, tc); aerr != nil {
				d.logException(aerr)
			}
		}
		err = m.Fire(nodefsm.Test{})

	case nodefsm.FlagTxTrace:
		traces := d.topUpTraces(m.NodeStatus().TraceCount)
		err = m.Fire(nodefsm.Trace{Traces: traces})

	case nodefsm.FlagErrorRxed:
		for m.HasErrors() {
			ne := m.PopError()
			if werr := d.writeTargetLog(ne.Log, LogSVMDirName); werr != nil {
				return werr
			}
			d.logNodeError(ne)
		}
		err = m.Fire(nodefsm.Poll{})

	case nodefsm.FlagTxConfig:
		err = m.Fire(nodefsm.Config{Options: d.opts})

	default:
		err = m.Fire(nodefsm.Poll{})
	}

	if err != nil {
		d.logException(fmt.Errorf("svm node %d: %w", m.Node().ID(), err))
	}
	return nil
}

// topUpTests pulls test cases until the worker's queue would reach the
// multiplier cap. An empty result is fine; the machine skips the transmit.
func (d *Dispatch) topUpTests(queued int) []model.TestCase {
	var tests []model.TestCase
	for queued < vmTestMultiplier {
		tc, ok := d.testPool.Next()
		if !ok {
			break
		}
		tests = append(tests, *tc)
		queued++
	}
	return tests
}

// topUpTraces pulls traces until the worker's queue would reach the cap.
// A trace whose file has vanished between pool insert and lookup is logged
// and skipped; the iteration continues with whatever loaded.
func (d *Dispatch) topUpTraces(queued int) []model.Trace {
	var traces []model.Trace
	for queued < svmTraceMultiplier {
		tr, ok, err := d.nextTrace()
		if err != nil {
			d.logException(err)
			continue
		}
		if !ok {
			break
		}
		traces = append(traces, *tr)
		queued++
	}
	return traces
}

// nextTrace dispenses a trace path from the pool and loads it. ok is false
// when the pool is empty; err reports a load failure for a dispensed entry.
func (d *Dispatch) nextTrace() (*model.Trace, bool, error) {
	p, ok := d.tracePool.Next()
	if !ok {
		return nil, false, nil
	}

	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, true, fmt.Errorf("load trace %s: %w", p, err)
	}

	var tr model.Trace
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, true, fmt.Errorf("decode trace %s: %w", p, err)
	}
	return &tr, true, nil
}

// toTracePool persists received traces into the trace pool. Filesystem
// failures here are fatal.
func (d *Dispatch) toTracePool(traces []model.Trace) error {
	for _, tr := range traces {
		p, err := d.tracePool.InsertTrace(tr)
		if err != nil {
			return err
		}

		fi, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("trace %s not persisted: %w", p, err)
		}

		if err := d.archive.RecordTrace(context.Background(), d.target, tr.UUID.String(), fi.Size()); err != nil {
			d.logException(err)
		}
	}
	return nil
}

// logNodeError appends a worker-reported error to the node-error log,
// prefixed with the current target.
func (d *Dispatch) logNodeError(ne model.NodeError) {
	if d.nodeErrorLog == nil {
		return
	}
	if err := d.nodeErrorLog.Printf("Target: %s\n%s", d.target, ne.Log); err != nil {
		d.logger.Error("write node-error log", "error", err)
	}
}

// finishAction writes a human-readable status snapshot to the terminator
// file. The first NextTarget entry has nothing to summarize and is skipped,
// as is a root whose log directory was never materialized.
func finishAction(d *Dispatch, _ fsm.Event) error {
	if d.first {
		return nil
	}

	logDir := filepath.Join(d.root, LogDirName)
	if _, err := os.Stat(logDir); os.IsNotExist(err) {
		return nil
	}

	p := filepath.Join(logDir, FinishFileName)
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	d.renderStatus(f)
	d.writeArchiveSummary(f)
	return nil
}

// writeArchiveSummary appends the archive's per-target aggregate to the
// finish snapshot.
func (d *Dispatch) writeArchiveSummary(f *os.File) {
	if d.archive == nil {
		return
	}
	s, err := d.archive.SummaryFor(context.Background(), d.target)
	if err != nil {
		d.logException(err)
		return
	}
	fmt.Fprintf(f, "\narchived: %d test cases, %d traces (%s)\n",
		s.TestCases, s.Traces, humanBytes(s.TraceBytes))
}
