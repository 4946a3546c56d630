package dispatch

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/me/condex/internal/registrar"
	"github.com/me/condex/pkg/model"
)

var (
	statusCell     = lipgloss.NewStyle().Width(12).Align(lipgloss.Right)
	statusNodeCell = lipgloss.NewStyle().Width(14).Align(lipgloss.Right)
)

// displayStatus refreshes the in-terminal status table. The screen is
// cleared only when writing to a real terminal.
func (d *Dispatch) displayStatus(w io.Writer) {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		fmt.Fprint(w, "\x1b[2J\x1b[H")
	}
	d.renderStatus(w)
}

// renderStatus writes the two-line table: a header naming each column and
// a data row with elapsed time, pool next/all fractions, and each node's
// reported tc/tr queue depths.
func (d *Dispatch) renderStatus(w io.Writer) {
	nodes := d.registrar.Nodes()

	var header strings.Builder
	header.WriteString(statusCell.Render("time (s)"))
	header.WriteString("|")
	header.WriteString(statusCell.Render("tests left"))
	header.WriteString("|")
	header.WriteString(statusCell.Render("traces left"))
	header.WriteString("|")
	for i, n := range nodes {
		tag := fmt.Sprintf("%d-[%s] tc/tr", i+1, n.Role())
		header.WriteString(statusNodeCell.Render(tag))
		header.WriteString("|")
	}
	fmt.Fprintln(w, header.String())

	tests := fmt.Sprintf("%d/%d", d.testPool.CountNext(), d.testPool.CountAll())
	traces := fmt.Sprintf("%d/%d", d.tracePool.CountNext(), d.tracePool.CountAllUnique())

	var row strings.Builder
	row.WriteString(statusCell.Render(fmt.Sprintf("%d", d.elapsedTime())))
	row.WriteString("|")
	row.WriteString(statusCell.Render(tests))
	row.WriteString("|")
	row.WriteString(statusCell.Render(traces))
	row.WriteString("|")
	for _, n := range nodes {
		st := n.Status()
		row.WriteString(statusNodeCell.Render(fmt.Sprintf("%d/%d", st.TestCaseCount, st.TraceCount)))
		row.WriteString("|")
	}
	fmt.Fprintln(w, row.String())
}

// humanBytes formats a byte count for the finish snapshot.
func humanBytes(n uint64) string {
	return humanize.Bytes(n)
}

// StatusSnapshot is the point-in-time view served by the status API. It is
// copied out under its own lock so the API never touches dispatch-owned
// state.
type StatusSnapshot struct {
	State          string             `json:"state"`
	Target         string             `json:"target"`
	ElapsedSeconds uint64             `json:"elapsed_seconds"`
	TestsNext      uint64             `json:"tests_next"`
	TestsAll       uint64             `json:"tests_all"`
	TracesNext     uint64             `json:"traces_next"`
	TracesAll      uint64             `json:"traces_all"`
	Nodes          []model.NodeStatus `json:"nodes"`
}

// Snapshot returns the last published status view.
func (d *Dispatch) Snapshot() StatusSnapshot {
	d.snapMu.Lock()
	defer d.snapMu.Unlock()
	return d.lastSnapshot
}

// updateSnapshot publishes the current view; called from the dispatch
// goroutine only. Nodes are listed emptiest trace queue first, so starved
// VM workers lead the API output.
func (d *Dispatch) updateSnapshot() {
	nodes := d.registrar.Nodes()
	registrar.SortByTraceCount(nodes)
	statuses := make([]model.NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		statuses = append(statuses, n.Status())
	}

	snap := StatusSnapshot{
		State:          string(d.machine.State()),
		Target:         d.target,
		ElapsedSeconds: d.elapsedTime(),
		TestsNext:      d.testPool.CountNext(),
		TestsAll:       d.testPool.CountAll(),
		TracesNext:     d.tracePool.CountNext(),
		TracesAll:      d.tracePool.CountAllUnique(),
		Nodes:          statuses,
	}

	d.snapMu.Lock()
	d.lastSnapshot = snap
	d.snapMu.Unlock()
}
