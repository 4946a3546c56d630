package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
)

// statPlotScript is the gnuplot preamble written next to stat.dat so the
// profile can be rendered directly.
const statPlotScript = `#!/usr/bin/gnuplot
reset
set terminal png

set title "Test cases and traces per second"
set grid
set key reverse Left outside
set style data linespoints

set ylabel "tcs/traces"

set xlabel "seconds"

plot "stat.dat" using 1:2 title "tc remaining", \
"" using 1:3 title "tc total", \
"" using 1:4 title "trace remaining", \
"" using 1:5 title "trace total"
#
`

// writeStatistics appends one profile tuple at most once per configured
// interval; the first row also emits the plotting script.
func (d *Dispatch) writeStatistics() {
	t := d.elapsedTime()
	if t-d.prevStatTime >= d.opts.Profile.Interval {
		d.prevStatTime = t
	} else {
		return
	}

	dir := filepath.Join(d.root, ProfileDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.logException(fmt.Errorf("create %s: %w", dir, err))
		return
	}

	if !d.pgWritten {
		d.pgWritten = true
		if err := os.WriteFile(filepath.Join(dir, "stat.pg"), []byte(statPlotScript), 0o755); err != nil {
			d.logException(fmt.Errorf("write stat.pg: %w", err))
		}
	}

	f, err := os.OpenFile(filepath.Join(dir, "stat.dat"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		d.logException(fmt.Errorf("open stat.dat: %w", err))
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "%d %d %d %d %d\n",
		t,
		d.testPool.CountNext(),
		d.testPool.CountAll(),
		d.tracePool.CountNext(),
		d.tracePool.CountAllUnique(),
	)
}
