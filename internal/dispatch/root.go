package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/me/condex/internal/pool"
)

// Filesystem layout under the dispatch root.
const (
	RootDirName = "dispatch-root"

	TraceDirName   = "trace"
	ProfileDirName = "profile"
	LogDirName     = "log"
	LogVMDirName   = "vm"
	LogSVMDirName  = "svm"

	ExceptionLogFileName = "exception.log"
	NodeErrorLogFileName = "node-error.log"
	FinishFileName       = "finish"
	ArchiveFileName      = "archive.db"
	LastRootSymlink      = "last"

	rootTimestampLayout = "2006-Jan-02_15.04.05"
)

// makeDispatchRoot names a fresh per-run root under base.
func makeDispatchRoot(base string, now time.Time) string {
	return filepath.Join(base, now.Format(rootTimestampLayout))
}

// setUpRootDir materializes the current root. In distributed mode the root
// gains (or swaps) a per-target suffix first, taken from the head of the
// target queue. The base directory's "last" symlink is repointed at the
// current run.
func (d *Dispatch) setUpRootDir() error {
	timestampRoot := filepath.Base(d.root)

	if d.opts.Mode.Distributed {
		target := d.target
		if len(d.targetQueue) > 0 {
			target = filepath.Base(d.targetQueue[0])
		}

		if filepath.Base(filepath.Dir(d.root)) == filepath.Base(d.rootBase) {
			// First target: root is still <base>/<timestamp>.
			d.root = filepath.Join(d.root, target)
		} else {
			// Later targets: swap the previous target suffix.
			timestampRoot = filepath.Base(filepath.Dir(d.root))
			d.root = filepath.Join(filepath.Dir(d.root), target)
		}
	}

	for _, sub := range []string{
		TraceDirName,
		pool.TestCaseDirName,
		ProfileDirName,
		filepath.Join(LogDirName, LogVMDirName),
		filepath.Join(LogDirName, LogSVMDirName),
	} {
		p := filepath.Join(d.root, sub)
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
	}

	link := filepath.Join(d.rootBase, LastRootSymlink)
	os.Remove(link)
	if err := os.Symlink(timestampRoot, link); err != nil {
		return fmt.Errorf("symlink %s: %w", link, err)
	}
	return nil
}

// writeTargetLog writes one worker error to the smallest unused numbered
// file under the given per-role log subdirectory.
func (d *Dispatch) writeTargetLog(log string, subdir string) error {
	dir := filepath.Join(d.root, LogDirName, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	i := 1
	for {
		if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("%d", i))); os.IsNotExist(err) {
			break
		}
		i++
	}

	p := filepath.Join(dir, fmt.Sprintf("%d", i))
	if err := os.WriteFile(p, []byte(log), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}
