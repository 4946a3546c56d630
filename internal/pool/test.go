package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/me/condex/pkg/model"
)

// TestCaseDirName is the subdirectory of the dispatch root where the pool
// persists every unique test case.
const TestCaseDirName = "test-case"

// TestPool is the dispatcher-side set of test cases with FIFO dispensing.
// Each unique test case is persisted under the root's test-case directory
// as a numbered JSON file. Owned by the dispatch goroutine; no locking.
type TestPool struct {
	dir string

	pending []model.TestCase
	seen    map[uuid.UUID]struct{}

	all uint64
	seq uint64
}

// NewTestPool builds an empty pool persisting under root/test-case.
func NewTestPool(root string) *TestPool {
	return &TestPool{
		dir:  filepath.Join(root, TestCaseDirName),
		seen: make(map[uuid.UUID]struct{}),
	}
}

// Insert adds a batch of test cases, skipping any ID that was ever seen.
func (p *TestPool) Insert(tcs []model.TestCase) error {
	for _, tc := range tcs {
		if _, ok := p.seen[tc.ID]; ok {
			continue
		}
		p.seen[tc.ID] = struct{}{}
		p.all++
		p.seq++

		if err := p.persist(tc); err != nil {
			return err
		}
		p.pending = append(p.pending, tc)
	}
	return nil
}

// Next dispenses the oldest pending test case, or false when empty.
func (p *TestPool) Next() (*model.TestCase, bool) {
	if len(p.pending) == 0 {
		return nil, false
	}
	tc := p.pending[0]
	p.pending = p.pending[1:]
	return &tc, true
}

// CountNext is the number of test cases remaining to dispense.
func (p *TestPool) CountNext() uint64 {
	return uint64(len(p.pending))
}

// CountAll is the lifetime count of unique insertions.
func (p *TestPool) CountAll() uint64 {
	return p.all
}

// persist writes the test case as a numbered JSON file.
func (p *TestPool) persist(tc model.TestCase) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", p.dir, err)
	}

	raw, err := json.Marshal(tc)
	if err != nil {
		return fmt.Errorf("marshal test case %s: %w", tc.ID, err)
	}

	path := filepath.Join(p.dir, fmt.Sprintf("%d", p.seq))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write test case %s: %w", path, err)
	}
	return nil
}
