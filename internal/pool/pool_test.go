package pool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/me/condex/internal/config"
	"github.com/me/condex/pkg/model"
)

func writeTraceFile(t *testing.T, dir string, id uuid.UUID) string {
	t.Helper()
	p := filepath.Join(dir, id.String())
	if err := os.WriteFile(p, []byte(`{"uuid":"`+id.String()+`"}`), 0o644); err != nil {
		t.Fatalf("write trace: %v", err)
	}
	return p
}

func newFIFOPool(t *testing.T) *TracePool {
	t.Helper()
	p, err := NewTracePool(config.Default(), filepath.Join(t.TempDir(), "trace"))
	if err != nil {
		t.Fatalf("NewTracePool: %v", err)
	}
	return p
}

// A trace is dispensed at most once under FIFO, and a re-inserted UUID does
// not inflate the unique count.
func TestTracePoolDispenseOnce(t *testing.T) {
	p := newFIFOPool(t)
	dir := t.TempDir()

	id := uuid.New()
	path := writeTraceFile(t, dir, id)

	if err := p.Insert(path); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := p.Insert(path); err != nil {
		t.Fatalf("re-Insert: %v", err)
	}

	if got := p.CountAllUnique(); got != 1 {
		t.Errorf("CountAllUnique = %d, want 1", got)
	}
	if got := p.CountNext(); got != 1 {
		t.Errorf("CountNext = %d, want 1", got)
	}

	got, ok := p.Next()
	if !ok || got != path {
		t.Fatalf("Next = %q, %v", got, ok)
	}
	if _, ok := p.Next(); ok {
		t.Error("second Next dispensed the same trace")
	}
	if got := p.CountAllUnique(); got != 1 {
		t.Errorf("CountAllUnique after dispense = %d, want 1", got)
	}
}

func TestTracePoolFIFOOrder(t *testing.T) {
	p := newFIFOPool(t)
	dir := t.TempDir()

	var paths []string
	for i := 0; i < 3; i++ {
		paths = append(paths, writeTraceFile(t, dir, uuid.New()))
		if err := p.Insert(paths[i]); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range paths {
		got, ok := p.Next()
		if !ok || got != want {
			t.Fatalf("Next #%d = %q, want %q", i, got, want)
		}
		// count_next never exceeds count_all_unique.
		if p.CountNext() > p.CountAllUnique() {
			t.Fatalf("CountNext %d > CountAllUnique %d", p.CountNext(), p.CountAllUnique())
		}
	}
}

// InsertTrace persists the payload under the pool's directory and dispenses
// the written path; re-inserting the same UUID is a no-op.
func TestTracePoolInsertTrace(t *testing.T) {
	p := newFIFOPool(t)

	tr := model.Trace{UUID: uuid.New(), Data: []byte("branch history")}

	path, err := p.InsertTrace(tr)
	if err != nil {
		t.Fatalf("InsertTrace: %v", err)
	}
	if filepath.Base(path) != tr.UUID.String() {
		t.Errorf("persisted as %q, want UUID file name", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("persisted file: %v", err)
	}

	if _, err := p.InsertTrace(tr); err != nil {
		t.Fatalf("re-InsertTrace: %v", err)
	}
	if got := p.CountAllUnique(); got != 1 {
		t.Errorf("CountAllUnique = %d, want 1", got)
	}

	got, ok := p.Next()
	if !ok || got != path {
		t.Fatalf("Next = %q, %v; want %q", got, ok, path)
	}
	if _, ok := p.Next(); ok {
		t.Error("duplicate insert was dispensed")
	}
}

func TestTracePoolRejectsNonUUIDPath(t *testing.T) {
	p := newFIFOPool(t)
	if err := p.Insert(filepath.Join(t.TempDir(), "not-a-uuid")); err == nil {
		t.Error("Insert accepted a non-UUID path")
	}
}

func newTestCase(target string) model.TestCase {
	return model.TestCase{
		ID:     uuid.New(),
		Target: target,
		Elements: []model.TestElement{
			{Name: "stdin", Data: []byte("abc")},
		},
	}
}

// A test case ID is ingested at most once, and unique insertions persist as
// numbered files.
func TestTestPoolDedupAndPersist(t *testing.T) {
	root := t.TempDir()
	p := NewTestPool(root)

	tc1 := newTestCase("t1")
	tc2 := newTestCase("t1")

	if err := p.Insert([]model.TestCase{tc1, tc2, tc1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := p.CountAll(); got != 2 {
		t.Errorf("CountAll = %d, want 2", got)
	}
	if got := p.CountNext(); got != 2 {
		t.Errorf("CountNext = %d, want 2", got)
	}

	entries, err := os.ReadDir(filepath.Join(root, TestCaseDirName))
	if err != nil {
		t.Fatalf("read test-case dir: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("persisted %d files, want 2", len(entries))
	}

	first, ok := p.Next()
	if !ok || first.ID != tc1.ID {
		t.Errorf("Next = %+v, want %s first", first, tc1.ID)
	}
	second, ok := p.Next()
	if !ok || second.ID != tc2.ID {
		t.Errorf("Next = %+v, want %s second", second, tc2.ID)
	}
	if _, ok := p.Next(); ok {
		t.Error("Next dispensed from an empty pool")
	}
	if got := p.CountAll(); got != 2 {
		t.Errorf("CountAll after draining = %d, want 2", got)
	}
}
