package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/me/condex/internal/config"
	"github.com/me/condex/pkg/model"
)

// TracePool is the dispatcher-side set of traces addressable by stable
// UUID. Under any strategy a trace is dispensed at most once; re-inserting
// a UUID that was ever seen is a no-op. The pool is owned by the dispatch
// goroutine and needs no locking.
type TracePool struct {
	strategy Strategy
	dir      string

	pending []traceEntry
	seen    map[uuid.UUID]struct{}

	dispensed int
	allUnique uint64
	now       func() time.Time
}

type traceEntry struct {
	id         uuid.UUID
	path       string
	size       int64
	insertedAt time.Time
}

// NewTracePool builds an empty pool with the strategy selected by the
// options, persisting traces handed to InsertTrace under dir.
func NewTracePool(opts config.Options, dir string) (*TracePool, error) {
	strat, err := NewStrategy(opts.Test.Strategy)
	if err != nil {
		return nil, err
	}
	return &TracePool{
		strategy: strat,
		dir:      dir,
		seen:     make(map[uuid.UUID]struct{}),
		now:      time.Now,
	}, nil
}

// Insert adds the trace file at path, keyed by its base name, which must be
// the trace UUID. Duplicate UUIDs are ignored.
func (p *TracePool) Insert(path string) error {
	id, err := uuid.Parse(filepath.Base(path))
	if err != nil {
		return fmt.Errorf("trace path %s: %w", path, err)
	}

	if _, ok := p.seen[id]; ok {
		return nil
	}

	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}

	p.seen[id] = struct{}{}
	p.allUnique++
	p.pending = append(p.pending, traceEntry{
		id:         id,
		path:       path,
		size:       size,
		insertedAt: p.now(),
	})
	return nil
}

// InsertTrace serializes the trace under the pool's directory and inserts
// the resulting file. Returns the persisted path; duplicate UUIDs are
// ignored by the underlying Insert.
func (p *TracePool) InsertTrace(tr model.Trace) (string, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", p.dir, err)
	}

	raw, err := json.Marshal(tr)
	if err != nil {
		return "", fmt.Errorf("marshal trace %s: %w", tr.UUID, err)
	}

	path := filepath.Join(p.dir, tr.UUID.String())
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write trace %s: %w", path, err)
	}

	return path, p.Insert(path)
}

// Next dispenses the strategy's pick of the pending traces. Returns false
// when the pool has nothing left to dispense.
func (p *TracePool) Next() (string, bool) {
	if len(p.pending) == 0 {
		return "", false
	}

	candidates := make([]Candidate, len(p.pending))
	now := p.now()
	for i, e := range p.pending {
		candidates[i] = Candidate{
			UUID:      e.id,
			Path:      e.path,
			Size:      e.size,
			Age:       now.Sub(e.insertedAt).Seconds(),
			Dispensed: p.dispensed,
		}
	}

	i := p.strategy.Pick(candidates)
	if i < 0 || i >= len(p.pending) {
		i = 0
	}

	path := p.pending[i].path
	p.pending = append(p.pending[:i], p.pending[i+1:]...)
	p.dispensed++
	return path, true
}

// CountNext is the number of traces remaining to dispense.
func (p *TracePool) CountNext() uint64 {
	return uint64(len(p.pending))
}

// CountAllUnique is the lifetime count of unique insertions.
func (p *TracePool) CountAllUnique() uint64 {
	return p.allUnique
}
