// Package pool implements the dispatcher's trace and test pools: unbounded
// queues of work items with a dispense-once discipline and pluggable
// consumption order.
package pool

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/me/condex/internal/config"
)

// Candidate is one pending trace presented to a selection strategy.
type Candidate struct {
	UUID uuid.UUID

	// Path to the serialized trace on disk.
	Path string

	// Size of the trace file in bytes at insertion time.
	Size int64

	// Age in seconds since insertion.
	Age float64

	// Dispensed is the number of traces dispensed from the pool so far.
	Dispensed int
}

// Strategy picks the index of the next candidate to dispense. Candidates
// are presented in insertion order and are never empty.
type Strategy interface {
	Name() string
	Pick(candidates []Candidate) int
}

// NewStrategy builds the configured strategy. An empty name means fifo.
func NewStrategy(opts config.StrategyOptions) (Strategy, error) {
	switch opts.Name {
	case "", "fifo":
		return fifoStrategy{}, nil
	case "weighted":
		return newWeightedStrategy(opts.Expr)
	default:
		return nil, fmt.Errorf("unknown trace strategy %q", opts.Name)
	}
}

// fifoStrategy dispenses in insertion order.
type fifoStrategy struct{}

func (fifoStrategy) Name() string { return "fifo" }

func (fifoStrategy) Pick([]Candidate) int { return 0 }
