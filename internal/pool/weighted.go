package pool

import (
	"fmt"

	"github.com/dop251/goja"
)

// weightedStrategy scores every pending trace with a JavaScript expression
// and dispenses the highest score first. The expression sees `size`, `age`,
// and `dispensed`; it must produce a number. On any evaluation error the
// strategy degrades to fifo for that pick.
type weightedStrategy struct {
	expr string
	prog *goja.Program
}

func newWeightedStrategy(expr string) (*weightedStrategy, error) {
	prog, err := goja.Compile("weight", expr, true)
	if err != nil {
		return nil, fmt.Errorf("compile weight expression: %w", err)
	}
	return &weightedStrategy{expr: expr, prog: prog}, nil
}

func (w *weightedStrategy) Name() string { return "weighted" }

func (w *weightedStrategy) Pick(candidates []Candidate) int {
	best := 0
	bestScore, err := w.score(candidates[0])
	if err != nil {
		return 0
	}

	for i := 1; i < len(candidates); i++ {
		score, err := w.score(candidates[i])
		if err != nil {
			return 0
		}
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	return best
}

// score evaluates the expression for one candidate on a fresh runtime;
// goja runtimes are not safe for reuse across unrelated variable sets.
func (w *weightedStrategy) score(c Candidate) (float64, error) {
	vm := goja.New()
	if err := vm.Set("size", c.Size); err != nil {
		return 0, err
	}
	if err := vm.Set("age", c.Age); err != nil {
		return 0, err
	}
	if err := vm.Set("dispensed", c.Dispensed); err != nil {
		return 0, err
	}

	v, err := vm.RunProgram(w.prog)
	if err != nil {
		return 0, fmt.Errorf("evaluate weight expression: %w", err)
	}
	return v.ToFloat(), nil
}
