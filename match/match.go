// Package match implements declarative, composable pattern matching over a
// tensorir Module.
//
// A Matcher is a predicate over one instruction and its local neighborhood.
// Matchers compose with All, AnyOf and Not, and can look past chains of
// pass-through pointwise operators with SkipPointwise. A Rewriter pairs a
// Matcher with an Apply callback performing the actual graph mutation;
// FindMatches runs rewriters over a module in one scan.
package match

import (
	"strings"

	"github.com/gomlx/tensorir"
	"github.com/gomlx/tensorir/types/shapes"
)

// Matcher is a predicate over an instruction. Matchers are composable: see
// All, AnyOf, Not and the argument/consumer combinators.
type Matcher func(ins *tensorir.Instruction) bool

// All returns a matcher requiring every given matcher to match.
func All(matchers ...Matcher) Matcher {
	return func(ins *tensorir.Instruction) bool {
		for _, m := range matchers {
			if !m(ins) {
				return false
			}
		}
		return true
	}
}

// AnyOf returns a matcher requiring at least one of the given matchers to match.
func AnyOf(matchers ...Matcher) Matcher {
	return func(ins *tensorir.Instruction) bool {
		for _, m := range matchers {
			if m(ins) {
				return true
			}
		}
		return false
	}
}

// Not negates a matcher.
func Not(m Matcher) Matcher {
	return func(ins *tensorir.Instruction) bool {
		return !m(ins)
	}
}

// Name matches instructions whose operator name is one of the given names.
func Name(names ...string) Matcher {
	return func(ins *tensorir.Instruction) bool {
		name := ins.Name()
		for _, want := range names {
			if name == want {
				return true
			}
		}
		return false
	}
}

// NameContains matches instructions whose operator name contains sub, used to
// match operator categories named by convention (e.g. "reduce").
func NameContains(sub string) Matcher {
	return func(ins *tensorir.Instruction) bool {
		return strings.Contains(ins.Name(), sub)
	}
}

// Pointwise matches instructions whose operation is marked elementwise.
func Pointwise() Matcher {
	return func(ins *tensorir.Instruction) bool {
		return tensorir.IsPointwise(ins.Op())
	}
}

// NumInputs matches instructions with exactly n inputs.
func NumInputs(n int) Matcher {
	return func(ins *tensorir.Instruction) bool {
		return len(ins.Inputs()) == n
	}
}

// NumOutputs matches instructions with exactly n consumers.
func NumOutputs(n int) Matcher {
	return func(ins *tensorir.Instruction) bool {
		return len(ins.Outputs()) == n
	}
}

// UsedOnce matches instructions with exactly one consumer.
func UsedOnce() Matcher {
	return NumOutputs(1)
}

// OutputShape matches instructions whose cached output shape equals shape.
func OutputShape(shape shapes.Shape) Matcher {
	return func(ins *tensorir.Instruction) bool {
		return ins.Shape().Equal(shape)
	}
}

// Arg matches when the i-th input exists and matches m.
func Arg(i int, m Matcher) Matcher {
	return func(ins *tensorir.Instruction) bool {
		inputs := ins.Inputs()
		if i < 0 || i >= len(inputs) {
			return false
		}
		return m(inputs[i])
	}
}

// AnyOutput matches when at least one consumer matches m.
func AnyOutput(m Matcher) Matcher {
	return func(ins *tensorir.Instruction) bool {
		for _, output := range ins.Outputs() {
			if m(output) {
				return true
			}
		}
		return false
	}
}

// SkipPointwise looks through a chain of single-input/single-consumer
// pointwise instructions starting at ins, returning the first instruction
// that breaks the chain: a non-pointwise instruction, or one not consumed
// exactly once (including dead chain ends).
//
// It is the forward "lookthrough" used by passes to see past pass-through
// operators to the first operator of interest.
func SkipPointwise(ins *tensorir.Instruction) *tensorir.Instruction {
	for ins != nil && tensorir.IsPointwise(ins.Op()) && len(ins.Inputs()) == 1 && ins.UsedOnce() {
		ins = ins.Outputs()[0]
	}
	return ins
}

// Result is the capture handed to a Rewriter's Apply: the instruction the
// matcher accepted.
type Result struct {
	Ins *tensorir.Instruction
}

// Rewriter pairs a matcher with the structural rewrite it performs on a
// match.
type Rewriter interface {
	Matcher() Matcher
	Apply(m *tensorir.Module, r Result) error
}

// FindMatches scans the module once, in topological order, testing each
// instruction against the rewriters; the first rewriter matching an
// instruction gets to apply its rewrite, then the scan moves on.
//
// The scan iterates over a snapshot: matches are not re-validated against
// instructions inserted by earlier rewrites within the same scan, so reaching
// a fixed point requires re-invoking the pass.
func FindMatches(m *tensorir.Module, rewriters ...Rewriter) error {
	return findMatches(m.Instructions(), m, rewriters)
}

// FindMatchesReverse is FindMatches scanning in reverse topological order.
func FindMatchesReverse(m *tensorir.Module, rewriters ...Rewriter) error {
	snapshot := m.Instructions()
	for i, j := 0, len(snapshot)-1; i < j; i, j = i+1, j-1 {
		snapshot[i], snapshot[j] = snapshot[j], snapshot[i]
	}
	return findMatches(snapshot, m, rewriters)
}

func findMatches(snapshot []*tensorir.Instruction, m *tensorir.Module, rewriters []Rewriter) error {
	for _, ins := range snapshot {
		if ins.Module() != m {
			// Erased by an earlier rewrite in this scan.
			continue
		}
		for _, rw := range rewriters {
			if !rw.Matcher()(ins) {
				continue
			}
			if err := rw.Apply(m, Result{Ins: ins}); err != nil {
				return err
			}
			break
		}
	}
	return nil
}
