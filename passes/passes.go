// Package passes implements the optimization passes of the tensorir core:
// generic pattern-matching rewrites (FuseReduce) and the parallel
// kernel-compilation scheduler (CompileOps).
//
// A pass takes the Module by exclusive reference and returns it satisfying
// the same invariants it found. An external driver applies passes in a
// caller-specified order.
package passes

import "github.com/gomlx/tensorir"

// Pass is one rewrite over a Module. Passes run sequentially, one pass owns
// the Module exclusively at a time.
type Pass interface {
	Name() string
	Apply(m *tensorir.Module) error
}
