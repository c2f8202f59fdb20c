package passes

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tensorir"
	"github.com/gomlx/tensorir/internal/parallel"
	"github.com/gomlx/tensorir/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CompileOps is the parallel kernel-compilation scheduler: it converts
// Precompile placeholder instructions into target-compiled ones.
//
// One Apply runs four phases:
//
//  1. scan the module, collecting one compile plan per placeholder, in
//     module order;
//  2. run the tuning search of every plan concurrently;
//  3. compile every candidate of every plan concurrently -- tasks share no
//     mutable state, each writes only its own result slot;
//  4. substitute the compiled results into the module sequentially, in plan
//     order (the Module is not safe for concurrent mutation).
//
// A plan with no successfully compiled candidate aborts the whole pass: the
// error names the offending operator and instruction, and the already
// completed work of independent plans is discarded. The module is left
// partially rewritten in that case -- the pass is not transactional.
//
// When a plan has several successfully compiled candidates, the first one (in
// solution order) is substituted. Benchmarking the candidates against each
// other is an open extension point.
type CompileOps struct {
	// Context is the opaque target context threaded through to the tuning,
	// compile and finalize calls of each operation.
	Context tensorir.TargetContext

	// Parallelism bounds the concurrency of the tuning and compile phases:
	// the tasks are split across min(Parallelism, tasks) workers, at least
	// one task per worker. Zero or negative means one worker per task.
	Parallelism int
}

// WithParallelism returns a copy of the pass with the given parallelism bound.
func (p CompileOps) WithParallelism(n int) CompileOps {
	p.Parallelism = n
	return p
}

// Name implements Pass.
func (p CompileOps) Name() string { return "compile_ops" }

// compiledResult is one candidate's compile outcome, written concurrently
// into its pre-allocated slot.
type compiledResult struct {
	op  tensorir.Operation
	err error
}

// compilePlan is the per-placeholder bookkeeping record: it lives only for
// the duration of one Apply.
type compilePlan struct {
	ctx    tensorir.TargetContext
	preop  tensorir.Operation
	ins    *tensorir.Instruction
	output shapes.Shape
	inputs []shapes.Shape // the wrapped operation's inputs, additional args popped

	config    *tensorir.TuningConfig
	configErr error
	results   []compiledResult
}

// updateConfig runs the plan's tuning search, when the operator supports one.
func (cp *compilePlan) updateConfig() {
	tuner, ok := cp.preop.(tensorir.Tuner)
	if !ok {
		return
	}
	cp.config, cp.configErr = tuner.TuningConfig(cp.ctx, cp.output, cp.inputs)
}

// addCompiles appends one compile task per candidate solution (or a single
// default-configuration task) to tasks. Each task writes only to its own
// pre-allocated slot in cp.results.
func (cp *compilePlan) addCompiles(tasks *[]func()) {
	compile := func(solution any, slot *compiledResult) func() {
		return func() {
			compiler, ok := cp.preop.(tensorir.Compiler)
			if !ok {
				slot.err = errors.Errorf("operator %q does not implement compilation", cp.preop.Name())
				return
			}
			slot.op, slot.err = compiler.Compile(cp.ctx, cp.output, cp.inputs, solution)
		}
	}
	if cp.config != nil && len(cp.config.Solutions) > 0 {
		cp.results = make([]compiledResult, len(cp.config.Solutions))
		for i, solution := range cp.config.Solutions {
			*tasks = append(*tasks, compile(solution, &cp.results[i]))
		}
		return
	}
	cp.results = make([]compiledResult, 1)
	*tasks = append(*tasks, compile(nil, &cp.results[0]))
}

// replace substitutes the plan's compiled result into the module, then runs
// the finalization hook. Called sequentially, in plan order.
func (cp *compilePlan) replace(m *tensorir.Module) error {
	if cp.configErr != nil {
		return errors.WithMessagef(cp.configErr, "tuning %q (%s)", cp.preop.Name(), cp.ins)
	}

	// Deterministic selection: the first successfully compiled candidate, in
	// solution order. If none compiled, the pass fails.
	chosen := -1
	for i := range cp.results {
		if cp.results[i].err == nil {
			chosen = i
			break
		}
	}
	if chosen < 0 {
		return errors.WithMessagef(cp.results[0].err, "compiling %q (%s)", cp.preop.Name(), cp.ins)
	}
	compiledOp := cp.results[chosen].op

	// The compiled instruction keeps the placeholder's full argument list,
	// including the additional args (e.g. the output buffer).
	ins, err := m.ReplaceInstruction(cp.ins, compiledOp, cp.ins.Inputs()...)
	if err != nil {
		return errors.WithMessagef(err, "substituting compiled %q", compiledOp.Name())
	}

	if finalizer, ok := compiledOp.(tensorir.Finalizer); ok {
		err := finalizer.Finalize(cp.ctx, ins.Shape(), cp.inputs)
		if errors.Is(err, tensorir.ErrIncompatibleKernel) {
			// A performance caveat, not a failure.
			klog.Warningf("compile_ops: %q (%s): %v", compiledOp.Name(), ins, err)
		} else if err != nil {
			return errors.WithMessagef(err, "finalizing %q (%s)", compiledOp.Name(), ins)
		}
	}
	return nil
}

// Apply implements Pass.
func (p CompileOps) Apply(m *tensorir.Module) error {
	// Phase 1: collect one plan per placeholder, in module order. The order
	// fixes the substitution order, so the final graph layout is
	// deterministic given deterministic tuning results.
	var plans []*compilePlan
	for _, ins := range m.Instructions() {
		if ins.Name() != tensorir.PrecompileOpName {
			continue
		}
		preop, ok := ins.Op().(tensorir.Precompile)
		if !ok {
			return errors.Errorf("instruction %s is named %q but is a %T", ins, tensorir.PrecompileOpName, ins.Op())
		}
		inputShapes := ins.InputShapes()
		plans = append(plans, &compilePlan{
			ctx:    p.Context,
			preop:  preop.Op,
			ins:    ins,
			output: ins.Shape(),
			inputs: inputShapes[:len(inputShapes)-preop.AdditionalArgs],
		})
	}
	if len(plans) == 0 {
		return nil
	}
	klog.V(1).Infof("compile_ops: module %q has %d placeholder instructions", m.Name(), len(plans))

	// Phase 2: tuning searches, concurrently across plans.
	parallel.For(len(plans), p.grain(len(plans)), func(i int) {
		plans[i].updateConfig()
	})

	// Phase 3: compile every candidate of every plan, concurrently.
	var tasks []func()
	for _, cp := range plans {
		if cp.configErr != nil {
			continue
		}
		if cp.config != nil && klog.V(1).Enabled() {
			klog.Infof("compile_ops: %q has %d candidate solutions, estimated workspace %s",
				cp.preop.Name(), len(cp.config.Solutions), humanize.Bytes(cp.config.WorkspaceSize))
		}
		cp.addCompiles(&tasks)
	}
	parallel.For(len(tasks), p.grain(len(tasks)), func(i int) {
		tasks[i]()
	})

	// Phase 4: sequential substitution, in plan order.
	for _, cp := range plans {
		if err := cp.replace(m); err != nil {
			return err
		}
	}
	return nil
}

// grain returns the number of consecutive tasks each worker takes: the task
// count divided by the parallelism bound, floored at one task per worker.
func (p CompileOps) grain(n int) int {
	if p.Parallelism <= 0 {
		return 1
	}
	return n / p.Parallelism
}
