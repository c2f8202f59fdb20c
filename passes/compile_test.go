package passes_test

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorir"
	"github.com/gomlx/tensorir/passes"
	"github.com/gomlx/tensorir/types/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// targetCtx stands in for a real device context.
type targetCtx struct {
	device string
}

// kernel is the compiled form substituted for a placeholder.
type kernel struct {
	id       string
	shape    shapes.Shape
	finalize error
}

func (k kernel) Name() string { return "kernel_" + k.id }

func (k kernel) ComputeShape(inputs []shapes.Shape, _ []*tensorir.Module) (shapes.Shape, error) {
	return k.shape.Clone(), nil
}

func (k kernel) Attributes() []tensorir.Attr {
	return []tensorir.Attr{{Name: "id", Value: k.id}}
}

func (k kernel) Finalize(ctx tensorir.TargetContext, output shapes.Shape, inputs []shapes.Shape) error {
	return k.finalize
}

// fakeOp is a target-lowering operator: tunable when solutions are set,
// compilable into a kernel, with scripted failures.
type fakeOp struct {
	tensorir.Elementwise

	wantCtx   tensorir.TargetContext
	solutions []any
	workspace uint64
	tuneErr   error
	failing   map[any]bool
	finalize  error
	compiles  atomic.Int32
}

func (op *fakeOp) TuningConfig(ctx tensorir.TargetContext, output shapes.Shape, inputs []shapes.Shape) (*tensorir.TuningConfig, error) {
	if op.tuneErr != nil {
		return nil, op.tuneErr
	}
	if len(op.solutions) == 0 {
		return nil, nil
	}
	return &tensorir.TuningConfig{Solutions: op.solutions, WorkspaceSize: op.workspace}, nil
}

func (op *fakeOp) Compile(ctx tensorir.TargetContext, output shapes.Shape, inputs []shapes.Shape, solution any) (tensorir.Operation, error) {
	op.compiles.Add(1)
	if ctx != op.wantCtx {
		return nil, errors.Errorf("compile called with the wrong target context: %v", ctx)
	}
	if op.failing[solution] {
		return nil, errors.Errorf("no valid kernel for solution %v", solution)
	}
	id := "default"
	if solution != nil {
		id = fmt.Sprint(solution)
	}
	return kernel{id: id, shape: output, finalize: op.finalize}, nil
}

// addPlaceholder appends an output buffer and a placeholder wrapping op
// applied to input.
func addPlaceholder(t *testing.T, m *tensorir.Module, op *fakeOp, input *tensorir.Instruction) *tensorir.Instruction {
	buffer := must(m.AddInstruction(tensorir.Allocate{Shape: input.Shape().Clone()}))
	ins, err := m.AddInstruction(
		tensorir.Precompile{Op: op, AdditionalArgs: 1}, input, buffer)
	require.NoError(t, err)
	return ins
}

func TestCompileOps_ReplacesAllPlaceholders(t *testing.T) {
	ctx := targetCtx{device: "dev0"}
	m := tensorir.New("lowered")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 16, 16))

	op1 := &fakeOp{Elementwise: tensorir.Elementwise{Fn: "gemm"}, wantCtx: ctx}
	op2 := &fakeOp{Elementwise: tensorir.Elementwise{Fn: "softmax"}, wantCtx: ctx}
	p1 := addPlaceholder(t, m, op1, x)
	addPlaceholder(t, m, op2, p1)
	require.NoError(t, m.Validate())

	pass := passes.CompileOps{Context: ctx}.WithParallelism(2)
	require.NoError(t, pass.Apply(m))
	require.NoError(t, m.Validate())

	for _, ins := range m.Instructions() {
		assert.NotEqual(t, tensorir.PrecompileOpName, ins.Name())
	}
	assert.Equal(t,
		[]string{"parameter", "allocate", "kernel_default", "allocate", "kernel_default"},
		opNames(m))
	assert.Equal(t, int32(1), op1.compiles.Load())
	assert.Equal(t, int32(1), op2.compiles.Load())

	// The compiled instructions keep the full argument list, output buffer
	// included, and the placeholder's inferred shape.
	order := m.Instructions()
	compiled := order[2]
	assert.Len(t, compiled.Inputs(), 2)
	assert.Same(t, x, compiled.Inputs()[0])
	assert.True(t, compiled.Shape().Equal(shapes.Make(dtypes.Float32, 16, 16)))
	assert.Same(t, compiled, order[4].Inputs()[0], "the consumer was redirected to the compiled instruction")
}

func TestCompileOps_NoPlaceholders(t *testing.T) {
	m := tensorir.New("plain")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 4))
	must(m.AddInstruction(tensorir.Elementwise{Fn: "exp"}, x))

	before := m.String()
	require.NoError(t, passes.CompileOps{Context: targetCtx{}}.Apply(m))
	assert.Equal(t, before, m.String())
}

func TestCompileOps_FirstSuccessfulCandidate(t *testing.T) {
	ctx := targetCtx{device: "dev0"}
	m := tensorir.New("tuned")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 16, 16))

	op := &fakeOp{
		Elementwise: tensorir.Elementwise{Fn: "gemm"},
		wantCtx:     ctx,
		solutions:   []any{"s0", "s1", "s2"},
		workspace:   1 << 20,
		failing:     map[any]bool{"s0": true},
	}
	addPlaceholder(t, m, op, x)

	require.NoError(t, passes.CompileOps{Context: ctx, Parallelism: 3}.Apply(m))
	require.NoError(t, m.Validate())

	// Every candidate compiles, the first successful one is substituted.
	assert.Equal(t, int32(3), op.compiles.Load())
	assert.Contains(t, opNames(m), "kernel_s1")
}

func TestCompileOps_TuningErrorAborts(t *testing.T) {
	ctx := targetCtx{device: "dev0"}
	m := tensorir.New("badtune")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 4))
	op := &fakeOp{
		Elementwise: tensorir.Elementwise{Fn: "gemm"},
		wantCtx:     ctx,
		tuneErr:     errors.New("tuning database unavailable"),
	}
	addPlaceholder(t, m, op, x)

	err := passes.CompileOps{Context: ctx}.Apply(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tuning")
	assert.Contains(t, err.Error(), "gemm")
	assert.Equal(t, int32(0), op.compiles.Load(), "no compile is attempted after a tuning failure")
}

func TestCompileOps_AllCandidatesFailAborts(t *testing.T) {
	ctx := targetCtx{device: "dev0"}
	m := tensorir.New("nofit")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 4))

	bad := &fakeOp{
		Elementwise: tensorir.Elementwise{Fn: "gemm"},
		wantCtx:     ctx,
		solutions:   []any{"s0", "s1"},
		failing:     map[any]bool{"s0": true, "s1": true},
	}
	good := &fakeOp{Elementwise: tensorir.Elementwise{Fn: "softmax"}, wantCtx: ctx}
	addPlaceholder(t, m, bad, x)
	addPlaceholder(t, m, good, x)

	err := passes.CompileOps{Context: ctx}.Apply(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `compiling "gemm"`)
	assert.Contains(t, err.Error(), "no valid kernel")

	// A failed plan aborts before its successors are substituted.
	assert.Contains(t, opNames(m), tensorir.PrecompileOpName)
}

func TestCompileOps_IncompatibleKernelWarns(t *testing.T) {
	ctx := targetCtx{device: "dev0"}
	m := tensorir.New("mismatch")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 4))
	op := &fakeOp{
		Elementwise: tensorir.Elementwise{Fn: "gemm"},
		wantCtx:     ctx,
		finalize:    errors.WithMessage(tensorir.ErrIncompatibleKernel, "built for another architecture"),
	}
	addPlaceholder(t, m, op, x)

	// An incompatibility is only a warning: the pass still succeeds.
	require.NoError(t, passes.CompileOps{Context: ctx}.Apply(m))
	assert.Contains(t, opNames(m), "kernel_default")
}

func TestCompileOps_FinalizeErrorAborts(t *testing.T) {
	ctx := targetCtx{device: "dev0"}
	m := tensorir.New("badfinalize")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 4))
	op := &fakeOp{
		Elementwise: tensorir.Elementwise{Fn: "gemm"},
		wantCtx:     ctx,
		finalize:    errors.New("workspace allocation failed"),
	}
	addPlaceholder(t, m, op, x)

	err := passes.CompileOps{Context: ctx}.Apply(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finalizing")
}
