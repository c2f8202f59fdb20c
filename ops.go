package tensorir

import (
	"github.com/gomlx/tensorir/shapeinference"
	"github.com/gomlx/tensorir/types/shapes"
	"github.com/pkg/errors"
)

// This file defines the operations the core itself needs: graph inputs,
// literals, the generic elementwise and reduction families, reshape, tuples
// and the placeholders used by the compilation scheduler. Target-specific
// operations live outside the core and plug in through the Operation
// interface and its capability sub-interfaces.

func checkNumInputs(op Operation, inputs []shapes.Shape, want int) error {
	if len(inputs) != want {
		return errors.Errorf("%s expects %d inputs, got %d", op.Name(), want, len(inputs))
	}
	return nil
}

// Parameter is a graph input: it takes no operands and produces a value of
// the declared shape.
type Parameter struct {
	ParamName string
	Shape     shapes.Shape
}

func (op Parameter) Name() string { return "parameter" }

func (op Parameter) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if err := checkNumInputs(op, inputs, 0); err != nil {
		return shapes.Invalid(), err
	}
	if !op.Shape.Ok() {
		return shapes.Invalid(), errors.Errorf("parameter %q declared with an invalid shape", op.ParamName)
	}
	return op.Shape.Clone(), nil
}

func (op Parameter) Attributes() []Attr {
	return []Attr{{"name", op.ParamName}, {"shape", op.Shape}}
}

// Constant holds a literal: a scalar or a nested regular slice of a supported
// POD type (including float16.Float16 values).
type Constant struct {
	Value any
}

func (op Constant) Name() string { return "constant" }

func (op Constant) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if err := checkNumInputs(op, inputs, 0); err != nil {
		return shapes.Invalid(), err
	}
	return shapes.FromAnyValue(op.Value)
}

func (op Constant) Attributes() []Attr {
	return []Attr{{"value", op.Value}}
}

// Elementwise is the generic pointwise operation family: Fn is the operator
// name ("add", "mul", "exp", ...) and the output shape follows the standard
// broadcasting rules over the inputs.
type Elementwise struct {
	Fn string
}

func (op Elementwise) Name() string { return op.Fn }

func (op Elementwise) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	return shapeinference.Elementwise(inputs...)
}

func (op Elementwise) Attributes() []Attr { return nil }

// Pointwise marks Elementwise for matcher lookthrough.
func (op Elementwise) Pointwise() {}

// Identity passes its input through. Its output aliases the input.
type Identity struct{}

func (op Identity) Name() string { return "identity" }

func (op Identity) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if err := checkNumInputs(op, inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	return inputs[0].Clone(), nil
}

func (op Identity) Attributes() []Attr { return nil }

func (op Identity) Pointwise() {}

func (op Identity) OutputAlias(inputs []shapes.Shape) (int, bool) {
	return 0, true
}

// Reduce is the generic reduction family: Fn names the reduction ("sum",
// "max", ...) and Axes are the axes reduced to 1.
type Reduce struct {
	Fn   string
	Axes []int
}

func (op Reduce) Name() string { return "reduce_" + op.Fn }

func (op Reduce) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if err := checkNumInputs(op, inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	return shapeinference.Reduce(inputs[0], op.Axes)
}

func (op Reduce) Attributes() []Attr {
	return []Attr{{"axes", op.Axes}}
}

// Reshape reinterprets its input with new dimensions. An entry 0 in Dims
// copies the corresponding input dimension, a single -1 entry is inferred.
//
// The output always aliases the input: reshape never copies. When the input
// layout cannot be reinterpreted without a copy, shape inference fails and an
// explicit materialization must be inserted upstream instead.
type Reshape struct {
	Dims []int64
}

func (op Reshape) Name() string { return "reshape" }

func (op Reshape) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if err := checkNumInputs(op, inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	return shapeinference.Reshape(inputs[0], op.Dims)
}

func (op Reshape) Attributes() []Attr {
	return []Attr{{"dims", op.Dims}}
}

func (op Reshape) OutputAlias(inputs []shapes.Shape) (int, bool) {
	return 0, true
}

// FusedReduce computes several same-kind reductions in one fused instruction:
// it applies Op's single-input shape inference to each of its inputs and
// produces a tuple with one slot per input, in argument order. The slots are
// consumed through GetTupleElement.
type FusedReduce struct {
	Op Operation
}

func (op FusedReduce) Name() string { return "fused_reduce" }

func (op FusedReduce) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("%s requires at least one input", op.Name())
	}
	elements := make([]shapes.Shape, len(inputs))
	for i, input := range inputs {
		element, err := op.Op.ComputeShape([]shapes.Shape{input}, nil)
		if err != nil {
			return shapes.Invalid(), errors.WithMessagef(err, "%s slot #%d", op.Name(), i)
		}
		elements[i] = element
	}
	return shapes.MakeTuple(elements), nil
}

func (op FusedReduce) Attributes() []Attr {
	return []Attr{{"op", op.Op}}
}

// GetTupleElement extracts one slot of a tuple-shaped instruction.
type GetTupleElement struct {
	Index int
}

func (op GetTupleElement) Name() string { return "get_tuple_elem" }

func (op GetTupleElement) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if err := checkNumInputs(op, inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	return shapeinference.GetTupleElement(inputs[0], op.Index)
}

func (op GetTupleElement) Attributes() []Attr {
	return []Attr{{"index", op.Index}}
}

// Allocate produces an uninitialized buffer of the given shape. It is used as
// the trailing output-buffer argument of Precompile instructions.
type Allocate struct {
	Shape shapes.Shape
}

func (op Allocate) Name() string { return "allocate" }

func (op Allocate) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if err := checkNumInputs(op, inputs, 0); err != nil {
		return shapes.Invalid(), err
	}
	if !op.Shape.Ok() {
		return shapes.Invalid(), errors.Errorf("allocate declared with an invalid shape")
	}
	return op.Shape.Clone(), nil
}

func (op Allocate) Attributes() []Attr {
	return []Attr{{"shape", op.Shape}}
}

// Precompile wraps a deferred, not-yet-target-compiled operation plus a fixed
// count of extra positional arguments (typically the output buffer) that are
// not part of the wrapped operation's shape inference. The compilation
// scheduler pass replaces Precompile instructions with compiled ones.
type Precompile struct {
	// Op is the wrapped operation, compiled by the scheduler.
	Op Operation

	// AdditionalArgs is the number of trailing inputs popped off before
	// delegating shape inference to Op.
	AdditionalArgs int

	// IgnoreModules drops the submodules when delegating shape inference.
	IgnoreModules bool
}

// PrecompileOpName is the name the compilation scheduler scans for.
const PrecompileOpName = "precompile"

func (op Precompile) Name() string { return PrecompileOpName }

func (op Precompile) ComputeShape(inputs []shapes.Shape, submodules []*Module) (shapes.Shape, error) {
	if op.Op == nil {
		return shapes.Invalid(), errors.Errorf("%s wraps a nil operation", op.Name())
	}
	if len(inputs) < op.AdditionalArgs {
		return shapes.Invalid(), errors.Errorf("%s(%s) expects at least its %d additional args, got %d inputs",
			op.Name(), op.Op.Name(), op.AdditionalArgs, len(inputs))
	}
	// Pop off the additional args.
	inputs = inputs[:len(inputs)-op.AdditionalArgs]
	if op.IgnoreModules {
		return op.Op.ComputeShape(inputs, nil)
	}
	return op.Op.ComputeShape(inputs, submodules)
}

func (op Precompile) Attributes() []Attr {
	return []Attr{
		{"op", op.Op},
		{"additional_args", op.AdditionalArgs},
		{"ignore_modules", op.IgnoreModules},
	}
}

// OutputAlias declares that the placeholder writes into its last input, the
// pre-allocated output buffer.
func (op Precompile) OutputAlias(inputs []shapes.Shape) (int, bool) {
	if len(inputs) == 0 {
		return 0, false
	}
	return len(inputs) - 1, true
}
