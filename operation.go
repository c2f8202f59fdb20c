package tensorir

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/tensorir/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Operation is the polymorphic value implemented once per operator kind.
//
// An Operation is a value: its attributes are fixed at construction and it is
// side-effect free during shape inference. The Module calls ComputeShape when
// an instruction is created or replaced, and caches the result in the
// instruction.
//
// Extra capabilities -- output aliasing, pointwise marking, tuning and target
// compilation -- are declared by implementing the optional interfaces below
// (Aliaser, Pointwiser, Tuner, Compiler, Finalizer), checked by type
// assertion.
type Operation interface {
	// Name identifies the operator kind, e.g. "add", "reduce_sum", "reshape".
	Name() string

	// ComputeShape returns the output shape for the given input shapes (and
	// the signatures of nested submodules, for higher-order operators). It
	// must be a pure function of the operation attributes and its arguments,
	// and must return a descriptive error on any shape incompatibility.
	ComputeShape(inputs []shapes.Shape, submodules []*Module) (shapes.Shape, error)

	// Attributes returns the operation's attributes as named-value
	// descriptors, used uniformly for equality and debug printing.
	Attributes() []Attr
}

// Attr is one named attribute of an Operation.
type Attr struct {
	Name  string
	Value any
}

// Aliaser is implemented by operations whose output shares storage with one
// of their inputs -- e.g. reshape aliases its (only) input. The declaration is
// carried by the graph for downstream buffer allocation; the core itself
// never allocates.
type Aliaser interface {
	// OutputAlias returns the index of the aliased input, or ok == false when
	// the output does not alias any input.
	OutputAlias(inputs []shapes.Shape) (index int, ok bool)
}

// Pointwiser marks elementwise, shape-preserving operations. The matcher uses
// it to look through chains of pass-through operators.
type Pointwiser interface {
	Pointwise()
}

// IsPointwise returns whether the operation is marked elementwise.
func IsPointwise(op Operation) bool {
	_, ok := op.(Pointwiser)
	return ok
}

// TargetContext is an opaque capability handle bound to one device/stream.
// The core never inspects it: it is only threaded through to the Tuner,
// Compiler and Finalizer calls of target-lowering operations.
type TargetContext interface{}

// TuningConfig is the result of an empirical tuning search: the candidate
// solutions to compile, and an estimate of the workspace the kernel needs.
type TuningConfig struct {
	// Solutions are opaque candidate configuration values, one compile task
	// is scheduled per solution.
	Solutions []any

	// WorkspaceSize is the estimated scratch space in bytes.
	WorkspaceSize uint64
}

// Tuner is implemented by target-lowering operations that support an
// empirical tuning search. Returning a nil config means no search applies and
// a single default-configuration compile is scheduled.
type Tuner interface {
	TuningConfig(ctx TargetContext, output shapes.Shape, inputs []shapes.Shape) (*TuningConfig, error)
}

// Compiler is implemented by target-lowering operations: it compiles the
// operation against the target context using the given solution (nil for the
// default configuration) and returns the compiled Operation that replaces it
// in the graph. Compile may block: it typically invokes a target toolchain.
type Compiler interface {
	Compile(ctx TargetContext, output shapes.Shape, inputs []shapes.Shape, solution any) (Operation, error)
}

// Finalizer is an optional post-compile validation/specialization hook,
// called sequentially after the compiled operation is substituted into the
// module. An error wrapping ErrIncompatibleKernel is logged as a warning and
// execution continues; any other error aborts the pass.
type Finalizer interface {
	Finalize(ctx TargetContext, output shapes.Shape, inputs []shapes.Shape) error
}

// ErrIncompatibleKernel tags Finalize errors that are performance caveats
// rather than failures: e.g. a previously compiled kernel was produced for a
// different device architecture or compute-unit count.
var ErrIncompatibleKernel = errors.New("kernel is incompatible with the current device")

// AttrsEqual compares two attribute lists: same names in the same order, with
// deeply equal values.
func AttrsEqual(a, b []Attr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || !reflect.DeepEqual(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

// OpEqual compares two operations by name and attributes.
func OpEqual(a, b Operation) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Name() == b.Name() && AttrsEqual(a.Attributes(), b.Attributes())
}

// OpString returns a debug form of the operation: its name followed by its
// attributes, e.g. `reshape[dims=[2 12]]`.
func OpString(op Operation) string {
	attrs := op.Attributes()
	if len(attrs) == 0 {
		return op.Name()
	}
	parts := make([]string, len(attrs))
	for i, attr := range attrs {
		parts[i] = fmt.Sprintf("%s=%s", attr.Name, attrValueString(attr.Value))
	}
	return fmt.Sprintf("%s[%s]", op.Name(), strings.Join(parts, ", "))
}

func attrValueString(value any) string {
	switch v := value.(type) {
	case float16.Float16:
		return fmt.Sprintf("%g", v.Float32())
	case string:
		return fmt.Sprintf("%q", v)
	case Operation:
		return OpString(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
