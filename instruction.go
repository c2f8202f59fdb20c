package tensorir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/tensorir/types/shapes"
)

// Instruction is one node of a Module's dataflow graph: the application of an
// Operation over the ordered instructions that produce its arguments.
//
// Instructions are owned exclusively by their Module and are only created and
// destroyed through the Module's mutation surface. The consumer set (Outputs)
// is maintained by the Module as the inverse of the input relation, so the
// graph can be traversed in both directions in O(1).
//
// An *Instruction is a stable identity until the instruction is replaced or
// erased; references captured before a replace/erase must be treated as stale
// afterwards.
type Instruction struct {
	id         int
	op         Operation
	inputs     []*Instruction
	outputs    []*Instruction
	submodules []*Module
	shape      shapes.Shape
	module     *Module
}

// Op returns the operation applied by the instruction.
func (ins *Instruction) Op() Operation {
	return ins.op
}

// Name is a shortcut for the operation's name.
func (ins *Instruction) Name() string {
	return ins.op.Name()
}

// Shape returns the cached output shape, computed by the operation when the
// instruction was created.
func (ins *Instruction) Shape() shapes.Shape {
	return ins.shape
}

// Inputs returns the instructions producing the arguments, in positional
// order. The returned slice is owned by the instruction: don't modify it.
func (ins *Instruction) Inputs() []*Instruction {
	return ins.inputs
}

// Outputs returns the instructions consuming this instruction's value, in the
// order the uses were created. The returned slice is owned by the
// instruction: don't modify it.
func (ins *Instruction) Outputs() []*Instruction {
	return ins.outputs
}

// Submodules returns the nested modules of a higher-order instruction, or nil.
func (ins *Instruction) Submodules() []*Module {
	return ins.submodules
}

// Module returns the owning module, or nil after the instruction was erased.
func (ins *Instruction) Module() *Module {
	return ins.module
}

// OutputAlias returns the input index whose storage the output shares, if the
// operation declares one.
func (ins *Instruction) OutputAlias() (index int, ok bool) {
	aliaser, isAliaser := ins.op.(Aliaser)
	if !isAliaser {
		return 0, false
	}
	return aliaser.OutputAlias(ins.InputShapes())
}

// InputShapes returns the shapes of the instruction's inputs, in order.
func (ins *Instruction) InputShapes() []shapes.Shape {
	inputShapes := make([]shapes.Shape, len(ins.inputs))
	for i, input := range ins.inputs {
		inputShapes[i] = input.shape
	}
	return inputShapes
}

// UsedOnce returns whether the instruction has exactly one consumer.
func (ins *Instruction) UsedOnce() bool {
	return len(ins.outputs) == 1
}

// String implements fmt.Stringer, e.g. `%2 = add(%0, %1) : (Float32)[2 3]`.
func (ins *Instruction) String() string {
	if ins == nil {
		return "<nil>"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%%%d = %s(", ins.id, OpString(ins.op))
	for i, input := range ins.inputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%%%d", input.id)
	}
	sb.WriteString(")")
	for _, sub := range ins.submodules {
		fmt.Fprintf(&sb, " {%s}", sub.name)
	}
	fmt.Fprintf(&sb, " : %s", ins.shape)
	return sb.String()
}

// addUse registers consumer as using ins.
func (ins *Instruction) addUse(consumer *Instruction) {
	ins.outputs = append(ins.outputs, consumer)
}

// removeUse unregisters one use of ins by consumer. Each call removes a
// single use: an instruction consuming the same value at several argument
// positions holds that many uses.
func (ins *Instruction) removeUse(consumer *Instruction) {
	if idx := slices.Index(ins.outputs, consumer); idx >= 0 {
		ins.outputs = slices.Delete(ins.outputs, idx, idx+1)
	}
}
