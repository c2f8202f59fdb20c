package tensorir

import (
	"bytes"
	"fmt"
	"io"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorir/internal/utils"
	"github.com/gomlx/tensorir/types/shapes"
	"github.com/pkg/errors"
)

// Module is the ordered, mutable container of the instructions forming one
// dataflow program.
//
// Invariants, maintained by every mutation below:
//
//   - the container order is a valid topological order: every instruction's
//     inputs precede it;
//   - the instruction set is a single-assignment DAG: no cycles, each value
//     computed exactly once and reused by reference.
//
// Violating a mutation contract (dangling input, cycle-introducing move,
// erase with live consumers) is a programming error, not a recoverable
// condition: it panics. Shape-inference failures, in contrast, are returned
// as errors.
//
// A Module is not safe for concurrent mutation: a rewrite pass owns it
// exclusively for the duration of its Apply call.
type Module struct {
	name         string
	instructions []*Instruction
	nextID       int
}

// New creates an empty Module. The name is normalized to letters, digits and
// underscores; it is only used for printing and error messages.
func New(name string) *Module {
	return &Module{name: utils.NormalizeIdentifier(name)}
}

// Name returns the module's name.
func (m *Module) Name() string {
	return m.name
}

// Len returns the number of instructions in the module.
func (m *Module) Len() int {
	return len(m.instructions)
}

// Instructions returns a snapshot of the instructions in topological order.
// The snapshot is not invalidated by later mutations, which makes it the unit
// of traversal for rewrite passes: matches are found against the snapshot,
// not against instructions inserted mid-scan.
func (m *Module) Instructions() []*Instruction {
	return slices.Clone(m.instructions)
}

// Position returns the index of the instruction in the module's order.
func (m *Module) Position(ins *Instruction) int {
	m.mustOwn(ins)
	return slices.Index(m.instructions, ins)
}

// After returns the instruction following ins in the module order, or nil if
// ins is the last one. Useful as the "before" argument of Insert/Move when
// placing instructions just after a given one.
func (m *Module) After(ins *Instruction) *Instruction {
	pos := m.Position(ins)
	if pos+1 >= len(m.instructions) {
		return nil
	}
	return m.instructions[pos+1]
}

// OutputShape returns the shape of the module's last instruction, which is
// the module's result by convention. It is the module's signature when nested
// as a submodule of a higher-order instruction.
func (m *Module) OutputShape() shapes.Shape {
	if len(m.instructions) == 0 {
		return shapes.Invalid()
	}
	return m.instructions[len(m.instructions)-1].shape
}

// AddParameter appends a parameter (graph input) instruction with the given
// name and shape. Parameter order is the positional order of the program's
// arguments.
func (m *Module) AddParameter(name string, shape shapes.Shape) *Instruction {
	ins, err := m.AddInstruction(Parameter{ParamName: utils.NormalizeIdentifier(name), Shape: shape})
	if err != nil {
		// Parameter shape inference only fails on an invalid shape, which is
		// a construction error.
		exceptions.Panicf("module %q: %v", m.name, err)
	}
	return ins
}

// AddInstruction appends a new instruction applying op over the given inputs,
// which must already be in the module. It returns an error if the operation
// rejects the input shapes.
func (m *Module) AddInstruction(op Operation, inputs ...*Instruction) (*Instruction, error) {
	return m.insertAt(len(m.instructions), op, nil, inputs)
}

// AddInstructionWithSubmodules is AddInstruction for higher-order operations
// carrying nested modules.
func (m *Module) AddInstructionWithSubmodules(op Operation, submodules []*Module, inputs ...*Instruction) (*Instruction, error) {
	return m.insertAt(len(m.instructions), op, submodules, inputs)
}

// InsertInstruction creates a new instruction immediately before the given
// one (or appends, if before is nil). The inputs must already be in the
// module, positioned before the insertion point.
func (m *Module) InsertInstruction(before *Instruction, op Operation, inputs ...*Instruction) (*Instruction, error) {
	pos := len(m.instructions)
	if before != nil {
		pos = m.Position(before)
	}
	return m.insertAt(pos, op, nil, inputs)
}

func (m *Module) insertAt(pos int, op Operation, submodules []*Module, inputs []*Instruction) (*Instruction, error) {
	if op == nil {
		exceptions.Panicf("module %q: cannot add an instruction with a nil operation", m.name)
	}
	for argIdx, input := range inputs {
		if input == nil || input.module != m {
			exceptions.Panicf("module %q: input #%d of new %s instruction is not owned by the module",
				m.name, argIdx, op.Name())
		}
		if slices.Index(m.instructions, input) >= pos {
			exceptions.Panicf("module %q: input #%d (%s) of new %s instruction does not precede the insertion point",
				m.name, argIdx, input, op.Name())
		}
	}
	inputShapes := make([]shapes.Shape, len(inputs))
	for i, input := range inputs {
		inputShapes[i] = input.shape
	}
	shape, err := op.ComputeShape(inputShapes, submodules)
	if err != nil {
		return nil, errors.WithMessagef(err, "module %q: computing shape of %s", m.name, OpString(op))
	}
	ins := &Instruction{
		id:         m.nextID,
		op:         op,
		inputs:     slices.Clone(inputs),
		submodules: slices.Clone(submodules),
		shape:      shape,
		module:     m,
	}
	m.nextID++
	for _, input := range inputs {
		input.addUse(ins)
	}
	m.instructions = slices.Insert(m.instructions, pos, ins)
	return ins, nil
}

// MoveInstruction relocates ins to just before the given instruction (or to
// the end, if before is nil). The move is legal only if the new position
// still satisfies topological order: all of ins' producers before it, all of
// its consumers after it. An illegal move panics.
func (m *Module) MoveInstruction(ins, before *Instruction) {
	m.mustOwn(ins)
	if before != nil {
		m.mustOwn(before)
	}
	if ins == before {
		return
	}
	cur := slices.Index(m.instructions, ins)
	moved := slices.Delete(slices.Clone(m.instructions), cur, cur+1)
	pos := len(moved)
	if before != nil {
		pos = slices.Index(moved, before)
	}
	moved = slices.Insert(moved, pos, ins)

	// Check legality before committing: an illegal move must not leave the
	// module half-mutated.
	for _, input := range ins.inputs {
		if slices.Index(moved, input) >= pos {
			exceptions.Panicf("module %q: moving %s before %s places it before its input %s",
				m.name, ins, before, input)
		}
	}
	for _, consumer := range ins.outputs {
		if slices.Index(moved, consumer) <= pos {
			exceptions.Panicf("module %q: moving %s before %s places it after its consumer %s",
				m.name, ins, before, consumer)
		}
	}
	m.instructions = moved
}

// ReplaceInstruction substitutes old's definition with a new instruction
// applying op over the given inputs: the new instruction is created at old's
// position, every consumer of old is redirected to it, and old is erased.
//
// References to old captured before the call are stale afterwards.
func (m *Module) ReplaceInstruction(old *Instruction, op Operation, inputs ...*Instruction) (*Instruction, error) {
	m.mustOwn(old)
	pos := slices.Index(m.instructions, old)
	ins, err := m.insertAt(pos, op, nil, inputs)
	if err != nil {
		return nil, err
	}
	m.ReplaceAllUses(old, ins)
	m.EraseInstruction(old)
	return ins, nil
}

// ReplaceAllUses redirects every consumer of old to consume new instead. The
// new instruction must precede all of old's consumers in the module order.
func (m *Module) ReplaceAllUses(old, new *Instruction) {
	m.mustOwn(old)
	m.mustOwn(new)
	if old == new {
		return
	}
	newPos := slices.Index(m.instructions, new)
	for _, consumer := range old.outputs {
		if slices.Index(m.instructions, consumer) <= newPos {
			exceptions.Panicf("module %q: redirecting uses of %s to %s would place %s after its consumer %s",
				m.name, old, new, new, consumer)
		}
	}

	uses := old.outputs
	old.outputs = nil
	rewritten := utils.MakeSet[*Instruction](len(uses))
	for _, consumer := range uses {
		// One entry per use: an instruction consuming old at several argument
		// positions appears several times.
		new.outputs = append(new.outputs, consumer)
		if rewritten.Has(consumer) {
			continue
		}
		rewritten.Insert(consumer)
		for i, input := range consumer.inputs {
			if input == old {
				consumer.inputs[i] = new
			}
		}
	}
}

// EraseInstruction removes ins from the module. It is legal only when ins has
// no remaining consumers; erasing a live instruction panics.
func (m *Module) EraseInstruction(ins *Instruction) {
	m.mustOwn(ins)
	if len(ins.outputs) > 0 {
		exceptions.Panicf("module %q: cannot erase %s, it still has %d consumers",
			m.name, ins, len(ins.outputs))
	}
	for _, input := range ins.inputs {
		input.removeUse(ins)
	}
	pos := slices.Index(m.instructions, ins)
	m.instructions = slices.Delete(m.instructions, pos, pos+1)
	ins.module = nil
}

func (m *Module) mustOwn(ins *Instruction) {
	if ins == nil || ins.module != m {
		exceptions.Panicf("module %q: instruction %s is not owned by the module (stale reference?)", m.name, ins)
	}
}

// Validate re-checks the module's invariants from scratch: topological order,
// liveness of every input, and consistency of the input/output inverse
// relation. Mutations keep the invariants incrementally; Validate is the
// belt-and-suspenders check used by tests.
func (m *Module) Validate() error {
	position := make(map[*Instruction]int, len(m.instructions))
	for i, ins := range m.instructions {
		position[ins] = i
	}
	for i, ins := range m.instructions {
		if ins.module != m {
			return errors.Errorf("instruction %s at #%d is not owned by module %q", ins, i, m.name)
		}
		if !ins.shape.Ok() {
			return errors.Errorf("instruction %s at #%d has an invalid cached shape", ins, i)
		}
		for argIdx, input := range ins.inputs {
			inputPos, found := position[input]
			if !found {
				return errors.Errorf("instruction %s at #%d has dangling input #%d", ins, i, argIdx)
			}
			if inputPos >= i {
				return errors.Errorf("instruction %s at #%d is not in topological order: input #%d (%s) is at #%d",
					ins, i, argIdx, input, inputPos)
			}
		}
		for _, consumer := range ins.outputs {
			consumerPos, found := position[consumer]
			if !found {
				return errors.Errorf("instruction %s at #%d has a dangling consumer", ins, i)
			}
			if consumerPos <= i {
				return errors.Errorf("instruction %s at #%d precedes its producer %s", consumer, consumerPos, ins)
			}
		}
		// The output lists must be the exact inverse of the input lists, one
		// entry per use.
		for _, input := range ins.inputs {
			usesOfInput := countOf(ins.inputs, input)
			backRefs := countOf(input.outputs, ins)
			if usesOfInput != backRefs {
				return errors.Errorf("instruction %s uses %s %d times but is registered as a consumer %d times",
					ins, input, usesOfInput, backRefs)
			}
		}
	}
	return nil
}

func countOf(list []*Instruction, target *Instruction) int {
	count := 0
	for _, ins := range list {
		if ins == target {
			count++
		}
	}
	return count
}

// Write writes a readable text form of the module to the given writer. It
// writes inconsistent modules without an error, to help debugging.
func (m *Module) Write(writer io.Writer) error {
	var err error
	w := func(format string, args ...any) {
		if err != nil {
			// No op if an error was encountered earlier.
			return
		}
		_, err = fmt.Fprintf(writer, format, args...)
	}
	w("module @%s {\n", m.name)
	for _, ins := range m.instructions {
		w("  %s\n", ins)
		for _, sub := range ins.submodules {
			if err != nil {
				return err
			}
			err = sub.Write(writer)
		}
	}
	w("}\n")
	return err
}

// String implements fmt.Stringer with the same text form as Write.
func (m *Module) String() string {
	var buf bytes.Buffer
	if err := m.Write(&buf); err != nil {
		return fmt.Sprintf("module @%s <error: %v>", m.name, err)
	}
	return buf.String()
}
