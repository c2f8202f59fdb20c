package tensorir

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorir/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func must[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}

func TestModule_Build(t *testing.T) {
	m := New("test graph") // Name gets normalized.
	assert.Equal(t, "test_graph", m.Name())

	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 2, 3))
	y := m.AddParameter("y", shapes.Make(dtypes.Float32, 2, 3))
	sum := must(m.AddInstruction(Elementwise{Fn: "add"}, x, y))
	out := must(m.AddInstruction(Reduce{Fn: "sum", Axes: []int{1}}, sum))

	require.NoError(t, m.Validate())
	assert.Equal(t, 4, m.Len())
	assert.True(t, sum.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	assert.True(t, out.Shape().Equal(shapes.Make(dtypes.Float32, 2, 1)))
	assert.True(t, m.OutputShape().Equal(out.Shape()))

	// The consumer sets are the inverse of the input relation.
	assert.Equal(t, []*Instruction{sum}, x.Outputs())
	assert.Equal(t, []*Instruction{sum}, y.Outputs())
	assert.Equal(t, []*Instruction{out}, sum.Outputs())
	assert.True(t, sum.UsedOnce())
	assert.Equal(t, 0, m.Position(x))
	assert.Equal(t, sum, m.After(y))

	text := m.String()
	assert.Contains(t, text, "module @test_graph")
	assert.Contains(t, text, "add(")
	assert.Contains(t, text, "reduce_sum")
}

func TestModule_ShapeErrors(t *testing.T) {
	m := New("bad_shapes")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 2, 3))
	y := m.AddParameter("y", shapes.Make(dtypes.Float32, 7))

	_, err := m.AddInstruction(Elementwise{Fn: "add"}, x, y)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add")

	_, err = m.AddInstruction(Reshape{Dims: []int64{5}}, x)
	require.Error(t, err)

	// Failed additions leave no trace.
	require.NoError(t, m.Validate())
	assert.Equal(t, 2, m.Len())
	assert.Empty(t, x.Outputs())
}

func TestModule_DuplicateUses(t *testing.T) {
	m := New("dup")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 4))
	sq := must(m.AddInstruction(Elementwise{Fn: "mul"}, x, x))

	// One consumer entry per use.
	assert.Equal(t, []*Instruction{sq, sq}, x.Outputs())
	require.NoError(t, m.Validate())

	m.EraseInstruction(sq)
	assert.Empty(t, x.Outputs())
	require.NoError(t, m.Validate())
}

func TestModule_InsertAndMove(t *testing.T) {
	m := New("insert_move")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 4))
	a := must(m.AddInstruction(Elementwise{Fn: "exp"}, x))
	b := must(m.AddInstruction(Elementwise{Fn: "add"}, x, a))

	// Insert a new instruction between a and b.
	negate := must(m.InsertInstruction(b, Elementwise{Fn: "neg"}, a))
	require.NoError(t, m.Validate())
	assert.Equal(t, 2, m.Position(negate))

	// Legal move: negate right after a is still topologically valid.
	m.MoveInstruction(negate, b)
	require.NoError(t, m.Validate())

	// Illegal moves panic: they are contract violations, not errors.
	require.Panics(t, func() { m.MoveInstruction(a, x) }, "a before its input x")
	require.Panics(t, func() { m.MoveInstruction(x, nil) }, "x after its consumers")

	// Inserting with inputs that don't precede the insertion point panics.
	require.Panics(t, func() {
		_, _ = m.InsertInstruction(x, Elementwise{Fn: "exp"}, a)
	})

	// Inputs from another module panic.
	m2 := New("other")
	z := m2.AddParameter("z", shapes.Make(dtypes.Float32, 4))
	require.Panics(t, func() {
		_, _ = m.AddInstruction(Elementwise{Fn: "exp"}, z)
	})
}

func TestModule_ReplaceWithRedirect(t *testing.T) {
	m := New("replace")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 2, 3))
	a := must(m.AddInstruction(Elementwise{Fn: "exp"}, x))
	b := must(m.AddInstruction(Elementwise{Fn: "add"}, a, a))
	c := must(m.AddInstruction(Reduce{Fn: "sum", Axes: []int{0}}, a))

	// Replace a's definition: all three uses (two in b, one in c) redirect.
	replacement, err := m.ReplaceInstruction(a, Elementwise{Fn: "log"}, x)
	require.NoError(t, err)
	require.NoError(t, m.Validate())
	assert.Equal(t, []*Instruction{replacement, replacement}, b.Inputs())
	assert.Equal(t, []*Instruction{replacement}, c.Inputs())
	assert.Equal(t, 4, m.Len())

	// The replaced instruction is stale.
	assert.Nil(t, a.Module())
	require.Panics(t, func() { m.Position(a) })
}

func TestModule_Erase(t *testing.T) {
	m := New("erase")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 4))
	a := must(m.AddInstruction(Elementwise{Fn: "exp"}, x))
	b := must(m.AddInstruction(Elementwise{Fn: "neg"}, a))

	// Erasing an instruction with live consumers panics.
	require.Panics(t, func() { m.EraseInstruction(a) })

	m.EraseInstruction(b)
	m.EraseInstruction(a)
	require.NoError(t, m.Validate())
	assert.Equal(t, 1, m.Len())
	assert.Empty(t, x.Outputs())
}

func TestModule_MutationSequenceKeepsInvariants(t *testing.T) {
	// A longer sequence of the mutation primitives; the module must stay
	// valid (acyclic, topological, no dangling references) after every step.
	m := New("sequence")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 8))
	y := m.AddParameter("y", shapes.Make(dtypes.Float32, 8))
	check := func() {
		require.NoError(t, m.Validate())
	}

	a := must(m.AddInstruction(Elementwise{Fn: "add"}, x, y))
	check()
	b := must(m.AddInstruction(Elementwise{Fn: "mul"}, a, y))
	check()
	c := must(m.InsertInstruction(b, Elementwise{Fn: "exp"}, a))
	check()
	m.MoveInstruction(c, nil)
	check()
	d, err := m.ReplaceInstruction(a, Elementwise{Fn: "sub"}, x, y)
	require.NoError(t, err)
	check()
	m.ReplaceAllUses(d, y)
	check()
	m.EraseInstruction(d)
	check()
	for _, ins := range []*Instruction{c, b} {
		m.EraseInstruction(ins)
		check()
	}
	assert.Equal(t, 2, m.Len())
}

func TestInstruction_OutputAlias(t *testing.T) {
	m := New("alias")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 2, 3, 4))
	reshaped := must(m.AddInstruction(Reshape{Dims: []int64{6, 4}}, x))

	index, ok := reshaped.OutputAlias()
	require.True(t, ok)
	assert.Equal(t, 0, index)

	_, ok = x.OutputAlias()
	assert.False(t, ok, "parameters don't alias")
}

func TestModule_Submodules(t *testing.T) {
	sub := New("body")
	sx := sub.AddParameter("sx", shapes.Make(dtypes.Float32, 4))
	must(sub.AddInstruction(Elementwise{Fn: "exp"}, sx))

	m := New("outer")
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 4))
	ins, err := m.AddInstructionWithSubmodules(Identity{}, []*Module{sub}, x)
	require.NoError(t, err)
	assert.Equal(t, []*Module{sub}, ins.Submodules())
	assert.True(t, sub.OutputShape().Equal(shapes.Make(dtypes.Float32, 4)))
	assert.Contains(t, m.String(), "{body}")
}
