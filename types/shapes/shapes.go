// Package shapes defines Shape, the tensor descriptor used throughout tensorir.
//
// A Shape carries the element type (a dtypes.DType from gopjrt), the dimensions
// and, optionally, the strides describing a concrete memory layout. When no
// strides are set, the shape is assumed to be in the standard (contiguous,
// row-major) layout for its dimensions.
//
// A dimension may also be dynamic: described by an inclusive [Min, Max] range
// instead of one fixed extent. See Dim and MakeDynamic.
//
// Tuple shapes (used by operations with multiple outputs, like the fused
// reductions) are represented with TupleShapes, in which case the other fields
// are unset.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. The dimension of an axis is its size.
//   - DType: the data type of the unit element, defined in github.com/gomlx/gopjrt/dtypes.
//   - Standard layout: contiguous row-major strides for the given dimensions.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Dim describes one dynamic dimension as an inclusive [Min, Max] range.
// It degenerates to a fixed dimension when Min == Max.
type Dim struct {
	Min, Max int
}

// FixedDim returns a Dim degenerated to the fixed extent n.
func FixedDim(n int) Dim {
	return Dim{Min: n, Max: n}
}

// IsFixed returns whether the dimension has a single possible extent.
func (d Dim) IsFixed() bool {
	return d.Min == d.Max
}

// String implements fmt.Stringer.
func (d Dim) String() string {
	if d.IsFixed() {
		return fmt.Sprintf("%d", d.Min)
	}
	return fmt.Sprintf("[%d,%d]", d.Min, d.Max)
}

// Shape represents the shape of a tensor value, or the expected output of an
// instruction in a Module.
//
// Use Make (or one of its variants) to create a Shape. The zero value is
// invalid (Ok() == false).
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// Strides of each dimension, in elements. When nil the shape is in the
	// standard row-major layout. When set, len(Strides) == len(Dimensions).
	Strides []int

	// DynDims is set instead of Dimensions for dynamic shapes: one entry per
	// axis, each an inclusive range. A dynamic shape carries no strides.
	DynDims []Dim

	// TupleShapes is set if this is a tuple of shapes, in which case all other
	// fields are unset.
	TupleShapes []Shape
}

// Make returns a Shape with the given dtype and dimensions, in standard layout.
// It panics on dimensions <= 0 -- shapes are validated at construction, not at use.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// MakeWithStrides returns a Shape with an explicit memory layout.
// len(strides) must equal len(dimensions).
func MakeWithStrides(dtype dtypes.DType, dimensions, strides []int) Shape {
	if len(dimensions) != len(strides) {
		exceptions.Panicf("shapes.MakeWithStrides: got %d dimensions and %d strides, they must match",
			len(dimensions), len(strides))
	}
	s := Make(dtype, dimensions...)
	s.Strides = slices.Clone(strides)
	return s
}

// MakeDynamic returns a dynamic Shape: each axis is described by an inclusive
// [Min, Max] range. Fixed axes can be given as FixedDim(n).
func MakeDynamic(dtype dtypes.DType, dims ...Dim) Shape {
	s := Shape{DType: dtype, DynDims: slices.Clone(dims)}
	for _, d := range dims {
		if d.Min < 0 || d.Max < d.Min {
			exceptions.Panicf("shapes.MakeDynamic(%s): invalid dynamic dimension %s", s, d)
		}
	}
	return s
}

// MakeTuple returns a tuple Shape with the given element shapes.
func MakeTuple(elements []Shape) Shape {
	return Shape{TupleShapes: slices.Clone(elements)}
}

// Scalar returns a scalar (rank 0) Shape for the given Go numeric type.
func Scalar[T dtypes.Number]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid Shape. Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool {
	return s.DType != dtypes.InvalidDType || len(s.TupleShapes) > 0
}

// IsTuple returns whether the shape is a tuple of shapes.
func (s Shape) IsTuple() bool {
	return len(s.TupleShapes) > 0
}

// IsDynamic returns whether any axis is described by a dynamic range.
func (s Shape) IsDynamic() bool {
	return len(s.DynDims) > 0
}

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool {
	return s.Ok() && !s.IsTuple() && s.Rank() == 0
}

// Rank returns the number of axes.
func (s Shape) Rank() int {
	if s.IsDynamic() {
		return len(s.DynDims)
	}
	return len(s.Dimensions)
}

// Size returns the number of elements. For dynamic shapes it takes the maximum
// extent of each dynamic axis. Scalars have size 1.
func (s Shape) Size() int {
	size := 1
	if s.IsDynamic() {
		for _, d := range s.DynDims {
			size *= d.Max
		}
		return size
	}
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// RowMajorStrides returns the strides of the standard (contiguous, row-major)
// layout for the shape's dimensions.
func (s Shape) RowMajorStrides() []int {
	strides := make([]int, len(s.Dimensions))
	stride := 1
	for axis := len(s.Dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// LayoutStrides returns the strides in effect: Strides if set, otherwise the
// standard row-major strides.
func (s Shape) LayoutStrides() []int {
	if s.Strides != nil {
		return slices.Clone(s.Strides)
	}
	return s.RowMajorStrides()
}

// IsStandard returns whether the shape's layout is the canonical row-major
// layout for its dimensions. A shape without explicit strides is standard.
func (s Shape) IsStandard() bool {
	if s.IsTuple() || s.IsDynamic() {
		return false
	}
	if s.Strides == nil {
		return true
	}
	return slices.Equal(s.Strides, s.RowMajorStrides())
}

// Clone makes a deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	s2.Strides = slices.Clone(s.Strides)
	s2.DynDims = slices.Clone(s.DynDims)
	if s.IsTuple() {
		s2.TupleShapes = make([]Shape, len(s.TupleShapes))
		for ii, sub := range s.TupleShapes {
			s2.TupleShapes[ii] = sub.Clone()
		}
	}
	return
}

// Equal compares two shapes structurally: dtype, dimensions, dynamic ranges,
// layout and tuple elements all must match. Shapes are used as grouping keys
// in graph rewrites, so equality is exact, never "compatible".
func (s Shape) Equal(s2 Shape) bool {
	if s.IsTuple() || s2.IsTuple() {
		if len(s.TupleShapes) != len(s2.TupleShapes) {
			return false
		}
		for ii, sub := range s.TupleShapes {
			if !sub.Equal(s2.TupleShapes[ii]) {
				return false
			}
		}
		return true
	}
	if s.DType != s2.DType {
		return false
	}
	if !slices.Equal(s.Dimensions, s2.Dimensions) || !slices.Equal(s.DynDims, s2.DynDims) {
		return false
	}
	// Layouts compare after normalization, so explicit row-major strides equal nil strides.
	return slices.Equal(s.LayoutStrides(), s2.LayoutStrides())
}

// String implements fmt.Stringer, printing something like "(Float32)[2 3 4]".
// Non-standard layouts append their strides, dynamic axes print as ranges.
func (s Shape) String() string {
	if s.IsTuple() {
		parts := make([]string, len(s.TupleShapes))
		for ii, sub := range s.TupleShapes {
			parts[ii] = sub.String()
		}
		return fmt.Sprintf("Tuple(%s)", strings.Join(parts, ", "))
	}
	if s.IsDynamic() {
		parts := make([]string, len(s.DynDims))
		for ii, d := range s.DynDims {
			parts[ii] = d.String()
		}
		return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
	}
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	if s.Strides != nil && !s.IsStandard() {
		return fmt.Sprintf("(%s)%v strides %v", s.DType, s.Dimensions, s.Strides)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}
