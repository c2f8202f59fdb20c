// Package shapeinference calculates the shape resulting from operations and
// validates their inputs.
//
// All functions here are pure: they depend only on the input shapes (plus the
// operation attributes passed as arguments) and return a descriptive error on
// any shape incompatibility -- they never approximate.
//
// The centerpiece is Reshape, which implements a zero-copy reinterpretation of
// a tensor's memory layout: whenever the layout permits, the returned shape
// reuses the input's storage (expressed through its strides) and it fails when
// the layout would force a copy, so that an explicit materialization step can
// be inserted upstream instead of silently copying.
package shapeinference

import (
	"github.com/gomlx/tensorir/types/shapes"
	"github.com/pkg/errors"
)

// Elementwise returns the output shape of an elementwise (pointwise)
// operation over the inputs, applying the standard broadcasting rules:
// scalars broadcast to anything, otherwise ranks must match and each axis
// must either match or be 1 on one of the sides.
func Elementwise(inputs ...shapes.Shape) (output shapes.Shape, err error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("elementwise operation requires at least one input")
	}
	output = inputs[0].Clone()
	for _, input := range inputs {
		if !input.Ok() || input.IsTuple() {
			return shapes.Invalid(), errors.Errorf("elementwise operation got invalid or tuple input shape %s", input)
		}
		if input.DType != output.DType {
			return shapes.Invalid(), errors.Errorf("dtypes for elementwise operation must match, got %s and %s", output, input)
		}
		if input.IsDynamic() || output.IsDynamic() {
			if !input.Equal(output) {
				return shapes.Invalid(), errors.Errorf("dynamic shapes for elementwise operation must match exactly, got %s and %s", output, input)
			}
			continue
		}
		output, err = broadcast(output, input)
		if err != nil {
			return shapes.Invalid(), err
		}
	}
	return output, nil
}

func broadcast(lhs, rhs shapes.Shape) (output shapes.Shape, err error) {
	// Trivial cases: if one of the sides is a scalar, return the other side.
	if lhs.IsScalar() {
		return rhs.Clone(), nil
	}
	if rhs.IsScalar() {
		return lhs.Clone(), nil
	}
	if lhs.Rank() != rhs.Rank() {
		return shapes.Invalid(), errors.Errorf("if operands are not scalars, their rank must match for an elementwise operation, got shapes %s and %s", lhs, rhs)
	}
	output = shapes.Make(lhs.DType, lhs.Dimensions...)
	for axis := range output.Rank() {
		lhsDim := lhs.Dimensions[axis]
		rhsDim := rhs.Dimensions[axis]
		if lhsDim != 1 && rhsDim != 1 && lhsDim != rhsDim {
			return shapes.Invalid(), errors.Errorf("dimension of axis #%d doesn't match and cannot be broadcast, got shapes %s and %s", axis, lhs, rhs)
		}
		output.Dimensions[axis] = max(lhsDim, rhsDim)
	}
	return output, nil
}

// Reduce returns the output shape of a reduction over the given axes: the
// rank is preserved and each reduced axis becomes 1.
func Reduce(input shapes.Shape, axes []int) (output shapes.Shape, err error) {
	if !input.Ok() || input.IsTuple() || input.IsDynamic() {
		return shapes.Invalid(), errors.Errorf("reduce requires a static tensor shape, got %s", input)
	}
	if len(axes) == 0 {
		return shapes.Invalid(), errors.Errorf("reduce requires at least one axis to reduce")
	}
	output = shapes.Make(input.DType, input.Dimensions...)
	for _, axis := range axes {
		if axis < 0 || axis >= input.Rank() {
			return shapes.Invalid(), errors.Errorf("reduce axis %d out of range for shape %s", axis, input)
		}
		output.Dimensions[axis] = 1
	}
	return output, nil
}

// GetTupleElement returns the shape of the index-th element of a tuple shape.
func GetTupleElement(input shapes.Shape, index int) (output shapes.Shape, err error) {
	if !input.IsTuple() {
		return shapes.Invalid(), errors.Errorf("get_tuple_elem requires a tuple shape, got %s", input)
	}
	if index < 0 || index >= len(input.TupleShapes) {
		return shapes.Invalid(), errors.Errorf("get_tuple_elem index %d out of range for %s", index, input)
	}
	return input.TupleShapes[index].Clone(), nil
}

// Reshape returns the output shape of reshaping input to the requested dims.
//
// An entry 0 in dims means "copy the input dimension of that axis" and an
// entry -1 means "the one inferred dimension"; at most one -1 is allowed.
//
// For static inputs the result, when it succeeds, is always a zero-copy
// reinterpretation of the input layout (see ReshapeDims). For dynamic inputs
// at most one non-fixed dimension is supported.
func Reshape(input shapes.Shape, dims []int64) (output shapes.Shape, err error) {
	if !input.Ok() || input.IsTuple() {
		return shapes.Invalid(), errors.Errorf("reshape requires a tensor shape, got %s", input)
	}
	numNegDims := 0
	for _, dim := range dims {
		if dim == -1 {
			numNegDims++
		} else if dim < 0 {
			return shapes.Invalid(), errors.Errorf("reshape dims must be positive, 0 or -1, got %v", dims)
		}
	}
	if numNegDims > 1 {
		return shapes.Invalid(), errors.Errorf("reshape dims can only have one -1 dimension, got %v", dims)
	}
	if input.IsDynamic() {
		return reshapeDynamic(input, dims)
	}
	return reshapeStatic(input, dims, numNegDims)
}

func reshapeStatic(input shapes.Shape, dims []int64, numNegDims int) (output shapes.Shape, err error) {
	idims := input.Dimensions
	rdims := make([]int, len(dims))
	for i, dim := range dims {
		switch {
		case dim == 0:
			if i >= len(idims) {
				return shapes.Invalid(), errors.Errorf("reshape dims entry #%d is 0 but the input %s has no axis #%d to copy", i, input, i)
			}
			rdims[i] = idims[i]
		case dim == -1:
			// Placeholder, resolved below. Using 1 keeps the product correct.
			rdims[i] = 1
		default:
			rdims[i] = int(dim)
		}
	}

	if numNegDims > 0 {
		product := 1
		for _, dim := range rdims {
			product *= dim
		}
		missingDim := input.Size() / product
		if missingDim == 0 {
			return shapes.Invalid(), errors.Errorf("wrong number of elements for reshape: dims %v require more than the %d elements of the input %s", dims, input.Size(), input)
		}
		for i := range rdims {
			if dims[i] == -1 {
				rdims[i] = missingDim
			}
		}
	}

	output, err = ReshapeDims(input, rdims)
	if err != nil {
		return shapes.Invalid(), err
	}
	if output.Size() != input.Size() {
		return shapes.Invalid(), errors.Errorf("wrong number of elements for reshape: reshape has %d elements whereas the input has %d", output.Size(), input.Size())
	}
	return output, nil
}

// ReshapeDims reinterprets the input shape with the dimensions rdims without
// changing the memory layout. If that cannot be done -- because the merged
// axes are not contiguous in memory -- it returns an error: the caller must
// materialize (copy) the tensor to a standard layout first.
//
// The input and target dimensions are walked in lockstep:
//
//   - equal dimensions carry the input stride through unchanged;
//   - a target dimension larger than the current input dimension merges the
//     consecutive input dimensions whose product matches it (a squeeze),
//     requiring them to be stride-contiguous;
//   - a target dimension smaller than the current input dimension splits it
//     across the consecutive target dimensions whose product matches it (an
//     unsqueeze), distributing the strides geometrically;
//   - trailing target dimensions of size 1 repeat the last stride.
func ReshapeDims(input shapes.Shape, rdims []int) (output shapes.Shape, err error) {
	if input.IsStandard() {
		return shapes.Make(input.DType, rdims...), nil
	}

	idims := input.Dimensions
	istrides := input.LayoutStrides()
	rstrides := make([]int, 0, len(rdims))

	i, r := 0, 0
	for i < len(idims) && r < len(rdims) {
		idim := idims[i]
		rdim := rdims[r]
		switch {
		case rdim == idim:
			rstrides = append(rstrides, istrides[i])

		case rdim > idim:
			// Squeeze: merge input axes i..i+n into one target axis.
			n, ok := spanForDim(idims[i:], rdim)
			if !ok {
				return shapes.Invalid(), errors.Errorf("reshape cannot squeeze %s to dimensions %v: no run of input axes starting at #%d multiplies to %d", input, rdims, i, rdim)
			}
			if !canMergeStrides(idims[i:i+n+1], istrides[i:i+n+1]) {
				return shapes.Invalid(), errors.Errorf("reshape cannot squeeze %s to dimensions %v: axes #%d..#%d are not contiguous in memory", input, rdims, i, i+n)
			}
			i += n
			rstrides = append(rstrides, istrides[i])

		default: // rdim < idim
			// Unsqueeze: split input axis i across target axes r..r+n.
			n, ok := spanForDim(rdims[r:], idim)
			if !ok {
				return shapes.Invalid(), errors.Errorf("reshape cannot unsqueeze %s to dimensions %v: no run of target axes starting at #%d multiplies to %d", input, rdims, r, idim)
			}
			stride := istrides[i] * idim
			for _, dim := range rdims[r : r+n+1] {
				stride /= dim
				rstrides = append(rstrides, stride)
			}
			r += n
		}
		i++
		r++
	}

	// Trailing target dimensions of size 1 repeat the last stride.
	if len(rstrides) < len(rdims) && len(rstrides) > 0 {
		stride := rstrides[len(rstrides)-1]
		for _, dim := range rdims[len(rstrides):] {
			if dim != 1 {
				return shapes.Invalid(), errors.Errorf("reshape of %s to dimensions %v left a trailing axis of dimension %d unmapped", input, rdims, dim)
			}
			rstrides = append(rstrides, stride)
		}
	}
	if len(rstrides) != len(rdims) {
		return shapes.Invalid(), errors.Errorf("reshape of %s to dimensions %v is not representable without a copy", input, rdims)
	}
	return shapes.MakeWithStrides(input.DType, rdims, rstrides), nil
}

// spanForDim returns n such that the product of dims[0..n] equals target.
// It returns ok == false when no prefix product matches target exactly.
func spanForDim(dims []int, target int) (n int, ok bool) {
	product := 1
	for idx, dim := range dims {
		product *= dim
		if product >= target {
			return idx, product == target
		}
	}
	return 0, false
}

// canMergeStrides reports whether the given axes are contiguous in memory:
// each stride must equal the next stride times the next dimension.
func canMergeStrides(dims, strides []int) bool {
	cstride := strides[len(strides)-1]
	for k := len(dims) - 1; k >= 1; k-- {
		cstride *= dims[k]
		if strides[k-1] != cstride {
			return false
		}
	}
	return true
}

func reshapeDynamic(input shapes.Shape, dims []int64) (output shapes.Shape, err error) {
	dynDims := input.DynDims
	if len(dims) != len(dynDims) {
		return shapes.Invalid(), errors.Errorf("reshape of dynamic shape %s requires one dims entry per axis, got %v", input, dims)
	}
	numNotFixed := 0
	for _, dd := range dynDims {
		if !dd.IsFixed() {
			numNotFixed++
		}
	}
	if numNotFixed != 1 {
		return shapes.Invalid(), errors.Errorf("reshape only supports one non-fixed dynamic dimension, got %s", input)
	}

	// Track the number of fixed elements on the input and output sides.
	numDimsEle := 1
	numDDEle := 1
	for i, dd := range dynDims {
		if dd.IsFixed() {
			dim := int(dims[i])
			if dims[i] == 0 {
				dim = dd.Min
			}
			numDimsEle *= dim
			numDDEle *= dd.Min
		} else if dims[i] != 0 && dims[i] != -1 {
			return shapes.Invalid(), errors.Errorf("reshape non-fixed dynamic dimension must correspond to a 0 or -1 dims entry, got %d for axis #%d of %s", dims[i], i, input)
		}
	}
	if numDimsEle != numDDEle {
		return shapes.Invalid(), errors.Errorf("reshape number of fixed elements must match, input: %d output: %d", numDDEle, numDimsEle)
	}

	outputDims := make([]shapes.Dim, len(dims))
	for i, dd := range dynDims {
		if !dd.IsFixed() {
			outputDims[i] = dd
			continue
		}
		if dims[i] == 0 {
			outputDims[i] = dd
			continue
		}
		outputDims[i] = shapes.FixedDim(int(dims[i]))
	}
	return shapes.MakeDynamic(input.DType, outputDims...), nil
}
