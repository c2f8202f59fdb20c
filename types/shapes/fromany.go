package shapes

import (
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FromAnyValue infers the Shape of a Go "any" value: plain-old-data types
// (ints, floats, complex) or arbitrarily nested regular slices of those.
//
// It is used by the constant operation to derive the shape of its literal.
//
// Example:
//
//	shape, err := shapes.FromAnyValue([][]float64{{0, 0}}) // (Float64)[1 2]
func FromAnyValue(v any) (shape Shape, err error) {
	err = fromAnyValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return
}

func fromAnyValueRecursive(shape *Shape, v reflect.Value, t reflect.Type) error {
	if t.Kind() != reflect.Slice {
		// Leaf: must be one of the supported scalar types.
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("cannot infer a shape from a value of type %q", t)
		}
		return nil
	}

	t = t.Elem()
	if v.Len() == 0 {
		return errors.Errorf("cannot infer a shape from an empty slice (%T): the inner dimensions are undetermined", v.Interface())
	}
	shape.Dimensions = append(shape.Dimensions, v.Len())
	shapePrefix := shape.Clone()

	// The first element is the reference; the rest must have the same shape.
	if err := fromAnyValueRecursive(shape, v.Index(0), t); err != nil {
		return err
	}
	for ii := 1; ii < v.Len(); ii++ {
		shapeTest := shapePrefix.Clone()
		if err := fromAnyValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
			return err
		}
		if !shape.Equal(shapeTest) {
			return errors.Errorf("sub-slices have irregular shapes, found %s and %s", shape, shapeTest)
		}
	}
	return nil
}
