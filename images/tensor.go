package images

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrShapeMismatch is returned whenever two tensors that must agree in shape
// do not. Shapes are never silently reconciled.
var ErrShapeMismatch = errors.New("shape mismatch")

// Float32Backing returns the row-major float32 backing slice of t, materializing
// views first.
func Float32Backing(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "nil tensor")
	}
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("expected float32 tensor, got %v", t.Dtype())
	}
	if t.IsMaterializable() {
		t = t.Materialize().(*tensor.Dense)
	}
	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case float32:
		// single-element tensors report their value as a scalar
		return []float32{data}, nil
	default:
		return nil, errors.Errorf("unexpected backing %T", data)
	}
}

// CheckShape reports ErrShapeMismatch unless t has exactly the wanted shape.
func CheckShape(name string, t *tensor.Dense, want ...int) error {
	if t == nil {
		return errors.Wrapf(ErrShapeMismatch, "%s: nil tensor", name)
	}
	if !t.Shape().Eq(tensor.Shape(want)) {
		return errors.Wrapf(ErrShapeMismatch, "%s: got shape %v, want %v", name, t.Shape(), want)
	}
	return nil
}
