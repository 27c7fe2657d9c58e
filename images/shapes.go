// Package images - Image geometry and tensor utilities
package images

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Epsilon guards the IoU division against degenerate (zero-area) inputs.
const Epsilon = 1e-10

// Rect is a center-parameterized rectangle in pixel (or cell-relative) units.
type Rect struct {
	// X, Y are the center coordinates.
	X, Y float32
	// W, H are the full width and height.
	W, H float32
}

// Corners returns the top-left and bottom-right corners of the rectangle.
func (r Rect) Corners() (x1, y1, x2, y2 float32) {
	return r.X - r.W/2, r.Y - r.H/2, r.X + r.W/2, r.Y + r.H/2
}

// Area returns the area of the rectangle, zero for negative extents.
func (r Rect) Area() float32 {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

// CalculateIoU measures the overlap of two center-parameterized rectangles as
// intersection area over union area.
//
// The calculation happens in corner form:
//
//	- The top-left corner of the intersection is the element-wise maximum of
//	  the two top-left corners; the bottom-right corner is the element-wise
//	  minimum of the two bottom-right corners.
//	- If the resulting width or height is zero or negative the rectangles do
//	  not overlap and the intersection area is 0.
//	- Union(A, B) = Area(A) + Area(B) - Intersection(A, B).
//
// The union is offset by Epsilon, so two zero-area rectangles produce 0
// instead of NaN. For valid geometry the result is always within [0, 1] and
// CalculateIoU(a, b) == CalculateIoU(b, a).
//
// Arguments:
//   - r: The first rectangle.
//   - o: The other rectangle to compare against.
//
// Returns:
//   - float32: The IoU score.
//
// Example Usage:
// ```go
//
//	a := Rect{X: 10, Y: 10, W: 4, H: 4}
//	b := Rect{X: 12, Y: 10, W: 4, H: 4}
//
//	iou := CalculateIoU(a, b) // intersection 2x4=8, union 16+16-8=24, iou≈0.3333
//
// ```
func CalculateIoU(r, o Rect) float32 {
	rx1, ry1, rx2, ry2 := r.Corners()
	ox1, oy1, ox2, oy2 := o.Corners()

	interW := min(rx2, ox2) - max(rx1, ox1)
	interH := min(ry2, oy2) - max(ry1, oy1)
	var interArea float32
	if interW > 0 && interH > 0 {
		interArea = interW * interH
	}

	unionArea := r.Area() + o.Area() - interArea

	return interArea / (unionArea + Epsilon)
}

// PairwiseIoU computes the IoU between every rectangle of a and every
// rectangle of b.
//
// Both tensors carry rectangles in their last axis as (x, y, w, h). The
// leading axes are broadcast: each pair must be equal or one of them must be 1.
//
// Arguments:
//   - a: Rectangles with shape (..., nA, 4).
//   - b: Rectangles with shape (..., nB, 4).
//
// Returns:
//   - *tensor.Dense: IoU values with shape (..., nA, nB).
//   - error: ErrShapeMismatch when ranks, coordinate axes or leading axes disagree.
func PairwiseIoU(a, b *tensor.Dense) (*tensor.Dense, error) {
	if a == nil || b == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "pairwise iou: nil tensor")
	}
	as, bs := a.Shape(), b.Shape()
	if len(as) < 2 || len(as) != len(bs) {
		return nil, errors.Wrapf(ErrShapeMismatch, "pairwise iou: shapes %v and %v", as, bs)
	}
	if as[len(as)-1] != 4 || bs[len(bs)-1] != 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "pairwise iou: last axis must be 4, got %v and %v", as, bs)
	}

	lead := make([]int, len(as)-2)
	for i := range lead {
		switch {
		case as[i] == bs[i]:
			lead[i] = as[i]
		case as[i] == 1:
			lead[i] = bs[i]
		case bs[i] == 1:
			lead[i] = as[i]
		default:
			return nil, errors.Wrapf(ErrShapeMismatch, "pairwise iou: axis %d is %d vs %d", i, as[i], bs[i])
		}
	}

	ad, err := Float32Backing(a)
	if err != nil {
		return nil, err
	}
	bd, err := Float32Backing(b)
	if err != nil {
		return nil, err
	}

	nA, nB := as[len(as)-2], bs[len(bs)-2]
	outer := 1
	for _, d := range lead {
		outer *= d
	}

	out := make([]float32, outer*nA*nB)
	idx := make([]int, len(lead))
	for o := 0; o < outer; o++ {
		rem := o
		for i := len(lead) - 1; i >= 0; i-- {
			idx[i] = rem % lead[i]
			rem /= lead[i]
		}

		aOff, bOff := 0, 0
		for i := range lead {
			ai, bi := idx[i], idx[i]
			if as[i] == 1 {
				ai = 0
			}
			if bs[i] == 1 {
				bi = 0
			}
			aOff = aOff*as[i] + ai
			bOff = bOff*bs[i] + bi
		}
		aOff *= nA * 4
		bOff *= nB * 4

		for i := 0; i < nA; i++ {
			ra := rectAt(ad, aOff+i*4)
			for j := 0; j < nB; j++ {
				out[(o*nA+i)*nB+j] = CalculateIoU(ra, rectAt(bd, bOff+j*4))
			}
		}
	}

	shape := append(append([]int{}, lead...), nA, nB)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}

func rectAt(data []float32, off int) Rect {
	return Rect{X: data[off], Y: data[off+1], W: data[off+2], H: data[off+3]}
}
