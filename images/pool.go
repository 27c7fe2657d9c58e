package images

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// AvgPool downsamples an (N, C, H, W) batch by averaging non-overlapping
// factor×factor windows. Output sizes are floor(H/factor) and floor(W/factor);
// trailing rows and columns that do not fill a window are dropped.
//
// Arguments:
//   - batch: The float32 image batch.
//   - factor: The window size and stride on both axes.
//
// Returns:
//   - *tensor.Dense: The pooled batch with shape (N, C, H/factor, W/factor).
//   - error: ErrShapeMismatch for non-4D input or when the output would be empty.
func AvgPool(batch *tensor.Dense, factor int) (*tensor.Dense, error) {
	if factor < 1 {
		return nil, errors.Errorf("avg pool: invalid factor %d", factor)
	}
	if batch == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "avg pool: nil batch")
	}
	shape := batch.Shape()
	if len(shape) != 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "avg pool: expected (N,C,H,W), got %v", shape)
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	oh, ow := h/factor, w/factor
	if oh == 0 || ow == 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "avg pool: %dx%d smaller than factor %d", h, w, factor)
	}

	src, err := Float32Backing(batch)
	if err != nil {
		return nil, err
	}

	dst := make([]float32, n*c*oh*ow)
	norm := float32(factor * factor)
	for plane := 0; plane < n*c; plane++ {
		in := src[plane*h*w : (plane+1)*h*w]
		out := dst[plane*oh*ow : (plane+1)*oh*ow]
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				var sum float32
				for dy := 0; dy < factor; dy++ {
					row := in[(y*factor+dy)*w+x*factor:]
					for dx := 0; dx < factor; dx++ {
						sum += row[dx]
					}
				}
				out[y*ow+x] = sum / norm
			}
		}
	}

	return tensor.New(tensor.WithShape(n, c, oh, ow), tensor.WithBacking(dst)), nil
}
