package grid

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/gridnet/images"
)

// Softscale turns per-slot confidence of shape (N, S, H, W) into responsibility
// weights w = exp(x) / max_s exp(x).
//
// The most confident slot of every cell gets weight exactly 1 and the others a
// value in (0, 1]. This is not a softmax: weights are not normalized to sum to
// one, and must stay that way for trained weights to remain compatible.
func Softscale(conf *tensor.Dense) (*tensor.Dense, error) {
	if conf == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "softscale: nil confidence")
	}
	shape := conf.Shape()
	if len(shape) != 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "softscale: expected (N,S,H,W), got %v", shape)
	}
	gs := GridShape{Batch: shape[0], Slots: shape[1], Height: shape[2], Width: shape[3]}
	x, err := images.Float32Backing(conf)
	if err != nil {
		return nil, err
	}

	w := make([]float32, len(x))
	for b := 0; b < gs.Batch; b++ {
		for r := 0; r < gs.Height; r++ {
			for c := 0; c < gs.Width; c++ {
				peak := math32.Inf(-1)
				for s := 0; s < gs.Slots; s++ {
					peak = max(peak, x[gs.at4(b, s, r, c)])
				}
				// exp(x)/max(exp(x)) == exp(x - max(x)), without overflow
				for s := 0; s < gs.Slots; s++ {
					i := gs.at4(b, s, r, c)
					w[i] = math32.Exp(x[i] - peak)
				}
			}
		}
	}

	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(w)), nil
}
