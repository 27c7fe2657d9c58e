package grid

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/gridnet/images"
	"github.com/nvr-ai/gridnet/models"
	"github.com/nvr-ai/gridnet/models/postprocess"
)

// DecoderConfig holds the model configuration and the call-time decode options.
type DecoderConfig struct {
	// Model fixes classes, slots per cell, downsample factor and cell size.
	Model models.Config
	// DetectionThreshold keeps cells whose selected confidence is strictly above it.
	DetectionThreshold float32
	// MultiScale repeats decoding on average-pooled copies of the batch.
	MultiScale bool
	// Logger receives per-scale debug output. Defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

// Scales returns the pooling factor of every scale that still holds at least
// one whole cell on both axes of an imageH×imageW image. Only integer
// arithmetic is used so grid sizes are exact.
func (c DecoderConfig) Scales(imageH, imageW int) []int {
	cell := c.Model.CellSize()
	var factors []int
	for factor := 1; ; factor *= c.Model.DownsampleFactor {
		if imageH/(cell*factor) == 0 || imageW/(cell*factor) == 0 {
			break
		}
		factors = append(factors, factor)
		if !c.MultiScale || c.Model.DownsampleFactor < 2 {
			break
		}
	}
	return factors
}

// Decode runs the head over an (N, C, H, W) batch and converts every cell whose
// most confident slot exceeds the threshold into a pixel-space box.
//
// At scale i the batch is average-pooled by DownsampleFactor^i and the grid is
// H / (CellSize·DownsampleFactor^i) cells high. Scale 0 is always decoded;
// coarser scales only when MultiScale is set, until a scale no longer holds a
// whole cell. Boxes from all scales are pooled per image, without suppression.
//
// Arguments:
//   - head: The Detection Head.
//   - batch: The float32 image batch.
//   - cfg: Model configuration and decode options.
//
// Returns:
//   - [][]postprocess.BoundingBox: Per-image detections.
//   - error: ErrShapeMismatch when the head output does not match the expected grid.
func Decode(head Head, batch *tensor.Dense, cfg DecoderConfig) ([][]postprocess.BoundingBox, error) {
	if batch == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "decode: nil batch")
	}
	if head == nil {
		return nil, errors.New("decode: nil head")
	}
	shape := batch.Shape()
	if len(shape) != 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "decode: expected (N,C,H,W), got %v", shape)
	}
	if err := cfg.Model.Validate(); err != nil {
		return nil, err
	}
	classes, err := cfg.Model.ClassTable()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	n, height, width := shape[0], shape[2], shape[3]
	cell := cfg.Model.CellSize()
	out := make([][]postprocess.BoundingBox, n)

	for scale, factor := range cfg.Scales(height, width) {
		input := batch
		if factor > 1 {
			input, err = images.AvgPool(batch, factor)
			if err != nil {
				return nil, errors.Wrapf(err, "scale %d", scale)
			}
		}

		pred, err := head.Predict(input)
		if err != nil {
			return nil, errors.Wrapf(err, "head at scale %d", scale)
		}
		gs, err := pred.Shape()
		if err != nil {
			return nil, errors.Wrapf(err, "head at scale %d", scale)
		}
		want := GridShape{
			Batch:   n,
			Slots:   cfg.Model.BBoxesPerCell,
			Height:  height / (cell * factor),
			Width:   width / (cell * factor),
			Classes: classes.Len(),
		}
		if gs != want {
			return nil, errors.Wrapf(ErrShapeMismatch, "head at scale %d: got %+v, want %+v", scale, gs, want)
		}

		found, err := decodeScale(pred, gs, float32(cell*factor), cfg.DetectionThreshold, classes)
		if err != nil {
			return nil, errors.Wrapf(err, "scale %d", scale)
		}
		total := 0
		for b := range found {
			out[b] = append(out[b], found[b]...)
			total += len(found[b])
		}

		logger.WithFields(logrus.Fields{
			"scale":      scale,
			"factor":     factor,
			"grid":       []int{gs.Height, gs.Width},
			"detections": total,
		}).Debug("decoded scale")
	}

	return out, nil
}

// decodeScale converts one scale's predictions into boxes. cellPixels is the
// cell edge measured in pixels of the original image.
func decodeScale(
	pred *PredictionGrid,
	gs GridShape,
	cellPixels, threshold float32,
	classes *models.ClassTable,
) ([][]postprocess.BoundingBox, error) {
	conf, err := images.Float32Backing(pred.Confidence)
	if err != nil {
		return nil, err
	}
	pos, err := images.Float32Backing(pred.Position)
	if err != nil {
		return nil, err
	}
	dim, err := images.Float32Backing(pred.Dimension)
	if err != nil {
		return nil, err
	}
	logits, err := images.Float32Backing(pred.ClassLogits)
	if err != nil {
		return nil, err
	}

	out := make([][]postprocess.BoundingBox, gs.Batch)
	scores := make([]float32, gs.Classes)
	for b := 0; b < gs.Batch; b++ {
		for r := 0; r < gs.Height; r++ {
			for c := 0; c < gs.Width; c++ {
				best, bestConf := 0, conf[gs.at4(b, 0, r, c)]
				for s := 1; s < gs.Slots; s++ {
					if v := conf[gs.at4(b, s, r, c)]; v > bestConf {
						best, bestConf = s, v
					}
				}
				bestConf = min(max(bestConf, 0), 1)
				if !(bestConf > threshold) {
					continue
				}

				for k := range scores {
					scores[k] = logits[gs.at5(b, best, k, gs.Classes, r, c)]
				}
				prob, classID := MaxFloat32(Softmax(scores))

				originX := float32(c) * cellPixels
				originY := float32(r) * cellPixels
				out[b] = append(out[b], postprocess.BoundingBox{
					X:               originX + pos[gs.at5(b, best, 1, 2, r, c)]*cellPixels,
					Y:               originY + pos[gs.at5(b, best, 0, 2, r, c)]*cellPixels,
					W:               dim[gs.at5(b, best, 0, 2, r, c)] * cellPixels,
					H:               dim[gs.at5(b, best, 1, 2, r, c)] * cellPixels,
					ClassID:         classID,
					Label:           classes.Name(classID),
					BBoxConfidence:  bestConf,
					ClassConfidence: prob,
				})
			}
		}
	}
	return out, nil
}

// Softmax converts logits into probabilities that sum to one. The peak logit
// is subtracted before exponentiation so large logits do not overflow.
//
// Arguments:
//   - a: The logits.
//
// Returns:
//   - []float32: A new slice of probabilities, empty for empty input.
func Softmax(a []float32) []float32 {
	output := make([]float32, len(a))
	if len(a) == 0 {
		return output
	}
	peak := a[0]
	for _, v := range a[1:] {
		peak = max(peak, v)
	}
	sum := float32(0.0)
	for i := range a {
		output[i] = math32.Exp(a[i] - peak)
		sum += output[i]
	}
	for i := range output {
		output[i] /= sum
	}
	return output
}

// MaxFloat32 returns the largest value of cl and its index. The first of
// equal maxima wins.
//
// Arguments:
//   - cl: The values to search.
//
// Returns:
//   - float32: The largest value, or -1 for an empty slice.
//   - int: Its index, or -1 for an empty slice.
func MaxFloat32(cl []float32) (float32, int) {
	max, maxi := float32(-1.0), -1
	for i := range cl {
		if max < cl[i] {
			max = cl[i]
			maxi = i
		}
	}
	return max, maxi
}
