package grid

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/gridnet/images"
	"github.com/nvr-ai/gridnet/models"
)

// confidenceCeiling keeps -log(1 - confidence) finite.
const confidenceCeiling = 1 - 1e-7

// LossConfig holds the optional knobs of ComputeLoss.
type LossConfig struct {
	// ClassWeights scales the class term per target class. Empty means 1 for every class.
	ClassWeights []float32 `json:"class_weights" yaml:"class_weights"`
}

// Loss is the scalar training loss together with its components.
type Loss struct {
	Absence    float32 `json:"absence"`
	Confidence float32 `json:"confidence"`
	Position   float32 `json:"position"`
	Dimension  float32 `json:"dimension"`
	Class      float32 `json:"class"`
	Total      float32 `json:"total"`
}

// ComputeLoss scores a batch of predictions against encoded targets.
//
// For every slot the predicted box is compared with the ground-truth box of its
// cell, and responsibility weights come from Softscale over the predicted
// confidence. Cells without an object contribute the weighted mean of
// -log(1 - confidence). Cells with an object contribute:
//
//	- the squared error between confidence and the slot's own IoU with the
//	  ground truth, averaged over slots;
//	- the weighted squared error of position and dimension over both axes;
//	- the weighted cross-entropy of the class logits, optionally scaled per class.
//
// When the batch holds no object the total is the absence term alone.
//
// Arguments:
//   - cfg: Loss options.
//   - targets: One Targets per image, in batch order.
//   - pred: The Detection Head output for the same batch.
//
// Returns:
//   - Loss: Component and total loss, all non-negative.
//   - error: ErrShapeMismatch when targets and predictions disagree, or an
//     error for negative or non-finite class weights.
func ComputeLoss(cfg LossConfig, targets []*Targets, pred *PredictionGrid) (Loss, error) {
	gs, err := pred.Shape()
	if err != nil {
		return Loss{}, err
	}
	if len(targets) != gs.Batch {
		return Loss{}, errors.Wrapf(ErrShapeMismatch, "%d targets for batch of %d", len(targets), gs.Batch)
	}
	for i, t := range targets {
		if t == nil {
			return Loss{}, errors.Wrapf(ErrShapeMismatch, "targets %d missing", i)
		}
		if h, w := t.GridSize(); h != gs.Height || w != gs.Width {
			return Loss{}, errors.Wrapf(ErrShapeMismatch, "targets %d grid %dx%d, predictions %dx%d",
				i, h, w, gs.Height, gs.Width)
		}
		for idx, present := range t.presence {
			if present && (t.classID[idx] < 0 || t.classID[idx] >= gs.Classes) {
				return Loss{}, errors.Wrapf(ErrShapeMismatch, "targets %d class %d outside %d logits",
					i, t.classID[idx], gs.Classes)
			}
		}
	}
	if len(cfg.ClassWeights) > 0 && len(cfg.ClassWeights) != gs.Classes {
		return Loss{}, errors.Wrapf(ErrShapeMismatch, "%d class weights for %d classes",
			len(cfg.ClassWeights), gs.Classes)
	}
	if err := models.CheckClassWeights(cfg.ClassWeights); err != nil {
		return Loss{}, err
	}

	conf, err := images.Float32Backing(pred.Confidence)
	if err != nil {
		return Loss{}, err
	}
	pos, err := images.Float32Backing(pred.Position)
	if err != nil {
		return Loss{}, err
	}
	dim, err := images.Float32Backing(pred.Dimension)
	if err != nil {
		return Loss{}, err
	}
	logits, err := images.Float32Backing(pred.ClassLogits)
	if err != nil {
		return Loss{}, err
	}

	weightsT, err := Softscale(pred.Confidence)
	if err != nil {
		return Loss{}, err
	}
	weights, err := images.Float32Backing(weightsT)
	if err != nil {
		return Loss{}, err
	}

	ious, err := slotIoU(gs, targets, pos, dim)
	if err != nil {
		return Loss{}, err
	}

	var (
		absNum, absDen     float64
		confSum            float64
		posNum, dimNum     float64
		boxDen             float64
		classNum, classDen float64
		presentSlots       int
	)
	plane := gs.Height * gs.Width
	for b, t := range targets {
		for r := 0; r < gs.Height; r++ {
			for c := 0; c < gs.Width; c++ {
				cell := r*gs.Width + c
				present := t.presence[cell]
				for s := 0; s < gs.Slots; s++ {
					i := gs.at4(b, s, r, c)
					w := float64(weights[i])
					p := float64(conf[i])

					if !present {
						p = min(max(p, 0), confidenceCeiling)
						absNum += -math.Log(1-p) * w
						absDen += w
						continue
					}

					presentSlots++
					iou := float64(ious[((b*plane)+cell)*gs.Slots+s])
					confSum += (p - iou) * (p - iou)

					for a := 0; a < 2; a++ {
						dp := float64(pos[gs.at5(b, s, a, 2, r, c)] - t.offset[a*plane+cell])
						dd := float64(dim[gs.at5(b, s, a, 2, r, c)] - t.dimension[a*plane+cell])
						posNum += w * dp * dp
						dimNum += w * dd * dd
					}
					boxDen += 2 * w

					target := t.classID[cell]
					cw := 1.0
					if len(cfg.ClassWeights) > 0 {
						cw = float64(cfg.ClassWeights[target])
					}
					ce := crossEntropy(gs, logits, b, s, r, c, target)
					classNum += w * cw * ce
					classDen += w * cw
				}
			}
		}
	}

	var loss Loss
	if absDen > 0 {
		loss.Absence = float32(absNum / absDen)
	}
	loss.Total = loss.Absence
	if presentSlots == 0 {
		return loss, nil
	}

	loss.Confidence = float32(confSum / float64(presentSlots))
	if boxDen > 0 {
		loss.Position = float32(posNum / boxDen)
		loss.Dimension = float32(dimNum / boxDen)
	}
	if classDen > 0 {
		loss.Class = float32(classNum / classDen)
	}
	loss.Total = loss.Absence + loss.Confidence + loss.Position + loss.Dimension + loss.Class
	return loss, nil
}

// slotIoU returns the IoU of every predicted slot with its cell's target box,
// laid out as (N, H, W, S). Boxes are compared in cell-relative units.
func slotIoU(gs GridShape, targets []*Targets, pos, dim []float32) ([]float32, error) {
	plane := gs.Height * gs.Width
	predBoxes := make([]float32, gs.Batch*plane*gs.Slots*4)
	truthBoxes := make([]float32, gs.Batch*plane*4)

	for b, t := range targets {
		for r := 0; r < gs.Height; r++ {
			for c := 0; c < gs.Width; c++ {
				cell := r*gs.Width + c
				tb := truthBoxes[(b*plane+cell)*4:]
				tb[0] = t.offset[plane+cell]
				tb[1] = t.offset[cell]
				tb[2] = t.dimension[cell]
				tb[3] = t.dimension[plane+cell]

				for s := 0; s < gs.Slots; s++ {
					pb := predBoxes[((b*plane+cell)*gs.Slots+s)*4:]
					pb[0] = pos[gs.at5(b, s, 1, 2, r, c)]
					pb[1] = pos[gs.at5(b, s, 0, 2, r, c)]
					pb[2] = dim[gs.at5(b, s, 0, 2, r, c)]
					pb[3] = dim[gs.at5(b, s, 1, 2, r, c)]
				}
			}
		}
	}

	predT := tensor.New(tensor.WithShape(gs.Batch, gs.Height, gs.Width, gs.Slots, 4), tensor.WithBacking(predBoxes))
	truthT := tensor.New(tensor.WithShape(gs.Batch, gs.Height, gs.Width, 1, 4), tensor.WithBacking(truthBoxes))
	iou, err := images.PairwiseIoU(predT, truthT)
	if err != nil {
		return nil, err
	}
	return images.Float32Backing(iou)
}

// crossEntropy returns logsumexp(logits) - logits[target] for one slot.
func crossEntropy(gs GridShape, logits []float32, b, s, r, c, target int) float64 {
	peak := math.Inf(-1)
	for k := 0; k < gs.Classes; k++ {
		peak = max(peak, float64(logits[gs.at5(b, s, k, gs.Classes, r, c)]))
	}
	var sum float64
	for k := 0; k < gs.Classes; k++ {
		sum += math.Exp(float64(logits[gs.at5(b, s, k, gs.Classes, r, c)]) - peak)
	}
	return max(peak+math.Log(sum)-float64(logits[gs.at5(b, s, target, gs.Classes, r, c)]), 0)
}
