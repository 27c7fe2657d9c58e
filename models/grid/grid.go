// Package grid - Target encoding, loss and multi-scale decoding for grid-based
// single-shot detectors.
//
// An image of size H×W is split into cells of CellSize pixels, giving a grid
// of (H/CellSize)×(W/CellSize) positions. Each cell holds BBoxesPerCell
// candidate slots. Offsets are stored (y, x) and dimensions (w, h), both
// relative to the cell size.
package grid

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/gridnet/images"
)

// PredictionGrid bundles the four per-cell prediction maps of a Detection Head.
type PredictionGrid struct {
	// Confidence has shape (N, S, H, W), values in [0, 1].
	Confidence *tensor.Dense
	// Position has shape (N, S, 2, H, W): relative (y, x) offset inside the cell.
	Position *tensor.Dense
	// Dimension has shape (N, S, 2, H, W): (w, h) relative to the cell size.
	Dimension *tensor.Dense
	// ClassLogits has shape (N, S, K, H, W).
	ClassLogits *tensor.Dense
}

// GridShape describes the axes shared by the tensors of a PredictionGrid.
type GridShape struct {
	Batch, Slots, Height, Width, Classes int
}

// Shape checks that the four tensors agree and returns their common axes.
func (p *PredictionGrid) Shape() (GridShape, error) {
	if p == nil || p.Confidence == nil {
		return GridShape{}, errors.Wrap(ErrShapeMismatch, "missing confidence map")
	}
	cs := p.Confidence.Shape()
	if len(cs) != 4 {
		return GridShape{}, errors.Wrapf(ErrShapeMismatch, "confidence: expected (N,S,H,W), got %v", cs)
	}
	gs := GridShape{Batch: cs[0], Slots: cs[1], Height: cs[2], Width: cs[3]}

	if err := images.CheckShape("position", p.Position, gs.Batch, gs.Slots, 2, gs.Height, gs.Width); err != nil {
		return GridShape{}, err
	}
	if err := images.CheckShape("dimension", p.Dimension, gs.Batch, gs.Slots, 2, gs.Height, gs.Width); err != nil {
		return GridShape{}, err
	}
	if p.ClassLogits == nil || len(p.ClassLogits.Shape()) != 5 {
		return GridShape{}, errors.Wrap(ErrShapeMismatch, "class logits: expected (N,S,K,H,W)")
	}
	gs.Classes = p.ClassLogits.Shape()[2]
	if err := images.CheckShape("class logits", p.ClassLogits, gs.Batch, gs.Slots, gs.Classes, gs.Height, gs.Width); err != nil {
		return GridShape{}, err
	}
	return gs, nil
}

// Head maps an (N, C, H, W) image batch to per-cell predictions. The returned
// grid must be (H/CellSize)×(W/CellSize).
type Head interface {
	Predict(batch *tensor.Dense) (*PredictionGrid, error)
}

// index helpers for row-major (N, S, H, W) and (N, S, A, H, W) layouts
func (g GridShape) at4(b, s, r, c int) int {
	return ((b*g.Slots+s)*g.Height+r)*g.Width + c
}

func (g GridShape) at5(b, s, a, axes, r, c int) int {
	return (((b*g.Slots+s)*axes+a)*g.Height+r)*g.Width + c
}
