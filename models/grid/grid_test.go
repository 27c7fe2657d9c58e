package grid

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/gridnet/models"
)

var testLabels = []string{"cat", "dog", "bird"}

func testTable(t *testing.T) *models.ClassTable {
	t.Helper()
	table, err := models.NewClassTable(testLabels)
	require.NoError(t, err)
	return table
}

// newPrediction allocates a zeroed prediction grid.
func newPrediction(gs GridShape) *PredictionGrid {
	cells := gs.Batch * gs.Slots * gs.Height * gs.Width
	return &PredictionGrid{
		Confidence: tensor.New(tensor.WithShape(gs.Batch, gs.Slots, gs.Height, gs.Width),
			tensor.WithBacking(make([]float32, cells))),
		Position: tensor.New(tensor.WithShape(gs.Batch, gs.Slots, 2, gs.Height, gs.Width),
			tensor.WithBacking(make([]float32, 2*cells))),
		Dimension: tensor.New(tensor.WithShape(gs.Batch, gs.Slots, 2, gs.Height, gs.Width),
			tensor.WithBacking(make([]float32, 2*cells))),
		ClassLogits: tensor.New(tensor.WithShape(gs.Batch, gs.Slots, gs.Classes, gs.Height, gs.Width),
			tensor.WithBacking(make([]float32, gs.Classes*cells))),
	}
}

func backing(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// reflectTargets builds predictions that reproduce the targets in slot 0 with
// full confidence and a one-hot class logit.
func reflectTargets(targets []*Targets, slots, classes int) *PredictionGrid {
	h, w := targets[0].GridSize()
	gs := GridShape{Batch: len(targets), Slots: slots, Height: h, Width: w, Classes: classes}
	pred := newPrediction(gs)
	conf, pos, dim, logits := backing(pred.Confidence), backing(pred.Position),
		backing(pred.Dimension), backing(pred.ClassLogits)
	plane := h * w
	for b, t := range targets {
		for r := 0; r < h; r++ {
			for c := 0; c < w; c++ {
				cell := r*w + c
				if !t.presence[cell] {
					continue
				}
				conf[gs.at4(b, 0, r, c)] = 1
				for a := 0; a < 2; a++ {
					pos[gs.at5(b, 0, a, 2, r, c)] = t.offset[a*plane+cell]
					dim[gs.at5(b, 0, a, 2, r, c)] = t.dimension[a*plane+cell]
				}
				logits[gs.at5(b, 0, t.classID[cell], classes, r, c)] = 10
			}
		}
	}
	return pred
}

// mockHead returns a fixed prediction and records the shapes it was called with.
type mockHead struct {
	predict func(batch *tensor.Dense) (*PredictionGrid, error)
	calls   []tensor.Shape
}

func (m *mockHead) Predict(batch *tensor.Dense) (*PredictionGrid, error) {
	m.calls = append(m.calls, batch.Shape().Clone())
	return m.predict(batch)
}
