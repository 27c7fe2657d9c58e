package grid

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func encodeOne(t *testing.T, boxes ...Annotation) *Targets {
	t.Helper()
	cfg := EncoderConfig{ImageHeight: 40, ImageWidth: 60, CellSize: 20, Classes: testTable(t)}
	targets, err := Encode(cfg, boxes)
	require.NoError(t, err)
	return targets
}

func TestComputeLoss_NoObjects(t *testing.T) {
	targets := []*Targets{encodeOne(t)}
	gs := GridShape{Batch: 1, Slots: 2, Height: 2, Width: 3, Classes: 3}
	pred := newPrediction(gs)
	conf := backing(pred.Confidence)
	for i := range conf {
		conf[i] = 0.5
	}

	loss, err := ComputeLoss(LossConfig{}, targets, pred)
	require.NoError(t, err)

	// equal confidences -> equal weights -> plain mean of -log(0.5)
	assert.InDelta(t, math.Log(2), loss.Absence, 1e-6)
	assert.Equal(t, loss.Absence, loss.Total)
	assert.Zero(t, loss.Confidence)
	assert.Zero(t, loss.Position)
	assert.Zero(t, loss.Class)
}

func TestComputeLoss_WeightedAbsence(t *testing.T) {
	targets := []*Targets{NewTargets(1, 1)}
	gs := GridShape{Batch: 1, Slots: 2, Height: 1, Width: 1, Classes: 1}
	pred := newPrediction(gs)
	copy(backing(pred.Confidence), []float32{0.9, 0.1})

	loss, err := ComputeLoss(LossConfig{}, targets, pred)
	require.NoError(t, err)

	w1 := math.Exp(0.1 - 0.9)
	want := (-math.Log(0.1)*1 + -math.Log(0.9)*w1) / (1 + w1)
	assert.InDelta(t, want, loss.Total, 1e-5)
}

func TestComputeLoss_PerfectPrediction(t *testing.T) {
	targets := []*Targets{encodeOne(t, Annotation{X: 25, Y: 35, W: 10, H: 10, Class: "dog"})}
	pred := reflectTargets(targets, 1, 3)

	loss, err := ComputeLoss(LossConfig{}, targets, pred)
	require.NoError(t, err)

	assert.InDelta(t, 0, loss.Absence, 1e-6)
	assert.InDelta(t, 0, loss.Confidence, 1e-6, "confidence 1 equals IoU 1")
	assert.InDelta(t, 0, loss.Position, 1e-9)
	assert.InDelta(t, 0, loss.Dimension, 1e-9)
	assert.InDelta(t, 0, loss.Class, 1e-3)
	assert.GreaterOrEqual(t, loss.Total, float32(0))
}

func TestComputeLoss_ConfidenceTargetIsIoU(t *testing.T) {
	targets := []*Targets{encodeOne(t, Annotation{X: 10, Y: 10, W: 20, H: 20, Class: "cat"})}
	pred := reflectTargets(targets, 1, 3)

	// shift the predicted box by half its width: IoU = 1/3
	gs, err := pred.Shape()
	require.NoError(t, err)
	backing(pred.Position)[gs.at5(0, 0, 1, 2, 0, 0)] = 1.0

	loss, err := ComputeLoss(LossConfig{}, targets, pred)
	require.NoError(t, err)
	assert.InDelta(t, (1-1.0/3)*(1-1.0/3), loss.Confidence, 1e-5)
	assert.InDelta(t, 0.25/2, loss.Position, 1e-6)
	assert.InDelta(t, loss.Absence+loss.Confidence+loss.Position+loss.Dimension+loss.Class, loss.Total, 1e-6)
}

func TestComputeLoss_ClassWeights(t *testing.T) {
	targets := []*Targets{encodeOne(t,
		Annotation{X: 10, Y: 10, W: 20, H: 20, Class: "cat"},
		Annotation{X: 30, Y: 10, W: 20, H: 20, Class: "bird"},
	)}
	pred := reflectTargets(targets, 1, 3)
	// wipe class logits: uniform prediction, CE = log(3) everywhere
	for i := range backing(pred.ClassLogits) {
		backing(pred.ClassLogits)[i] = 0
	}

	plain, err := ComputeLoss(LossConfig{}, targets, pred)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(3), plain.Class, 1e-5)

	weighted, err := ComputeLoss(LossConfig{ClassWeights: []float32{1, 1, 5}}, targets, pred)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(3), weighted.Class, 1e-5, "weighted mean of equal terms")

	_, err = ComputeLoss(LossConfig{ClassWeights: []float32{1}}, targets, pred)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	// cat confidently predicted as dog and bird
	gs, err := pred.Shape()
	require.NoError(t, err)
	backing(pred.ClassLogits)[gs.at5(0, 0, 1, 3, 0, 0)] = 10
	backing(pred.ClassLogits)[gs.at5(0, 0, 2, 3, 0, 0)] = 10

	tests := []struct {
		name    string
		weights []float32
	}{
		{"negative", []float32{-0.5, 1, 1}},
		{"NaN", []float32{1, float32(math.NaN()), 1}},
		{"infinite", []float32{1, 1, float32(math.Inf(1))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loss, err := ComputeLoss(LossConfig{ClassWeights: tt.weights}, targets, pred)
			assert.Error(t, err)
			assert.Equal(t, Loss{}, loss)
		})
	}

	loss, err := ComputeLoss(LossConfig{ClassWeights: []float32{0, 1, 1}}, targets, pred)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, loss.Class, float32(0))
	assert.GreaterOrEqual(t, loss.Total, float32(0))
}

func TestComputeLoss_NonNegative(t *testing.T) {
	targets := []*Targets{
		encodeOne(t, Annotation{X: 12, Y: 7, W: 15, H: 30, Class: "cat"}),
		encodeOne(t, Annotation{X: 50, Y: 30, W: 4, H: 9, Class: "bird"}),
	}
	gs := GridShape{Batch: 2, Slots: 3, Height: 2, Width: 3, Classes: 3}
	pred := newPrediction(gs)
	for name, data := range map[string][]float32{
		"conf":   backing(pred.Confidence),
		"pos":    backing(pred.Position),
		"dim":    backing(pred.Dimension),
		"logits": backing(pred.ClassLogits),
	} {
		for i := range data {
			v := float32(math.Abs(math.Sin(float64(i*7 + len(name)))))
			if name == "logits" {
				v = v*8 - 4
			}
			data[i] = v
		}
	}

	loss, err := ComputeLoss(LossConfig{}, targets, pred)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, loss.Total, float32(0))
	assert.Greater(t, loss.Total, loss.Absence)
	for _, v := range []float32{loss.Absence, loss.Confidence, loss.Position, loss.Dimension, loss.Class} {
		assert.False(t, math.IsNaN(float64(v)))
		assert.GreaterOrEqual(t, v, float32(0))
	}
}

func TestComputeLoss_SaturatedConfidence(t *testing.T) {
	targets := []*Targets{NewTargets(1, 1)}
	pred := newPrediction(GridShape{Batch: 1, Slots: 1, Height: 1, Width: 1, Classes: 1})
	backing(pred.Confidence)[0] = 1

	loss, err := ComputeLoss(LossConfig{}, targets, pred)
	require.NoError(t, err)
	assert.False(t, math.IsInf(float64(loss.Total), 0))
}

func TestComputeLoss_ShapeMismatch(t *testing.T) {
	targets := []*Targets{encodeOne(t)}
	good := GridShape{Batch: 1, Slots: 2, Height: 2, Width: 3, Classes: 3}

	tests := []struct {
		name    string
		targets []*Targets
		pred    *PredictionGrid
	}{
		{"batch size", []*Targets{targets[0], targets[0]}, newPrediction(good)},
		{"grid size", targets, newPrediction(GridShape{Batch: 1, Slots: 2, Height: 3, Width: 3, Classes: 3})},
		{"nil targets", []*Targets{nil}, newPrediction(good)},
		{"too few logits", []*Targets{encodeOne(t, Annotation{X: 1, Y: 1, Class: "bird"})},
			newPrediction(GridShape{Batch: 1, Slots: 2, Height: 2, Width: 3, Classes: 2})},
		{"position disagrees", targets, func() *PredictionGrid {
			p := newPrediction(good)
			p.Position = tensor.New(tensor.WithShape(1, 2, 2, 2, 2), tensor.WithBacking(make([]float32, 16)))
			return p
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeLoss(LossConfig{}, tt.targets, tt.pred)
			assert.True(t, errors.Is(err, ErrShapeMismatch), "got %v", err)
		})
	}
}
