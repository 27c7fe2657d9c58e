package grid

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/gridnet/models"
)

func TestEncode_OwningCell(t *testing.T) {
	cfg := EncoderConfig{ImageHeight: 100, ImageWidth: 100, CellSize: 20, Classes: testTable(t)}

	targets, err := Encode(cfg, []Annotation{{X: 25, Y: 35, W: 10, H: 10, Class: "dog"}})
	require.NoError(t, err)

	h, w := targets.GridSize()
	assert.Equal(t, 5, h)
	assert.Equal(t, 5, w)
	assert.Equal(t, tensor.Shape{2, 5, 5}, targets.Offset.Shape())
	assert.Equal(t, 1, targets.Objects())

	idx := 1*5 + 1
	assert.True(t, targets.presence[idx])
	assert.InDelta(t, 0.75, targets.offset[idx], 1e-6, "y offset")
	assert.InDelta(t, 0.25, targets.offset[25+idx], 1e-6, "x offset")
	assert.InDelta(t, 0.5, targets.dimension[idx], 1e-6, "w")
	assert.InDelta(t, 0.5, targets.dimension[25+idx], 1e-6, "h")
	assert.Equal(t, 1, targets.classID[idx])

	presence := targets.Presence.Data().([]bool)
	assert.True(t, presence[idx])
}

func TestEncode_CollisionOverwrites(t *testing.T) {
	logger, hook := test.NewNullLogger()
	cfg := EncoderConfig{ImageHeight: 40, ImageWidth: 40, CellSize: 20, Classes: testTable(t), Logger: logger}

	targets, err := Encode(cfg, []Annotation{
		{X: 5, Y: 5, W: 4, H: 4, Class: "cat"},
		{X: 15, Y: 10, W: 8, H: 2, Class: "bird"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, targets.Objects())
	assert.Equal(t, 2, targets.classID[0])
	assert.InDelta(t, 0.5, targets.offset[0], 1e-6)
	assert.InDelta(t, 0.75, targets.offset[4], 1e-6)
	assert.InDelta(t, 0.4, targets.dimension[0], 1e-6)

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "cat", hook.LastEntry().Data["previous"])
}

func TestEncode_Errors(t *testing.T) {
	cfg := EncoderConfig{ImageHeight: 100, ImageWidth: 100, CellSize: 20, Classes: testTable(t)}

	tests := []struct {
		name   string
		box    Annotation
		target error
	}{
		{"unknown class", Annotation{X: 10, Y: 10, W: 1, H: 1, Class: "horse"}, ErrUnknownClass},
		{"center right of grid", Annotation{X: 100, Y: 10, W: 1, H: 1, Class: "cat"}, ErrOutOfBounds},
		{"negative center", Annotation{X: -1, Y: 10, W: 1, H: 1, Class: "cat"}, ErrOutOfBounds},
		{"negative size", Annotation{X: 10, Y: 10, W: -1, H: 1, Class: "cat"}, ErrOutOfBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(cfg, []Annotation{tt.box})
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
		})
	}
}

func TestEncode_TruncatedGrid(t *testing.T) {
	cfg := EncoderConfig{ImageHeight: 50, ImageWidth: 30, CellSize: 20, Classes: testTable(t)}

	targets, err := Encode(cfg, nil)
	require.NoError(t, err)
	h, w := targets.GridSize()
	assert.Equal(t, 2, h)
	assert.Equal(t, 1, w)

	// a center inside the partial trailing cell has no owning cell
	_, err = Encode(cfg, []Annotation{{X: 10, Y: 45, W: 1, H: 1, Class: "cat"}})
	assert.True(t, errors.Is(err, ErrOutOfBounds))

	_, err = Encode(EncoderConfig{ImageHeight: 10, ImageWidth: 10, CellSize: 20, Classes: testTable(t)}, nil)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestEncodeBatch(t *testing.T) {
	model := models.DefaultConfig()
	model.Classes = testLabels
	cfg, err := NewEncoderConfig(model, 64, 96)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.CellSize)

	batch, err := EncodeBatch(cfg, [][]Annotation{
		{{X: 40, Y: 40, W: 10, H: 10, Class: "cat"}},
		nil,
	})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, 1, batch[0].Objects())
	assert.Equal(t, 0, batch[1].Objects())

	_, err = EncodeBatch(cfg, [][]Annotation{nil, {{X: 1, Y: 1, Class: "fish"}}})
	assert.True(t, errors.Is(err, ErrUnknownClass))
}
