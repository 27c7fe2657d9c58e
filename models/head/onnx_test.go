package head

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/gridnet/images"
)

func TestONNXConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*ONNXConfig)
		wantErr bool
	}{
		{"default", func(*ONNXConfig) {}, false},
		{"no model", func(c *ONNXConfig) { c.ModelPath = "" }, true},
		{"no input", func(c *ONNXConfig) { c.InputName = "" }, true},
		{"unnamed output", func(c *ONNXConfig) { c.OutputNames[2] = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultONNXConfig("gridnet.onnx")
			tt.modify(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestOutputShapes(t *testing.T) {
	shapes, err := outputShapes(tensor.Shape{2, 3, 64, 96}, 32, 2, 20)
	require.NoError(t, err)
	assert.Equal(t, ort.NewShape(2, 2, 2, 3), shapes[0])
	assert.Equal(t, ort.NewShape(2, 2, 2, 2, 3), shapes[1])
	assert.Equal(t, ort.NewShape(2, 2, 2, 2, 3), shapes[2])
	assert.Equal(t, ort.NewShape(2, 2, 20, 2, 3), shapes[3])

	_, err = outputShapes(tensor.Shape{3, 64, 64}, 32, 2, 20)
	assert.True(t, errors.Is(err, images.ErrShapeMismatch))

	_, err = outputShapes(tensor.Shape{1, 3, 16, 64}, 32, 2, 20)
	assert.True(t, errors.Is(err, images.ErrShapeMismatch))
}

func TestNewONNXHead_Errors(t *testing.T) {
	_, err := NewONNXHead(testModel(), ONNXConfig{})
	assert.Error(t, err)

	cfg := DefaultONNXConfig("gridnet.onnx")
	cfg.SharedLibraryPath = "/nonexistent/libonnxruntime.so"
	_, err = NewONNXHead(testModel(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDefaultSharedLibraryPath(t *testing.T) {
	path, err := DefaultSharedLibraryPath()
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}
