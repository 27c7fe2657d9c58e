package images

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func encodeSolid(t *testing.T, w, h int, c color.RGBA) *Image {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return &Image{Data: buf.Bytes()}
}

func TestLoadTensor(t *testing.T) {
	red := encodeSolid(t, 8, 8, color.RGBA{R: 255, A: 255})
	blue := encodeSolid(t, 16, 12, color.RGBA{B: 255, A: 255})

	batch, err := LoadTensor([]*Image{red, blue}, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 4, 4}, batch.Shape())
	assert.Equal(t, FormatPNG, red.Format)
	assert.Equal(t, 16, blue.Width)

	data := batch.Data().([]float32)
	assert.InDelta(t, 1.0, data[0], 0.01)     // red plane of image 0
	assert.InDelta(t, 0.0, data[16], 0.01)    // green plane of image 0
	assert.InDelta(t, 1.0, data[48+32], 0.01) // blue plane of image 1
}

func TestLoadTensor_Empty(t *testing.T) {
	_, err := LoadTensor(nil, 4, 4)
	assert.Error(t, err)

	_, err = LoadTensor([]*Image{{}}, 4, 4)
	assert.Error(t, err)
}
