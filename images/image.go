package images

import (
	"bytes"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ImageFormat represents supported image formats
type ImageFormat string

// ImageFormat constants
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
)

// Image represents an encoded image with a format, data, width, and height.
type Image struct {
	// The format of the image.
	Format ImageFormat `json:"format" yaml:"format"`
	// The data of the image.
	Data []byte `json:"data" yaml:"data"`
	// The width of the image.
	Width int `json:"width" yaml:"width"`
	// The height of the image.
	Height int `json:"height" yaml:"height"`
}

// Decode decodes the encoded bytes and records the decoded dimensions.
func (img *Image) Decode() (image.Image, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, errors.New("image data is empty")
	}
	decoded, format, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, errors.Wrap(err, "image decoding failed")
	}
	img.Format = ImageFormat(format)
	img.Width = decoded.Bounds().Dx()
	img.Height = decoded.Bounds().Dy()
	return decoded, nil
}

// ToCHW resizes img to width×height and returns its RGB channels in
// channel-height-width order, scaled to [0, 1].
//
// Arguments:
//   - img: The decoded image.
//   - width: The target width in pixels.
//   - height: The target height in pixels.
//
// Returns:
//   - []float32: 3*height*width values.
func ToCHW(img image.Image, width, height int) []float32 {
	if img.Bounds().Dx() != width || img.Bounds().Dy() != height {
		img = resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	}

	bounds := img.Bounds()
	plane := width * height
	data := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*width + x
			data[idx] = float32(r>>8) / 255.0
			data[plane+idx] = float32(g>>8) / 255.0
			data[2*plane+idx] = float32(b>>8) / 255.0
		}
	}
	return data
}

// LoadTensor decodes every image and stacks them into an (N, 3, height, width)
// float32 batch.
//
// Arguments:
//   - imgs: Encoded images.
//   - width: The model input width.
//   - height: The model input height.
//
// Returns:
//   - *tensor.Dense: The image batch.
//   - error: An error if any image fails to decode.
func LoadTensor(imgs []*Image, width, height int) (*tensor.Dense, error) {
	if len(imgs) == 0 {
		return nil, errors.New("no images to load")
	}
	plane := 3 * width * height
	backing := make([]float32, 0, len(imgs)*plane)
	for i, img := range imgs {
		decoded, err := img.Decode()
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		backing = append(backing, ToCHW(decoded, width, height)...)
	}
	return tensor.New(tensor.WithShape(len(imgs), 3, height, width), tensor.WithBacking(backing)), nil
}
