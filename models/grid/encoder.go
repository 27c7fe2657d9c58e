package grid

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/gridnet/models"
)

// Annotation is one ground-truth box in pixel space.
type Annotation struct {
	// X, Y are the box center.
	X float32 `json:"x" yaml:"x"`
	Y float32 `json:"y" yaml:"y"`
	// W, H are the box dimensions.
	W float32 `json:"w" yaml:"w"`
	H float32 `json:"h" yaml:"h"`
	// Class is the label, resolved through the class table.
	Class string `json:"class" yaml:"class"`
}

// Targets holds the dense per-cell training targets of one image.
type Targets struct {
	// Presence has shape (H, W): whether a ground-truth center lies in the cell.
	Presence *tensor.Dense
	// Offset has shape (2, H, W): relative (y, x) position inside the cell.
	Offset *tensor.Dense
	// Dimension has shape (2, H, W): (w, h) relative to the cell size.
	Dimension *tensor.Dense
	// ClassID has shape (H, W).
	ClassID *tensor.Dense

	height, width int
	presence      []bool
	offset        []float32
	dimension     []float32
	classID       []int
}

// NewTargets allocates empty targets for a gridH×gridW grid.
func NewTargets(gridH, gridW int) *Targets {
	plane := gridH * gridW
	t := &Targets{
		height:    gridH,
		width:     gridW,
		presence:  make([]bool, plane),
		offset:    make([]float32, 2*plane),
		dimension: make([]float32, 2*plane),
		classID:   make([]int, plane),
	}
	t.Presence = tensor.New(tensor.WithShape(gridH, gridW), tensor.WithBacking(t.presence))
	t.Offset = tensor.New(tensor.WithShape(2, gridH, gridW), tensor.WithBacking(t.offset))
	t.Dimension = tensor.New(tensor.WithShape(2, gridH, gridW), tensor.WithBacking(t.dimension))
	t.ClassID = tensor.New(tensor.WithShape(gridH, gridW), tensor.WithBacking(t.classID))
	return t
}

// GridSize returns the grid height and width.
func (t *Targets) GridSize() (int, int) {
	return t.height, t.width
}

// Objects returns the number of cells holding a ground-truth object.
func (t *Targets) Objects() int {
	n := 0
	for _, p := range t.presence {
		if p {
			n++
		}
	}
	return n
}

// EncoderConfig carries everything Encode needs; Encode keeps no state between calls.
type EncoderConfig struct {
	// ImageHeight and ImageWidth are the image size in pixels.
	ImageHeight, ImageWidth int
	// CellSize is the cell edge in pixels.
	CellSize int
	// Classes resolves annotation labels to class ids.
	Classes *models.ClassTable
	// Logger receives collision warnings. Defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

// NewEncoderConfig derives an encoder configuration from a model configuration.
func NewEncoderConfig(cfg models.Config, imageHeight, imageWidth int) (EncoderConfig, error) {
	classes, err := cfg.ClassTable()
	if err != nil {
		return EncoderConfig{}, err
	}
	return EncoderConfig{
		ImageHeight: imageHeight,
		ImageWidth:  imageWidth,
		CellSize:    cfg.CellSize(),
		Classes:     classes,
	}, nil
}

// GridSize returns the number of whole cells on each axis.
func (c EncoderConfig) GridSize() (int, int) {
	return c.ImageHeight / c.CellSize, c.ImageWidth / c.CellSize
}

// Encode converts one image's annotations into dense per-cell targets.
//
// The owning cell of a box is (floor(y/cell), floor(x/cell)). Only one object
// can be recorded per cell: a later annotation centered in an occupied cell
// overwrites the earlier one. The collision is logged but behavior is unchanged.
//
// Arguments:
//   - cfg: Image size, cell size and class table.
//   - boxes: Annotations in pixel space.
//
// Returns:
//   - *Targets: The encoded targets.
//   - error: ErrUnknownClass for labels outside the class table, ErrOutOfBounds
//     for centers outside the grid or negative sizes.
//
// @example
// cfg := EncoderConfig{ImageHeight: 100, ImageWidth: 100, CellSize: 20, Classes: table}
// targets, err := Encode(cfg, []Annotation{{X: 25, Y: 35, W: 10, H: 10, Class: "cat"}})
// // cell (1, 1), offset (0.75, 0.25), dimension (0.5, 0.5)
func Encode(cfg EncoderConfig, boxes []Annotation) (*Targets, error) {
	if cfg.CellSize < 1 {
		return nil, errors.Errorf("invalid cell size %d", cfg.CellSize)
	}
	if cfg.Classes == nil {
		return nil, errors.New("encoder has no class table")
	}
	gridH, gridW := cfg.GridSize()
	if gridH == 0 || gridW == 0 {
		return nil, errors.Wrapf(ErrShapeMismatch, "image %dx%d holds no %d pixel cell",
			cfg.ImageWidth, cfg.ImageHeight, cfg.CellSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	t := NewTargets(gridH, gridW)
	plane := gridH * gridW
	cell := float32(cfg.CellSize)

	for i, b := range boxes {
		classID, err := cfg.Classes.Index(b.Class)
		if err != nil {
			return nil, errors.Wrapf(err, "annotation %d", i)
		}
		if b.W < 0 || b.H < 0 {
			return nil, errors.Wrapf(ErrOutOfBounds, "annotation %d has negative size %vx%v", i, b.W, b.H)
		}

		row := int(math32.Floor(b.Y / cell))
		col := int(math32.Floor(b.X / cell))
		if row < 0 || row >= gridH || col < 0 || col >= gridW {
			return nil, errors.Wrapf(ErrOutOfBounds, "annotation %d centered at (%v, %v) outside %dx%d grid",
				i, b.X, b.Y, gridW, gridH)
		}

		idx := row*gridW + col
		if t.presence[idx] {
			logger.WithFields(logrus.Fields{
				"row":      row,
				"col":      col,
				"previous": cfg.Classes.Name(t.classID[idx]),
				"class":    b.Class,
			}).Warn("grid cell already holds an object, overwriting")
		}

		t.presence[idx] = true
		t.offset[idx] = math32.Mod(b.Y, cell) / cell
		t.offset[plane+idx] = math32.Mod(b.X, cell) / cell
		t.dimension[idx] = b.W / cell
		t.dimension[plane+idx] = b.H / cell
		t.classID[idx] = classID
	}

	return t, nil
}

// EncodeBatch encodes the annotations of every image of a batch.
func EncodeBatch(cfg EncoderConfig, batch [][]Annotation) ([]*Targets, error) {
	out := make([]*Targets, len(batch))
	for i, boxes := range batch {
		t, err := Encode(cfg, boxes)
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		out[i] = t
	}
	return out, nil
}
