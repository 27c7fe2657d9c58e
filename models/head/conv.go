// Package head - Detection Heads producing per-cell grid predictions.
package head

import (
	"os"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/gridnet/images"
	"github.com/nvr-ai/gridnet/models"
	"github.com/nvr-ai/gridnet/models/grid"
)

// ConvWeights are the parameters of a ConvHead. Kernel is laid out as
// (outputs, channels) row-major, Bias has one entry per output channel.
type ConvWeights struct {
	Kernel []float32 `json:"kernel" yaml:"kernel"`
	Bias   []float32 `json:"bias" yaml:"bias"`
}

// LoadConvWeights reads ConvWeights from a YAML file.
func LoadConvWeights(path string) (ConvWeights, error) {
	var w ConvWeights
	data, err := os.ReadFile(path)
	if err != nil {
		return w, errors.Wrap(err, "reading conv weights")
	}
	if err := yaml.Unmarshal(data, &w); err != nil {
		return w, errors.Wrapf(err, "parsing conv weights %s", path)
	}
	return w, nil
}

// ConvHead is a minimal Detection Head: the Feature Encoder average-pools the
// batch by the cell size so every cell becomes one feature vector, and a 1×1
// convolution maps each vector to the slot predictions.
//
// Output channels are grouped per slot as
// [confidence, y, x, w, h, logit_0 .. logit_K-1].
type ConvHead struct {
	cellSize int
	slots    int
	classes  int
	channels int
	kernel   *tensor.Dense
	bias     []float32
}

// perSlot is the number of output channels of one slot besides the class logits.
const perSlot = 5

// NewConvHead creates a ConvHead for images with the given number of channels.
//
// Arguments:
//   - cfg: The model configuration.
//   - channels: Number of input image channels.
//   - weights: Kernel and bias. A nil kernel is initialized with Glorot-uniform
//     values and a nil bias with zeros.
//
// Returns:
//   - *ConvHead: The head.
//   - error: An error if the configuration or the weight sizes are invalid.
func NewConvHead(cfg models.Config, channels int, weights ConvWeights) (*ConvHead, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if channels < 1 {
		return nil, errors.Errorf("channels must be positive, got %d", channels)
	}
	h := &ConvHead{
		cellSize: cfg.CellSize(),
		slots:    cfg.BBoxesPerCell,
		classes:  len(cfg.Labels()),
		channels: channels,
	}
	outputs := h.outputs()

	kernel := weights.Kernel
	if kernel == nil {
		kernel = G.GlorotU(1.0)(tensor.Float32, outputs, channels, 1, 1).([]float32)
	}
	if len(kernel) != outputs*channels {
		return nil, errors.Wrapf(images.ErrShapeMismatch, "kernel has %d values, want %d×%d",
			len(kernel), outputs, channels)
	}
	h.kernel = tensor.New(tensor.WithShape(outputs, channels, 1, 1), tensor.WithBacking(kernel))

	h.bias = weights.Bias
	if h.bias == nil {
		h.bias = make([]float32, outputs)
	}
	if len(h.bias) != outputs {
		return nil, errors.Wrapf(images.ErrShapeMismatch, "bias has %d values, want %d", len(h.bias), outputs)
	}
	return h, nil
}

func (h *ConvHead) outputs() int {
	return h.slots * (perSlot + h.classes)
}

// Predict implements grid.Head.
func (h *ConvHead) Predict(batch *tensor.Dense) (*grid.PredictionGrid, error) {
	if batch == nil {
		return nil, errors.Wrap(images.ErrShapeMismatch, "conv head: nil batch")
	}
	shape := batch.Shape()
	if len(shape) != 4 || shape[1] != h.channels {
		return nil, errors.Wrapf(images.ErrShapeMismatch, "conv head: expected (N,%d,H,W), got %v", h.channels, shape)
	}
	features, err := images.AvgPool(batch, h.cellSize)
	if err != nil {
		return nil, errors.Wrap(err, "feature encoder")
	}

	raw, err := h.convolve(features)
	if err != nil {
		return nil, err
	}
	fs := features.Shape()
	return h.split(raw, fs[0], fs[2], fs[3]), nil
}

// convolve runs the 1×1 convolution on a tape machine and returns the
// (N, outputs, H, W) result without bias.
func (h *ConvHead) convolve(features *tensor.Dense) ([]float32, error) {
	g := G.NewGraph()
	x := G.NewTensor(g, tensor.Float32, 4, G.WithShape(features.Shape()...), G.WithName("features"), G.WithValue(features))
	w := G.NewTensor(g, tensor.Float32, 4, G.WithShape(h.kernel.Shape()...), G.WithName("kernel"), G.WithValue(h.kernel))

	out, err := G.Conv2d(x, w, tensor.Shape{1, 1}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "building conv graph")
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "running conv graph")
	}

	dense, ok := out.Value().(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("unexpected conv output %T", out.Value())
	}
	data, err := images.Float32Backing(dense)
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), data...), nil
}

// split adds the bias, applies the activations and scatters the channels into
// the four prediction maps.
func (h *ConvHead) split(raw []float32, n, gh, gw int) *grid.PredictionGrid {
	plane := gh * gw
	cells := n * h.slots * plane
	conf := make([]float32, cells)
	pos := make([]float32, 2*cells)
	dim := make([]float32, 2*cells)
	logits := make([]float32, h.classes*cells)

	outputs := h.outputs()
	stride := perSlot + h.classes
	for b := 0; b < n; b++ {
		for s := 0; s < h.slots; s++ {
			base := s * stride
			channel := func(o int) []float32 {
				start := (b*outputs + base + o) * plane
				return raw[start : start+plane]
			}
			bias := func(o int) float32 { return h.bias[base+o] }
			slot := (b*h.slots + s) * plane

			for i, v := range channel(0) {
				conf[slot+i] = sigmoid(v + bias(0))
			}
			for a := 0; a < 2; a++ {
				for i, v := range channel(1 + a) {
					pos[2*slot+a*plane+i] = sigmoid(v + bias(1+a))
				}
				for i, v := range channel(3 + a) {
					dim[2*slot+a*plane+i] = math32.Exp(v + bias(3+a))
				}
			}
			for k := 0; k < h.classes; k++ {
				for i, v := range channel(perSlot + k) {
					logits[h.classes*slot+k*plane+i] = v + bias(perSlot+k)
				}
			}
		}
	}

	return &grid.PredictionGrid{
		Confidence:  tensor.New(tensor.WithShape(n, h.slots, gh, gw), tensor.WithBacking(conf)),
		Position:    tensor.New(tensor.WithShape(n, h.slots, 2, gh, gw), tensor.WithBacking(pos)),
		Dimension:   tensor.New(tensor.WithShape(n, h.slots, 2, gh, gw), tensor.WithBacking(dim)),
		ClassLogits: tensor.New(tensor.WithShape(n, h.slots, h.classes, gh, gw), tensor.WithBacking(logits)),
	}
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}
