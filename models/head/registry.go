package head

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/gridnet/models"
	"github.com/nvr-ai/gridnet/models/grid"
)

// Kind names a Detection Head implementation.
type Kind string

const (
	// KindConv is the gorgonia 1×1 convolution head.
	KindConv Kind = "conv"
	// KindONNX runs an exported model through ONNX Runtime.
	KindONNX Kind = "onnx"
)

// Args selects and configures a head.
type Args struct {
	Kind  Kind          `json:"kind" yaml:"kind"`
	Model models.Config `json:"model" yaml:"model"`
	// Channels is the number of input image channels of a conv head.
	Channels int `json:"channels" yaml:"channels"`
	// WeightsPath is an optional YAML file of ConvWeights.
	WeightsPath string `json:"weights_path" yaml:"weights_path"`
	// ONNX configures an ONNX head.
	ONNX ONNXConfig `json:"onnx" yaml:"onnx"`
}

// New creates the head named by args.Kind.
//
// Heads holding native resources also implement io.Closer.
//
// Arguments:
//   - args: Head selection and configuration.
//
// Returns:
//   - grid.Head: The head.
//   - error: An error if the kind is unsupported or construction fails.
func New(args Args) (grid.Head, error) {
	switch args.Kind {
	case KindConv, "":
		weights := ConvWeights{}
		if args.WeightsPath != "" {
			var err error
			if weights, err = LoadConvWeights(args.WeightsPath); err != nil {
				return nil, err
			}
		}
		channels := args.Channels
		if channels == 0 {
			channels = 3
		}
		h, err := NewConvHead(args.Model, channels, weights)
		if err != nil {
			return nil, err
		}
		return h, nil
	case KindONNX:
		h, err := NewONNXHead(args.Model, args.ONNX)
		if err != nil {
			return nil, err
		}
		return h, nil
	default:
		return nil, errors.Errorf("unsupported head kind: %s", args.Kind)
	}
}
