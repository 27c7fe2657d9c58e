package head

import (
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/gridnet/images"
	"github.com/nvr-ai/gridnet/models"
	"github.com/nvr-ai/gridnet/models/grid"
)

// ONNXConfig configures an ONNXHead.
type ONNXConfig struct {
	// ModelPath is the ONNX model file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// SharedLibraryPath points to the onnxruntime shared library. Empty uses DefaultSharedLibraryPath.
	SharedLibraryPath string `json:"shared_library_path" yaml:"shared_library_path"`
	// InputName is the image input node.
	InputName string `json:"input_name" yaml:"input_name"`
	// OutputNames are the confidence, position, dimension and class logit nodes, in that order.
	OutputNames [4]string `json:"output_names" yaml:"output_names"`
	// IntraOpThreads sets intra-op parallelism. 0 lets the runtime decide.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	// Provider selects the execution provider. Defaults to the CPU.
	Provider ProviderConfig `json:"provider" yaml:"provider"`
}

// DefaultONNXConfig returns the node names gridnet models are exported with.
func DefaultONNXConfig(modelPath string) ONNXConfig {
	return ONNXConfig{
		ModelPath:   modelPath,
		InputName:   "images",
		OutputNames: [4]string{"confidence", "position", "dimension", "class_logits"},
	}
}

// Validate checks that the configuration names a model and every node.
func (c ONNXConfig) Validate() error {
	if c.ModelPath == "" {
		return errors.New("onnx head: model path is required")
	}
	if c.InputName == "" {
		return errors.New("onnx head: input name is required")
	}
	for i, name := range c.OutputNames {
		if name == "" {
			return errors.Errorf("onnx head: output %d has no name", i)
		}
	}
	_, err := ParseBackend(string(c.Provider.Backend))
	return err
}

// DefaultSharedLibraryPath returns the onnxruntime library path for the current platform.
func DefaultSharedLibraryPath() (string, error) {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll", nil
	case "darwin":
		return "./third_party/libonnxruntime.dylib", nil
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so", nil
		}
		return "./third_party/onnxruntime.so", nil
	}
	return "", errors.Errorf("no onnxruntime library for %s/%s", runtime.GOOS, runtime.GOARCH)
}

var environmentMu sync.Mutex

// initializeEnvironment loads the runtime once per process.
func initializeEnvironment(libPath string) error {
	environmentMu.Lock()
	defer environmentMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %s", libPath)
	}
	ort.SetSharedLibraryPath(libPath)
	return errors.Wrap(ort.InitializeEnvironment(), "initializing onnxruntime")
}

// ONNXHead runs an exported Detection Head through ONNX Runtime. The model
// takes an (N, C, H, W) float32 batch and produces the four prediction maps
// of a grid.PredictionGrid with dynamic batch and grid axes.
type ONNXHead struct {
	session  *ort.DynamicAdvancedSession
	cellSize int
	slots    int
	classes  int
}

// NewONNXHead loads the model and creates a session.
//
// Arguments:
//   - model: The model configuration the network was trained with.
//   - cfg: The ONNX session configuration.
//
// Returns:
//   - *ONNXHead: The head. Close must be called to release the native session.
//   - error: An error if the runtime or the model cannot be loaded.
func NewONNXHead(model models.Config, cfg ONNXConfig) (*ONNXHead, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	libPath := cfg.SharedLibraryPath
	if libPath == "" {
		var err error
		if libPath, err = DefaultSharedLibraryPath(); err != nil {
			return nil, err
		}
	}
	if err := initializeEnvironment(libPath); err != nil {
		return nil, err
	}

	options, err := sessionOptions(cfg)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, cfg.OutputNames[:], options)
	if err != nil {
		return nil, errors.Wrapf(err, "creating session for %s", cfg.ModelPath)
	}

	return &ONNXHead{
		session:  session,
		cellSize: model.CellSize(),
		slots:    model.BBoxesPerCell,
		classes:  len(model.Labels()),
	}, nil
}

// outputShapes returns the expected confidence, position, dimension and
// class logit shapes for an input batch shape.
func outputShapes(shape tensor.Shape, cellSize, slots, classes int) ([4]ort.Shape, error) {
	if len(shape) != 4 {
		return [4]ort.Shape{}, errors.Wrapf(images.ErrShapeMismatch, "onnx head: expected (N,C,H,W), got %v", shape)
	}
	n, gh, gw := int64(shape[0]), int64(shape[2]/cellSize), int64(shape[3]/cellSize)
	if gh == 0 || gw == 0 {
		return [4]ort.Shape{}, errors.Wrapf(images.ErrShapeMismatch, "onnx head: %v holds no %d pixel cell", shape, cellSize)
	}
	s := int64(slots)
	return [4]ort.Shape{
		ort.NewShape(n, s, gh, gw),
		ort.NewShape(n, s, 2, gh, gw),
		ort.NewShape(n, s, 2, gh, gw),
		ort.NewShape(n, s, int64(classes), gh, gw),
	}, nil
}

// Predict implements grid.Head.
func (h *ONNXHead) Predict(batch *tensor.Dense) (*grid.PredictionGrid, error) {
	if batch == nil {
		return nil, errors.Wrap(images.ErrShapeMismatch, "onnx head: nil batch")
	}
	shapes, err := outputShapes(batch.Shape(), h.cellSize, h.slots, h.classes)
	if err != nil {
		return nil, err
	}
	data, err := images.Float32Backing(batch)
	if err != nil {
		return nil, err
	}

	dims := make([]int64, len(batch.Shape()))
	for i, d := range batch.Shape() {
		dims[i] = int64(d)
	}
	input, err := ort.NewTensor(ort.NewShape(dims...), data)
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}
	defer input.Destroy()

	outputs := make([]*ort.Tensor[float32], len(shapes))
	values := make([]ort.Value, len(shapes))
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()
	for i, s := range shapes {
		if outputs[i], err = ort.NewEmptyTensor[float32](s); err != nil {
			return nil, errors.Wrapf(err, "creating output tensor %d", i)
		}
		values[i] = outputs[i]
	}

	if err := h.session.Run([]ort.Value{input}, values); err != nil {
		return nil, errors.Wrap(err, "running onnx session")
	}

	maps := make([]*tensor.Dense, len(outputs))
	for i, o := range outputs {
		shape := make([]int, len(shapes[i]))
		for j, d := range shapes[i] {
			shape[j] = int(d)
		}
		// output buffers are freed on return
		maps[i] = tensor.New(tensor.WithShape(shape...),
			tensor.WithBacking(append([]float32(nil), o.GetData()...)))
	}

	return &grid.PredictionGrid{
		Confidence:  maps[0],
		Position:    maps[1],
		Dimension:   maps[2],
		ClassLogits: maps[3],
	}, nil
}

// Close releases the native session.
func (h *ONNXHead) Close() error {
	if h.session == nil {
		return nil
	}
	err := h.session.Destroy()
	h.session = nil
	return errors.Wrap(err, "destroying onnx session")
}
