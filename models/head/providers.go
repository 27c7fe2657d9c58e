package head

import (
	"strconv"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Backend names an ONNX Runtime execution provider.
type Backend string

const (
	// BackendCPU is the default CPU provider.
	BackendCPU Backend = "cpu"
	// BackendCUDA runs on NVIDIA GPUs.
	BackendCUDA Backend = "cuda"
	// BackendCoreML runs on Apple devices.
	BackendCoreML Backend = "coreml"
	// BackendOpenVINO runs on Intel CPUs and GPUs.
	BackendOpenVINO Backend = "openvino"
)

// ParseBackend returns the Backend named s. An empty name selects the CPU.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case "":
		return BackendCPU, nil
	case BackendCPU, BackendCUDA, BackendCoreML, BackendOpenVINO:
		return b, nil
	default:
		return "", errors.Errorf("unsupported execution provider: %s", s)
	}
}

// ProviderConfig selects the execution provider of an ONNX session.
type ProviderConfig struct {
	Backend Backend `json:"backend" yaml:"backend"`
	// Options are passed to the provider as-is, e.g. "device_id" or "device_type".
	Options map[string]string `json:"options" yaml:"options"`
}

// sessionOptions builds the native session options for cfg. The caller owns
// the returned options.
func sessionOptions(cfg ONNXConfig) (*ort.SessionOptions, error) {
	backend, err := ParseBackend(string(cfg.Provider.Backend))
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating session options")
	}
	if err := configure(options, cfg, backend); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func configure(options *ort.SessionOptions, cfg ONNXConfig, backend Backend) error {
	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return errors.Wrap(err, "setting intra-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return errors.Wrap(err, "setting graph optimization level")
	}

	switch backend {
	case BackendCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "creating CUDA options")
		}
		defer cuda.Destroy()
		if len(cfg.Provider.Options) > 0 {
			if err := cuda.Update(cfg.Provider.Options); err != nil {
				return errors.Wrap(err, "updating CUDA options")
			}
		}
		return errors.Wrap(options.AppendExecutionProviderCUDA(cuda), "enabling CUDA")
	case BackendCoreML:
		var flags uint32
		if v, ok := cfg.Provider.Options["flags"]; ok {
			parsed, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return errors.Wrapf(err, "parsing CoreML flags %q", v)
			}
			flags = uint32(parsed)
		}
		return errors.Wrap(options.AppendExecutionProviderCoreML(flags), "enabling CoreML")
	case BackendOpenVINO:
		opts := cfg.Provider.Options
		if opts == nil {
			opts = map[string]string{}
		}
		return errors.Wrap(options.AppendExecutionProviderOpenVINO(opts), "enabling OpenVINO")
	}
	return nil
}
