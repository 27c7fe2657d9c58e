package inference

import (
	"github.com/nvr-ai/gridnet/models/postprocess"
)

// Options are the call-time parameters of Engine.Detect.
type Options struct {
	// DetectionThreshold keeps cells whose confidence is strictly above it.
	DetectionThreshold float32 `json:"detection_threshold" yaml:"detection_threshold"`
	// ThresholdIntersect is the NMS IoU threshold. Nil disables suppression.
	ThresholdIntersect *float32 `json:"threshold_intersect" yaml:"threshold_intersect"`
	// MultiScale decodes every scale that still holds a whole cell.
	MultiScale bool `json:"multi_scale" yaml:"multi_scale"`
	// ClassAware restricts suppression to boxes of the same class.
	ClassAware bool `json:"class_aware" yaml:"class_aware"`
	// NumWorkers bounds the goroutines suppressing images in parallel. 0 uses one per CPU.
	NumWorkers int `json:"num_workers" yaml:"num_workers"`
}

// DefaultOptions returns a detection threshold of 0.5 with NMS at IoU 0.6 on
// the first scale only.
//
// Returns:
//   - Options: The default options.
//
// @example
// opts := DefaultOptions()
// opts.ThresholdIntersect = nil // keep overlapping boxes
func DefaultOptions() Options {
	return Options{
		DetectionThreshold: 0.5,
		ThresholdIntersect: Float32(0.6),
	}
}

// Float32 returns a pointer to v.
func Float32(v float32) *float32 {
	return &v
}

// nms returns the suppression configuration, or nil when suppression is disabled.
func (o Options) nms() *postprocess.NMSConfig {
	if o.ThresholdIntersect == nil {
		return nil
	}
	return &postprocess.NMSConfig{
		IoUThreshold: *o.ThresholdIntersect,
		ClassAware:   o.ClassAware,
		NumWorkers:   o.NumWorkers,
	}
}
