// Package inference - Detection engine combining a head, the grid decoder and NMS.
package inference

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/gridnet/images"
	"github.com/nvr-ai/gridnet/models"
	"github.com/nvr-ai/gridnet/models/grid"
	"github.com/nvr-ai/gridnet/models/head"
	"github.com/nvr-ai/gridnet/models/postprocess"
)

// EngineBuilder assembles an Engine with a fluent API. The first error is
// kept and returned by Build.
type EngineBuilder struct {
	model  *models.Config
	head   grid.Head
	logger logrus.FieldLogger
	err    error
}

// NewEngineBuilder creates a new engine builder.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{}
}

// WithModel sets the model configuration.
//
// Arguments:
//   - cfg: The model configuration.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithModel(cfg models.Config) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if err := cfg.Validate(); err != nil {
		b.err = err
		return b
	}
	b.model = &cfg
	return b
}

// WithHead creates the Detection Head described by args. WithModel must be
// called first; args.Model is replaced with the engine's model configuration.
func (b *EngineBuilder) WithHead(args head.Args) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if b.model == nil {
		b.err = errors.New("model must be configured before the head")
		return b
	}
	args.Model = *b.model
	h, err := head.New(args)
	if err != nil {
		b.err = err
		return b
	}
	b.head = h
	return b
}

// WithDetectionHead uses an existing head.
func (b *EngineBuilder) WithDetectionHead(h grid.Head) *EngineBuilder {
	if b.HasError() {
		return b
	}
	b.head = h
	return b
}

// WithLogger sets the logger. Defaults to the logrus standard logger.
func (b *EngineBuilder) WithLogger(logger logrus.FieldLogger) *EngineBuilder {
	b.logger = logger
	return b
}

// HasError checks if the engine builder has errors.
//
// Returns:
//   - bool: True if there are errors, false otherwise.
func (b *EngineBuilder) HasError() bool {
	return b.err != nil
}

// Build builds the engine.
//
// Returns:
//   - *Engine: The engine.
//   - error: The first error recorded by the builder, if any.
func (b *EngineBuilder) Build() (*Engine, error) {
	if b.HasError() {
		return nil, b.err
	}
	if b.model == nil {
		return nil, errors.New("model not configured")
	}
	if b.head == nil {
		return nil, errors.New("head not configured")
	}
	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{model: *b.model, head: b.head, logger: logger}, nil
}

// MustBuild builds the engine and panics if there is an error.
func (b *EngineBuilder) MustBuild() *Engine {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}

// Engine runs a Detection Head over image batches and turns its grid
// predictions into suppressed detections. It is safe for concurrent use when
// the head is.
type Engine struct {
	model  models.Config
	head   grid.Head
	logger logrus.FieldLogger
}

// Model returns the engine's model configuration.
func (e *Engine) Model() models.Config {
	return e.model
}

// Detect decodes an (N, C, H, W) batch and applies non-max suppression per image.
//
// Arguments:
//   - ctx: Checked before the batch is decoded and before suppression.
//   - batch: The float32 image batch.
//   - opts: Call-time thresholds.
//
// Returns:
//   - []postprocess.Detections: One entry per image, in batch order.
//   - error: Any decode error aborts the whole call.
func (e *Engine) Detect(ctx context.Context, batch *tensor.Dense, opts Options) ([]postprocess.Detections, error) {
	boxes, err := e.detect(ctx, batch, opts)
	if err != nil {
		return nil, err
	}
	out := make([]postprocess.Detections, len(boxes))
	for i, b := range boxes {
		out[i] = postprocess.ToDetections(b)
	}
	return out, nil
}

func (e *Engine) detect(ctx context.Context, batch *tensor.Dense, opts Options) ([][]postprocess.BoundingBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	boxes, err := grid.Decode(e.head, batch, grid.DecoderConfig{
		Model:              e.model,
		DetectionThreshold: opts.DetectionThreshold,
		MultiScale:         opts.MultiScale,
		Logger:             e.logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "decoding")
	}

	nms := opts.nms()
	if nms == nil {
		return boxes, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kept := postprocess.ApplyBatchNMS(boxes, nms)
	e.logger.WithFields(logrus.Fields{
		"images":    len(boxes),
		"decoded":   countBoxes(boxes),
		"kept":      countBoxes(kept),
		"threshold": nms.IoUThreshold,
	}).Debug("applied non-max suppression")
	return kept, nil
}

// DetectImages resizes encoded images to the model input size, runs Detect
// and maps the boxes back to each image's own pixel space.
func (e *Engine) DetectImages(ctx context.Context, imgs []*images.Image, opts Options) ([]postprocess.Detections, error) {
	batch, err := images.LoadTensor(imgs, e.model.InputWidth, e.model.InputHeight)
	if err != nil {
		return nil, err
	}
	boxes, err := e.detect(ctx, batch, opts)
	if err != nil {
		return nil, err
	}

	out := make([]postprocess.Detections, len(boxes))
	for i, perImage := range boxes {
		sx := float32(imgs[i].Width) / float32(e.model.InputWidth)
		sy := float32(imgs[i].Height) / float32(e.model.InputHeight)
		for j := range perImage {
			perImage[j].X *= sx
			perImage[j].W *= sx
			perImage[j].Y *= sy
			perImage[j].H *= sy
		}
		out[i] = postprocess.ToDetections(perImage)
	}
	return out, nil
}

// Loss runs the head once over the batch and scores it against the
// annotations of every image.
func (e *Engine) Loss(ctx context.Context, batch *tensor.Dense, annotations [][]grid.Annotation) (grid.Loss, error) {
	if err := ctx.Err(); err != nil {
		return grid.Loss{}, err
	}
	if batch == nil {
		return grid.Loss{}, errors.Wrap(images.ErrShapeMismatch, "loss: nil batch")
	}
	shape := batch.Shape()
	if len(shape) != 4 {
		return grid.Loss{}, errors.Wrapf(images.ErrShapeMismatch, "loss: expected (N,C,H,W), got %v", shape)
	}
	cfg, err := grid.NewEncoderConfig(e.model, shape[2], shape[3])
	if err != nil {
		return grid.Loss{}, err
	}
	cfg.Logger = e.logger
	targets, err := grid.EncodeBatch(cfg, annotations)
	if err != nil {
		return grid.Loss{}, errors.Wrap(err, "encoding targets")
	}

	pred, err := e.head.Predict(batch)
	if err != nil {
		return grid.Loss{}, errors.Wrap(err, "head")
	}
	return grid.ComputeLoss(grid.LossConfig{ClassWeights: e.model.ClassWeights}, targets, pred)
}

// Close releases the head if it holds native resources.
func (e *Engine) Close() error {
	if c, ok := e.head.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func countBoxes(batch [][]postprocess.BoundingBox) int {
	n := 0
	for _, b := range batch {
		n += len(b)
	}
	return n
}
