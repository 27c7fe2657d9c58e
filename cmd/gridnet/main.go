// Command gridnet runs a grid detector over images and prints the detections as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/gridnet/images"
	"github.com/nvr-ai/gridnet/inference"
	"github.com/nvr-ai/gridnet/models"
	"github.com/nvr-ai/gridnet/models/grid"
	"github.com/nvr-ai/gridnet/models/head"
	"github.com/nvr-ai/gridnet/models/postprocess"
	"github.com/nvr-ai/gridnet/util"
)

type flags struct {
	config      string
	model       string
	weights     string
	backend     string
	library     string
	threshold   float64
	intersect   float64
	multiScale  bool
	classAware  bool
	workers     int
	annotations string
	logLevel    string
}

func parseFlags(args []string) (flags, []string, error) {
	var f flags
	fs := flag.NewFlagSet("gridnet", flag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "YAML model configuration (defaults to the VOC preset)")
	fs.StringVar(&f.model, "model", "", "ONNX model; when empty a conv head is used")
	fs.StringVar(&f.weights, "weights", "", "YAML conv head weights")
	fs.StringVar(&f.backend, "backend", "cpu", "ONNX execution provider: cpu, cuda, coreml, openvino")
	fs.StringVar(&f.library, "onnxruntime", "", "path to the onnxruntime shared library")
	fs.Float64Var(&f.threshold, "threshold", 0.5, "detection threshold")
	fs.Float64Var(&f.intersect, "nms", 0.6, "NMS IoU threshold; negative disables suppression")
	fs.BoolVar(&f.multiScale, "multi-scale", false, "decode every scale that holds a whole cell")
	fs.BoolVar(&f.classAware, "class-aware", false, "only suppress boxes of the same class")
	fs.IntVar(&f.workers, "workers", 0, "NMS workers; 0 uses one per CPU")
	fs.StringVar(&f.annotations, "annotations", "", "YAML annotations per file name; prints the loss instead of detections")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return f, nil, err
	}
	if fs.NArg() == 0 {
		return f, nil, errors.New("no images given")
	}
	return f, fs.Args(), nil
}

func (f flags) options() inference.Options {
	opts := inference.DefaultOptions()
	opts.DetectionThreshold = float32(f.threshold)
	opts.ThresholdIntersect = inference.Float32(float32(f.intersect))
	if f.intersect < 0 {
		opts.ThresholdIntersect = nil
	}
	opts.MultiScale = f.multiScale
	opts.ClassAware = f.classAware
	opts.NumWorkers = f.workers
	return opts
}

func (f flags) headArgs() head.Args {
	if f.model == "" {
		return head.Args{Kind: head.KindConv, WeightsPath: f.weights}
	}
	onnx := head.DefaultONNXConfig(f.model)
	onnx.SharedLibraryPath = f.library
	onnx.Provider.Backend = head.Backend(f.backend)
	return head.Args{Kind: head.KindONNX, ONNX: onnx}
}

// result is the JSON line printed per image.
type result struct {
	Path       string                 `json:"path"`
	Detections postprocess.Detections `json:"detections"`
}

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "gridnet:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	f, paths, err := parseFlags(args)
	if err != nil {
		return err
	}
	logger, err := util.NewLogger(os.Stderr, f.logLevel, false)
	if err != nil {
		return err
	}

	cfg := models.DefaultConfig()
	if f.config != "" {
		if cfg, err = models.LoadConfig(f.config); err != nil {
			return err
		}
	}

	engine, err := inference.NewEngineBuilder().
		WithLogger(logger).
		WithModel(cfg).
		WithHead(f.headArgs()).
		Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	files, err := util.LoadImages(paths)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"images": len(files),
		"cell":   cfg.CellSize(),
		"slots":  cfg.BBoxesPerCell,
	}).Info("running detector")

	imgs := make([]*images.Image, len(files))
	for i, file := range files {
		imgs[i] = file.Image()
	}

	if f.annotations != "" {
		return printLoss(ctx, engine, files, imgs, f.annotations, logger)
	}

	dets, err := engine.DetectImages(ctx, imgs, f.options())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for i, d := range dets {
		if err := enc.Encode(result{Path: files[i].Path, Detections: d}); err != nil {
			return errors.Wrap(err, "writing detections")
		}
	}
	return nil
}

// loadAnnotations reads a YAML mapping of file base names to annotations.
func loadAnnotations(path string) (map[string][]grid.Annotation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading annotations")
	}
	out := map[string][]grid.Annotation{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrapf(err, "parsing annotations %s", path)
	}
	return out, nil
}

func printLoss(
	ctx context.Context,
	engine *inference.Engine,
	files []util.ImageFile,
	imgs []*images.Image,
	path string,
	logger logrus.FieldLogger,
) error {
	byName, err := loadAnnotations(path)
	if err != nil {
		return err
	}
	cfg := engine.Model()
	batch, err := images.LoadTensor(imgs, cfg.InputWidth, cfg.InputHeight)
	if err != nil {
		return err
	}

	annotations := make([][]grid.Annotation, len(files))
	for i, file := range files {
		annotations[i] = scaleAnnotations(byName[filepath.Base(file.Path)], imgs[i], cfg)
	}

	loss, err := engine.Loss(ctx, batch, annotations)
	if err != nil {
		return err
	}
	logger.WithField("total", loss.Total).Info("computed loss")
	return errors.Wrap(json.NewEncoder(os.Stdout).Encode(loss), "writing loss")
}

// scaleAnnotations maps annotations from image pixels to model input pixels.
func scaleAnnotations(in []grid.Annotation, img *images.Image, cfg models.Config) []grid.Annotation {
	sx := float32(cfg.InputWidth) / float32(img.Width)
	sy := float32(cfg.InputHeight) / float32(img.Height)
	out := make([]grid.Annotation, len(in))
	for i, a := range in {
		out[i] = grid.Annotation{X: a.X * sx, Y: a.Y * sy, W: a.W * sx, H: a.H * sy, Class: a.Class}
	}
	return out
}
