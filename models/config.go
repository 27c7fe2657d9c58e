package models

import (
	"os"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config describes a grid detector. Every field is fixed at construction.
type Config struct {
	// Family selects a preset label list when Classes is empty.
	Family ModelFamily `json:"family" yaml:"family"`
	// Classes is the ordered label list.
	Classes []string `json:"classes" yaml:"classes"`
	// BBoxesPerCell is the number of candidate slots per grid cell.
	BBoxesPerCell int `json:"bboxes_per_cell" yaml:"bboxes_per_cell"`
	// DownsampleFactor is stride × pooling of one backbone stage.
	DownsampleFactor int `json:"downsample_factor" yaml:"downsample_factor"`
	// NumberOfStages fixes the cell size to DownsampleFactor^NumberOfStages.
	NumberOfStages int `json:"number_of_stages" yaml:"number_of_stages"`
	// InputWidth is the width images are resized to before inference.
	InputWidth int `json:"input_width" yaml:"input_width"`
	// InputHeight is the height images are resized to before inference.
	InputHeight int `json:"input_height" yaml:"input_height"`
	// ClassWeights optionally scales the class loss per class id.
	ClassWeights []float32 `json:"class_weights" yaml:"class_weights"`
}

// DefaultConfig returns a VOC detector with two slots per cell and 32 pixel cells.
//
// Returns:
//   - Config: The default configuration.
//
// @example
// cfg := DefaultConfig()
// cfg.BBoxesPerCell = 3
func DefaultConfig() Config {
	return Config{
		Family:           ModelFamilyVOC,
		BBoxesPerCell:    2,
		DownsampleFactor: 2,
		NumberOfStages:   5,
		InputWidth:       416,
		InputHeight:      416,
	}
}

// CellSize returns DownsampleFactor^NumberOfStages using integer arithmetic.
func (c Config) CellSize() int {
	return Pow(c.DownsampleFactor, c.NumberOfStages)
}

// Labels returns Classes, or the family preset when Classes is empty.
func (c Config) Labels() []string {
	if len(c.Classes) > 0 {
		return c.Classes
	}
	return LookupLabels(c.Family)
}

// ClassTable builds the class table of the configuration.
func (c Config) ClassTable() (*ClassTable, error) {
	return NewClassTable(c.Labels())
}

// Validate checks the configuration for values the detector cannot work with.
func (c Config) Validate() error {
	if len(c.Labels()) == 0 {
		return errors.New("no classes configured")
	}
	if c.BBoxesPerCell < 1 {
		return errors.Errorf("bboxes_per_cell must be positive, got %d", c.BBoxesPerCell)
	}
	if c.DownsampleFactor < 1 {
		return errors.Errorf("downsample_factor must be positive, got %d", c.DownsampleFactor)
	}
	if c.NumberOfStages < 0 {
		return errors.Errorf("number_of_stages must not be negative, got %d", c.NumberOfStages)
	}
	cell := c.CellSize()
	if c.InputWidth < cell || c.InputHeight < cell {
		return errors.Errorf("input %dx%d smaller than cell size %d", c.InputWidth, c.InputHeight, cell)
	}
	if len(c.ClassWeights) > 0 && len(c.ClassWeights) != len(c.Labels()) {
		return errors.Errorf("%d class weights for %d classes", len(c.ClassWeights), len(c.Labels()))
	}
	return CheckClassWeights(c.ClassWeights)
}

// CheckClassWeights rejects class weights that are negative, NaN or infinite.
// A negative weight would make the class loss negative.
func CheckClassWeights(weights []float32) error {
	for i, w := range weights {
		if w < 0 || math32.IsNaN(w) || math32.IsInf(w, 0) {
			return errors.Errorf("class weight %d must be finite and non-negative, got %v", i, w)
		}
	}
	return nil
}

// LoadConfig reads a YAML configuration. Missing fields keep their defaults.
//
// Arguments:
//   - path: Path to the YAML file.
//
// Returns:
//   - Config: The validated configuration.
//   - error: An error if the file cannot be read, parsed or validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Pow returns base^exp for non-negative exp without floating-point rounding.
func Pow(base, exp int) int {
	result := 1
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
