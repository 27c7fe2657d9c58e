// Package models - Model configuration and class tables for grid detectors.
package models

// ModelFamily names a preset label set.
type ModelFamily string

const (
	// ModelFamilyCOCO is the 80 COCO classes.
	ModelFamilyCOCO ModelFamily = "coco"
	// ModelFamilyVOC is the 20 Pascal VOC classes.
	ModelFamilyVOC ModelFamily = "voc"
)
