// Package postprocess - Postprocessing utilities for grid detector outputs.
package postprocess

import (
	"fmt"

	"github.com/nvr-ai/gridnet/images"
)

// BoundingBox is one decoded detection in pixel space.
type BoundingBox struct {
	// X, Y are the box center.
	X, Y float32
	// W, H are the box dimensions.
	W, H float32
	// ClassID is the predicted class index.
	ClassID int
	// Label is the human-readable class name.
	Label string
	// BBoxConfidence is the selected slot's confidence.
	BBoxConfidence float32
	// ClassConfidence is the softmax probability of ClassID.
	ClassConfidence float32
}

// Rect returns the center-parameterized rectangle of the box.
func (b BoundingBox) Rect() images.Rect {
	return images.Rect{X: b.X, Y: b.Y, W: b.W, H: b.H}
}

// IoU returns the intersection over union with another box.
func (b BoundingBox) IoU(other BoundingBox) float32 {
	return images.CalculateIoU(b.Rect(), other.Rect())
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("Object %s (confidence %f, class %f): center (%f, %f) size %fx%f",
		b.Label, b.BBoxConfidence, b.ClassConfidence, b.X, b.Y, b.W, b.H)
}

// Detections holds one image's detections as parallel arrays.
type Detections struct {
	X               []float32 `json:"x"`
	Y               []float32 `json:"y"`
	W               []float32 `json:"w"`
	H               []float32 `json:"h"`
	Class           []string  `json:"class"`
	BBoxConfidence  []float32 `json:"bbox_confidence"`
	ClassConfidence []float32 `json:"class_confidence"`
}

// Len returns the number of detections.
func (d Detections) Len() int {
	return len(d.X)
}

// ToDetections converts boxes into parallel arrays, preserving order.
func ToDetections(boxes []BoundingBox) Detections {
	d := Detections{
		X:               make([]float32, len(boxes)),
		Y:               make([]float32, len(boxes)),
		W:               make([]float32, len(boxes)),
		H:               make([]float32, len(boxes)),
		Class:           make([]string, len(boxes)),
		BBoxConfidence:  make([]float32, len(boxes)),
		ClassConfidence: make([]float32, len(boxes)),
	}
	for i, b := range boxes {
		d.X[i], d.Y[i], d.W[i], d.H[i] = b.X, b.Y, b.W, b.H
		d.Class[i] = b.Label
		d.BBoxConfidence[i] = b.BBoxConfidence
		d.ClassConfidence[i] = b.ClassConfidence
	}
	return d
}
