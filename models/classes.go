package models

import (
	"github.com/pkg/errors"
)

// ErrUnknownClass is returned when a label is absent from the configured class table.
var ErrUnknownClass = errors.New("unknown class")

// OutputClass represents one detection label.
type OutputClass struct {
	// The integer index predicted by the model.
	Index int
	// The human-readable label.
	Name string
}

// ClassTable is the fixed, ordered label list of a model.
type ClassTable struct {
	// Classes in model output order.
	Classes []OutputClass
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
}

// NewClassTable builds a table from an ordered label list. Labels must be unique.
func NewClassTable(labels []string) (*ClassTable, error) {
	if len(labels) == 0 {
		return nil, errors.New("class table is empty")
	}
	table := &ClassTable{
		Classes:   make([]OutputClass, len(labels)),
		nameToIdx: make(map[string]int, len(labels)),
	}
	for i, name := range labels {
		if _, dup := table.nameToIdx[name]; dup {
			return nil, errors.Errorf("duplicate class %q", name)
		}
		table.Classes[i] = OutputClass{Index: i, Name: name}
		table.nameToIdx[name] = i
	}
	return table, nil
}

// Len returns the number of classes.
func (t *ClassTable) Len() int {
	return len(t.Classes)
}

// Index returns the class id for a label.
func (t *ClassTable) Index(name string) (int, error) {
	idx, ok := t.nameToIdx[name]
	if !ok {
		return -1, errors.Wrapf(ErrUnknownClass, "%q", name)
	}
	return idx, nil
}

// Name returns the label for a class id, or an empty string when out of range.
func (t *ClassTable) Name(idx int) string {
	if idx < 0 || idx >= len(t.Classes) {
		return ""
	}
	return t.Classes[idx].Name
}

// PascalVOCLabels is the 20 Pascal VOC classes (no background).
var PascalVOCLabels = []string{
	"aeroplane", "bicycle", "bird", "boat", "bottle",
	"bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person",
	"pottedplant", "sheep", "sofa", "train", "tvmonitor",
}

// COCOLabels is the 80 COCO classes in YOLO order (no background).
var COCOLabels = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

// LookupLabels returns the preset label list of a model family, or nil.
func LookupLabels(family ModelFamily) []string {
	switch family {
	case ModelFamilyVOC:
		return PascalVOCLabels
	case ModelFamilyCOCO:
		return COCOLabels
	default:
		return nil
	}
}
