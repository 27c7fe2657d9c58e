package grid

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/gridnet/images"
	"github.com/nvr-ai/gridnet/models"
)

var (
	// ErrShapeMismatch reports batch, grid, slot or class-count disagreement
	// between tensors. Shapes are never broadcast to make them agree.
	ErrShapeMismatch = images.ErrShapeMismatch
	// ErrUnknownClass reports an annotation whose class is not in the class table.
	ErrUnknownClass = models.ErrUnknownClass
	// ErrOutOfBounds reports an annotation whose center falls outside the grid
	// or whose size is negative.
	ErrOutOfBounds = errors.New("annotation out of bounds")
)
