package defacing

import (
	"fmt"
	"math"

	"mrideface/internal/models"
	"mrideface/pkg/interpolation"
)

// DefaultScaleFactor is the voxelization coarseness used when none is given.
const DefaultScaleFactor = 8.0

// Voxelize returns a blocky, low-resolution rendition of v on the same grid:
// every frame is downsampled by 1/s with a cubic spline and then upsampled
// back with nearest-neighbour interpolation. The input is not modified.
// Information discarded by the downsample cannot be recovered from the result.
func Voxelize(v *models.Volume, s float64) (*models.Volume, error) {
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return nil, fmt.Errorf("scale factor must be positive and finite, got %v", s)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}

	out := v.Clone()
	shape := v.Shape()
	for t := 0; t < v.Frames; t++ {
		small, smallShape, err := interpolation.Zoom(v.Frame(t), shape, 1/s, interpolation.Cubic)
		if err != nil {
			return nil, fmt.Errorf("downsample frame %d: %w", t, err)
		}
		up, err := interpolation.Resample(small, smallShape, shape, interpolation.Nearest)
		if err != nil {
			return nil, fmt.Errorf("upsample frame %d: %w", t, err)
		}
		copy(out.Frame(t), up)
	}
	return out, nil
}
