package defacing

import (
	"errors"
	"fmt"
	"math"

	"mrideface/internal/models"
)

// ErrMaskGridMismatch means the face mask is not on the image's voxel grid.
var ErrMaskGridMismatch = errors.New("face mask does not match image grid")

// Composite blends the original and voxelized volumes through the face mask:
//
//	out = in*m + vox*(1-m)
//
// The mask is 1 where the original is kept and 0 over the face. A single
// frame mask is applied to every frame of a 4D image.
func Composite(in, vox, mask *models.Volume) (*models.Volume, error) {
	if !in.SameGrid(vox) || in.Frames != vox.Frames {
		return nil, fmt.Errorf("voxelized volume %dx%dx%dx%d does not match input %dx%dx%dx%d",
			vox.Width, vox.Height, vox.Depth, vox.Frames, in.Width, in.Height, in.Depth, in.Frames)
	}
	if !in.SameGrid(mask) || (mask.Frames != 1 && mask.Frames != in.Frames) {
		return nil, fmt.Errorf("%w: mask %dx%dx%dx%d, image %dx%dx%dx%d", ErrMaskGridMismatch,
			mask.Width, mask.Height, mask.Depth, mask.Frames, in.Width, in.Height, in.Depth, in.Frames)
	}

	out := in.Clone()
	for t := 0; t < in.Frames; t++ {
		src, blur, dst := in.Frame(t), vox.Frame(t), out.Frame(t)
		m := mask.Frame(0)
		if mask.Frames > 1 {
			m = mask.Frame(t)
		}
		for i, w := range m {
			switch w {
			case 1:
				dst[i] = src[i]
			case 0:
				dst[i] = blur[i]
			default:
				dst[i] = src[i]*w + blur[i]*(1-w)
			}
		}
	}
	return out, nil
}

// MaskRange returns the smallest and largest mask values, ignoring NaNs.
func MaskRange(mask *models.Volume) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, w := range mask.Data {
		if math.IsNaN(w) {
			continue
		}
		lo = math.Min(lo, w)
		hi = math.Max(hi, w)
	}
	return lo, hi
}
