// Package visualization renders orthogonal slices of a volume to images for
// visual quality control of defaced output.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/stat"

	"mrideface/internal/models"
)

// Intensity percentiles mapped to black and white.
const (
	lowPercentile  = 0.01
	highPercentile = 0.99
)

// Viewer renders slices of the first frame of a volume.
type Viewer struct {
	vol *models.Volume

	// display window
	lo, hi float64
}

// NewViewer creates a viewer whose grey levels are windowed to the 1st-99th
// intensity percentiles of the first frame.
func NewViewer(vol *models.Volume) (*Viewer, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	frame := vol.Frame(0)
	sorted := make([]float64, 0, len(frame))
	for _, v := range frame {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			sorted = append(sorted, v)
		}
	}
	v := &Viewer{vol: vol}
	if len(sorted) > 0 {
		sort.Float64s(sorted)
		v.lo = stat.Quantile(lowPercentile, stat.Empirical, sorted, nil)
		v.hi = stat.Quantile(highPercentile, stat.Empirical, sorted, nil)
	}
	return v, nil
}

// Window returns the intensities mapped to black and white.
func (v *Viewer) Window() (lo, hi float64) { return v.lo, v.hi }

func (v *Viewer) gray(val float64) color.Gray16 {
	if v.hi <= v.lo || math.IsNaN(val) {
		return color.Gray16{}
	}
	f := (val - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Round(math.Max(0, math.Min(1, f)) * 65535))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
// Image columns follow the first in-plane voxel axis and rows the second,
// so row 0 is the lowest voxel index (inferior or posterior).
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	vol := v.vol
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// sagittal: y across, z down
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Height, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for y := 0; y < vol.Height; y++ {
				img.SetGray16(y, z, v.gray(vol.Data[vol.Index(position, y, z, 0)]))
			}
		}

	case "y", "Y":
		// coronal: x across, z down
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, z, v.gray(vol.Data[vol.Index(x, position, z, 0)]))
			}
		}

	case "z", "Z":
		// axial: x across, y down
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, y, v.gray(vol.Data[vol.Index(x, y, position, 0)]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// Snapshot renders the slice at position along axis resized to its physical
// aspect ratio and flipped so superior (or anterior) is at the top.
func (v *Viewer) Snapshot(axis string, position int) (image.Image, error) {
	img, err := v.ExtractSlice(axis, position)
	if err != nil {
		return nil, err
	}

	sx, sy, sz := voxelSize(v.vol)
	var du, dv float64
	switch axis {
	case "x", "X":
		du, dv = sy, sz
	case "y", "Y":
		du, dv = sx, sz
	default:
		du, dv = sx, sy
	}
	pixel := math.Min(du, dv)
	b := img.Bounds()
	w := int(math.Max(1, math.Round(float64(b.Dx())*du/pixel)))
	h := int(math.Max(1, math.Round(float64(b.Dy())*dv/pixel)))

	var out image.Image = img
	if w != b.Dx() || h != b.Dy() {
		out = imaging.Resize(img, w, h, imaging.Linear)
	}
	return imaging.FlipV(out), nil
}

func voxelSize(vol *models.Volume) (x, y, z float64) {
	fix := func(d float64) float64 {
		if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return 1
		}
		return d
	}
	return fix(vol.VoxelSize.X), fix(vol.VoxelSize.Y), fix(vol.VoxelSize.Z)
}

// SaveSlice saves an image; the format follows the file extension.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	return imaging.Save(img, filename)
}

// SaveSnapshots writes mid-sagittal, mid-coronal and mid-axial PNGs named
// <prefix>_<plane>.png into outputDir and returns their paths.
func (v *Viewer) SaveSnapshots(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	planes := []struct {
		name string
		axis string
		pos  int
	}{
		{"sagittal", "x", v.vol.Width / 2},
		{"coronal", "y", v.vol.Height / 2},
		{"axial", "z", v.vol.Depth / 2},
	}

	var paths []string
	for _, p := range planes {
		img, err := v.Snapshot(p.axis, p.pos)
		if err != nil {
			return paths, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, p.name))
		if err := v.SaveSlice(img, filename); err != nil {
			return paths, fmt.Errorf("save %s snapshot: %w", p.name, err)
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
