package models

import "fmt"

// Volume represents a 3D (optionally 4D) voxel grid loaded from a scan.
type Volume struct {
	// Data is the voxel data as a 1D array, x fastest, then y, z and frame
	Data []float64

	// Width is the number of voxels along x
	Width int

	// Height is the number of voxels along y
	Height int

	// Depth is the number of voxels along z
	Depth int

	// Frames is the number of 3D volumes stacked along the fourth axis (at least 1)
	Frames int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zeroed volume. Frames below 1 are treated as 1.
func NewVolume(width, height, depth, frames int) *Volume {
	if frames < 1 {
		frames = 1
	}
	v := &Volume{
		Data:   make([]float64, width*height*depth*frames),
		Width:  width,
		Height: height,
		Depth:  depth,
		Frames: frames,
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 1, 1, 1
	return v
}

// Index returns the offset of voxel (x, y, z) in frame t.
func (v *Volume) Index(x, y, z, t int) int {
	return x + v.Width*(y+v.Height*(z+v.Depth*t))
}

// FrameSize is the number of voxels in one 3D frame.
func (v *Volume) FrameSize() int {
	return v.Width * v.Height * v.Depth
}

// Frame returns the voxels of frame t. The slice aliases Data.
func (v *Volume) Frame(t int) []float64 {
	n := v.FrameSize()
	return v.Data[t*n : (t+1)*n]
}

// Shape returns the spatial dimensions as an array.
func (v *Volume) Shape() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// SameGrid reports whether o has the same spatial dimensions as v.
// Frame counts are not compared.
func (v *Volume) SameGrid(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	c := *v
	c.Data = make([]float64, len(v.Data))
	copy(c.Data, v.Data)
	return &c
}

// Validate checks that the buffer length matches the dimensions.
func (v *Volume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 || v.Frames <= 0 {
		return fmt.Errorf("invalid volume dimensions %dx%dx%dx%d", v.Width, v.Height, v.Depth, v.Frames)
	}
	if want := v.FrameSize() * v.Frames; len(v.Data) != want {
		return fmt.Errorf("volume data has %d voxels, expected %d", len(v.Data), want)
	}
	return nil
}
