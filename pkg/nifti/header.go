// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz).
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Header defines the structure of the NIfTI-1 header.
//
// Type translation from nifti1 C header to golang:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  uint8
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      uint8    // Unused
	DimInfo            uint8    // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     uint8      // Slice timing order
	XYZTUnits     uint8      // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "n+1\0" for single-file images
}

const (
	headerSize    = 348
	minDataOffset = 352
)

var singleFileMagic = [4]byte{'n', '+', '1', 0}

// NIfTI datatype codes supported by this package.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
	DTInt64   = 1024
	DTUint64  = 1280
)

// bytesPerVoxel returns the storage size of a datatype, or 0 if unsupported.
func bytesPerVoxel(dataType int16) int {
	switch dataType {
	case DTUint8, DTInt8:
		return 1
	case DTInt16, DTUint16:
		return 2
	case DTInt32, DTUint32, DTFloat32:
		return 4
	case DTInt64, DTUint64, DTFloat64:
		return 8
	}
	return 0
}

// decodeHeader parses the first 348 bytes of an image and detects the byte
// order from sizeof_hdr.
func decodeHeader(b []byte) (Header, binary.ByteOrder, error) {
	if len(b) < headerSize {
		return Header{}, nil, fmt.Errorf("header too short: %d bytes", len(b))
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(b) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(b) == headerSize:
		order = binary.BigEndian
	default:
		return Header{}, nil, fmt.Errorf("invalid sizeof_hdr, not a NIfTI-1 image")
	}

	var h Header
	if err := binary.Read(bytes.NewReader(b[:headerSize]), order, &h); err != nil {
		return Header{}, nil, fmt.Errorf("decode header: %w", err)
	}
	if err := h.validate(); err != nil {
		return Header{}, nil, err
	}
	return h, order, nil
}

func (h Header) validate() error {
	switch {
	case h.Magic != singleFileMagic:
		return fmt.Errorf("invalid magic %q: only single-file n+1 images are supported", h.Magic[:3])
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("invalid dim[0] %d", h.Dim[0])
	case bytesPerVoxel(h.DataType) == 0:
		return fmt.Errorf("unsupported datatype %d", h.DataType)
	}
	for i := 5; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] > 1 {
			return fmt.Errorf("images with more than 4 dimensions are not supported (dim[%d]=%d)", i, h.Dim[i])
		}
	}
	for i := 1; i <= 3 && i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("invalid dim[%d] %d", i, h.Dim[i])
		}
	}
	return nil
}

// Dims returns the grid size along x, y, z and the number of frames.
// Missing dimensions are reported as 1.
func (h Header) Dims() (nx, ny, nz, nt int) {
	d := [4]int{1, 1, 1, 1}
	for i := 1; i <= 4 && i <= int(h.Dim[0]); i++ {
		if h.Dim[i] > 0 {
			d[i-1] = int(h.Dim[i])
		}
	}
	return d[0], d[1], d[2], d[3]
}

// Scaling returns the slope and intercept applied to stored values.
// A zero or non-finite slope means the data are unscaled.
func (h Header) Scaling() (slope, inter float64) {
	slope, inter = float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 1, 0
	}
	if math.IsNaN(inter) || math.IsInf(inter, 0) {
		inter = 0
	}
	return slope, inter
}

// dataOffset returns where voxel data start in a single-file image.
func (h Header) dataOffset() int {
	if off := int(h.VoxOffset); off >= minDataOffset {
		return off
	}
	return minDataOffset
}

// spacing returns the absolute voxel sizes, defaulting to 1mm.
func (h Header) spacing() (dx, dy, dz float64) {
	s := [3]float64{1, 1, 1}
	for i := range s {
		if v := math.Abs(float64(h.PixDim[i+1])); v > 0 && !math.IsNaN(v) {
			s[i] = v
		}
	}
	return s[0], s[1], s[2]
}

// Affine returns the 4x4 voxel-to-world transform. The sform is preferred
// when its code is set, then the qform, then a plain pixdim scaling.
func (h Header) Affine() *mat.Dense {
	if h.SFormCode > 0 {
		a := mat.NewDense(4, 4, nil)
		for j := 0; j < 4; j++ {
			a.Set(0, j, float64(h.SRowX[j]))
			a.Set(1, j, float64(h.SRowY[j]))
			a.Set(2, j, float64(h.SRowZ[j]))
		}
		a.Set(3, 3, 1)
		return a
	}

	dx, dy, dz := h.spacing()
	if h.QFormCode > 0 {
		return h.quaternAffine(dx, dy, dz)
	}
	return mat.NewDense(4, 4, []float64{
		dx, 0, 0, 0,
		0, dy, 0, 0,
		0, 0, dz, 0,
		0, 0, 0, 1,
	})
}

// quaternAffine builds the qform matrix as in nifti_quatern_to_mat44.
func (h Header) quaternAffine(dx, dy, dz float64) *mat.Dense {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := 1.0
	if h.PixDim[0] < 0 {
		qfac = -1
	}
	dz *= qfac

	return mat.NewDense(4, 4, []float64{
		(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QOffsetX),
		2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QOffsetY),
		2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QOffsetZ),
		0, 0, 0, 1,
	})
}
