package nifti

import (
	"encoding/binary"
	"fmt"

	"mrideface/internal/models"
)

// New builds an image around v with a fresh header of the given datatype.
// The sform is a plain scaling by the volume's voxel size.
func New(v *models.Volume, dataType int16) (*Image, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	bpv := bytesPerVoxel(dataType)
	if bpv == 0 {
		return nil, fmt.Errorf("unsupported datatype %d", dataType)
	}

	h := Header{
		SizeOfHdr: headerSize,
		DataType:  dataType,
		BitPix:    int16(bpv * 8),
		VoxOffset: minDataOffset,
		SclSlope:  1,
		QFormCode: 0,
		SFormCode: 1,
		XYZTUnits: 2, // mm
		Magic:     singleFileMagic,
	}
	h.Dim[0] = 3
	h.Dim[1], h.Dim[2], h.Dim[3] = int16(v.Width), int16(v.Height), int16(v.Depth)
	if v.Frames > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(v.Frames)
	}
	for i := 4; i < len(h.Dim); i++ {
		if h.Dim[i] == 0 {
			h.Dim[i] = 1
		}
	}
	h.PixDim[0] = 1
	h.PixDim[1] = float32(v.VoxelSize.X)
	h.PixDim[2] = float32(v.VoxelSize.Y)
	h.PixDim[3] = float32(v.VoxelSize.Z)
	h.SRowX = [4]float32{float32(v.VoxelSize.X), 0, 0, 0}
	h.SRowY = [4]float32{0, float32(v.VoxelSize.Y), 0, 0}
	h.SRowZ = [4]float32{0, 0, float32(v.VoxelSize.Z), 0}

	return &Image{
		Header:    h,
		ByteOrder: binary.LittleEndian,
		Extra:     make([]byte, minDataOffset-headerSize),
		Volume:    v,
	}, nil
}
