package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"mrideface/internal/models"
)

// Image is a decoded single-file NIfTI-1 image.
type Image struct {
	// Header is kept exactly as read and written back unchanged
	Header Header

	// ByteOrder is the on-disk byte order of header and data
	ByteOrder binary.ByteOrder

	// Extra holds the bytes between the header and vox_offset
	// (extension flag and any extensions), written back verbatim
	Extra []byte

	// Volume holds the voxel values after scl_slope/scl_inter scaling
	Volume *models.Volume
}

var gzipMagic = []byte{0x1f, 0x8b}

// Load reads an image from disk. Gzip compression is detected from content.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	log.WithFields(log.Fields{
		"path":     path,
		"dims":     fmt.Sprintf("%dx%dx%dx%d", img.Volume.Width, img.Volume.Height, img.Volume.Depth, img.Volume.Frames),
		"datatype": img.Header.DataType,
	}).Debug("Loaded NIfTI image")

	return img, nil
}

// Read decodes an image from r, transparently handling gzip streams.
func Read(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer zr.Close()
		return decode(zr)
	}
	return decode(br)
}

func decode(r io.Reader) (*Image, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h, order, err := decodeHeader(hdr)
	if err != nil {
		return nil, err
	}

	extra := make([]byte, h.dataOffset()-headerSize)
	if _, err := io.ReadFull(r, extra); err != nil {
		return nil, fmt.Errorf("read header extensions: %w", err)
	}

	nx, ny, nz, nt := h.Dims()
	vol := models.NewVolume(nx, ny, nz, nt)
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = h.spacing()

	bpv := bytesPerVoxel(h.DataType)
	raw := make([]byte, len(vol.Data)*bpv)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read voxel data: %w", err)
	}

	slope, inter := h.Scaling()
	for i := range vol.Data {
		vol.Data[i] = decodeValue(raw[i*bpv:], h.DataType, order)*slope + inter
	}

	return &Image{Header: h, ByteOrder: order, Extra: extra, Volume: vol}, nil
}

// Save writes the image to path, gzip-compressed when path ends in ".gz".
func (img *Image) Save(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zw := gzip.NewWriter(bw)
		if err := img.Write(zw); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress %s: %w", path, err)
		}
	} else if err := img.Write(bw); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return bw.Flush()
}

// Write encodes the image. The header and extension bytes are written as
// stored; voxel values are converted back into the header's datatype.
func (img *Image) Write(w io.Writer) error {
	if err := img.checkGrid(img.Volume); err != nil {
		return err
	}
	order := img.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}

	if err := binary.Write(w, order, &img.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	extra := img.Extra
	if pad := img.Header.dataOffset() - headerSize; len(extra) != pad {
		extra = make([]byte, pad)
		copy(extra, img.Extra)
	}
	if _, err := w.Write(extra); err != nil {
		return fmt.Errorf("write header extensions: %w", err)
	}

	bpv := bytesPerVoxel(img.Header.DataType)
	slope, inter := img.Header.Scaling()
	raw := make([]byte, len(img.Volume.Data)*bpv)
	for i, v := range img.Volume.Data {
		encodeValue(raw[i*bpv:], (v-inter)/slope, img.Header.DataType, order)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write voxel data: %w", err)
	}
	return nil
}

// WithVolume returns a copy of the image carrying new voxel data on the same
// grid. Header, byte order and extensions are shared unchanged.
func (img *Image) WithVolume(v *models.Volume) (*Image, error) {
	if err := img.checkGrid(v); err != nil {
		return nil, err
	}
	out := *img
	out.Volume = v
	return &out, nil
}

func (img *Image) checkGrid(v *models.Volume) error {
	if v == nil {
		return fmt.Errorf("image has no voxel data")
	}
	if err := v.Validate(); err != nil {
		return err
	}
	nx, ny, nz, nt := img.Header.Dims()
	if v.Width != nx || v.Height != ny || v.Depth != nz || v.Frames != nt {
		return fmt.Errorf("volume %dx%dx%dx%d does not match header %dx%dx%dx%d",
			v.Width, v.Height, v.Depth, v.Frames, nx, ny, nz, nt)
	}
	return nil
}

func decodeValue(b []byte, dataType int16, order binary.ByteOrder) float64 {
	switch dataType {
	case DTUint8:
		return float64(b[0])
	case DTInt8:
		return float64(int8(b[0]))
	case DTInt16:
		return float64(int16(order.Uint16(b)))
	case DTUint16:
		return float64(order.Uint16(b))
	case DTInt32:
		return float64(int32(order.Uint32(b)))
	case DTUint32:
		return float64(order.Uint32(b))
	case DTInt64:
		return float64(int64(order.Uint64(b)))
	case DTUint64:
		return float64(order.Uint64(b))
	case DTFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case DTFloat64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

func encodeValue(b []byte, v float64, dataType int16, order binary.ByteOrder) {
	switch dataType {
	case DTUint8:
		b[0] = uint8(clampRound(v, 0, math.MaxUint8))
	case DTInt8:
		b[0] = uint8(int8(clampRound(v, math.MinInt8, math.MaxInt8)))
	case DTInt16:
		order.PutUint16(b, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
	case DTUint16:
		order.PutUint16(b, uint16(clampRound(v, 0, math.MaxUint16)))
	case DTInt32:
		order.PutUint32(b, uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
	case DTUint32:
		order.PutUint32(b, uint32(clampRound(v, 0, math.MaxUint32)))
	case DTInt64:
		order.PutUint64(b, uint64(int64(clampRound(v, math.MinInt64, math.MaxInt64))))
	case DTUint64:
		order.PutUint64(b, uint64(clampRound(v, 0, math.MaxUint64)))
	case DTFloat32:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case DTFloat64:
		order.PutUint64(b, math.Float64bits(v))
	}
}

// clampRound rounds v to the nearest integer inside [lo, hi]. NaN maps to 0.
func clampRound(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	switch {
	case v < lo:
		return lo
	case v >= hi && hi > 1<<53:
		// float64(MaxInt64) rounds up past the int64 range
		return math.Nextafter(hi, lo)
	case v > hi:
		return hi
	}
	return v
}
