package registration

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Affine is a 4x4 homogeneous transform as produced by FLIRT (-omat).
type Affine struct {
	m *mat.Dense
}

// Identity returns the identity transform.
func Identity() *Affine {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return &Affine{m: m}
}

// NewAffine wraps a 4x4 matrix after checking it is a usable transform.
func NewAffine(m mat.Matrix) (*Affine, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return nil, fmt.Errorf("affine must be 4x4, got %dx%d", r, c)
	}
	d := mat.DenseCopyOf(m)
	for j, want := range []float64{0, 0, 0, 1} {
		if math.Abs(d.At(3, j)-want) > 1e-6 {
			return nil, fmt.Errorf("affine last row must be 0 0 0 1, got %v", mat.Row(nil, 3, d))
		}
	}
	for _, v := range d.RawMatrix().Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("affine contains non-finite values")
		}
	}
	if det := mat.Det(d); math.Abs(det) < 1e-12 {
		return nil, fmt.Errorf("affine is singular (det=%g)", det)
	}
	return &Affine{m: d}, nil
}

// ParseAffine reads a transform in FLIRT's text format: four lines of four
// whitespace-separated numbers.
func ParseAffine(r io.Reader) (*Affine, error) {
	var vals []float64
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("affine row %d has %d values, expected 4", len(vals)/4+1, len(fields))
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("parse affine value %q: %w", f, err)
			}
			vals = append(vals, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(vals) != 16 {
		return nil, fmt.Errorf("affine has %d values, expected 16", len(vals))
	}
	return NewAffine(mat.NewDense(4, 4, vals))
}

// WriteTo writes the transform in FLIRT's text format.
func (a *Affine) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if j > 0 {
				b.WriteString("  ")
			}
			b.WriteString(strconv.FormatFloat(a.m.At(i, j), 'f', -1, 64))
		}
		b.WriteString("  \n")
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Matrix returns a copy of the underlying 4x4 matrix.
func (a *Affine) Matrix() *mat.Dense {
	return mat.DenseCopyOf(a.m)
}

// Inverse returns the inverse transform.
func (a *Affine) Inverse() (*Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.m); err != nil {
		return nil, fmt.Errorf("invert affine: %w", err)
	}
	return &Affine{m: &inv}, nil
}

// Apply maps point p through the transform.
func (a *Affine) Apply(p [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = a.m.At(i, 0)*p[0] + a.m.At(i, 1)*p[1] + a.m.At(i, 2)*p[2] + a.m.At(i, 3)
	}
	return out
}

// Scales returns the column norms of the linear part, the per-axis scaling
// the transform applies. Registration runs use it as a sanity check.
func (a *Affine) Scales() [3]float64 {
	var s [3]float64
	for j := 0; j < 3; j++ {
		col := mat.Col(nil, j, a.m.Slice(0, 3, 0, 3))
		s[j] = math.Sqrt(col[0]*col[0] + col[1]*col[1] + col[2]*col[2])
	}
	return s
}

func (a *Affine) String() string {
	return fmt.Sprintf("%v", mat.Formatted(a.m, mat.Squeeze()))
}
