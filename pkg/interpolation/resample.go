// Package interpolation resamples 3D voxel grids to new shapes using
// separable 1D interpolation along each axis.
package interpolation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
)

// Order is the interpolation order used when resampling.
type Order int

const (
	// Nearest picks the closest input sample (zero order).
	Nearest Order = 0
	// Linear interpolates between the two neighbouring samples.
	Linear Order = 1
	// Cubic fits a natural cubic spline through every line of samples.
	Cubic Order = 3
)

func (o Order) String() string {
	switch o {
	case Nearest:
		return "nearest"
	case Linear:
		return "linear"
	case Cubic:
		return "cubic"
	}
	return fmt.Sprintf("order(%d)", int(o))
}

// ZoomShape returns the number of samples along an axis of n samples after
// zooming by the given factor. At least one sample is always kept.
func ZoomShape(n int, zoom float64) int {
	m := int(math.Round(float64(n) * zoom))
	if m < 1 {
		return 1
	}
	return m
}

// Zoom resamples data by the same zoom factor along every axis and returns
// the new data with its shape.
func Zoom(data []float64, shape [3]int, zoom float64, order Order) ([]float64, [3]int, error) {
	if zoom <= 0 || math.IsNaN(zoom) || math.IsInf(zoom, 0) {
		return nil, shape, fmt.Errorf("zoom factor must be positive and finite, got %v", zoom)
	}
	var out [3]int
	for i, n := range shape {
		out[i] = ZoomShape(n, zoom)
	}
	res, err := Resample(data, shape, out, order)
	return res, out, err
}

// Resample maps data from shape in to shape out (x fastest, then y, then z).
//
// Output sample i along an axis reads the input at coordinate
// i*(nIn-1)/(nOut-1), so the first and last samples of both grids line up.
// Axes whose size does not change are copied through unchanged.
func Resample(data []float64, in, out [3]int, order Order) ([]float64, error) {
	for i := range in {
		if in[i] < 1 || out[i] < 1 {
			return nil, fmt.Errorf("invalid resample shape %v -> %v", in, out)
		}
	}
	if len(data) != in[0]*in[1]*in[2] {
		return nil, fmt.Errorf("data has %d samples, shape %v needs %d", len(data), in, in[0]*in[1]*in[2])
	}
	switch order {
	case Nearest, Linear, Cubic:
	default:
		return nil, fmt.Errorf("unsupported interpolation order %d", int(order))
	}

	cur := data
	shape := in
	for axis := 0; axis < 3; axis++ {
		var err error
		cur, shape, err = resampleAxis(cur, shape, axis, out[axis], order)
		if err != nil {
			return nil, err
		}
	}
	if &cur[0] == &data[0] {
		// every axis was a no-op; never hand back the caller's buffer
		cur = append([]float64(nil), data...)
	}
	return cur, nil
}

// stride returns the distance between neighbouring samples along axis.
func stride(shape [3]int, axis int) int {
	switch axis {
	case 0:
		return 1
	case 1:
		return shape[0]
	}
	return shape[0] * shape[1]
}

// resampleAxis resamples every line running along axis to n samples.
func resampleAxis(src []float64, shape [3]int, axis, n int, order Order) ([]float64, [3]int, error) {
	nIn := shape[axis]
	if nIn == n {
		return src, shape, nil
	}

	outShape := shape
	outShape[axis] = n
	dst := make([]float64, outShape[0]*outShape[1]*outShape[2])

	// the two axes that index the lines
	a1, a2 := (axis+1)%3, (axis+2)%3
	inStep, outStep := stride(shape, axis), stride(outShape, axis)

	li := newLineInterpolator(nIn, n, order)
	for j := 0; j < shape[a2]; j++ {
		for i := 0; i < shape[a1]; i++ {
			inBase := i*stride(shape, a1) + j*stride(shape, a2)
			outBase := i*stride(outShape, a1) + j*stride(outShape, a2)

			for k := range li.line {
				li.line[k] = src[inBase+k*inStep]
			}
			if err := li.resample(); err != nil {
				return nil, shape, fmt.Errorf("resample axis %d: %w", axis, err)
			}
			for k, v := range li.res {
				dst[outBase+k*outStep] = v
			}
		}
	}
	return dst, outShape, nil
}

// lineInterpolator holds the scratch buffers for resampling one line.
type lineInterpolator struct {
	order  Order
	xs     []float64 // input sample positions 0..nIn-1
	coords []float64 // input coordinate read by each output sample
	line   []float64
	res    []float64
}

func newLineInterpolator(nIn, nOut int, order Order) *lineInterpolator {
	li := &lineInterpolator{
		order:  order,
		xs:     make([]float64, nIn),
		coords: make([]float64, nOut),
		line:   make([]float64, nIn),
		res:    make([]float64, nOut),
	}
	for i := range li.xs {
		li.xs[i] = float64(i)
	}
	if nOut > 1 {
		last := float64(nIn - 1)
		for i := range li.coords {
			li.coords[i] = math.Min(float64(i)*last/float64(nOut-1), last)
		}
	}
	return li
}

func (li *lineInterpolator) resample() error {
	if len(li.line) == 1 || li.order == Nearest {
		for k, c := range li.coords {
			li.res[k] = li.line[int(math.Round(c))]
		}
		return nil
	}

	var p interp.FittablePredictor
	if li.order == Cubic {
		p = &interp.NaturalCubic{}
	} else {
		p = &interp.PiecewiseLinear{}
	}
	if err := p.Fit(li.xs, li.line); err != nil {
		return err
	}
	for k, c := range li.coords {
		li.res[k] = p.Predict(c)
	}
	return nil
}
