// Package quality measures how much a defaced image differs from its input.
// Metrics are split by the face mask: the face region should change while
// everything else is kept bit for bit.
package quality

import (
	"fmt"
	"math"
	"os"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"mrideface/internal/models"
)

// FaceThreshold separates face voxels (mask below it) from kept voxels.
const FaceThreshold = 0.5

// Metrics summarises the difference between an input and its defaced output.
type Metrics struct {
	// FaceVoxels is the number of voxels (over all frames) inside the face region
	FaceVoxels int `yaml:"faceVoxels"`

	// FaceFraction is FaceVoxels over the total number of voxels
	FaceFraction float64 `yaml:"faceFraction"`

	// FaceRMSE is the root mean square intensity change inside the face
	FaceRMSE float64 `yaml:"faceRMSE"`

	// FaceMeanAbsDiff is the mean absolute intensity change inside the face
	FaceMeanAbsDiff float64 `yaml:"faceMeanAbsDiff"`

	// FaceCorrelation is the Pearson correlation of input and output face
	// intensities; 0 when either side is constant
	FaceCorrelation float64 `yaml:"faceCorrelation"`

	// FaceMutualInformation is the Gaussian approximation
	// -0.5*log(1-r^2) of the shared information, in nats
	FaceMutualInformation float64 `yaml:"faceMutualInformation"`

	// MaxAbsDiffOutside is the largest change outside the face; 0 when the
	// rest of the head is preserved exactly
	MaxAbsDiffOutside float64 `yaml:"maxAbsDiffOutside"`
}

// Compare computes metrics for input and output on the same grid, split by
// mask. A single-frame mask applies to every frame.
func Compare(input, output, mask *models.Volume) (Metrics, error) {
	var m Metrics
	if !input.SameGrid(output) || input.Frames != output.Frames {
		return m, fmt.Errorf("output grid does not match input")
	}
	if !input.SameGrid(mask) || (mask.Frames != 1 && mask.Frames != input.Frames) {
		return m, fmt.Errorf("mask grid does not match input")
	}

	var faceIn, faceOut []float64
	for t := 0; t < input.Frames; t++ {
		in, out := input.Frame(t), output.Frame(t)
		w := mask.Frame(0)
		if mask.Frames > 1 {
			w = mask.Frame(t)
		}
		for i := range in {
			if w[i] < FaceThreshold {
				faceIn = append(faceIn, in[i])
				faceOut = append(faceOut, out[i])
				continue
			}
			if d := math.Abs(in[i] - out[i]); d > m.MaxAbsDiffOutside || math.IsNaN(d) {
				m.MaxAbsDiffOutside = d
			}
		}
	}

	m.FaceVoxels = len(faceIn)
	if total := len(input.Data); total > 0 {
		m.FaceFraction = float64(m.FaceVoxels) / float64(total)
	}
	if m.FaceVoxels == 0 {
		return m, nil
	}

	m.FaceRMSE = rmse(faceIn, faceOut)
	m.FaceMeanAbsDiff = meanAbsDiff(faceIn, faceOut)
	if m.FaceVoxels > 1 {
		if r := stat.Correlation(faceIn, faceOut, nil); !math.IsNaN(r) {
			m.FaceCorrelation = r
			m.FaceMutualInformation = gaussianMI(r)
		}
	}
	return m, nil
}

// rmse computes the root mean square error
func rmse(a, b []float64) float64 {
	mse := 0.0
	for i := range a {
		d := a[i] - b[i]
		mse += d * d
	}
	return math.Sqrt(mse / float64(len(a)))
}

func meanAbsDiff(a, b []float64) float64 {
	diff := make([]float64, len(a))
	for i := range a {
		diff[i] = math.Abs(a[i] - b[i])
	}
	return stat.Mean(diff, nil)
}

// gaussianMI approximates mutual information for jointly Gaussian signals
// with correlation r.
func gaussianMI(r float64) float64 {
	d := 1 - r*r
	if d <= 0 {
		return math.Inf(1)
	}
	return -0.5 * math.Log(d)
}

// Fields returns the metrics as structured log fields.
func (m Metrics) Fields() log.Fields {
	return log.Fields{
		"face_voxels":          m.FaceVoxels,
		"face_fraction":        round(m.FaceFraction, 4),
		"face_rmse":            round(m.FaceRMSE, 4),
		"face_corr":            round(m.FaceCorrelation, 4),
		"max_diff_outside":     m.MaxAbsDiffOutside,
		"face_mean_abs_change": round(m.FaceMeanAbsDiff, 4),
	}
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

// Save writes the metrics to path as YAML.
func (m Metrics) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("error marshaling metrics: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing report: %w", err)
	}
	return nil
}
