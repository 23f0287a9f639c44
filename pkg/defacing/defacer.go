// Package defacing removes identifiable facial structure from head MRI by
// replacing the face region with a voxelized (coarsely resampled) copy of
// itself. Intensities stay continuous across the face so later registration
// still works, while the fine detail is destroyed.
//
// The defacing process consists of several steps:
//  1. Loading the subject image
//  2. Voxelizing it (cubic downsample, nearest-neighbour upsample)
//  3. Obtaining a subject-space face mask, either by registering the
//     template pair or by loading a precomputed mask
//  4. Compositing the original and voxelized images through the mask
//  5. Saving the result with the input's header
//  6. Optional replacement of the input, mask export and QC output
package defacing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"mrideface/pkg/nifti"
	"mrideface/pkg/quality"
	"mrideface/pkg/registration"
	"mrideface/pkg/visualization"
)

// Defacer runs one defacing pass over a single image.
type Defacer struct {
	// params stores the run configuration, already checked by CheckParams
	params *Params

	// registrar aligns the template pair; unused when an input mask is given
	registrar registration.Registrar

	// templates locates the template image and its face mask
	templates registration.Templates

	log log.FieldLogger

	// metrics stores the QC summary after a successful run
	metrics quality.Metrics
}

// NewDefacer creates a defacer. registrar may be nil when params.InMask is
// set. A nil logger falls back to the logrus standard logger.
func NewDefacer(params *Params, registrar registration.Registrar, templates registration.Templates, logger log.FieldLogger) *Defacer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Defacer{
		params:    params,
		registrar: registrar,
		templates: templates,
		log:       logger,
	}
}

// Metrics returns the QC metrics of the last successful Process call.
func (d *Defacer) Metrics() quality.Metrics {
	return d.metrics
}

// Process runs the complete defacing pipeline. Every failure aborts the run;
// nothing is retried.
func (d *Defacer) Process(ctx context.Context) error {
	p := d.params
	logger := d.log.WithFields(log.Fields{
		"run_id":  uuid.NewString(),
		"infile":  p.InFile,
		"outfile": p.OutFile,
	})

	// Step 1: Load the subject image
	logger.Info("Step 1: Loading input image")
	in, err := nifti.Load(p.InFile)
	if err != nil {
		return fmt.Errorf("failed to load input: %w", err)
	}

	// Step 2: Voxelize the whole image; the mask decides where it is used
	logger.WithField("scale_factor", p.ScaleFactor).Info("Step 2: Voxelizing image")
	vox, err := Voxelize(in.Volume, p.ScaleFactor)
	if err != nil {
		return fmt.Errorf("failed to voxelize: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Step 3: Face mask in subject space
	mask, err := d.faceMask(ctx, logger)
	if err != nil {
		return err
	}
	if lo, hi := MaskRange(mask.Volume); lo < 0 || hi > 1 {
		logger.WithFields(log.Fields{"min": lo, "max": hi}).Warn("Face mask values outside [0,1]; blending anyway")
	}

	// Step 4: Composite
	logger.Info("Step 4: Anonymizing face area")
	defaced, err := Composite(in.Volume, vox, mask.Volume)
	if err != nil {
		return fmt.Errorf("failed to composite: %w", err)
	}

	// Step 5: Save with the input's header so geometry is preserved
	logger.Info("Step 5: Saving defaced image")
	out, err := in.WithVolume(defaced)
	if err != nil {
		return fmt.Errorf("failed to build output image: %w", err)
	}
	if err := out.Save(p.OutFile); err != nil {
		return fmt.Errorf("failed to save defaced image: %w", err)
	}
	final := p.OutFile

	// Step 6: Backup and replace original if requested
	if p.Replace {
		backup := BackupPath(p.InFile)
		logger.WithField("backup", backup).Info("Step 6: Replacing input with defaced image")
		if err := moveFile(p.InFile, backup); err != nil {
			return fmt.Errorf("failed to back up input: %w", err)
		}
		if err := moveFile(p.OutFile, p.InFile); err != nil {
			return fmt.Errorf("failed to replace input: %w", err)
		}
		final = p.InFile
	}

	// Step 7: Save mask if requested
	if p.OutMask != "" {
		logger.WithField("outmask", p.OutMask).Info("Step 7: Saving face mask")
		if err := mask.Save(p.OutMask); err != nil {
			return fmt.Errorf("failed to save face mask: %w", err)
		}
	}

	// Step 8: Quality control
	metrics, err := quality.Compare(in.Volume, defaced, mask.Volume)
	if err != nil {
		return fmt.Errorf("failed to compute QC metrics: %w", err)
	}
	d.metrics = metrics
	logger.WithFields(metrics.Fields()).Info("Step 8: Defacing summary")
	if metrics.FaceVoxels == 0 {
		logger.Warn("Face mask selects no voxels; output equals input")
	}
	if p.ReportFile != "" {
		if err := metrics.Save(p.ReportFile); err != nil {
			return err
		}
	}

	if p.SnapshotDir != "" {
		viewer, err := visualization.NewViewer(defaced)
		if err != nil {
			return fmt.Errorf("failed to render snapshots: %w", err)
		}
		paths, err := viewer.SaveSnapshots(p.SnapshotDir, snapshotPrefix(final))
		if err != nil {
			return fmt.Errorf("failed to save snapshots: %w", err)
		}
		logger.WithField("snapshots", paths).Info("Saved QC snapshots")
	}

	logger.WithField("output", final).Info("Defacing complete")
	return nil
}

// faceMask loads the precomputed mask or registers the template pair.
func (d *Defacer) faceMask(ctx context.Context, logger log.FieldLogger) (*nifti.Image, error) {
	p := d.params
	if p.InMask != "" {
		logger.WithField("inmask", p.InMask).Info("Step 3: Loading precomputed face mask")
		mask, err := nifti.Load(p.InMask)
		if err != nil {
			return nil, fmt.Errorf("failed to load face mask: %w", err)
		}
		return mask, nil
	}

	if d.registrar == nil {
		return nil, errors.New("no face mask given and no registration toolkit configured")
	}
	if err := d.templates.Validate(); err != nil {
		return nil, err
	}
	logger.WithField("template", d.templates.Template).Info("Step 3: Registering template to subject space")
	mask, err := registration.MaskToSubject(ctx, d.registrar, d.templates, p.InFile, p.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("failed to register template: %w", err)
	}
	return mask, nil
}

func snapshotPrefix(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	return strings.TrimSuffix(base, ".nii")
}
