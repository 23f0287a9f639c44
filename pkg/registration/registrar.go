// Package registration aligns the template pair to a subject image. The
// numerical work is delegated to an external toolkit (FSL FLIRT); this
// package wraps it as a synchronous collaborator with typed results.
package registration

import (
	"context"

	"mrideface/pkg/nifti"
)

// Registrar is the contract the defacing pipeline needs from a
// registration toolkit.
type Registrar interface {
	// EstimateTransform returns the affine that aligns reference to the
	// subject image, using a mutual-information cost.
	EstimateTransform(ctx context.Context, ws *Workspace, reference, subject string) (*Affine, error)

	// ApplyTransform resamples source through xfm onto the voxel grid of
	// target and returns the resampled image.
	ApplyTransform(ctx context.Context, ws *Workspace, source string, xfm *Affine, target string) (*nifti.Image, error)
}

// MaskToSubject registers the template to subject and carries the template
// face mask into subject space, all inside a scratch workspace under
// scratchDir that is removed before returning.
func MaskToSubject(ctx context.Context, r Registrar, t Templates, subject, scratchDir string) (*nifti.Image, error) {
	var mask *nifti.Image
	err := WithWorkspace(scratchDir, func(ws *Workspace) error {
		xfm, err := r.EstimateTransform(ctx, ws, t.Template, subject)
		if err != nil {
			return err
		}
		mask, err = r.ApplyTransform(ctx, ws, t.FaceMask, xfm, subject)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mask, nil
}
