package registration

import (
	"fmt"
	"os"
	"path/filepath"
)

// Default template pair: a T1w reference head and its face mask in the same
// space. The mask is 0 in the face region and 1 elsewhere.
const (
	DefaultTemplateName = "ConteCore2_50_T1w_2mm.nii.gz"
	DefaultFaceMaskName = "ConteCore2_50_T1w_2mm_deface_mask.nii.gz"
)

// Templates locates the read-only template pair.
type Templates struct {
	Template string
	FaceMask string
}

// TemplatesIn returns the template pair with the given file names inside dir.
func TemplatesIn(dir, template, faceMask string) Templates {
	if template == "" {
		template = DefaultTemplateName
	}
	if faceMask == "" {
		faceMask = DefaultFaceMaskName
	}
	return Templates{
		Template: filepath.Join(dir, template),
		FaceMask: filepath.Join(dir, faceMask),
	}
}

// Validate checks that both assets exist and are regular files.
func (t Templates) Validate() error {
	for _, p := range []string{t.Template, t.FaceMask} {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("%w %s", ErrMissingAsset, p)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%w %s (not a regular file)", ErrMissingAsset, p)
		}
	}
	return nil
}
