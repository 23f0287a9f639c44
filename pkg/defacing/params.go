package defacing

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// Extension is the only input file extension accepted.
const Extension = ".nii.gz"

var (
	// ErrUnsupportedExtension means the input is not a compressed NIfTI file.
	ErrUnsupportedExtension = errors.New("only " + Extension + " images are supported")

	// ErrOutputExists means a target file exists and overwriting was not allowed.
	ErrOutputExists = errors.New("output already exists")
)

// Params holds the options of a single defacing run.
type Params struct {
	// InFile is the subject image, a .nii.gz file
	InFile string

	// OutFile is the defaced image; derived from InFile when empty
	OutFile string

	// ScaleFactor is the voxelization coarseness
	ScaleFactor float64

	// InMask, when set, is a precomputed subject-space face mask that
	// replaces registration
	InMask string

	// OutMask, when set, receives the face mask used for the run
	OutMask string

	// Replace backs up InFile and moves the defaced image into its place
	Replace bool

	// Overwrite allows existing output files to be replaced
	Overwrite bool

	// ScratchDir is where registration workspaces are created
	ScratchDir string

	// ReportFile, when set, receives the QC metrics as YAML
	ReportFile string

	// SnapshotDir, when set, receives PNG mid-slices of the defaced image
	SnapshotDir string
}

// DefaultOutputPath returns <in without .nii.gz>_defaced.nii.gz.
func DefaultOutputPath(in string) string {
	return strings.TrimSuffix(in, Extension) + "_defaced" + Extension
}

// BackupPath returns the name the original input is moved to by Replace.
func BackupPath(in string) string {
	return strings.TrimSuffix(in, Extension) + "_bak" + Extension
}

// CheckParams validates p and fills in derived defaults. Nothing on disk
// is modified.
func CheckParams(p *Params) error {
	if !strings.HasSuffix(p.InFile, Extension) {
		return fmt.Errorf("%w: %s", ErrUnsupportedExtension, p.InFile)
	}
	if p.OutFile == "" {
		p.OutFile = DefaultOutputPath(p.InFile)
	}
	if p.ScaleFactor == 0 {
		p.ScaleFactor = DefaultScaleFactor
	}
	if p.ScaleFactor < 0 || math.IsNaN(p.ScaleFactor) || math.IsInf(p.ScaleFactor, 0) {
		return fmt.Errorf("scale factor must be positive and finite, got %v", p.ScaleFactor)
	}

	if info, err := os.Stat(p.InFile); err != nil {
		return fmt.Errorf("input image: %w", err)
	} else if !info.Mode().IsRegular() {
		return fmt.Errorf("input image %s is not a regular file", p.InFile)
	}
	if samePath(p.InFile, p.OutFile) {
		return fmt.Errorf("output %s would overwrite the input; use replace instead", p.OutFile)
	}

	targets := []string{p.OutFile}
	if p.Replace {
		targets = append(targets, BackupPath(p.InFile))
	}
	if !p.Overwrite {
		for _, path := range targets {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%w: %s (use --overwrite)", ErrOutputExists, path)
			}
		}
	}
	return nil
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

// moveFile renames src to dst, falling back to copy and remove when a
// rename is not possible (for example across file systems).
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if cerr := copyFile(src, dst); cerr != nil {
		return fmt.Errorf("move %s to %s: %w", src, dst, errors.Join(err, cerr))
	}
	return os.Remove(src)
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(out, in)
	return err
}
