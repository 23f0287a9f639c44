// Package testutil holds fixtures shared by the package tests: small NIfTI
// volumes and a fake FSL installation whose flirt is a shell script.
package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"mrideface/internal/models"
	"mrideface/pkg/nifti"
)

// HeadVolume returns a deterministic, textured volume of the given size.
func HeadVolume(w, h, d int) *models.Volume {
	v := models.NewVolume(w, h, d, 1)
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				// checkerboard texture on top of a smooth ramp
				val := float64(10*x + 3*y + z)
				if (x+y+z)%2 == 0 {
					val += 50
				}
				v.Data[v.Index(x, y, z, 0)] = val
			}
		}
	}
	return v
}

// FaceMask returns a mask on a w*h*d grid that is 0 (face) for x < faceWidth
// and 1 elsewhere.
func FaceMask(w, h, d, faceWidth int) *models.Volume {
	m := models.NewVolume(w, h, d, 1)
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if x >= faceWidth {
					m.Data[m.Index(x, y, z, 0)] = 1
				}
			}
		}
	}
	return m
}

// WriteVolume saves v as a NIfTI image of the given datatype and returns the path.
func WriteVolume(t testing.TB, path string, v *models.Volume, dataType int16) string {
	t.Helper()
	img, err := nifti.New(v, dataType)
	if err != nil {
		t.Fatalf("build image: %v", err)
	}
	if err := img.Save(path); err != nil {
		t.Fatalf("save %s: %v", path, err)
	}
	return path
}

// FakeFlirtScript behaves like flirt for the arguments the pipeline uses:
// it copies -in to -out and, when estimating, writes an identity -omat.
// Every invocation is appended to $FAKE_FLIRT_LOG when set.
const FakeFlirtScript = `#!/bin/sh
if [ -n "$FAKE_FLIRT_LOG" ]; then echo "$@" >> "$FAKE_FLIRT_LOG"; fi
if [ "$1" = "-version" ]; then echo "FLIRT version 6.0"; exit 0; fi
in=""; out=""; omat=""; apply=0
while [ $# -gt 0 ]; do
  case "$1" in
    -in) in="$2"; shift 2 ;;
    -out) out="$2"; shift 2 ;;
    -omat) omat="$2"; shift 2 ;;
    -ref|-init|-cost) shift 2 ;;
    -applyxfm) apply=1; shift ;;
    *) shift ;;
  esac
done
echo "fake flirt: $in -> $out ($FSLOUTPUTTYPE)"
cp "$in" "$out" || exit 1
if [ $apply -eq 0 ]; then
  printf '1 0 0 0\n0 1 0 0\n0 0 1 0\n0 0 0 1\n' > "$omat"
fi
exit 0
`

// FailingFlirtScript always fails with a message on stderr.
const FailingFlirtScript = `#!/bin/sh
echo "Image Exception : could not open file" >&2
exit 3
`

// FakeFSL creates an FSL root under dir whose bin/flirt runs script, and
// returns the root. Tests using it are skipped on Windows.
func FakeFSL(t testing.TB, dir, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake flirt is a POSIX shell script")
	}
	root := filepath.Join(dir, "fsl")
	if err := os.MkdirAll(filepath.Join(root, "bin"), 0o755); err != nil {
		t.Fatalf("create fake FSL: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "bin", "flirt"), []byte(script), 0o755); err != nil {
		t.Fatalf("write fake flirt: %v", err)
	}
	return root
}
