package registration

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrideface/internal/testutil"
	"mrideface/pkg/nifti"
)

func TestParseAffine(t *testing.T) {
	src := "1.02  0.01  0  -3.5  \n-0.01  0.98  0.02  4\n0 0 1.1 2.25\n0 0 0 1\n\n"
	a, err := ParseAffine(strings.NewReader(src))
	require.NoError(t, err)

	p := a.Apply([3]float64{0, 0, 0})
	assert.InDelta(t, -3.5, p[0], 1e-12)
	assert.InDelta(t, 2.25, p[2], 1e-12)
	assert.InDelta(t, math.Hypot(0.02, 1.1), a.Scales()[2], 1e-12)

	inv, err := a.Inverse()
	require.NoError(t, err)
	back := inv.Apply(a.Apply([3]float64{10, -20, 30}))
	assert.InDeltaSlice(t, []float64{10, -20, 30}, back[:], 1e-9)

	var sb strings.Builder
	_, err = a.WriteTo(&sb)
	require.NoError(t, err)
	again, err := ParseAffine(strings.NewReader(sb.String()))
	require.NoError(t, err)
	assert.Equal(t, a.Matrix().RawMatrix().Data, again.Matrix().RawMatrix().Data)
}

func TestParseAffineRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"short row":     "1 0 0\n0 1 0 0\n0 0 1 0\n0 0 0 1\n",
		"too few rows":  "1 0 0 0\n0 1 0 0\n0 0 0 1\n",
		"not a number":  "1 0 0 x\n0 1 0 0\n0 0 1 0\n0 0 0 1\n",
		"bad last row":  "1 0 0 0\n0 1 0 0\n0 0 1 0\n0 0 1 1\n",
		"singular":      "1 0 0 0\n0 0 0 0\n0 0 1 0\n0 0 0 1\n",
		"non-finite":    "1 0 0 NaN\n0 1 0 0\n0 0 1 0\n0 0 0 1\n",
		"empty content": "",
	}
	for name, src := range cases {
		_, err := ParseAffine(strings.NewReader(src))
		assert.Error(t, err, name)
	}
}

func TestWithWorkspaceCleansUp(t *testing.T) {
	parent := t.TempDir()
	var dir string

	err := WithWorkspace(parent, func(ws *Workspace) error {
		dir = ws.Dir()
		assert.True(t, strings.HasPrefix(filepath.Base(dir), "mrideface-"))
		return os.WriteFile(ws.Path("scratch.txt"), []byte("x"), 0o600)
	})
	require.NoError(t, err)
	assert.NoDirExists(t, dir)

	boom := errors.New("boom")
	err = WithWorkspace(parent, func(ws *Workspace) error {
		dir = ws.Dir()
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoDirExists(t, dir)

	assert.Panics(t, func() {
		_ = WithWorkspace(parent, func(ws *Workspace) error {
			dir = ws.Dir()
			panic("registration blew up")
		})
	})
	assert.NoDirExists(t, dir)
}

func TestWorkspacesAreUnique(t *testing.T) {
	parent := t.TempDir()
	a, err := NewWorkspace(parent)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewWorkspace(parent)
	require.NoError(t, err)
	defer b.Close()
	assert.NotEqual(t, a.Dir(), b.Dir())
}

func TestTemplatesValidate(t *testing.T) {
	dir := t.TempDir()
	tpl := TemplatesIn(dir, "", "")
	assert.Equal(t, filepath.Join(dir, DefaultTemplateName), tpl.Template)

	err := tpl.Validate()
	assert.ErrorIs(t, err, ErrMissingAsset)
	assert.ErrorContains(t, err, DefaultTemplateName)

	require.NoError(t, os.WriteFile(tpl.Template, []byte("x"), 0o644))
	err = tpl.Validate()
	assert.ErrorIs(t, err, ErrMissingAsset)
	assert.ErrorContains(t, err, DefaultFaceMaskName)

	require.NoError(t, os.WriteFile(tpl.FaceMask, []byte("x"), 0o644))
	assert.NoError(t, tpl.Validate())
}

func TestNewFLIRTConfiguration(t *testing.T) {
	_, err := NewFLIRT(FLIRTConfig{})
	assert.ErrorIs(t, err, ErrToolNotConfigured)
	assert.True(t, IsConfigurationError(err))

	_, err = NewFLIRT(FLIRTConfig{FSLDir: filepath.Join(t.TempDir(), "nope")})
	assert.ErrorIs(t, err, ErrToolNotConfigured)

	emptyRoot := t.TempDir()
	_, err = NewFLIRT(FLIRTConfig{FSLDir: emptyRoot})
	var nf *ToolNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, filepath.Join(emptyRoot, "bin", "flirt"), nf.Path)
	assert.True(t, IsConfigurationError(err))

	root := testutil.FakeFSL(t, t.TempDir(), testutil.FakeFlirtScript)
	f, err := NewFLIRT(FLIRTConfig{FSLDir: root})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "bin", "flirt"), f.Path())
	assert.Equal(t, "FLIRT version 6.0", f.Version(context.Background()))
}

func TestFLIRTMaskToSubject(t *testing.T) {
	dir := t.TempDir()
	root := testutil.FakeFSL(t, dir, testutil.FakeFlirtScript)
	logPath := filepath.Join(dir, "flirt.log")
	t.Setenv("FAKE_FLIRT_LOG", logPath)

	tpl := Templates{
		Template: testutil.WriteVolume(t, filepath.Join(dir, "template.nii.gz"), testutil.HeadVolume(6, 5, 4), nifti.DTInt16),
		FaceMask: testutil.WriteVolume(t, filepath.Join(dir, "mask.nii.gz"), testutil.FaceMask(6, 5, 4, 2), nifti.DTFloat32),
	}
	subject := testutil.WriteVolume(t, filepath.Join(dir, "subject.nii.gz"), testutil.HeadVolume(6, 5, 4), nifti.DTInt16)

	f, err := NewFLIRT(FLIRTConfig{FSLDir: root, Timeout: time.Minute})
	require.NoError(t, err)

	scratch := filepath.Join(dir, "scratch")
	mask, err := MaskToSubject(context.Background(), f, tpl, subject, scratch)
	require.NoError(t, err)
	assert.Equal(t, testutil.FaceMask(6, 5, 4, 2).Data, mask.Volume.Data)

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch workspace must be removed")

	calls, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(calls)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "-cost mutualinfo")
	assert.Contains(t, lines[0], "-in "+tpl.Template)
	assert.Contains(t, lines[1], "-applyxfm")
	assert.Contains(t, lines[1], "-in "+tpl.FaceMask)
}

func TestFLIRTFailureIsTyped(t *testing.T) {
	dir := t.TempDir()
	root := testutil.FakeFSL(t, dir, testutil.FailingFlirtScript)
	f, err := NewFLIRT(FLIRTConfig{FSLDir: root})
	require.NoError(t, err)

	scratch := filepath.Join(dir, "scratch")
	_, err = MaskToSubject(context.Background(), f, Templates{Template: "t.nii.gz", FaceMask: "m.nii.gz"}, "s.nii.gz", scratch)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, exitErr.Error(), "could not open file")
	assert.False(t, IsConfigurationError(err))

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFLIRTMalformedMatrix(t *testing.T) {
	dir := t.TempDir()
	script := "#!/bin/sh\nwhile [ $# -gt 0 ]; do\n  if [ \"$1\" = \"-omat\" ]; then echo garbage > \"$2\"; fi\n  shift\ndone\nexit 0\n"
	root := testutil.FakeFSL(t, dir, script)
	f, err := NewFLIRT(FLIRTConfig{FSLDir: root})
	require.NoError(t, err)

	err = WithWorkspace(dir, func(ws *Workspace) error {
		_, err := f.EstimateTransform(context.Background(), ws, "t.nii.gz", "s.nii.gz")
		return err
	})
	var malformed *MalformedOutputError
	require.ErrorAs(t, err, &malformed)
	assert.True(t, strings.HasSuffix(malformed.Path, "flirt_tx.mat"))
}

func TestFLIRTTimeout(t *testing.T) {
	dir := t.TempDir()
	root := testutil.FakeFSL(t, dir, "#!/bin/sh\nexec sleep 5\n")
	f, err := NewFLIRT(FLIRTConfig{FSLDir: root, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	err = WithWorkspace(dir, func(ws *Workspace) error {
		_, err := f.EstimateTransform(context.Background(), ws, "t.nii.gz", "s.nii.gz")
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
