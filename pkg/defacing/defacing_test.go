package defacing

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrideface/internal/models"
	"mrideface/internal/testutil"
	"mrideface/pkg/nifti"
	"mrideface/pkg/registration"
)

func TestVoxelizeScaleOneIsIdentity(t *testing.T) {
	v := testutil.HeadVolume(7, 5, 4)
	out, err := Voxelize(v, 1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, v.Data, out.Data, 1e-9)
	assert.True(t, out.SameGrid(v))
}

func TestVoxelizeIsBlockyAndLossy(t *testing.T) {
	v := testutil.HeadVolume(16, 16, 16)
	orig := append([]float64(nil), v.Data...)

	out, err := Voxelize(v, 8)
	require.NoError(t, err)
	assert.Equal(t, orig, v.Data, "input must not be modified")
	assert.Equal(t, v.Shape(), out.Shape())

	// 16 -> 2 -> 16 leaves 2x2x2 constant blocks of 8^3 voxels
	for z := 0; z < 16; z++ {
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				corner := out.Data[out.Index(x/8*8, y/8*8, z/8*8, 0)]
				require.Equal(t, corner, out.Data[out.Index(x, y, z, 0)])
			}
		}
	}

	distinct := map[float64]bool{}
	for _, val := range out.Data {
		distinct[val] = true
	}
	assert.LessOrEqual(t, len(distinct), 8)

	inDistinct := map[float64]bool{}
	for _, val := range v.Data {
		inDistinct[val] = true
	}
	assert.Greater(t, len(inDistinct), len(distinct))
}

func TestVoxelizeHandlesFramesAndTinyAxes(t *testing.T) {
	v := models.NewVolume(9, 3, 1, 2)
	for i := range v.Data {
		v.Data[i] = float64(i % 11)
	}
	out, err := Voxelize(v, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Frames)
	assert.Len(t, out.Data, len(v.Data))
}

func TestVoxelizeRejectsBadScale(t *testing.T) {
	v := testutil.HeadVolume(4, 4, 4)
	for _, s := range []float64{0, -2, math.NaN(), math.Inf(1)} {
		_, err := Voxelize(v, s)
		assert.Error(t, err, "scale %v", s)
	}
}

func TestComposite(t *testing.T) {
	in := testutil.HeadVolume(4, 3, 2)
	vox, err := Voxelize(in, 2)
	require.NoError(t, err)

	keep := models.NewVolume(4, 3, 2, 1)
	for i := range keep.Data {
		keep.Data[i] = 1
	}
	out, err := Composite(in, vox, keep)
	require.NoError(t, err)
	assert.Equal(t, in.Data, out.Data)

	out, err = Composite(in, vox, models.NewVolume(4, 3, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, vox.Data, out.Data)

	half := models.NewVolume(4, 3, 2, 1)
	for i := range half.Data {
		half.Data[i] = 0.25
	}
	out, err = Composite(in, vox, half)
	require.NoError(t, err)
	for i := range out.Data {
		assert.InDelta(t, 0.25*in.Data[i]+0.75*vox.Data[i], out.Data[i], 1e-9)
	}
}

func TestCompositeBroadcastsMaskOverFrames(t *testing.T) {
	in := models.NewVolume(3, 2, 2, 2)
	for i := range in.Data {
		in.Data[i] = float64(i)
	}
	vox := models.NewVolume(3, 2, 2, 2)
	mask := testutil.FaceMask(3, 2, 2, 1)

	out, err := Composite(in, vox, mask)
	require.NoError(t, err)
	for t2 := 0; t2 < 2; t2++ {
		assert.Zero(t, out.Data[out.Index(0, 1, 1, t2)])
		assert.Equal(t, in.Data[in.Index(2, 1, 1, t2)], out.Data[out.Index(2, 1, 1, t2)])
	}
}

func TestCompositeRejectsGridMismatch(t *testing.T) {
	in := testutil.HeadVolume(4, 3, 2)
	_, err := Composite(in, in.Clone(), testutil.FaceMask(4, 3, 3, 1))
	assert.ErrorIs(t, err, ErrMaskGridMismatch)

	_, err = Composite(in, testutil.HeadVolume(4, 4, 2), testutil.FaceMask(4, 3, 2, 1))
	assert.Error(t, err)
}

func TestMaskRange(t *testing.T) {
	m := models.NewVolume(2, 1, 1, 1)
	m.Data = []float64{-0.5, math.NaN()}
	lo, hi := MaskRange(m)
	assert.Equal(t, -0.5, lo)
	assert.Equal(t, -0.5, hi)
}

func TestOutputPaths(t *testing.T) {
	assert.Equal(t, "/data/sub-01_T1w_defaced.nii.gz", DefaultOutputPath("/data/sub-01_T1w.nii.gz"))
	assert.Equal(t, "brain_T1w_bak.nii.gz", BackupPath("brain_T1w.nii.gz"))
}

func TestCheckParams(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "brain_T1w.nii.gz")
	require.NoError(t, os.WriteFile(in, []byte("x"), 0o644))

	p := &Params{InFile: in}
	require.NoError(t, CheckParams(p))
	assert.Equal(t, filepath.Join(dir, "brain_T1w_defaced.nii.gz"), p.OutFile)
	assert.Equal(t, DefaultScaleFactor, p.ScaleFactor)

	err := CheckParams(&Params{InFile: filepath.Join(dir, "brain_T1w.nii")})
	assert.ErrorIs(t, err, ErrUnsupportedExtension)

	err = CheckParams(&Params{InFile: in, ScaleFactor: -1})
	assert.Error(t, err)

	err = CheckParams(&Params{InFile: filepath.Join(dir, "missing.nii.gz")})
	assert.ErrorIs(t, err, os.ErrNotExist)

	err = CheckParams(&Params{InFile: in, OutFile: in})
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(p.OutFile, []byte("old"), 0o644))
	err = CheckParams(&Params{InFile: in})
	assert.ErrorIs(t, err, ErrOutputExists)
	assert.NoError(t, CheckParams(&Params{InFile: in, Overwrite: true}))

	require.NoError(t, os.WriteFile(BackupPath(in), []byte("bak"), 0o644))
	err = CheckParams(&Params{InFile: in, OutFile: filepath.Join(dir, "other.nii.gz"), Replace: true})
	assert.ErrorIs(t, err, ErrOutputExists)
}

// fakeRegistrar hands back a fixed mask without running any tool.
type fakeRegistrar struct {
	mask  *nifti.Image
	err   error
	calls int
}

func (f *fakeRegistrar) EstimateTransform(_ context.Context, _ *registration.Workspace, _, _ string) (*registration.Affine, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return registration.Identity(), nil
}

func (f *fakeRegistrar) ApplyTransform(_ context.Context, _ *registration.Workspace, _ string, _ *registration.Affine, _ string) (*nifti.Image, error) {
	f.calls++
	return f.mask, nil
}

type fixture struct {
	dir       string
	in        string
	templates registration.Templates
	mask      *nifti.Image
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	head := testutil.HeadVolume(16, 12, 10)
	head.VoxelSize.X, head.VoxelSize.Y, head.VoxelSize.Z = 1, 1, 1.5
	maskVol := testutil.FaceMask(16, 12, 10, 5)
	mask, err := nifti.New(maskVol, nifti.DTFloat32)
	require.NoError(t, err)

	return fixture{
		dir: dir,
		in:  testutil.WriteVolume(t, filepath.Join(dir, "brain_T1w.nii.gz"), head, nifti.DTInt16),
		templates: registration.Templates{
			Template: testutil.WriteVolume(t, filepath.Join(dir, "tpl.nii.gz"), head, nifti.DTInt16),
			FaceMask: testutil.WriteVolume(t, filepath.Join(dir, "tpl_mask.nii.gz"), maskVol, nifti.DTFloat32),
		},
		mask: mask,
	}
}

func TestProcessDefacesFaceOnly(t *testing.T) {
	fx := newFixture(t)
	p := &Params{
		InFile:      fx.in,
		OutMask:     filepath.Join(fx.dir, "mask_out.nii.gz"),
		ScratchDir:  filepath.Join(fx.dir, "scratch"),
		ReportFile:  filepath.Join(fx.dir, "qc.yaml"),
		SnapshotDir: filepath.Join(fx.dir, "snapshots"),
	}
	require.NoError(t, CheckParams(p))

	reg := &fakeRegistrar{mask: fx.mask}
	d := NewDefacer(p, reg, fx.templates, nil)
	require.NoError(t, d.Process(context.Background()))
	assert.Equal(t, 2, reg.calls)

	in, err := nifti.Load(fx.in)
	require.NoError(t, err)
	out, err := nifti.Load(p.OutFile)
	require.NoError(t, err)

	assert.Equal(t, in.Header, out.Header, "geometry and datatype are carried over")

	changed := 0
	for z := 0; z < 10; z++ {
		for y := 0; y < 12; y++ {
			for x := 0; x < 16; x++ {
				i := in.Volume.Index(x, y, z, 0)
				if x >= 5 {
					require.Equal(t, in.Volume.Data[i], out.Volume.Data[i], "non-face voxel (%d,%d,%d)", x, y, z)
				} else if in.Volume.Data[i] != out.Volume.Data[i] {
					changed++
				}
			}
		}
	}
	assert.Positive(t, changed, "face region must differ from input")

	m := d.Metrics()
	assert.Equal(t, 5*12*10, m.FaceVoxels)
	assert.Zero(t, m.MaxAbsDiffOutside)
	assert.FileExists(t, p.ReportFile)
	assert.FileExists(t, filepath.Join(p.SnapshotDir, "brain_T1w_defaced_axial.png"))

	exported, err := nifti.Load(p.OutMask)
	require.NoError(t, err)
	assert.Equal(t, fx.mask.Volume.Data, exported.Volume.Data)

	entries, err := os.ReadDir(p.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessWithInputMaskSkipsRegistration(t *testing.T) {
	fx := newFixture(t)
	maskPath := filepath.Join(fx.dir, "precomputed_mask.nii.gz")
	require.NoError(t, fx.mask.Save(maskPath))

	p := &Params{InFile: fx.in, InMask: maskPath, ScaleFactor: 4}
	require.NoError(t, CheckParams(p))

	reg := &fakeRegistrar{err: errors.New("must not be called")}
	require.NoError(t, NewDefacer(p, reg, registration.Templates{}, nil).Process(context.Background()))
	assert.Zero(t, reg.calls)
	assert.FileExists(t, p.OutFile)

	// no registrar at all is fine too
	p2 := &Params{InFile: fx.in, InMask: maskPath, Overwrite: true}
	require.NoError(t, CheckParams(p2))
	require.NoError(t, NewDefacer(p2, nil, registration.Templates{}, nil).Process(context.Background()))
}

func TestProcessReplaceKeepsBackup(t *testing.T) {
	fx := newFixture(t)
	original, err := os.ReadFile(fx.in)
	require.NoError(t, err)

	p := &Params{InFile: fx.in, Replace: true}
	require.NoError(t, CheckParams(p))
	require.NoError(t, NewDefacer(p, &fakeRegistrar{mask: fx.mask}, fx.templates, nil).Process(context.Background()))

	backup, err := os.ReadFile(BackupPath(fx.in))
	require.NoError(t, err)
	assert.Equal(t, original, backup)
	assert.NoFileExists(t, p.OutFile)

	replaced, err := nifti.Load(fx.in)
	require.NoError(t, err)
	orig, err := nifti.Load(BackupPath(fx.in))
	require.NoError(t, err)
	assert.NotEqual(t, orig.Volume.Data, replaced.Volume.Data)
}

func TestProcessRegistrationFailureWritesNothing(t *testing.T) {
	fx := newFixture(t)
	p := &Params{InFile: fx.in, ScratchDir: filepath.Join(fx.dir, "scratch")}
	require.NoError(t, CheckParams(p))

	boom := &registration.ExitError{Tool: "flirt", ExitCode: 1, Stderr: "did not converge"}
	err := NewDefacer(p, &fakeRegistrar{err: boom}, fx.templates, nil).Process(context.Background())

	var exitErr *registration.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.NoFileExists(t, p.OutFile)

	entries, err := os.ReadDir(p.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessMissingTemplates(t *testing.T) {
	fx := newFixture(t)
	p := &Params{InFile: fx.in}
	require.NoError(t, CheckParams(p))

	tpl := registration.TemplatesIn(filepath.Join(fx.dir, "nowhere"), "", "")
	err := NewDefacer(p, &fakeRegistrar{mask: fx.mask}, tpl, nil).Process(context.Background())
	assert.ErrorIs(t, err, registration.ErrMissingAsset)
}

func TestProcessMaskGridMismatch(t *testing.T) {
	fx := newFixture(t)
	small, err := nifti.New(testutil.FaceMask(8, 6, 5, 2), nifti.DTFloat32)
	require.NoError(t, err)

	p := &Params{InFile: fx.in}
	require.NoError(t, CheckParams(p))
	err = NewDefacer(p, &fakeRegistrar{mask: small}, fx.templates, nil).Process(context.Background())
	assert.ErrorIs(t, err, ErrMaskGridMismatch)
}

func TestProcessHonoursCancellation(t *testing.T) {
	fx := newFixture(t)
	p := &Params{InFile: fx.in}
	require.NoError(t, CheckParams(p))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewDefacer(p, &fakeRegistrar{mask: fx.mask}, fx.templates, nil).Process(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, p.OutFile)
}
