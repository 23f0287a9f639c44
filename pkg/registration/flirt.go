package registration

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mrideface/pkg/nifti"
)

// FLIRTConfig configures the FSL FLIRT collaborator.
type FLIRTConfig struct {
	// FSLDir is the FSL installation root (what FSLDIR names)
	FSLDir string

	// Binary is the flirt executable, relative to FSLDir/bin unless absolute
	Binary string

	// CostFunction is the similarity measure for estimation (default mutualinfo)
	CostFunction string

	// OutputType is exported to flirt as FSLOUTPUTTYPE (default NIFTI_GZ)
	OutputType string

	// Timeout bounds each flirt run; zero means no limit
	Timeout time.Duration

	Logger logrus.FieldLogger
}

// FLIRT runs FSL's flirt as a subprocess.
type FLIRT struct {
	cfg  FLIRTConfig
	path string
	log  logrus.FieldLogger
}

// NewFLIRT validates the FSL installation once and returns a ready
// collaborator. It fails with ErrToolNotConfigured when FSLDir is unset or
// is not a directory and with *ToolNotFoundError when flirt is missing.
func NewFLIRT(cfg FLIRTConfig) (*FLIRT, error) {
	if cfg.FSLDir == "" {
		return nil, fmt.Errorf("%w: FSLDIR is not set", ErrToolNotConfigured)
	}
	if info, err := os.Stat(cfg.FSLDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: FSLDIR %s is not a directory", ErrToolNotConfigured, cfg.FSLDir)
	}
	if cfg.Binary == "" {
		cfg.Binary = "flirt"
	}
	if cfg.CostFunction == "" {
		cfg.CostFunction = "mutualinfo"
	}
	if cfg.OutputType == "" {
		cfg.OutputType = "NIFTI_GZ"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	path := cfg.Binary
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.FSLDir, "bin", cfg.Binary)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ToolNotFoundError{Tool: "flirt", Path: path, Err: err}
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, &ToolNotFoundError{Tool: "flirt", Path: path, Err: errors.New("not an executable file")}
	}

	return &FLIRT{
		cfg:  cfg,
		path: path,
		log:  cfg.Logger.WithField("tool", "flirt"),
	}, nil
}

// Path returns the resolved flirt executable.
func (f *FLIRT) Path() string { return f.path }

// Version asks flirt for its version string. Failures are reported as
// "unknown" since some builds exit non-zero here.
func (f *FLIRT) Version(ctx context.Context) string {
	out, err := f.command(ctx, "-version").CombinedOutput()
	if len(out) == 0 {
		if err != nil {
			f.log.WithError(err).Debug("Could not query flirt version")
		}
		return "unknown"
	}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "unknown"
}

// EstimateTransform registers reference to subject and returns the affine.
func (f *FLIRT) EstimateTransform(ctx context.Context, ws *Workspace, reference, subject string) (*Affine, error) {
	omat := ws.Path("flirt_tx.mat")
	args := []string{
		"-in", reference,
		"-ref", subject,
		"-out", ws.Path("dummy.nii.gz"),
		"-omat", omat,
		"-cost", f.cfg.CostFunction,
	}
	if err := f.run(ctx, args); err != nil {
		return nil, err
	}

	file, err := os.Open(omat)
	if err != nil {
		return nil, &MalformedOutputError{Path: omat, Err: err}
	}
	defer file.Close()
	xfm, err := ParseAffine(file)
	if err != nil {
		return nil, &MalformedOutputError{Path: omat, Err: err}
	}

	f.log.WithField("scales", xfm.Scales()).Debug("Estimated template-to-subject affine")
	return xfm, nil
}

// ApplyTransform resamples source onto the grid of target through xfm.
func (f *FLIRT) ApplyTransform(ctx context.Context, ws *Workspace, source string, xfm *Affine, target string) (*nifti.Image, error) {
	init := ws.Path("xfm.mat")
	if err := writeAffine(init, xfm); err != nil {
		return nil, err
	}

	out := ws.Path("deface_mask.nii.gz")
	args := []string{
		"-in", source,
		"-ref", target,
		"-applyxfm",
		"-init", init,
		"-out", out,
		"-omat", ws.Path("dummy.mat"),
	}
	if err := f.run(ctx, args); err != nil {
		return nil, err
	}

	img, err := nifti.Load(out)
	if err != nil {
		return nil, &MalformedOutputError{Path: out, Err: err}
	}
	return img, nil
}

func writeAffine(path string, xfm *Affine) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := xfm.WriteTo(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (f *FLIRT) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, f.path, args...)
	cmd.Env = append(os.Environ(),
		"FSLDIR="+f.cfg.FSLDir,
		"FSLOUTPUTTYPE="+f.cfg.OutputType,
	)
	return cmd
}

// run executes flirt synchronously, logging its output line by line.
func (f *FLIRT) run(ctx context.Context, args []string) error {
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	var stderr tailBuffer
	stdoutLog := &lineLogger{log: f.log.WithField("stream", "stdout")}
	stderrLog := &lineLogger{log: f.log.WithField("stream", "stderr")}
	cmd := f.command(ctx, args...)
	cmd.Stdout = stdoutLog
	cmd.Stderr = io.MultiWriter(stderrLog, &stderr)

	f.log.WithField("args", strings.Join(args, " ")).Debug("Running flirt")
	start := time.Now()
	err := cmd.Run()
	stdoutLog.flush()
	stderrLog.flush()

	switch {
	case err == nil:
		f.log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Debug("flirt finished")
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("flirt: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Tool: "flirt", Args: args, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	var pathErr *fs.PathError
	if errors.Is(err, exec.ErrNotFound) || errors.As(err, &pathErr) {
		return &ToolNotFoundError{Tool: "flirt", Path: f.path, Err: err}
	}
	return fmt.Errorf("run flirt: %w", err)
}

// lineLogger logs everything written to it, one entry per line.
type lineLogger struct {
	log logrus.FieldLogger
	buf bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			l.buf.Reset()
			l.buf.WriteString(line)
			return len(p), nil
		}
		if s := strings.TrimSpace(line); s != "" {
			l.log.Debug(s)
		}
	}
}

func (l *lineLogger) flush() {
	sc := bufio.NewScanner(&l.buf)
	for sc.Scan() {
		if s := strings.TrimSpace(sc.Text()); s != "" {
			l.log.Debug(s)
		}
	}
}

// tailBuffer keeps the last few KiB of a stream for error messages.
type tailBuffer struct {
	b []byte
}

const tailLimit = 4096

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.b = append(t.b, p...)
	if len(t.b) > tailLimit {
		t.b = t.b[len(t.b)-tailLimit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.b) }
