package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mrideface/pkg/config"
	"mrideface/pkg/defacing"
	"mrideface/pkg/logging"
	"mrideface/pkg/registration"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitToolkitConf = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(rewriteLegacyFlags(args))
	if err := cmd.ExecuteContext(ctx); err != nil {
		if registration.IsConfigurationError(err) {
			fmt.Fprintln(stderr, "FSL must be installed and FSLDIR must point at it:", err)
			return exitToolkitConf
		}
		fmt.Fprintln(stderr, "Error:", err)
		return exitFailure
	}
	return exitOK
}

// rewriteLegacyFlags maps the two-letter short options -im and -om to their
// long forms, since single-dash flags are limited to one letter.
func rewriteLegacyFlags(args []string) []string {
	legacy := map[string]string{"-im": "--inmask", "-om": "--outmask"}
	out := make([]string, 0, len(args))
	for i, a := range args {
		if a == "--" {
			return append(out, args[i:]...)
		}
		name, value, hasValue := strings.Cut(a, "=")
		if long, ok := legacy[name]; ok {
			if hasValue {
				a = long + "=" + value
			} else {
				a = long
			}
		}
		out = append(out, a)
	}
	return out
}

type options struct {
	params     defacing.Params
	configPath string
	envFile    string
	logLevel   string
	dumpConfig bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "mrideface -i <infile.nii.gz> [flags]",
		Short: "Remove facial structure from MRI images",
		Long: `mrideface replaces the face region of a T1-weighted head image with a
voxelized copy of itself. The face mask comes from registering a template
with FSL FLIRT, or from a mask saved by an earlier run (--inmask).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeface(cmd, &opts, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	p := &opts.params
	cmd.Flags().StringVarP(&p.InFile, "infile", "i", "", "T1w input image (.nii.gz)")
	cmd.Flags().StringVarP(&p.OutFile, "outfile", "o", "", "defaced output image [<infile>_defaced.nii.gz]")
	cmd.Flags().Float64VarP(&p.ScaleFactor, "scalefactor", "s", defacing.DefaultScaleFactor, "voxelization scale factor")
	cmd.Flags().StringVar(&p.InMask, "inmask", "", "use this face mask instead of registering the template (-im)")
	cmd.Flags().StringVar(&p.OutMask, "outmask", "", "save the face mask used to this file (-om)")
	cmd.Flags().BoolVarP(&p.Replace, "replace", "r", false, "back up the input and replace it with the defaced image")
	cmd.Flags().BoolVar(&p.Overwrite, "overwrite", false, "overwrite existing output files")
	cmd.Flags().StringVar(&p.ReportFile, "report", "", "write QC metrics as YAML to this file")
	cmd.Flags().StringVar(&p.SnapshotDir, "snapshot", "", "write PNG mid-slices of the defaced image to this directory")

	cmd.Flags().StringVar(&opts.configPath, "config", "mrideface.yaml", "configuration file (optional)")
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "environment file loaded before FSLDIR is read (optional)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error), overrides the config")
	cmd.Flags().BoolVar(&opts.dumpConfig, "dump-config", false, "print the effective configuration and exit")

	return cmd
}

func runDeface(cmd *cobra.Command, opts *options, stdout, stderr io.Writer) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnvironment(opts.envFile); err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.dumpConfig {
		return cfg.Write(stdout)
	}

	p := &opts.params
	if p.InFile == "" {
		return errors.New(`required flag "infile" not set`)
	}
	if !cmd.Flags().Changed("scalefactor") {
		p.ScaleFactor = cfg.Defacing.ScaleFactor
	} else if p.ScaleFactor <= 0 {
		return fmt.Errorf("scale factor must be positive, got %v", p.ScaleFactor)
	}
	p.ScratchDir = cfg.Registration.ScratchDir

	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := defacing.CheckParams(p); err != nil {
		return err
	}

	var (
		registrar registration.Registrar
		templates registration.Templates
	)
	if p.InMask == "" {
		templates = cfg.TemplatePair()
		if err := templates.Validate(); err != nil {
			return err
		}
		flirt, err := registration.NewFLIRT(cfg.FLIRT(logger))
		if err != nil {
			return err
		}
		logger.WithField("version", flirt.Version(cmd.Context())).Debugf("Using %s", flirt.Path())
		registrar = flirt
	}

	logger.WithFields(logrus.Fields{
		"infile":       p.InFile,
		"outfile":      p.OutFile,
		"scale_factor": p.ScaleFactor,
	}).Info("Defacing")

	start := time.Now()
	d := defacing.NewDefacer(p, registrar, templates, logger)
	if err := d.Process(cmd.Context()); err != nil {
		return err
	}
	logger.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("Done")
	return nil
}
