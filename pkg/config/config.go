// Package config provides configuration loading and management for mrideface.
// It handles loading configuration from YAML files, overlays the process
// environment (optionally seeded from a .env file) and provides default values.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"mrideface/pkg/registration"
)

// Environment variables read by Config.ApplyEnvironment.
const (
	EnvFSLDir  = "FSLDIR"
	EnvDataDir = "MRIDEFACE_DATA_DIR"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Template asset locations
	Templates struct {
		// DataDir holds the template pair; defaults to "data" next to the executable
		DataDir string `yaml:"dataDir"`

		// Template is the reference head image file name
		Template string `yaml:"template"`

		// FaceMask is the face mask file name, in the template's space
		FaceMask string `yaml:"faceMask"`
	} `yaml:"templates"`

	// Registration toolkit parameters
	Registration struct {
		// FSLDir is the FSL installation root; FSLDIR overrides it
		FSLDir string `yaml:"fslDir"`

		// Binary is the flirt executable name or absolute path
		Binary string `yaml:"binary"`

		// CostFunction is the similarity measure used to estimate the affine
		CostFunction string `yaml:"costFunction"`

		// OutputType is passed to FSL as FSLOUTPUTTYPE
		OutputType string `yaml:"outputType"`

		// ScratchDir is where per-run workspaces are created (system temp if empty)
		ScratchDir string `yaml:"scratchDir"`

		// Timeout bounds each registration run; zero disables it
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"registration"`

	// Defacing parameters
	Defacing struct {
		// ScaleFactor is the default voxelization coarseness
		ScaleFactor float64 `yaml:"scaleFactor"`
	} `yaml:"defacing"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// Format is text or json
		Format string `yaml:"format"`

		// File, when set, receives a copy of every log entry
		File string `yaml:"file"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Templates.DataDir = defaultDataDir()
	cfg.Templates.Template = "ConteCore2_50_T1w_2mm.nii.gz"
	cfg.Templates.FaceMask = "ConteCore2_50_T1w_2mm_deface_mask.nii.gz"

	cfg.Registration.Binary = "flirt"
	cfg.Registration.CostFunction = "mutualinfo"
	cfg.Registration.OutputType = "NIFTI_GZ"

	cfg.Defacing.ScaleFactor = 8.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// defaultDataDir returns the "data" directory next to the executable.
func defaultDataDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "data"
	}
	return filepath.Join(filepath.Dir(exe), "data")
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// ApplyEnvironment loads envFile (if present) into the process environment
// without overriding variables that are already set, then copies FSLDIR and
// MRIDEFACE_DATA_DIR into the configuration. The toolkit root is resolved
// here once so the rest of the program never reads the environment.
func (c *Config) ApplyEnvironment(envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("error loading %s: %w", envFile, err)
			}
		}
	}

	if v, ok := os.LookupEnv(EnvFSLDir); ok {
		c.Registration.FSLDir = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Templates.DataDir = v
	}
	return nil
}

// Validate checks values that would otherwise fail late in a run.
func (c *Config) Validate() error {
	if c.Defacing.ScaleFactor <= 0 {
		return fmt.Errorf("defacing.scaleFactor must be positive, got %v", c.Defacing.ScaleFactor)
	}
	if c.Registration.Timeout < 0 {
		return fmt.Errorf("registration.timeout must not be negative")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// TemplatePair returns the template assets named by the configuration.
func (c *Config) TemplatePair() registration.Templates {
	return registration.TemplatesIn(c.Templates.DataDir, c.Templates.Template, c.Templates.FaceMask)
}

// FLIRT returns the registration toolkit settings.
func (c *Config) FLIRT(logger logrus.FieldLogger) registration.FLIRTConfig {
	return registration.FLIRTConfig{
		FSLDir:       c.Registration.FSLDir,
		Binary:       c.Registration.Binary,
		CostFunction: c.Registration.CostFunction,
		OutputType:   c.Registration.OutputType,
		Timeout:      c.Registration.Timeout,
		Logger:       logger,
	}
}

// Write encodes the configuration as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	return enc.Close()
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
