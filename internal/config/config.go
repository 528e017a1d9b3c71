// Package config loads the ipa-resign configuration file and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvConfig names the configuration file when --config is not given.
const EnvConfig = "IPA_RESIGN_CONFIG"

// Environment overrides. The CODESIGN_* names are shared with codesign
// tooling already used in CI.
const (
	EnvP12         = "CODESIGN_P12"
	EnvProfile     = "CODESIGN_PROFILE"
	EnvPassword    = "CODESIGN_PASSWORD"
	EnvSigner      = "IPA_RESIGN_SIGNER"
	EnvOutputDir   = "IPA_RESIGN_OUTPUT_DIR"
	EnvLogLevel    = "IPA_RESIGN_LOG_LEVEL"
	EnvConcurrency = "IPA_RESIGN_CONCURRENCY"
)

// SignerMode selects the signing capability.
type SignerMode string

const (
	// SignerNative signs in-process.
	SignerNative SignerMode = "native"
	// SignerCommand runs an external signing tool.
	SignerCommand SignerMode = "command"
	// SignerDegraded only places the certificate next to the bundle.
	SignerDegraded SignerMode = "degraded"
	// SignerNone reports signing as unavailable.
	SignerNone SignerMode = "none"
)

type SignerConfig struct {
	Mode SignerMode `yaml:"mode"`
	// AllowDegraded falls back to degraded signing when Mode is unavailable
	// on this host.
	AllowDegraded bool `yaml:"allow_degraded"`
	// Command is the argv template for SignerCommand.
	Command []string `yaml:"command"`
}

type InstallConfig struct {
	// Command is the argv template used to push an IPA to a device; {ipa}
	// is replaced with the archive path.
	Command []string `yaml:"command"`
}

// Credentials are the signing inputs that may be fixed per host.
type Credentials struct {
	P12      string `yaml:"p12"`
	Profile  string `yaml:"profile"`
	Password string `yaml:"password"`
}

type Config struct {
	Signer        SignerConfig  `yaml:"signer"`
	Install       InstallConfig `yaml:"install"`
	Credentials   Credentials   `yaml:"credentials"`
	OutputDir     string        `yaml:"output_dir"`
	WorkspaceRoot string        `yaml:"workspace_root"`
	LogLevel      string        `yaml:"log_level"`
	LogFile       string        `yaml:"log_file"`
	Concurrency   int           `yaml:"concurrency"`

	// path is the file the configuration was read from, if any.
	path string
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Signer:      SignerConfig{Mode: SignerNative, AllowDegraded: true},
		LogLevel:    zerolog.InfoLevel.String(),
		Concurrency: 2,
	}
}

// Path returns the file the configuration was read from, or "".
func (c *Config) Path() string {
	return c.path
}

// Load reads the configuration at path, or at $IPA_RESIGN_CONFIG when path
// is empty, falling back to the per-user default location. An explicitly
// named file must exist; the default location may be absent. Environment
// overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := true
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		path, explicit = defaultPath(), false
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		} else {
			cfg.path = path
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ipa-resign", "config.yaml")
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Credentials.P12, EnvP12)
	setString(&c.Credentials.Profile, EnvProfile)
	setString(&c.Credentials.Password, EnvPassword)
	setString(&c.OutputDir, EnvOutputDir)
	setString(&c.LogLevel, EnvLogLevel)
	if v := os.Getenv(EnvSigner); v != "" {
		c.Signer.Mode = SignerMode(v)
	}
	if v := os.Getenv(EnvConcurrency); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConcurrency, err)
		}
		c.Concurrency = n
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// Validate checks the configuration for values no component can act on.
func (c *Config) Validate() error {
	switch c.Signer.Mode {
	case SignerNative, SignerDegraded, SignerNone:
	case SignerCommand:
		if len(c.Signer.Command) == 0 {
			return errors.New("signer.command is required when signer.mode is command")
		}
	default:
		return fmt.Errorf("unknown signer.mode %q", c.Signer.Mode)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	return nil
}
