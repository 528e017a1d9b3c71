package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate clears every variable Load consults.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	for _, k := range []string{EnvConfig, EnvP12, EnvProfile, EnvPassword, EnvSigner, EnvOutputDir, EnvLogLevel, EnvConcurrency} {
		t.Setenv(k, "")
	}
	return dir
}

func write(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Empty(t, cfg.Path())
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := isolate(t)
	path := write(t, filepath.Join(dir, "resign.yaml"), `
signer:
  mode: command
  allow_degraded: false
  command: [zsign, -k, "{cert}", -p, "{password}", "{bundle}"]
install:
  command: [ideviceinstaller, -i, "{ipa}"]
credentials:
  p12: /etc/signing/dist.p12
output_dir: /srv/out
workspace_root: /var/tmp/resign
log_level: debug
log_file: "-"
concurrency: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, SignerCommand, cfg.Signer.Mode)
	assert.False(t, cfg.Signer.AllowDegraded)
	assert.Equal(t, []string{"zsign", "-k", "{cert}", "-p", "{password}", "{bundle}"}, cfg.Signer.Command)
	assert.Equal(t, []string{"ideviceinstaller", "-i", "{ipa}"}, cfg.Install.Command)
	assert.Equal(t, "/etc/signing/dist.p12", cfg.Credentials.P12)
	assert.Equal(t, "/srv/out", cfg.OutputDir)
	assert.Equal(t, "/var/tmp/resign", cfg.WorkspaceRoot)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "-", cfg.LogFile)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironmentPath(t *testing.T) {
	dir := isolate(t)
	path := write(t, filepath.Join(dir, "env.yaml"), "output_dir: /from/env\n")
	t.Setenv(EnvConfig, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.OutputDir)
	assert.Equal(t, path, cfg.Path())
}

func TestLoadDefaultLocation(t *testing.T) {
	dir := isolate(t)
	write(t, filepath.Join(dir, "ipa-resign", "config.yaml"), "concurrency: 7\n")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Concurrency)
}

func TestLoadEmptyFile(t *testing.T) {
	dir := isolate(t)
	path := write(t, filepath.Join(dir, "empty.yaml"), "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, SignerNative, cfg.Signer.Mode)
}

func TestLoadErrors(t *testing.T) {
	dir := isolate(t)

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(write(t, filepath.Join(dir, "typo.yaml"), "sigher:\n  mode: native\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = Load(write(t, filepath.Join(dir, "bad.yaml"), "concurrency: [1, 2\n"))
	assert.Error(t, err)

	t.Setenv(EnvConcurrency, "many")
	_, err = Load("")
	assert.ErrorContains(t, err, EnvConcurrency)
}

func TestEnvironmentOverrides(t *testing.T) {
	dir := isolate(t)
	path := write(t, filepath.Join(dir, "c.yaml"), `
credentials:
  p12: /file/cert.p12
  profile: /file/dev.mobileprovision
output_dir: /file/out
`)
	t.Setenv(EnvP12, "/env/cert.p12")
	t.Setenv(EnvPassword, "secret")
	t.Setenv(EnvSigner, "degraded")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvConcurrency, "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/env/cert.p12", cfg.Credentials.P12)
	assert.Equal(t, "/file/dev.mobileprovision", cfg.Credentials.Profile)
	assert.Equal(t, "secret", cfg.Credentials.Password)
	assert.Equal(t, "/file/out", cfg.OutputDir)
	assert.Equal(t, SignerDegraded, cfg.Signer.Mode)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Concurrency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"none", func(c *Config) { c.Signer.Mode = SignerNone }, ""},
		{"unknown mode", func(c *Config) { c.Signer.Mode = "codesign" }, "unknown signer.mode"},
		{"command without argv", func(c *Config) { c.Signer.Mode = SignerCommand }, "signer.command is required"},
		{"command", func(c *Config) {
			c.Signer.Mode = SignerCommand
			c.Signer.Command = []string{"sign", "{bundle}"}
		}, ""},
		{"negative concurrency", func(c *Config) { c.Concurrency = -1 }, "concurrency"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
