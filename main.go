package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/aluedeke/ipa-resign/internal/config"
	"github.com/aluedeke/ipa-resign/internal/logging"
	"github.com/aluedeke/ipa-resign/internal/metrics"
	"github.com/aluedeke/ipa-resign/pkg/archive"
	"github.com/aluedeke/ipa-resign/pkg/bundle"
	"github.com/aluedeke/ipa-resign/pkg/install"
	"github.com/aluedeke/ipa-resign/pkg/provision"
	"github.com/aluedeke/ipa-resign/pkg/resign"
	"github.com/aluedeke/ipa-resign/pkg/signer"
)

const version = "1.0.0"

const usage = `ipa-resign - iOS IPA resigning tool

Resigns IPA archives with a new certificate and provisioning profile. The
bundle identifier is taken from the profile unless --bundleid is given.

Usage:
  ipa-resign resign --ipa=<path>... [--p12=<path>] [--profile=<path>] [--password=<password>] [--output-dir=<dir>] [--bundleid=<id>] [--signer=<mode>] [--config=<path>] [--install] [--metrics=<file>] [--log-level=<level>] [--log-file=<path>]
  ipa-resign info --ipa=<path>
  ipa-resign info --profile=<path> [--udid=<udid>]
  ipa-resign install --ipa=<path> [--config=<path>]
  ipa-resign -h | --help
  ipa-resign --version

Commands:
  resign    Resign one or more IPA files
  info      Display information about an IPA file or provisioning profile
  install   Install an IPA on a connected device with the configured tool

Options:
  --ipa=<path>           Path to the input .ipa file (repeat for a batch)
  --p12=<path>           Path to the P12 certificate file (or CODESIGN_P12 env var)
  --profile=<path>       Path to the provisioning profile (or CODESIGN_PROFILE env var)
  --password=<password>  Password for the P12 certificate (or CODESIGN_PASSWORD env var)
  --output-dir=<dir>     Directory for signed archives (defaults to the input's directory)
  --bundleid=<id>        Bundle ID to apply instead of the profile's
  --signer=<mode>        Signing mode: native, command, degraded or none
  --config=<path>        Configuration file (or IPA_RESIGN_CONFIG env var)
  --install              Install each signed IPA with the configured install command
  --metrics=<file>       Write Prometheus metrics to file after the run
  --log-level=<level>    Log level: debug, info, warn, error
  --log-file=<path>      Log to file; "-" logs JSON to stderr
  --udid=<udid>          Check whether the profile allows this device
  -h --help              Show this help message
  --version              Show version

Environment Variables:
  CODESIGN_P12           Path to P12 certificate file (overridden by --p12)
  CODESIGN_PROFILE       Path to provisioning profile (overridden by --profile)
  CODESIGN_PASSWORD      P12 certificate password (overridden by --password)
  IPA_RESIGN_CONFIG      Configuration file (overridden by --config)
  IPA_RESIGN_SIGNER      Signing mode (overridden by --signer)
  IPA_RESIGN_OUTPUT_DIR  Output directory (overridden by --output-dir)
  IPA_RESIGN_LOG_LEVEL   Log level (overridden by --log-level)

Examples:
  # Resign an IPA; the signed copy is written next to it
  ipa-resign resign --ipa=MyApp.ipa --p12=cert.p12 --profile=dev.mobileprovision --password=secret

  # Resign several IPAs with the same identity
  ipa-resign resign --ipa=A.ipa --ipa=B.ipa --p12=cert.p12 --profile=dev.mobileprovision

  # Resign, then install on the connected device
  ipa-resign resign --ipa=MyApp.ipa --p12=cert.p12 --profile=dev.mobileprovision --install

  # View IPA or profile information
  ipa-resign info --ipa=MyApp.ipa
  ipa-resign info --profile=dev.mobileprovision
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cmdErr error
	if ok, _ := opts.Bool("resign"); ok {
		cmdErr = runResign(ctx, opts, os.Stdout)
	} else if ok, _ := opts.Bool("info"); ok {
		cmdErr = runInfo(opts, os.Stdout)
	} else if ok, _ := opts.Bool("install"); ok {
		cmdErr = runInstall(opts, os.Stdout)
	}
	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", cmdErr)
		stop()
		os.Exit(1)
	}
}

// errFailed reports that at least one operation did not produce an archive;
// the individual errors have already been printed.
var errFailed = errors.New("one or more IPAs could not be resigned")

func runResign(ctx context.Context, opts docopt.Opts, out io.Writer) error {
	cfgPath, _ := opts.String("--config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()
	if cfg.Path() != "" {
		logger.Debug().Str("path", cfg.Path()).Msg("loaded configuration")
	}

	ipas := stringsOpt(opts, "--ipa")
	creds := cfg.Credentials
	if creds.P12 == "" {
		return fmt.Errorf("--p12 is required (or set %s environment variable)", config.EnvP12)
	}
	if creds.Profile == "" {
		return fmt.Errorf("--profile is required (or set %s environment variable)", config.EnvProfile)
	}
	if creds.Password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		if creds.Password, err = promptPassword(creds.P12); err != nil {
			return err
		}
	}
	bundleID, _ := opts.String("--bundleid")

	fmt.Fprintf(out, "Using certificate: %s\n", creds.P12)
	fmt.Fprintf(out, "Using profile: %s\n", creds.Profile)
	fmt.Fprintf(out, "Signer: %s\n", cfg.Signer.Mode)
	if bundleID != "" {
		fmt.Fprintf(out, "New Bundle ID: %s\n", bundleID)
	}
	fmt.Fprintln(out)

	sinks := resign.MultiSink{newProgressPrinter(out)}
	metricsFile, _ := opts.String("--metrics")
	var reg *prometheus.Registry
	if metricsFile != "" {
		reg = prometheus.NewRegistry()
		sinks = append(sinks, metrics.NewRecorder(reg))
	}

	o := resign.New(buildSigner(cfg, logger),
		resign.WithSink(sinks),
		resign.WithLogger(logger),
		resign.WithWorkspaceRoot(cfg.WorkspaceRoot),
	)
	reqs := make([]resign.Request, len(ipas))
	for i, ipa := range ipas {
		reqs[i] = resign.Request{
			ArchivePath:     ipa,
			CertificatePath: creds.P12,
			Passphrase:      creds.Password,
			ProfilePath:     creds.Profile,
			OutputDir:       cfg.OutputDir,
			BundleID:        bundleID,
		}
	}

	var results []resign.Result
	if len(reqs) == 1 {
		results = []resign.Result{o.Run(ctx, reqs[0])}
	} else {
		results = o.RunBatch(ctx, reqs, cfg.Concurrency)
	}

	doInstall, _ := opts.Bool("--install")
	installer := &install.Command{Argv: cfg.Install.Command, Logger: logger}
	failed := false
	for i, res := range results {
		printResult(out, ipas[i], res)
		if !res.OK() {
			failed = true
			continue
		}
		if doInstall {
			installResult(out, installer, res.OutputPath)
		}
	}

	if reg != nil {
		if err := prometheus.WriteToTextfile(metricsFile, reg); err != nil {
			logger.Warn().Err(err).Str("path", metricsFile).Msg("failed to write metrics")
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

// applyFlags overrides file and environment settings with command line flags.
func applyFlags(cfg *config.Config, opts docopt.Opts) {
	for flag, dst := range map[string]*string{
		"--p12":        &cfg.Credentials.P12,
		"--profile":    &cfg.Credentials.Profile,
		"--password":   &cfg.Credentials.Password,
		"--output-dir": &cfg.OutputDir,
		"--log-level":  &cfg.LogLevel,
		"--log-file":   &cfg.LogFile,
	} {
		if v, _ := opts.String(flag); v != "" {
			*dst = v
		}
	}
	if v, _ := opts.String("--signer"); v != "" {
		cfg.Signer.Mode = config.SignerMode(v)
	}
}

// stringsOpt reads an option that docopt may return as a string or a list.
func stringsOpt(opts docopt.Opts, key string) []string {
	switch v := opts[key].(type) {
	case []string:
		return v
	case string:
		return []string{v}
	}
	return nil
}

func promptPassword(p12 string) (string, error) {
	fmt.Fprintf(os.Stderr, "Password for %s: ", filepath.Base(p12))
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}

// buildSigner returns the signing capability selected by cfg.
func buildSigner(cfg *config.Config, logger zerolog.Logger) signer.Signer {
	var primary signer.Signer
	switch cfg.Signer.Mode {
	case config.SignerDegraded:
		return signer.Degraded{}
	case config.SignerCommand:
		primary = signer.NewCommand(cfg.Signer.Command, logger)
	case config.SignerNone:
		primary = signer.Unavailable{Reason: "signing disabled by configuration"}
	default:
		primary = signer.NewNative(logger)
	}
	if cfg.Signer.AllowDegraded {
		return signer.Fallback{Primary: primary, Degraded: signer.Degraded{}}
	}
	return primary
}

// progressPrinter prints stage transitions. Operations are told apart by
// the first characters of their id.
type progressPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out}
}

func (p *progressPrinter) Notify(e resign.Event) {
	if e.Kind != resign.EventProgress {
		return
	}
	id := e.OperationID
	if len(id) > 8 {
		id = id[:8]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "[%s] %2d/%d %s\n", id, e.Stage.Index()+1, len(resign.Stages), e.Stage.Label())
}

func printResult(out io.Writer, input string, res resign.Result) {
	fmt.Fprintln(out)
	switch res.Status {
	case resign.StatusFailed:
		fmt.Fprintf(out, "Failed to resign %s at stage %s: %v\n", input, res.Stage, res.Err)
	case resign.StatusSignedDegraded:
		fmt.Fprintf(out, "Resigned IPA without a valid signature: %s\n", res.OutputPath)
	default:
		fmt.Fprintf(out, "Successfully resigned IPA: %s\n", res.OutputPath)
	}
	if res.OK() {
		fmt.Fprintf(out, "Bundle ID:   %s (%s)\n", res.BundleID, res.BundleIDSource)
		fmt.Fprintf(out, "Size:        %d bytes\n", res.SizeBytes)
		if res.SignDetail != "" {
			fmt.Fprintf(out, "Signing:     %s\n", res.SignDetail)
		}
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}
}

func installResult(out io.Writer, installer install.Installer, ipa string) {
	msg, err := installer.Install(ipa)
	switch {
	case errors.Is(err, install.ErrUnavailable):
		fmt.Fprintf(out, "Install skipped: %v\n", err)
	case err != nil:
		fmt.Fprintf(out, "Install failed: %v\n", err)
	default:
		fmt.Fprintf(out, "Installed %s\n", filepath.Base(ipa))
		if msg != "" {
			fmt.Fprintln(out, msg)
		}
	}
}

func runInstall(opts docopt.Opts, out io.Writer) error {
	cfgPath, _ := opts.String("--config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	ipas := stringsOpt(opts, "--ipa")
	if len(ipas) == 0 {
		return errors.New("--ipa is required")
	}
	msg, err := (&install.Command{Argv: cfg.Install.Command, Logger: logger}).Install(ipas[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Installed %s\n", ipas[0])
	if msg != "" {
		fmt.Fprintln(out, msg)
	}
	return nil
}

func runInfo(opts docopt.Opts, out io.Writer) error {
	if ipas := stringsOpt(opts, "--ipa"); len(ipas) > 0 {
		return showIPAInfo(ipas[0], out)
	}
	if profilePath, _ := opts.String("--profile"); profilePath != "" {
		udid, _ := opts.String("--udid")
		return showProfileInfo(profilePath, udid, out)
	}
	return errors.New("either --ipa or --profile is required")
}

func showIPAInfo(ipaPath string, out io.Writer) error {
	entries, err := archive.List(ipaPath)
	if err != nil {
		return err
	}
	var files int
	var size uint64
	for _, e := range entries {
		if !e.IsDir {
			files++
			size += e.Size
		}
	}

	tempDir, err := os.MkdirTemp("", "ipa-info-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	if err := archive.Extract(ipaPath, tempDir); err != nil {
		return err
	}
	appPath, err := bundle.Locate(filepath.Join(tempDir, bundle.PayloadDir))
	if err != nil {
		return err
	}
	info, err := bundle.ReadInfo(appPath)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "IPA Information")
	fmt.Fprintln(out, "===============")
	fmt.Fprintf(out, "File:        %s\n", ipaPath)
	fmt.Fprintf(out, "Contents:    %d files, %d bytes\n", files, size)
	fmt.Fprintf(out, "App Name:    %s\n", filepath.Base(appPath))
	fmt.Fprintf(out, "Bundle ID:   %s\n", info.BundleID)
	fmt.Fprintf(out, "Executable:  %s\n", info.Executable)
	if info.ShortVersion != "" {
		fmt.Fprintf(out, "Version:     %s (%s)\n", info.ShortVersion, info.Version)
	}

	if profile, err := provision.ParseFile(filepath.Join(appPath, provision.EmbeddedName)); err == nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Embedded Provisioning Profile")
		fmt.Fprintln(out, "-----------------------------")
		printProfile(out, profile)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Code Signature")
	fmt.Fprintln(out, "--------------")
	exe, err := bundle.ExecutablePath(appPath)
	if err != nil {
		fmt.Fprintf(out, "Status:         unknown (%v)\n", err)
		return nil
	}
	sig, err := signer.Inspect(exe)
	if err != nil {
		fmt.Fprintln(out, "Status:         unsigned")
		return nil
	}
	fmt.Fprintf(out, "Identifier:     %s\n", sig.Identifier)
	if sig.TeamID != "" {
		fmt.Fprintf(out, "Team ID:        %s\n", sig.TeamID)
	}
	fmt.Fprintf(out, "Hashes:         %s\n", strings.Join(sig.HashTypes, ", "))
	if sig.Adhoc() {
		fmt.Fprintln(out, "Signer:         ad-hoc")
	} else {
		fmt.Fprintf(out, "Signer:         %s\n", sig.SignerCN)
	}
	return nil
}

func showProfileInfo(profilePath, udid string, out io.Writer) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}
	profile, err := provision.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse profile: %w", err)
	}
	d := provision.Resolve(data)

	fmt.Fprintln(out, "Provisioning Profile Information")
	fmt.Fprintln(out, "================================")
	fmt.Fprintf(out, "File:           %s\n", profilePath)
	fmt.Fprintf(out, "Name:           %s\n", profile.Name)
	fmt.Fprintf(out, "UUID:           %s\n", profile.UUID)
	fmt.Fprintf(out, "Created:        %s\n", profile.CreationDate.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Bundle ID:      %s\n", d.BundleID)
	if d.Wildcard {
		fmt.Fprintln(out, "Wildcard:       yes")
	}
	printProfile(out, profile)

	if profile.ProvisionsAllDevices {
		fmt.Fprintln(out, "Devices:        all")
	} else if len(profile.ProvisionedDevices) > 0 {
		fmt.Fprintf(out, "Devices:        %d\n", len(profile.ProvisionedDevices))
		for _, d := range profile.ProvisionedDevices {
			fmt.Fprintf(out, "  - %s\n", d)
		}
	}
	if udid != "" {
		allowed := "not provisioned"
		if profile.IsDeviceAllowed(udid) {
			allowed = "allowed"
		}
		fmt.Fprintf(out, "Device %s: %s\n", udid, allowed)
	}
	if len(profile.Entitlements) > 0 {
		keys := make([]string, 0, len(profile.Entitlements))
		for k := range profile.Entitlements {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Entitlements:")
		for _, k := range keys {
			fmt.Fprintf(out, "  %s: %v\n", k, profile.Entitlements[k])
		}
	}
	return nil
}

func printProfile(out io.Writer, profile *provision.Profile) {
	fmt.Fprintf(out, "Team ID:        %s\n", profile.TeamID())
	fmt.Fprintf(out, "App ID:         %s\n", profile.ApplicationIdentifier())
	fmt.Fprintf(out, "Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02"))
	fmt.Fprintf(out, "Expired:        %v\n", profile.IsExpired())
	certs, err := profile.Certificates()
	if err != nil {
		return
	}
	fmt.Fprintf(out, "Certificates:   %d\n", len(certs))
	for i, cert := range certs {
		fmt.Fprintf(out, "  [%d] %s\n", i+1, cert.Subject.CommonName)
		fmt.Fprintf(out, "      Serial: %s\n", cert.SerialNumber.String())
		fmt.Fprintf(out, "      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
	}
}
