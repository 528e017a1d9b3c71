// Package resign drives one IPA through the resigning pipeline:
// workspace, extraction, bundle discovery, profile installation, manifest
// patching, signing, repackaging and cleanup.
//
// Every operation produces exactly one Result. Progress is reported through
// a Sink, never by blocking the pipeline.
package resign

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aluedeke/ipa-resign/pkg/archive"
	"github.com/aluedeke/ipa-resign/pkg/bundle"
	"github.com/aluedeke/ipa-resign/pkg/ipaerr"
	"github.com/aluedeke/ipa-resign/pkg/manifest"
	"github.com/aluedeke/ipa-resign/pkg/provision"
	"github.com/aluedeke/ipa-resign/pkg/signer"
)

// Orchestrator runs resign operations. It holds no per-operation state and
// may be shared between goroutines.
type Orchestrator struct {
	Signer        signer.Signer
	Sink          Sink
	Logger        zerolog.Logger
	WorkspaceRoot string
	Now           func() time.Time

	removeAll func(string) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink sets the event sink.
func WithSink(s Sink) Option {
	return func(o *Orchestrator) { o.Sink = s }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.Logger = l }
}

// WithWorkspaceRoot sets the directory workspaces are created in. It
// defaults to the system temporary directory.
func WithWorkspaceRoot(dir string) Option {
	return func(o *Orchestrator) { o.WorkspaceRoot = dir }
}

// WithClock sets the clock used for output names and durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.Now = now }
}

// New returns an Orchestrator that signs with s.
func New(s signer.Signer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Signer:    s,
		Sink:      nopSink{},
		Logger:    zerolog.Nop(),
		Now:       time.Now,
		removeAll: os.RemoveAll,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one operation. ctx is checked between stages; a stage that
// has started always completes. The workspace is removed on every path.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	id := uuid.NewString()
	op := &operation{
		o:      o,
		req:    req,
		id:     id,
		log:    o.Logger.With().Str("op", id).Logger(),
		sink:   o.sink(),
		stage:  StageInit,
		target: StageInit,
		result: Result{OperationID: id},
	}
	return op.run(ctx)
}

func (o *Orchestrator) sink() Sink {
	if o.Sink == nil {
		return nopSink{}
	}
	return o.Sink
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

type operation struct {
	o    *Orchestrator
	req  Request
	id   string
	log  zerolog.Logger
	sink Sink

	// stage is the last stage reached, target the one being attempted
	stage  Stage
	target Stage

	ws      *workspace
	appPath string
	result  Result
}

func (op *operation) run(ctx context.Context) Result {
	start := op.o.now()
	op.advance(StageInit)
	op.logf(zerolog.InfoLevel, "Signing started for %s", filepath.Base(op.req.ArchivePath))

	err := op.pipeline(ctx)

	var cleanupErr error
	if op.ws != nil {
		cleanupErr = op.ws.cleanup()
	}

	res := &op.result
	if err != nil {
		res.Status = StatusFailed
		res.Stage = op.target
		res.Err = ipaerr.WithStage(err, string(op.target))
		res.OutputPath, res.SizeBytes = "", 0
		op.log.Error().Err(err).Str("stage", string(op.target)).
			Str("kind", string(res.Err.Kind)).Str("code", string(res.Err.Code)).Msg("resign failed")
		op.emit(Event{Kind: EventLog, Stage: op.target, Level: zerolog.ErrorLevel, Message: "ERROR: " + res.Err.Error()})
	}
	if cleanupErr != nil {
		res.Warnings = append(res.Warnings, cleanupErr.Error())
		op.log.Warn().Err(cleanupErr).Msg("workspace cleanup failed")
		op.emit(Event{Kind: EventLog, Stage: op.stage, Level: zerolog.WarnLevel, Message: cleanupErr.Error()})
	}
	if err == nil {
		if cleanupErr == nil {
			op.advance(StageCleanedUp)
		}
		op.advance(StageDone)
		res.Stage = StageDone
		op.logf(zerolog.InfoLevel, "Signed IPA: %s", res.OutputPath)
	}

	res.Duration = op.o.now().Sub(start)
	final := *res
	op.emit(Event{Kind: EventFinished, Stage: res.Stage, Message: string(res.Status), Result: &final})
	return final
}

func (op *operation) pipeline(ctx context.Context) error {
	steps := []struct {
		stage Stage
		fn    func() error
	}{
		{StageWorkspaceReady, op.prepare},
		{StageExtracted, op.extract},
		{StageBundleLocated, op.locate},
		{StageProfileInstalled, op.installProfile},
		{StageManifestPatched, op.patchManifest},
		{StageSigned, op.sign},
		{StageRepackaged, op.repackage},
	}
	for _, s := range steps {
		op.target = s.stage
		if err := ctx.Err(); err != nil {
			return ipaerr.Wrap(ipaerr.KindInput, ipaerr.CodeCancelled, "operation cancelled", err)
		}
		if err := s.fn(); err != nil {
			return err
		}
		op.advance(s.stage)
	}
	return nil
}

func (op *operation) prepare() error {
	ws, err := newWorkspace(op.o.WorkspaceRoot, op.o.removeAll)
	op.ws = ws
	if err != nil {
		return err
	}
	op.log.Debug().Str("workspace", ws.dir).Msg("workspace created")

	for _, in := range []struct{ name, path string }{
		{"IPA", op.req.ArchivePath},
		{"certificate", op.req.CertificatePath},
		{"provisioning profile", op.req.ProfilePath},
	} {
		if err := requireFile(in.name, in.path); err != nil {
			return err
		}
	}
	return nil
}

func requireFile(name, path string) error {
	if path == "" {
		return ipaerr.New(ipaerr.KindInput, ipaerr.CodeMissingInput, "no "+name+" selected")
	}
	info, err := os.Stat(path)
	if err != nil {
		return ipaerr.Wrap(ipaerr.KindInput, ipaerr.CodeMissingInput, fmt.Sprintf("cannot read %s %s", name, path), err)
	}
	if !info.Mode().IsRegular() {
		return ipaerr.New(ipaerr.KindInput, ipaerr.CodeMissingInput, fmt.Sprintf("%s %s is not a regular file", name, path))
	}
	return nil
}

func (op *operation) extract() error {
	op.logf(zerolog.InfoLevel, "Extracting IPA archive...")
	return archive.Extract(op.req.ArchivePath, op.ws.extracted())
}

func (op *operation) locate() error {
	app, err := bundle.Locate(filepath.Join(op.ws.extracted(), bundle.PayloadDir))
	if err != nil {
		return err
	}
	op.appPath = app
	op.logf(zerolog.InfoLevel, "Found app bundle: %s", filepath.Base(app))
	return nil
}

func (op *operation) installProfile() error {
	if _, err := provision.Install(op.req.ProfilePath, op.appPath); err != nil {
		return err
	}
	op.logf(zerolog.InfoLevel, "Provisioning profile installed")
	return nil
}

func (op *operation) patchManifest() error {
	manifestPath := filepath.Join(op.appPath, bundle.ManifestName)
	id, source, err := op.bundleID(manifestPath)
	if err != nil {
		return err
	}
	op.result.BundleID, op.result.BundleIDSource = id, source
	op.logf(zerolog.InfoLevel, "Bundle ID: %s", id)

	if err := manifest.ApplyBundleID(manifestPath, id); err != nil {
		return err
	}
	op.logf(zerolog.InfoLevel, "Updated Info.plist with new bundle ID")
	return nil
}

// bundleID decides the identifier the bundle is signed as.
func (op *operation) bundleID(manifestPath string) (string, string, error) {
	if op.req.BundleID != "" {
		return op.req.BundleID, BundleIDOverride, nil
	}

	data, err := os.ReadFile(filepath.Join(op.appPath, provision.EmbeddedName))
	if err != nil {
		return "", "", ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to read installed provisioning profile", err)
	}
	d := provision.Resolve(data)
	switch {
	case d.Source == provision.SourceFallback:
		op.warn(fmt.Sprintf("provisioning profile carries no application identifier; using fallback bundle ID %s", d.BundleID))
	case d.Wildcard:
		current, err := manifest.ReadBundleID(manifestPath)
		if err != nil {
			return "", "", err
		}
		if current != "" {
			op.warn(fmt.Sprintf("provisioning profile is a wildcard (%s); keeping bundle ID %s", d.AppID, current))
			return current, BundleIDManifest, nil
		}
		op.warn(fmt.Sprintf("provisioning profile is a wildcard (%s) and the manifest has no bundle ID; using fallback bundle ID %s",
			d.AppID, provision.FallbackBundleID))
		return provision.FallbackBundleID, string(provision.SourceFallback), nil
	}
	return d.BundleID, string(d.Source), nil
}

func (op *operation) sign() error {
	s := op.o.Signer
	if s == nil {
		s = signer.Unavailable{}
	}
	op.logf(zerolog.InfoLevel, "Signing app with certificate...")
	out, err := s.Sign(signer.Request{
		BundleDir:       op.appPath,
		CertificatePath: op.req.CertificatePath,
		Passphrase:      op.req.Passphrase,
		BundleID:        op.result.BundleID,
		ProfilePath:     filepath.Join(op.appPath, provision.EmbeddedName),
	})
	if err != nil {
		if ipaerr.As(err) == nil {
			err = ipaerr.Wrap(ipaerr.KindSigning, ipaerr.CodeSigningFailed, "signing failed", err)
		}
		return err
	}

	op.result.SignDetail = out.Detail
	switch out.Mode {
	case signer.ModeDegraded:
		op.result.Status = StatusSignedDegraded
		op.warn("signature is not cryptographically valid: " + out.Detail)
	default:
		op.result.Status = StatusSigned
		if out.Detail != "" {
			op.logf(zerolog.InfoLevel, "Signing result: %s", out.Detail)
		}
	}
	return nil
}

func (op *operation) repackage() error {
	outDir := op.req.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(op.req.ArchivePath)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to create output directory", err)
	}
	outPath := filepath.Join(outDir, outputName(op.o.now()))

	op.logf(zerolog.InfoLevel, "Creating signed IPA...")
	if err := archive.CreateContents(op.ws.extracted(), outPath); err != nil {
		return err
	}
	info, err := os.Stat(outPath)
	if err != nil {
		os.Remove(outPath)
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to stat signed IPA", err)
	}
	op.result.OutputPath, op.result.SizeBytes = outPath, info.Size()
	op.logf(zerolog.InfoLevel, "Signed IPA created: %s", outPath)
	return nil
}

// outputName returns a fresh archive name; the nonce keeps concurrent
// operations in the same millisecond apart.
func outputName(now time.Time) string {
	return fmt.Sprintf("signed_%d_%s.ipa", now.UnixMilli(), uuid.NewString()[:8])
}

func (op *operation) advance(s Stage) {
	op.stage = s
	op.log.Debug().Str("stage", string(s)).Msg(s.Label())
	op.emit(Event{Kind: EventProgress, Stage: s, Level: zerolog.InfoLevel, Message: s.Label()})
}

func (op *operation) warn(msg string) {
	op.result.Warnings = append(op.result.Warnings, msg)
	op.log.Warn().Str("stage", string(op.target)).Msg(msg)
	op.emit(Event{Kind: EventLog, Stage: op.target, Level: zerolog.WarnLevel, Message: msg})
}

func (op *operation) logf(level zerolog.Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	op.log.WithLevel(level).Str("stage", string(op.target)).Msg(msg)
	op.emit(Event{Kind: EventLog, Stage: op.target, Level: level, Message: msg})
}

func (op *operation) emit(e Event) {
	e.OperationID = op.id
	if e.Time.IsZero() {
		e.Time = op.o.now()
	}
	op.sink.Notify(e)
}
