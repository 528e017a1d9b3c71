package resign

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"

	"github.com/aluedeke/ipa-resign/internal/testutil"
	"github.com/aluedeke/ipa-resign/pkg/ipaerr"
	"github.com/aluedeke/ipa-resign/pkg/provision"
	"github.com/aluedeke/ipa-resign/pkg/signer"
)

type recordingSigner struct {
	mu   sync.Mutex
	reqs []signer.Request
	err  error
}

func (r *recordingSigner) Sign(req signer.Request) (signer.Outcome, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	if r.err != nil {
		return signer.Outcome{}, r.err
	}
	dir := filepath.Join(req.BundleDir, "_CodeSignature")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return signer.Outcome{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "CodeResources"), []byte("sealed"), 0644); err != nil {
		return signer.Outcome{}, err
	}
	return signer.Outcome{Mode: signer.ModeSigned, Detail: "signed by test"}, nil
}

func (r *recordingSigner) calls() []signer.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signer.Request(nil), r.reqs...)
}

type fixture struct {
	dir          string
	root         string
	ipa          string
	cert         string
	profile      string
	certBytes    []byte
	profileBytes []byte
	files        map[string][]byte
}

func defaultFiles() map[string][]byte {
	return map[string][]byte{
		"Payload/Foo.app/Info.plist":                   testutil.InfoPlist("old.bundle.id", "Foo"),
		"Payload/Foo.app/Foo":                          {0xcf, 0xfa, 0xed, 0xfe, 0x0c, 0x00, 0x00, 0x01},
		"Payload/Foo.app/Assets.car":                   []byte("assets"),
		"Payload/Foo.app/en.lproj/Localizable.strings": []byte(`"hello" = "Hello";`),
		"iTunesMetadata.plist":                         []byte("metadata"),
	}
}

func signedProfile(t *testing.T, appID string) []byte {
	return testutil.NewIdentity(t, "TEAM123").Profile(t, testutil.ProfileOptions{AppID: appID})
}

func newFixture(t *testing.T, files map[string][]byte, profile []byte) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:          dir,
		root:         filepath.Join(dir, "workspaces"),
		ipa:          filepath.Join(dir, "in", "Foo.ipa"),
		cert:         filepath.Join(dir, "cert.p12"),
		profile:      filepath.Join(dir, "dev.mobileprovision"),
		certBytes:    []byte("\x30\x82\x01\x00pkcs12 bytes"),
		profileBytes: profile,
		files:        files,
	}
	testutil.WriteIPA(t, f.ipa, files)
	require.NoError(t, os.WriteFile(f.cert, f.certBytes, 0600))
	require.NoError(t, os.WriteFile(f.profile, profile, 0644))
	return f
}

func (f *fixture) request() Request {
	return Request{
		ArchivePath:     f.ipa,
		CertificatePath: f.cert,
		Passphrase:      "pass",
		ProfilePath:     f.profile,
	}
}

func (f *fixture) orchestrator(s signer.Signer, opts ...Option) *Orchestrator {
	return New(s, append([]Option{WithWorkspaceRoot(f.root)}, opts...)...)
}

func assertWorkspaceGone(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace root should be empty")
}

func readPlistID(t *testing.T, data []byte) string {
	t.Helper()
	var info map[string]interface{}
	_, err := plist.Unmarshal(data, &info)
	require.NoError(t, err)
	id, _ := info["CFBundleIdentifier"].(string)
	return id
}

var outputPattern = regexp.MustCompile(`^signed_\d+_[0-9a-f]{8}\.ipa$`)

func TestResignWithProfileIdentifier(t *testing.T) {
	f := newFixture(t, defaultFiles(), signedProfile(t, "TEAM123.com.example.myapp"))
	rec := &recordingSigner{}

	res := f.orchestrator(rec).Run(context.Background(), f.request())

	require.Nil(t, res.Err)
	assert.Equal(t, StatusSigned, res.Status)
	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, "com.example.myapp", res.BundleID)
	assert.Equal(t, string(provision.SourceStructured), res.BundleIDSource)
	assert.Equal(t, "signed by test", res.SignDetail)
	assert.Empty(t, res.Warnings)
	assert.NotEmpty(t, res.OperationID)

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "com.example.myapp", calls[0].BundleID)
	assert.Equal(t, "Foo.app", filepath.Base(calls[0].BundleDir))
	assert.Equal(t, f.cert, calls[0].CertificatePath)
	assert.Equal(t, "pass", calls[0].Passphrase)

	assert.NotEqual(t, f.ipa, res.OutputPath)
	assert.Equal(t, filepath.Dir(f.ipa), filepath.Dir(res.OutputPath))
	assert.Regexp(t, outputPattern, filepath.Base(res.OutputPath))
	info, err := os.Stat(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), res.SizeBytes)

	out := testutil.ReadIPA(t, res.OutputPath)
	wantInfo := strings.Replace(string(f.files["Payload/Foo.app/Info.plist"]),
		"<string>old.bundle.id</string>", "<string>com.example.myapp</string>", 1)
	assert.Equal(t, wantInfo, string(out["Payload/Foo.app/Info.plist"]))
	assert.Equal(t, f.profileBytes, out["Payload/Foo.app/embedded.mobileprovision"])
	assert.Equal(t, []byte("sealed"), out["Payload/Foo.app/_CodeSignature/CodeResources"])
	for name, body := range f.files {
		if name == "Payload/Foo.app/Info.plist" {
			continue
		}
		assert.Equal(t, body, out[name], name)
	}
	assert.Len(t, out, len(f.files)+2)

	assertWorkspaceGone(t, f.root)
}

func TestResignWithoutAppBundle(t *testing.T) {
	f := newFixture(t, map[string][]byte{"Payload/readme.txt": []byte("no app here")}, signedProfile(t, "TEAM123.com.example.myapp"))
	rec := &recordingSigner{}

	res := f.orchestrator(rec).Run(context.Background(), f.request())

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, StageBundleLocated, res.Stage)
	require.NotNil(t, res.Err)
	assert.Equal(t, ipaerr.KindInput, res.Err.Kind)
	assert.Equal(t, ipaerr.CodeNoAppBundle, res.Err.Code)
	assert.Equal(t, string(StageBundleLocated), res.Err.Stage)
	assert.Empty(t, res.OutputPath)
	assert.Empty(t, rec.calls())
	assertWorkspaceGone(t, f.root)

	entries, err := os.ReadDir(filepath.Dir(f.ipa))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no output archive may be produced")
}

func TestResignWithoutSigningCapability(t *testing.T) {
	f := newFixture(t, defaultFiles(), signedProfile(t, "TEAM123.com.example.myapp"))
	s := signer.Fallback{Primary: signer.Unavailable{}, Degraded: signer.Degraded{}}

	res := f.orchestrator(s).Run(context.Background(), f.request())

	require.Nil(t, res.Err)
	assert.Equal(t, StatusSignedDegraded, res.Status)
	assert.True(t, res.OK())
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "not cryptographically valid")

	out := testutil.ReadIPA(t, res.OutputPath)
	assert.Equal(t, f.certBytes, out["Payload/Foo.app/_CodeSignature/cert.p12"])
	assertWorkspaceGone(t, f.root)
}

func TestResignWithUnrecognizedProfile(t *testing.T) {
	f := newFixture(t, defaultFiles(), []byte("this is not a provisioning profile"))
	rec := &recordingSigner{}

	res := f.orchestrator(rec).Run(context.Background(), f.request())

	require.Nil(t, res.Err)
	assert.Equal(t, StatusSigned, res.Status)
	assert.Equal(t, provision.FallbackBundleID, res.BundleID)
	assert.Equal(t, string(provision.SourceFallback), res.BundleIDSource)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "fallback")

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, provision.FallbackBundleID, calls[0].BundleID)

	out := testutil.ReadIPA(t, res.OutputPath)
	assert.Equal(t, provision.FallbackBundleID, readPlistID(t, out["Payload/Foo.app/Info.plist"]))
}

func TestResignWildcardProfileKeepsManifestID(t *testing.T) {
	f := newFixture(t, defaultFiles(), signedProfile(t, "TEAM123.*"))
	rec := &recordingSigner{}

	res := f.orchestrator(rec).Run(context.Background(), f.request())

	require.Nil(t, res.Err)
	assert.Equal(t, "old.bundle.id", res.BundleID)
	assert.Equal(t, BundleIDManifest, res.BundleIDSource)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "provisioning profile is a wildcard (TEAM123.*); keeping bundle ID old.bundle.id", res.Warnings[0])

	out := testutil.ReadIPA(t, res.OutputPath)
	assert.Equal(t, f.files["Payload/Foo.app/Info.plist"], out["Payload/Foo.app/Info.plist"])
}

func TestResignBundleIDOverride(t *testing.T) {
	f := newFixture(t, defaultFiles(), signedProfile(t, "TEAM123.com.example.myapp"))
	rec := &recordingSigner{}
	req := f.request()
	req.BundleID = "com.example.override"
	req.OutputDir = filepath.Join(f.dir, "out")

	res := f.orchestrator(rec).Run(context.Background(), req)

	require.Nil(t, res.Err)
	assert.Equal(t, "com.example.override", res.BundleID)
	assert.Equal(t, BundleIDOverride, res.BundleIDSource)
	assert.Equal(t, req.OutputDir, filepath.Dir(res.OutputPath))
	assert.Equal(t, "com.example.override", rec.calls()[0].BundleID)
}

func TestResignMissingInputs(t *testing.T) {
	f := newFixture(t, defaultFiles(), signedProfile(t, "TEAM123.com.example.myapp"))

	for name, mutate := range map[string]func(*Request){
		"no archive":     func(r *Request) { r.ArchivePath = "" },
		"no certificate": func(r *Request) { r.CertificatePath = filepath.Join(f.dir, "missing.p12") },
		"profile is dir": func(r *Request) { r.ProfilePath = f.dir },
	} {
		t.Run(name, func(t *testing.T) {
			req := f.request()
			mutate(&req)
			res := f.orchestrator(&recordingSigner{}).Run(context.Background(), req)
			assert.Equal(t, StatusFailed, res.Status)
			assert.Equal(t, StageWorkspaceReady, res.Stage)
			require.NotNil(t, res.Err)
			assert.Equal(t, ipaerr.KindInput, res.Err.Kind)
			assert.Equal(t, ipaerr.CodeMissingInput, res.Err.Code)
			assertWorkspaceGone(t, f.root)
		})
	}
}

func TestCleanupRunsExactlyOnce(t *testing.T) {
	profile := signedProfile(t, "TEAM123.com.example.myapp")
	noManifest := map[string][]byte{"Payload/Foo.app/Foo": []byte("bin")}

	cases := []struct {
		name    string
		files   map[string][]byte
		corrupt bool
		signErr error
		stage   Stage
		kind    ipaerr.Kind
	}{
		{name: "success", files: defaultFiles(), stage: StageDone},
		{name: "corrupt archive", files: defaultFiles(), corrupt: true, stage: StageExtracted, kind: ipaerr.KindArchive},
		{name: "no bundle", files: map[string][]byte{"Payload/x": nil}, stage: StageBundleLocated, kind: ipaerr.KindInput},
		{name: "no manifest", files: noManifest, stage: StageManifestPatched, kind: ipaerr.KindManifest},
		{name: "signing fails", files: defaultFiles(), signErr: errors.New("bad passphrase"), stage: StageSigned, kind: ipaerr.KindSigning},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t, c.files, profile)
			if c.corrupt {
				require.NoError(t, os.WriteFile(f.ipa, []byte("PK\x03\x04 truncated"), 0644))
			}
			o := f.orchestrator(&recordingSigner{err: c.signErr})
			var removed []string
			o.removeAll = func(p string) error {
				removed = append(removed, p)
				return os.RemoveAll(p)
			}

			res := o.Run(context.Background(), f.request())

			assert.Equal(t, c.stage, res.Stage)
			if c.kind != "" {
				require.NotNil(t, res.Err)
				assert.Equal(t, c.kind, res.Err.Kind)
			}
			require.Len(t, removed, 1)
			assert.Equal(t, f.root, filepath.Dir(removed[0]))
			assertWorkspaceGone(t, f.root)
		})
	}
}

func TestCleanupFailureNeverMasksResult(t *testing.T) {
	profile := signedProfile(t, "TEAM123.com.example.myapp")
	failingRemove := func(string) error { return errors.New("device busy") }

	t.Run("after success", func(t *testing.T) {
		f := newFixture(t, defaultFiles(), profile)
		o := f.orchestrator(&recordingSigner{})
		o.removeAll = failingRemove

		res := o.Run(context.Background(), f.request())
		assert.Equal(t, StatusSigned, res.Status)
		assert.Nil(t, res.Err)
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "device busy")
		assert.FileExists(t, res.OutputPath)
	})

	t.Run("after failure", func(t *testing.T) {
		f := newFixture(t, defaultFiles(), profile)
		o := f.orchestrator(&recordingSigner{err: errors.New("bad passphrase")})
		o.removeAll = failingRemove

		res := o.Run(context.Background(), f.request())
		assert.Equal(t, StatusFailed, res.Status)
		require.NotNil(t, res.Err)
		assert.Equal(t, ipaerr.KindSigning, res.Err.Kind)
		assert.Contains(t, res.Err.Error(), "bad passphrase")
		assert.Contains(t, strings.Join(res.Warnings, "\n"), "device busy")
	})
}

func collect(events *[]Event, mu *sync.Mutex) Sink {
	return SinkFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, e)
	})
}

func progressStages(events []Event) []Stage {
	var out []Stage
	for _, e := range events {
		if e.Kind == EventProgress {
			out = append(out, e.Stage)
		}
	}
	return out
}

func TestStagesAdvanceInOrder(t *testing.T) {
	f := newFixture(t, defaultFiles(), signedProfile(t, "TEAM123.com.example.myapp"))

	var mu sync.Mutex
	var events []Event
	res := f.orchestrator(&recordingSigner{}, WithSink(collect(&events, &mu))).Run(context.Background(), f.request())
	require.Nil(t, res.Err)

	assert.Equal(t, Stages, progressStages(events))
	last := events[len(events)-1]
	assert.Equal(t, EventFinished, last.Kind)
	require.NotNil(t, last.Result)
	assert.Equal(t, res.OutputPath, last.Result.OutputPath)
	for _, e := range events {
		assert.Equal(t, res.OperationID, e.OperationID)
		assert.False(t, e.Time.IsZero())
	}
	for _, s := range Stages {
		assert.NotEmpty(t, s.Label())
	}
}

func TestFailureStopsProgress(t *testing.T) {
	f := newFixture(t, defaultFiles(), signedProfile(t, "TEAM123.com.example.myapp"))

	var mu sync.Mutex
	var events []Event
	res := f.orchestrator(&recordingSigner{err: errors.New("no")}, WithSink(collect(&events, &mu))).Run(context.Background(), f.request())

	assert.Equal(t, StageSigned, res.Stage)
	assert.Equal(t, []Stage{
		StageInit, StageWorkspaceReady, StageExtracted, StageBundleLocated,
		StageProfileInstalled, StageManifestPatched,
	}, progressStages(events))
	last := events[len(events)-1]
	assert.Equal(t, EventFinished, last.Kind)
	assert.Equal(t, StageSigned, last.Stage)
}

func TestCancellationBetweenStages(t *testing.T) {
	f := newFixture(t, defaultFiles(), signedProfile(t, "TEAM123.com.example.myapp"))

	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := f.orchestrator(&recordingSigner{}).Run(ctx, f.request())
		assert.Equal(t, StageWorkspaceReady, res.Stage)
		require.NotNil(t, res.Err)
		assert.Equal(t, ipaerr.CodeCancelled, res.Err.Code)
		assertWorkspaceGone(t, f.root)
	})

	t.Run("during signing", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rec := &recordingSigner{}
		s := signer.Func(func(req signer.Request) (signer.Outcome, error) {
			cancel()
			return rec.Sign(req)
		})
		res := f.orchestrator(s).Run(ctx, f.request())

		// the running stage completes; the next one is refused
		assert.Len(t, rec.calls(), 1)
		assert.Equal(t, StageRepackaged, res.Stage)
		require.NotNil(t, res.Err)
		assert.Equal(t, ipaerr.CodeCancelled, res.Err.Code)
		assert.Empty(t, res.OutputPath)
		assertWorkspaceGone(t, f.root)
	})
}

func TestSinkNeverBlocks(t *testing.T) {
	f := newFixture(t, defaultFiles(), signedProfile(t, "TEAM123.com.example.myapp"))
	unread := make(chan Event)
	buffered := make(chan Event, 256)

	done := make(chan Result, 1)
	go func() {
		o := f.orchestrator(&recordingSigner{}, WithSink(MultiSink{ChanSink(unread), ChanSink(buffered), nil}))
		done <- o.Run(context.Background(), f.request())
	}()

	select {
	case res := <-done:
		assert.Equal(t, StatusSigned, res.Status)
	case <-time.After(30 * time.Second):
		t.Fatal("Run blocked on a sink")
	}

	close(buffered)
	var last Event
	for e := range buffered {
		last = e
	}
	assert.Equal(t, EventFinished, last.Kind)
}

func TestRunBatchIsolatesOperations(t *testing.T) {
	profile := signedProfile(t, "TEAM123.com.example.myapp")
	good1 := newFixture(t, defaultFiles(), profile)
	bad := newFixture(t, map[string][]byte{"Payload/readme.txt": nil}, profile)
	good2 := newFixture(t, defaultFiles(), profile)

	root := filepath.Join(t.TempDir(), "shared")
	o := New(&recordingSigner{}, WithWorkspaceRoot(root))
	results := o.RunBatch(context.Background(), []Request{good1.request(), bad.request(), good2.request()}, 2)

	require.Len(t, results, 3)
	assert.Equal(t, StatusSigned, results[0].Status)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Equal(t, StageBundleLocated, results[1].Stage)
	assert.Equal(t, StatusSigned, results[2].Status)
	assert.NotEqual(t, results[0].OutputPath, results[2].OutputPath)
	assert.NotEqual(t, results[0].OperationID, results[2].OperationID)
	assertWorkspaceGone(t, root)
}
