package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluedeke/ipa-resign/pkg/ipaerr"
)

const infoPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleExecutable</key>
	<string>Foo</string>
	<key>CFBundleIdentifier</key>
	<string>old.bundle.id</string>
	<key>CFBundleShortVersionString</key>
	<string>1.2.3</string>
	<key>CFBundleVersion</key>
	<string>42</string>
</dict>
</plist>
`

func listing(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestLocateSingleBundle(t *testing.T) {
	payload := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(payload, "Foo.app"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(payload, "README.app"), []byte("not a dir"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(payload, "Other"), 0755))

	got, err := Locate(payload)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(payload, "Foo.app"), got)
}

func TestLocateNoBundle(t *testing.T) {
	payload := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(payload, "Foo"), 0755))
	before := listing(t, payload)

	_, err := Locate(payload)
	require.Error(t, err)
	assert.True(t, ipaerr.IsKind(err, ipaerr.KindInput))
	assert.True(t, ipaerr.IsCode(err, ipaerr.CodeNoAppBundle))
	assert.Equal(t, before, listing(t, payload))
}

func TestLocateAmbiguous(t *testing.T) {
	payload := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(payload, "A.app"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(payload, "B.app"), 0755))
	before := listing(t, payload)

	_, err := Locate(payload)
	require.Error(t, err)
	assert.True(t, ipaerr.IsCode(err, ipaerr.CodeAmbiguousBundle))
	assert.Contains(t, err.Error(), "A.app")
	assert.Equal(t, before, listing(t, payload))
}

func TestLocateNestedBundleIgnored(t *testing.T) {
	payload := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(payload, "Foo.app", "Watch", "W.app"), 0755))

	got, err := Locate(payload)
	require.NoError(t, err)
	assert.Equal(t, "Foo.app", filepath.Base(got))
}

func TestLocateMissingPayload(t *testing.T) {
	_, err := Locate(filepath.Join(t.TempDir(), "Payload"))
	assert.True(t, ipaerr.IsCode(err, ipaerr.CodeNoAppBundle))
}

func TestReadInfo(t *testing.T) {
	app := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(app, ManifestName), []byte(infoPlist), 0644))

	info, err := ReadInfo(app)
	require.NoError(t, err)
	assert.Equal(t, "old.bundle.id", info.BundleID)
	assert.Equal(t, "Foo", info.Executable)
	assert.Equal(t, "1.2.3", info.ShortVersion)
	assert.Equal(t, "42", info.Version)

	exe, err := ExecutablePath(app)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(app, "Foo"), exe)
}

func TestReadInfoErrors(t *testing.T) {
	app := t.TempDir()
	_, err := ReadInfo(app)
	assert.True(t, ipaerr.IsCode(err, ipaerr.CodeManifestMissing))

	require.NoError(t, os.WriteFile(filepath.Join(app, ManifestName), []byte("<plist><dict><key>"), 0644))
	_, err = ReadInfo(app)
	assert.True(t, ipaerr.IsCode(err, ipaerr.CodeManifestMalformed))
}

func TestIsNested(t *testing.T) {
	assert.True(t, IsNested("Frameworks/A.framework"))
	assert.True(t, IsNested("PlugIns/Share.appex"))
	assert.False(t, IsNested("Assets.car"))
}
