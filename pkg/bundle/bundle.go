// Package bundle finds and reads the application bundle inside an extracted IPA.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"

	"github.com/aluedeke/ipa-resign/pkg/ipaerr"
)

const (
	// Suffix identifies an application bundle directory.
	Suffix = ".app"
	// PayloadDir is the top-level directory of an IPA.
	PayloadDir = "Payload"
	// ManifestName is the bundle's manifest file.
	ManifestName = "Info.plist"
)

// Locate returns the single application bundle among the immediate children of
// payloadDir. It fails with NoAppBundle when none exists and AmbiguousBundle
// when more than one does. It never modifies the directory.
func Locate(payloadDir string) (string, error) {
	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		return "", ipaerr.Wrap(ipaerr.KindInput, ipaerr.CodeNoAppBundle,
			"failed to read Payload directory", err)
	}

	var matches []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), Suffix) {
			matches = append(matches, entry.Name())
		}
	}

	switch len(matches) {
	case 0:
		return "", ipaerr.New(ipaerr.KindInput, ipaerr.CodeNoAppBundle,
			"no .app bundle found in Payload directory")
	case 1:
		return filepath.Join(payloadDir, matches[0]), nil
	default:
		return "", ipaerr.New(ipaerr.KindInput, ipaerr.CodeAmbiguousBundle,
			fmt.Sprintf("found %d .app bundles in Payload directory: %s", len(matches), strings.Join(matches, ", ")))
	}
}

// Info holds the identity fields of a bundle's Info.plist.
type Info struct {
	BundleID       string `plist:"CFBundleIdentifier"`
	Executable     string `plist:"CFBundleExecutable"`
	Name           string `plist:"CFBundleName"`
	DisplayName    string `plist:"CFBundleDisplayName"`
	ShortVersion   string `plist:"CFBundleShortVersionString"`
	Version        string `plist:"CFBundleVersion"`
	MinimumVersion string `plist:"MinimumOSVersion"`
}

// ReadInfo parses the Info.plist of the bundle at appPath.
func ReadInfo(appPath string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(appPath, ManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ipaerr.Wrap(ipaerr.KindManifest, ipaerr.CodeManifestMissing, "failed to read Info.plist", err)
		}
		return nil, ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to read Info.plist", err)
	}
	var info Info
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, ipaerr.Wrap(ipaerr.KindManifest, ipaerr.CodeManifestMalformed, "failed to parse Info.plist", err)
	}
	return &info, nil
}

// ExecutablePath returns the path of the bundle's main executable, or "" if
// the manifest does not name one.
func ExecutablePath(appPath string) (string, error) {
	info, err := ReadInfo(appPath)
	if err != nil {
		return "", err
	}
	if info.Executable == "" {
		return "", nil
	}
	return filepath.Join(appPath, info.Executable), nil
}

// IsNested reports whether a path inside a bundle is itself a nested bundle
// (framework, extension, test bundle or watch app).
func IsNested(relPath string) bool {
	switch filepath.Ext(relPath) {
	case ".framework", ".xctest", ".appex", ".app":
		return true
	}
	return false
}
