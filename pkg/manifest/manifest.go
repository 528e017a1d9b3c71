// Package manifest rewrites the identity of an app bundle's Info.plist.
package manifest

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"howett.net/plist"

	"github.com/aluedeke/ipa-resign/pkg/ipaerr"
)

// IdentityKey is the manifest key holding the bundle identifier.
const IdentityKey = "CFBundleIdentifier"

var xmlIdentity = regexp.MustCompile(`(<key>` + IdentityKey + `</key>\s*<string>)([^<]*)(</string>)`)

type document struct {
	raw    []byte
	format int
	dict   map[string]interface{}
}

func load(manifestPath string) (*document, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ipaerr.Wrap(ipaerr.KindManifest, ipaerr.CodeManifestMissing,
				fmt.Sprintf("%s not found", filepath.Base(manifestPath)), err)
		}
		return nil, ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to read manifest", err)
	}
	var dict map[string]interface{}
	format, err := plist.Unmarshal(data, &dict)
	if err != nil {
		return nil, ipaerr.Wrap(ipaerr.KindManifest, ipaerr.CodeManifestMalformed,
			fmt.Sprintf("failed to parse %s", filepath.Base(manifestPath)), err)
	}
	if dict == nil {
		return nil, ipaerr.New(ipaerr.KindManifest, ipaerr.CodeManifestMalformed,
			fmt.Sprintf("%s is not a dictionary", filepath.Base(manifestPath)))
	}
	return &document{raw: data, format: format, dict: dict}, nil
}

// ReadBundleID returns the bundle identifier stored in the manifest.
func ReadBundleID(manifestPath string) (string, error) {
	doc, err := load(manifestPath)
	if err != nil {
		return "", err
	}
	id, _ := doc.dict[IdentityKey].(string)
	return id, nil
}

// ApplyBundleID sets the manifest's bundle identifier to bundleID.
//
// XML manifests are patched in place so every byte outside the identifier's
// value is preserved; other encodings, and XML documents where the key cannot
// be pinned to a single top-level occurrence, are re-encoded in their original
// format. A manifest that already carries bundleID is not touched, which makes
// the operation idempotent.
func ApplyBundleID(manifestPath, bundleID string) error {
	doc, err := load(manifestPath)
	if err != nil {
		return err
	}
	if current, ok := doc.dict[IdentityKey].(string); ok && current == bundleID {
		return nil
	}

	var patched []byte
	if doc.format == plist.XMLFormat {
		patched = patchXML(doc.raw, bundleID)
	}
	if patched == nil {
		doc.dict[IdentityKey] = bundleID
		patched, err = encode(doc.dict, doc.format)
		if err != nil {
			return ipaerr.Wrap(ipaerr.KindManifest, ipaerr.CodeManifestMalformed, "failed to encode manifest", err)
		}
	}
	return writeFile(manifestPath, patched)
}

// patchXML replaces the identifier's string value in the raw document. It
// returns nil when the key is absent or ambiguous, or when the result does not
// decode to the requested identifier.
func patchXML(raw []byte, bundleID string) []byte {
	locs := xmlIdentity.FindAllSubmatchIndex(raw, -1)
	if len(locs) != 1 {
		return nil
	}
	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(bundleID)); err != nil {
		return nil
	}
	valueStart, valueEnd := locs[0][4], locs[0][5]

	out := make([]byte, 0, len(raw)+escaped.Len())
	out = append(out, raw[:valueStart]...)
	out = append(out, escaped.Bytes()...)
	out = append(out, raw[valueEnd:]...)

	var check map[string]interface{}
	if _, err := plist.Unmarshal(out, &check); err != nil {
		return nil
	}
	if got, _ := check[IdentityKey].(string); got != bundleID {
		return nil
	}
	return out
}

func encode(dict map[string]interface{}, format int) ([]byte, error) {
	if format == plist.BinaryFormat {
		return plist.Marshal(dict, format)
	}
	return plist.MarshalIndent(dict, format, "\t")
}

// writeFile replaces path through a temporary file in the same directory,
// keeping the original permissions.
func writeFile(path string, data []byte) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to write manifest", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to write manifest", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to write manifest", err)
	}
	if err := tmp.Close(); err != nil {
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to write manifest", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to replace manifest", err)
	}
	return nil
}
