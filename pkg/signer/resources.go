package signer

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

const codeResourcesName = "CodeResources"

// SealResources writes <bundleDir>/_CodeSignature/CodeResources, the manifest
// of every file in the bundle except the main executable and the manifest
// itself. Files inside nested bundles are included, so nested bundles must
// be signed first.
func SealResources(bundleDir, executable string) error {
	data, err := codeResources(bundleDir, executable)
	if err != nil {
		return err
	}
	dir := filepath.Join(bundleDir, signatureDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", signatureDir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, codeResourcesName), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", codeResourcesName, err)
	}
	return nil
}

func codeResources(bundleDir, executable string) ([]byte, error) {
	files := make(map[string]interface{})
	files2 := make(map[string]interface{})
	self := signatureDir + "/" + codeResourcesName

	err := filepath.WalkDir(bundleDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bundleDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == self || rel == executable || omitted(rel) {
			return nil
		}
		optional := strings.Contains(rel, ".lproj/")

		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("failed to read link %s: %w", rel, err)
			}
			files2[rel] = map[string]interface{}{"symlink": target}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		sum1, sum256, err := digest(p)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		if optional {
			files[rel] = map[string]interface{}{"hash": sum1, "optional": true}
		} else {
			files[rel] = sum1
		}
		if !topLevelManifest(rel) {
			entry := map[string]interface{}{"hash": sum1, "hash2": sum256}
			if optional {
				entry["optional"] = true
			}
			files2[rel] = entry
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, err := plist.MarshalIndent(map[string]interface{}{
		"files":  files,
		"files2": files2,
		"rules":  resourceRules(),
		"rules2": resourceRules2(),
	}, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", codeResourcesName, err)
	}
	return data, nil
}

// digest returns the SHA-1 and SHA-256 of a file in one read.
func digest(p string) ([]byte, []byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	h1, h256 := sha1.New(), sha256.New()
	if _, err := io.Copy(io.MultiWriter(h1, h256), f); err != nil {
		return nil, nil, err
	}
	return h1.Sum(nil), h256.Sum(nil), nil
}

func omitted(rel string) bool {
	base := path.Base(rel)
	switch {
	case base == ".DS_Store", strings.HasPrefix(base, "._"):
		return true
	case strings.HasPrefix(rel, ".git/"), strings.Contains(rel, "/.git/"):
		return true
	case strings.HasSuffix(rel, ".lproj/locversion.plist"):
		return true
	}
	return false
}

// topLevelManifest reports files listed in "files" but omitted from "files2".
func topLevelManifest(rel string) bool {
	return rel == "Info.plist" || rel == "PkgInfo"
}

func resourceRules() map[string]interface{} {
	// weights are float64 so they encode as <real>
	return map[string]interface{}{
		"^.*": true,
		`^.*\.lproj/`: map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		`^.*\.lproj/locversion.plist$`: map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		`^Base\.lproj/`: map[string]interface{}{
			"weight": float64(1010),
		},
		"^version.plist$": true,
	}
}

func resourceRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		`.*\.dSYM($|/)`: map[string]interface{}{
			"weight": float64(11),
		},
		`^(.*/)?\.DS_Store$`: map[string]interface{}{
			"omit":   true,
			"weight": float64(2000),
		},
		`^.*\.lproj/`: map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		`^.*\.lproj/locversion.plist$`: map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		`^Base\.lproj/`: map[string]interface{}{
			"weight": float64(1010),
		},
		`^Info\.plist$`: map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		`^PkgInfo$`: map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		`^embedded\.provisionprofile$`: map[string]interface{}{
			"weight": float64(20),
		},
		`^version\.plist$`: map[string]interface{}{
			"weight": float64(20),
		},
	}
}
