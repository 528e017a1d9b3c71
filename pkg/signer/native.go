package signer

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aluedeke/ipa-resign/pkg/bundle"
	"github.com/aluedeke/ipa-resign/pkg/provision"
)

// Native signs in-process: PKCS#12 identity, provisioning profile
// entitlements, CodeResources sealing and a CMS-signed code signature for
// every Mach-O in the bundle.
type Native struct {
	Logger zerolog.Logger
	// Now is used for the profile expiry check; defaults to time.Now.
	Now func() time.Time
}

// NewNative returns a Native signer.
func NewNative(logger zerolog.Logger) *Native {
	return &Native{Logger: logger, Now: time.Now}
}

func (n *Native) Sign(req Request) (Outcome, error) {
	id, err := LoadIdentity(req.CertificatePath, req.Passphrase)
	if err != nil {
		return Outcome{}, err
	}

	profilePath := req.ProfilePath
	if profilePath == "" {
		profilePath = filepath.Join(req.BundleDir, provision.EmbeddedName)
	}
	profile, err := provision.ParseFile(profilePath)
	if err != nil {
		return Outcome{}, failed("failed to load provisioning profile", err)
	}
	if n.now().After(profile.ExpirationDate) {
		return Outcome{}, failed(fmt.Sprintf("provisioning profile expired on %s", profile.ExpirationDate.Format(time.RFC3339)), nil)
	}
	if !profile.MatchesCertificate(id.Certificate) {
		return Outcome{}, failed("certificate does not match provisioning profile", nil)
	}
	if profile.Entitlements == nil {
		return Outcome{}, failed("provisioning profile has no entitlements", nil)
	}
	if team := profile.TeamID(); team != "" {
		id.TeamID = team
	}

	// profile entitlements are used as-is, wildcards included
	entXML, err := EntitlementsToXML(profile.Entitlements)
	if err != nil {
		return Outcome{}, failed("failed to encode entitlements", err)
	}
	entDER, err := EntitlementsToDER(profile.Entitlements)
	if err != nil {
		return Outcome{}, failed("failed to encode entitlements", err)
	}

	bs := &bundleSigner{identity: id, logger: n.Logger, root: req.BundleDir}
	if err := bs.sign(req.BundleDir, req.BundleID, entXML, entDER); err != nil {
		return Outcome{}, failed("failed to sign bundle", err)
	}
	return Outcome{
		Mode:   ModeSigned,
		Detail: fmt.Sprintf("signed %d binaries as %q", bs.signed, id.Certificate.Subject.CommonName),
	}, nil
}

func (n *Native) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

type bundleSigner struct {
	identity *Identity
	logger   zerolog.Logger
	root     string
	signed   int
}

// sign signs one bundle: nested bundles first (deepest first through
// recursion), then loose Mach-O libraries, then the resource seal and
// finally the bundle executable.
func (s *bundleSigner) sign(dir, id string, entXML, entDER []byte) error {
	var executable string
	if info, err := bundle.ReadInfo(dir); err == nil {
		executable = info.Executable
		if id == "" {
			id = info.BundleID
		}
	} else if dir == s.root {
		return err
	}
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(dir), filepath.Ext(dir))
	}

	var nested, loose []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		if d.IsDir() {
			if bundle.IsNested(rel) {
				nested = append(nested, p)
				return filepath.SkipDir
			}
			if d.Name() == signatureDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && filepath.ToSlash(rel) != executable && isMachO(p) {
			loose = append(loose, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", s.rel(dir), err)
	}

	for _, child := range nested {
		if err := s.sign(child, "", nil, nil); err != nil {
			return err
		}
	}
	for _, lib := range loose {
		name := filepath.Base(lib)
		target := signTarget{path: lib, id: strings.TrimSuffix(name, filepath.Ext(name))}
		if err := s.signBinary(target); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(filepath.Join(dir, signatureDir)); err != nil {
		return fmt.Errorf("failed to remove old signature of %s: %w", s.rel(dir), err)
	}
	if err := SealResources(dir, executable); err != nil {
		return fmt.Errorf("failed to seal resources of %s: %w", s.rel(dir), err)
	}
	if executable == "" {
		return nil
	}
	seal, err := os.ReadFile(filepath.Join(dir, signatureDir, codeResourcesName))
	if err != nil {
		return fmt.Errorf("failed to read resource seal of %s: %w", s.rel(dir), err)
	}
	resourcesHash := sha256.Sum256(seal)
	infoPlist, err := os.ReadFile(filepath.Join(dir, bundle.ManifestName))
	if err != nil {
		return fmt.Errorf("failed to read Info.plist of %s: %w", s.rel(dir), err)
	}
	return s.signBinary(signTarget{
		path:            filepath.Join(dir, executable),
		id:              id,
		isMain:          true,
		entitlementsXML: entXML,
		entitlementsDER: entDER,
		infoPlist:       infoPlist,
		resourcesHash:   resourcesHash[:],
	})
}

func (s *bundleSigner) signBinary(target signTarget) error {
	if err := signFile(target, s.identity); err != nil {
		return fmt.Errorf("failed to sign %s: %w", s.rel(target.path), err)
	}
	s.signed++
	s.logger.Debug().Str("binary", s.rel(target.path)).Str("identifier", target.id).Msg("signed binary")
	return nil
}

func (s *bundleSigner) rel(p string) string {
	if r, err := filepath.Rel(s.root, p); err == nil {
		return filepath.ToSlash(r)
	}
	return p
}
