package provision

import (
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"

	"github.com/aluedeke/ipa-resign/pkg/ipaerr"
)

// EmbeddedName is the file name the code-signing runtime expects the
// provisioning profile to have inside an app bundle.
const EmbeddedName = "embedded.mobileprovision"

// Profile represents a parsed .mobileprovision file
type Profile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

// payload returns the plist carried by a profile. Profiles are CMS (PKCS#7)
// signed containers; a bare plist is accepted as well.
func payload(data []byte) ([]byte, error) {
	p7, err := pkcs7.Parse(data)
	if err == nil {
		return p7.Content, nil
	}
	if looksLikePlist(data) {
		return data, nil
	}
	return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
}

// Parse decodes a provisioning profile. Unlike ExtractBundleID it fails on
// input it cannot understand.
func Parse(data []byte) (*Profile, error) {
	content, err := payload(data)
	if err != nil {
		return nil, err
	}
	var profile Profile
	if _, err := plist.Unmarshal(content, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}
	return &profile, nil
}

// ParseFile reads and decodes the profile at path.
func ParseFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning profile: %w", err)
	}
	return Parse(data)
}

// TeamID returns the team identifier from the profile
func (p *Profile) TeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// ApplicationIdentifier returns the application identifier from entitlements
func (p *Profile) ApplicationIdentifier() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// IsExpired checks if the provisioning profile has expired
func (p *Profile) IsExpired() bool {
	return time.Now().After(p.ExpirationDate)
}

// IsDeviceAllowed reports whether the device with the given UDID may run
// apps signed with this profile.
func (p *Profile) IsDeviceAllowed(udid string) bool {
	if p.ProvisionsAllDevices {
		return true
	}
	for _, device := range p.ProvisionedDevices {
		if device == udid {
			return true
		}
	}
	return false
}

// Certificates parses and returns the developer certificates from the profile
func (p *Profile) Certificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// MatchesCertificate checks if the given certificate is one of the profile's
// developer certificates.
func (p *Profile) MatchesCertificate(cert *x509.Certificate) bool {
	for _, certData := range p.DeveloperCertificates {
		profileCert, err := x509.ParseCertificate(certData)
		if err != nil {
			continue
		}
		if cert.Equal(profileCert) {
			return true
		}
	}
	return false
}

// Install copies the profile at profilePath verbatim into bundleDir under
// EmbeddedName, replacing any existing one, and returns the new path.
func Install(profilePath, bundleDir string) (string, error) {
	dst := filepath.Join(bundleDir, EmbeddedName)

	src, err := os.Open(profilePath)
	if err != nil {
		return "", ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to open provisioning profile", err)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to write "+EmbeddedName, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to copy provisioning profile", err)
	}
	if err := out.Close(); err != nil {
		return "", ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to write "+EmbeddedName, err)
	}
	return dst, nil
}
