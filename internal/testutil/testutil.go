// Package testutil builds signing fixtures (identities, provisioning profiles
// and IPAs) for tests in the other packages.
package testutil

import (
	"archive/zip"
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

// Identity is a throwaway signing certificate and its key.
type Identity struct {
	Certificate *x509.Certificate
	Key         *rsa.PrivateKey
	TeamID      string
}

// NewIdentity creates a self-signed code signing certificate whose
// organizational unit carries teamID, the way Apple developer certificates do.
func NewIdentity(t testing.TB, teamID string) *Identity {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:         fmt.Sprintf("iPhone Distribution: Test (%s)", teamID),
			OrganizationalUnit: []string{teamID},
			Organization:       []string{"Test"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Identity{Certificate: cert, Key: key, TeamID: teamID}
}

// P12 encodes the identity as a PKCS#12 blob protected by password.
func (id *Identity) P12(t testing.TB, password string) []byte {
	t.Helper()
	data, err := gop12.Modern.Encode(id.Key, id.Certificate, nil, password)
	require.NoError(t, err)
	return data
}

// ProfileOptions controls the generated provisioning profile.
type ProfileOptions struct {
	AppID      string // full application-identifier, e.g. TEAM123.com.example.app
	Expiration time.Time
	Extra      map[string]interface{} // extra entitlements
}

// Profile returns a CMS-wrapped provisioning profile signed by id whose
// DeveloperCertificates list contains id's certificate.
func (id *Identity) Profile(t testing.TB, opts ProfileOptions) []byte {
	t.Helper()
	if opts.Expiration.IsZero() {
		opts.Expiration = time.Now().Add(24 * time.Hour)
	}
	entitlements := map[string]interface{}{
		"application-identifier":              opts.AppID,
		"com.apple.developer.team-identifier": id.TeamID,
		"get-task-allow":                      false,
	}
	for k, v := range opts.Extra {
		entitlements[k] = v
	}
	content := map[string]interface{}{
		"Name":                        "Test Profile",
		"TeamName":                    "Test",
		"TeamIdentifier":              []string{id.TeamID},
		"ApplicationIdentifierPrefix": []string{id.TeamID},
		"Entitlements":                entitlements,
		"DeveloperCertificates":       [][]byte{id.Certificate.Raw},
		"ProvisionsAllDevices":        true,
		"CreationDate":                time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		"ExpirationDate":              opts.Expiration.UTC().Truncate(time.Second),
		"UUID":                        "00000000-1111-2222-3333-444444444444",
		"Platform":                    []string{"iOS"},
	}
	body, err := plist.MarshalIndent(content, plist.XMLFormat, "\t")
	require.NoError(t, err)

	sd, err := pkcs7.NewSignedData(body)
	require.NoError(t, err)
	require.NoError(t, sd.AddSigner(id.Certificate, id.Key, pkcs7.SignerInfoConfig{}))
	der, err := sd.Finish()
	require.NoError(t, err)
	return der
}

// InfoPlist renders a minimal XML Info.plist.
func InfoPlist(bundleID, executable string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleExecutable</key>
	<string>%s</string>
	<key>CFBundleIdentifier</key>
	<string>%s</string>
	<key>CFBundleName</key>
	<string>%s</string>
	<key>CFBundleShortVersionString</key>
	<string>1.0</string>
</dict>
</plist>
`, executable, bundleID, executable))
}

// WriteIPA writes a zip archive at path containing files, keyed by
// slash-separated archive path.
func WriteIPA(t testing.TB, path string, files map[string][]byte) {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range names {
		h := &zip.FileHeader{Name: name, Method: zip.Deflate}
		h.SetMode(0644)
		fw, err := w.CreateHeader(h)
		require.NoError(t, err)
		_, err = fw.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

// ReadIPA returns the regular files of the archive at path keyed by name.
func ReadIPA(t testing.TB, path string) map[string][]byte {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	out := make(map[string][]byte)
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		var b bytes.Buffer
		_, err = b.ReadFrom(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = b.Bytes()
	}
	return out
}
