// Package provision reads provisioning profiles and installs them into app
// bundles.
//
// ExtractBundleID is deliberately permissive: it never fails, and it does not
// check profile signatures, expiry, device lists or entitlements. Use Parse
// when the full profile is needed.
package provision

import (
	"bytes"
	"regexp"
	"strings"

	"howett.net/plist"
)

// FallbackBundleID is used when a profile carries no recognizable
// application identifier.
const FallbackBundleID = "com.signer.app"

// Source records how a bundle identifier was obtained.
type Source string

const (
	SourceStructured Source = "structured"
	SourcePattern    Source = "pattern"
	SourceFallback   Source = "fallback"
)

// Derivation is the outcome of reading the application identifier out of a
// profile.
type Derivation struct {
	// AppID is the full application identifier, e.g. TEAM123.com.example.app.
	AppID string
	// TeamID is the prefix before the first dot.
	TeamID string
	// BundleID is the suffix after the first dot.
	BundleID string
	Source   Source
	// Wildcard is set for identifiers such as "*" or "com.example.*".
	Wildcard bool
}

var appIDPattern = regexp.MustCompile(`application-identifier</key>\s*<string>([^.<]+)\.([^<]+)</string>`)

// ExtractBundleID returns the bundle identifier authorized by the profile: the
// application identifier with its team prefix stripped. It returns
// FallbackBundleID when nothing recognizable is found.
func ExtractBundleID(profile []byte) string {
	return Resolve(profile).BundleID
}

// Resolve is ExtractBundleID with provenance. The structured reader (CMS
// envelope plus plist) is tried first, then a textual scan of the raw bytes.
func Resolve(profile []byte) (d Derivation) {
	defer func() {
		if recover() != nil {
			d = fallback()
		}
	}()

	if appID, ok := structuredAppID(profile); ok {
		if team, suffix, ok := splitAppID(appID); ok {
			return derivation(appID, team, suffix, SourceStructured)
		}
	}
	if m := appIDPattern.FindSubmatch(profile); m != nil {
		team, suffix := string(m[1]), strings.TrimSpace(string(m[2]))
		if suffix != "" {
			return derivation(team+"."+suffix, team, suffix, SourcePattern)
		}
	}
	return fallback()
}

func fallback() Derivation {
	return Derivation{BundleID: FallbackBundleID, Source: SourceFallback}
}

func derivation(appID, team, suffix string, src Source) Derivation {
	return Derivation{
		AppID:    appID,
		TeamID:   team,
		BundleID: suffix,
		Source:   src,
		Wildcard: IsWildcard(suffix),
	}
}

func structuredAppID(data []byte) (string, bool) {
	content, err := payload(data)
	if err != nil {
		return "", false
	}
	var doc struct {
		Entitlements map[string]interface{} `plist:"Entitlements"`
	}
	if _, err := plist.Unmarshal(content, &doc); err != nil {
		return "", false
	}
	appID, ok := doc.Entitlements["application-identifier"].(string)
	return appID, ok && appID != ""
}

func splitAppID(appID string) (team, suffix string, ok bool) {
	team, suffix, found := strings.Cut(appID, ".")
	if !found || team == "" || suffix == "" {
		return "", "", false
	}
	return team, suffix, true
}

// IsWildcard reports whether a bundle identifier is a wildcard pattern rather
// than a concrete identifier.
func IsWildcard(bundleID string) bool {
	return bundleID == "*" || strings.HasSuffix(bundleID, ".*")
}

func looksLikePlist(data []byte) bool {
	return bytes.HasPrefix(data, []byte("bplist")) || bytes.Contains(data[:min(len(data), 512)], []byte("<plist"))
}
