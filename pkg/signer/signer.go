// Package signer applies a code signature to an extracted app bundle.
//
// Signing is a capability: the caller picks an implementation (Native,
// Command, Degraded, or a Fallback composition of them) and hands it to the
// orchestrator. Implementations never fall back silently; a Degraded
// signature is only produced when the caller composed one in explicitly.
package signer

import (
	"github.com/aluedeke/ipa-resign/pkg/ipaerr"
)

// Mode reports what kind of signature a signer produced.
type Mode string

const (
	// ModeSigned is a real code signature.
	ModeSigned Mode = "signed"
	// ModeDegraded means the certificate was placed in the bundle but no
	// signature was computed. Devices will refuse to install the result.
	ModeDegraded Mode = "degraded"
)

// Request describes one signing operation over an extracted bundle.
type Request struct {
	BundleDir       string
	CertificatePath string
	Passphrase      string
	BundleID        string
	// ProfilePath defaults to the profile embedded in BundleDir.
	ProfilePath string
}

// Outcome is the result of a successful Sign.
type Outcome struct {
	Mode   Mode
	Detail string
}

// Signer signs the bundle described by a Request in place.
type Signer interface {
	Sign(req Request) (Outcome, error)
}

// Func adapts a function to the Signer interface.
type Func func(req Request) (Outcome, error)

func (f Func) Sign(req Request) (Outcome, error) { return f(req) }

// Fallback tries Primary and uses Degraded only when Primary reports that
// its capability is unavailable. Any other Primary failure is returned.
type Fallback struct {
	Primary  Signer
	Degraded Signer
}

func (f Fallback) Sign(req Request) (Outcome, error) {
	out, err := f.Primary.Sign(req)
	if err == nil {
		return out, nil
	}
	if f.Degraded != nil && ipaerr.IsCode(err, ipaerr.CodeCapabilityUnavailable) {
		return f.Degraded.Sign(req)
	}
	return Outcome{}, signingError(err)
}

// Unavailable is a Signer for environments without any signing capability.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Sign(Request) (Outcome, error) {
	reason := u.Reason
	if reason == "" {
		reason = "no signing capability available"
	}
	return Outcome{}, ipaerr.New(ipaerr.KindSigning, ipaerr.CodeCapabilityUnavailable, reason)
}

func signingError(err error) error {
	if ipaerr.As(err) != nil {
		return err
	}
	return ipaerr.Wrap(ipaerr.KindSigning, ipaerr.CodeSigningFailed, "signing failed", err)
}

func failed(msg string, cause error) error {
	if cause == nil {
		return ipaerr.New(ipaerr.KindSigning, ipaerr.CodeSigningFailed, msg)
	}
	return ipaerr.Wrap(ipaerr.KindSigning, ipaerr.CodeSigningFailed, msg, cause)
}
