package signer

import (
	"os"
	"path/filepath"

	"github.com/aluedeke/ipa-resign/pkg/ipaerr"
)

const (
	signatureDir = "_CodeSignature"
	// DegradedCertName is where Degraded places the certificate bytes.
	DegradedCertName = "cert.p12"
)

// Degraded copies the certificate into the bundle's signature directory
// without computing any signature.
type Degraded struct{}

func (Degraded) Sign(req Request) (Outcome, error) {
	data, err := os.ReadFile(req.CertificatePath)
	if err != nil {
		return Outcome{}, ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to read certificate", err)
	}
	dir := filepath.Join(req.BundleDir, signatureDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Outcome{}, ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to create "+signatureDir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, DegradedCertName), data, 0644); err != nil {
		return Outcome{}, ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to write certificate", err)
	}
	return Outcome{
		Mode:   ModeDegraded,
		Detail: "certificate copied to " + signatureDir + "/" + DegradedCertName + " without a code signature",
	}, nil
}
