package resign

import (
	"time"

	"github.com/aluedeke/ipa-resign/pkg/ipaerr"
)

// Status is the terminal outcome of an operation.
type Status string

const (
	StatusSigned Status = "Signed"
	// StatusSignedDegraded means an archive was produced but it carries no
	// valid code signature.
	StatusSignedDegraded Status = "SignedDegraded"
	StatusFailed         Status = "Failed"
)

// Request is the immutable input of one operation.
type Request struct {
	ArchivePath     string
	CertificatePath string
	Passphrase      string
	ProfilePath     string
	// OutputDir defaults to the directory of ArchivePath.
	OutputDir string
	// BundleID overrides the identifier derived from the profile.
	BundleID string
}

// Result is the single terminal outcome of Run.
type Result struct {
	OperationID string
	Status      Status
	// Stage is StageDone on success, otherwise the stage the operation was
	// trying to reach when it failed.
	Stage      Stage
	OutputPath string
	SizeBytes  int64
	BundleID   string
	// BundleIDSource is BundleIDOverride, BundleIDManifest or one of the
	// provision.Source values.
	BundleIDSource string
	SignDetail     string
	Warnings       []string
	Err            *ipaerr.Error
	Duration       time.Duration
}

const (
	// BundleIDOverride marks an identifier supplied in Request.BundleID.
	BundleIDOverride = "override"
	// BundleIDManifest marks an identifier kept from the bundle's manifest
	// because the profile only carries a wildcard.
	BundleIDManifest = "manifest"
)

// OK reports whether an output archive was produced.
func (r Result) OK() bool {
	return r.Status == StatusSigned || r.Status == StatusSignedDegraded
}
