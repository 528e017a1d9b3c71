// Package ipaerr defines the structured error type shared by the resigning
// pipeline components.
//
// Callers should branch on Kind and Code rather than matching error strings.
// Use errors.As to extract *Error for structured handling.
package ipaerr

import "errors"

// Kind is a stable failure category.
type Kind string

const (
	KindInput    Kind = "InputError"
	KindArchive  Kind = "ArchiveError"
	KindManifest Kind = "ManifestError"
	KindSigning  Kind = "SigningError"
	KindIO       Kind = "IOError"
	KindCleanup  Kind = "CleanupError"
)

// Code narrows a Kind to a specific condition.
type Code string

const (
	CodeNone                  Code = ""
	CodeMissingInput          Code = "MissingInput"
	CodeCancelled             Code = "Cancelled"
	CodeNoAppBundle           Code = "NoAppBundle"
	CodeAmbiguousBundle       Code = "AmbiguousBundle"
	CodeArchiveCorrupt        Code = "ArchiveCorrupt"
	CodeManifestMissing       Code = "ManifestMissing"
	CodeManifestMalformed     Code = "ManifestMalformed"
	CodeSigningFailed         Code = "SigningFailed"
	CodeCapabilityUnavailable Code = "CapabilityUnavailable"
)

// Error is the pipeline's structured error.
//
// Stage is filled in by the orchestrator and names the step that failed.
// Message is intended for humans; do not match on it.
type Error struct {
	Kind    Kind
	Code    Code
	Stage   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New returns an error of the given kind and code.
func New(kind Kind, code Code, msg string) error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Wrap returns an error of the given kind and code that wraps cause.
func Wrap(kind Kind, code Code, msg string, cause error) error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

// As returns the first *Error in err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e := As(err)
	return e != nil && e.Kind == kind
}

// IsCode reports whether err is (or wraps) an *Error with the given code.
func IsCode(err error, code Code) bool {
	e := As(err)
	return e != nil && e.Code == code
}

// KindOf returns the kind of err, or KindIO for errors that did not come
// from this package.
func KindOf(err error) Kind {
	if e := As(err); e != nil {
		return e.Kind
	}
	return KindIO
}

// WithStage returns a copy of err as an *Error carrying stage. Foreign errors
// are wrapped as KindIO.
func WithStage(err error, stage string) *Error {
	if err == nil {
		return nil
	}
	if e := As(err); e != nil {
		out := *e
		out.Stage = stage
		return &out
	}
	return &Error{Kind: KindIO, Stage: stage, Message: "unexpected failure", Cause: err}
}
