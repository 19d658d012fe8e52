// Package apierr defines the failure kinds reported to the toolstack and
// renders them as a code plus message envelope.
package apierr

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code is the machine readable part of the envelope.
type Code string

const (
	CodeInternal                 Code = "INTERNAL_ERROR"
	CodeUnsupportedInstallMethod Code = "UNSUPPORTED_INSTALL_METHOD"
	CodeSupportPackageMissing    Code = "SUPPORT_PACKAGE_MISSING"
	CodeInvalidSource            Code = "INVALID_SOURCE"
	CodeLimits                   Code = "LIMITS"
	CodeUsage                    Code = "USAGE"
)

// Marker sentinels. Errors are tagged with errors.Mark so that wrapping keeps
// the kind visible to errors.Is.
var (
	ErrUsage                    = errors.New("usage error")
	ErrInvalidSource            = errors.New("invalid source")
	ErrResourceTooLarge         = errors.New("resource too large")
	ErrUnsupportedInstallMethod = errors.New("unsupported install method")
	ErrSupportPackageMissing    = errors.New("support package missing")
	ErrDelegate                 = errors.New("delegate failure")
)

// UsageMessage is printed to stderr on bad command lines.
const UsageMessage = "Invalid usage. Usage: eliloader --vm <vm> <image>"

func Usage(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrUsage)
}

func InvalidSource(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidSource)
}

func ResourceTooLarge(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrResourceTooLarge)
}

func UnsupportedInstallMethod(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrUnsupportedInstallMethod)
}

func SupportPackageMissing(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrSupportPackageMissing)
}

// MarkDelegate tags err as a delegate process failure.
func MarkDelegate(err error) error {
	return errors.Mark(err, ErrDelegate)
}

// ResourceAccessError is a transport failure while reading Source.
type ResourceAccessError struct {
	Source string
	cause  error
}

// NewResourceAccessError wraps a transport error for source.
func NewResourceAccessError(source string, cause error) *ResourceAccessError {
	return &ResourceAccessError{Source: source, cause: cause}
}

func (e *ResourceAccessError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("could not access %s", e.Source)
	}
	return fmt.Sprintf("could not access %s: %v", e.Source, e.cause)
}

func (e *ResourceAccessError) Unwrap() error { return e.cause }

// CodeOf classifies err.
func CodeOf(err error) Code {
	var rae *ResourceAccessError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUsage):
		return CodeUsage
	case errors.As(err, &rae):
		return CodeInvalidSource
	case errors.Is(err, ErrInvalidSource):
		return CodeInvalidSource
	case errors.Is(err, ErrResourceTooLarge):
		return CodeLimits
	case errors.Is(err, ErrUnsupportedInstallMethod):
		return CodeUnsupportedInstallMethod
	case errors.Is(err, ErrSupportPackageMissing):
		return CodeSupportPackageMissing
	default:
		return CodeInternal
	}
}

// Message returns the human readable part of the envelope.
func Message(err error) string {
	var rae *ResourceAccessError
	if errors.As(err, &rae) {
		return "Could not access " + rae.Source
	}
	return err.Error()
}

// Envelope renders err as "CODE\nmessage\n".
func Envelope(err error) string {
	var b strings.Builder
	b.WriteString(string(CodeOf(err)))
	b.WriteByte('\n')
	b.WriteString(Message(err))
	b.WriteByte('\n')
	return b.String()
}
