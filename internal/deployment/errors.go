package deployment

import (
	"errors"
	"unicode/utf8"
)

// Sentinel errors shared by the pipeline, the webhook dispatcher and the
// HTTP layer. Wrap them with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrExternalService = errors.New("external service error")
	ErrTimeout         = errors.New("timeout")
	ErrInterrupted     = errors.New("interrupted with no recovery")
)

// MaxErrorDetail bounds the remote failure detail stored on a deployment.
const MaxErrorDetail = 1024

// Reason classifies a stored failure.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonValidation      Reason = "ValidationError"
	ReasonConflict        Reason = "Conflict"
	ReasonInvalidState    Reason = "InvalidState"
	ReasonExternalService Reason = "ExternalServiceError"
	ReasonTimeout         Reason = "Timeout"
	ReasonAuth            Reason = "AuthError"
	ReasonInterrupted     Reason = "InterruptedNoRecovery"
)

// ReasonOf maps an error onto the failure taxonomy. Anything unrecognised is
// treated as an external service failure.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrValidation):
		return ReasonValidation
	case errors.Is(err, ErrConflict):
		return ReasonConflict
	case errors.Is(err, ErrInvalidState):
		return ReasonInvalidState
	case errors.Is(err, ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrUnauthorized):
		return ReasonAuth
	case errors.Is(err, ErrInterrupted):
		return ReasonInterrupted
	default:
		return ReasonExternalService
	}
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// FormatError renders the stored error_message for a failure.
func FormatError(reason Reason, detail string) string {
	return string(reason) + ": " + Truncate(detail, MaxErrorDetail)
}
