package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the step of the challenge flow that produced it.
type Kind string

const (
	// Missing or malformed local input; raised before any network call
	KindConfig Kind = "config"

	// Rejected by the portal
	KindAuth    Kind = "auth"    // login rejected
	KindOTP     Kind = "otp"     // one-time code rejected
	KindContext Kind = "context" // domain context switch rejected
	KindRecord  Kind = "record"  // TXT record creation rejected

	// Portal answered with its second-factor prompt instead of the requested resource
	KindOTPMissed Kind = "otp_missed"

	// HTTP or decoding failure talking to the portal
	KindTransport Kind = "transport"
)

// MissedOTPMessage is reported whenever the portal redirects a request to its
// second-factor prompt.
const MissedOTPMessage = "missed OTP authentication"

// AppError represents a fatal flow error with its kind and user-facing message
type AppError struct {
	Kind    Kind   // Failure class
	Step    string // Flow step that failed (login, otp, context, record, ...)
	Message string // User-facing message, usually taken from the portal response
	Err     error  // Underlying error (for logging only)
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Step, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Step, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(kind Kind, step, message string, err error) *AppError {
	return &AppError{
		Kind:    kind,
		Step:    step,
		Message: message,
		Err:     err,
	}
}

// Config creates a configuration error
func Config(message string) *AppError {
	if message == "" {
		message = "invalid configuration"
	}
	return New(KindConfig, "config", message, nil)
}

// Auth creates a login rejection error
func Auth(message string) *AppError {
	if message == "" {
		message = "login rejected"
	}
	return New(KindAuth, "login", message, nil)
}

// OTP creates a one-time code rejection error
func OTP(message string) *AppError {
	if message == "" {
		message = "one-time code rejected"
	}
	return New(KindOTP, "otp", message, nil)
}

// Context creates a domain context switch rejection error
func Context(message string) *AppError {
	if message == "" {
		message = "domain context switch rejected"
	}
	return New(KindContext, "context", message, nil)
}

// Record creates a TXT record creation error
func Record(message string) *AppError {
	if message == "" {
		message = "record creation rejected"
	}
	return New(KindRecord, "record", message, nil)
}

// MissedOTP creates the error for a request the portal bounced to its
// second-factor prompt
func MissedOTP(step string) *AppError {
	return New(KindOTPMissed, step, MissedOTPMessage, nil)
}

// Transport creates an HTTP/decoding error
func Transport(step, message string, err error) *AppError {
	if message == "" {
		message = "portal request failed"
	}
	return New(KindTransport, step, message, err)
}

// KindOf returns the kind of the first AppError in err's chain, or "" if there
// is none.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// MessageOf returns the user-facing message for err: the AppError message when
// one is present in the chain, the plain error text otherwise.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
