package fleet

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry. Examples: probe timeouts, deploy transport failures, store
	// unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed announcements, invalid configuration, operations
	// on terminal deployments.
	ErrorClassPermanent ErrorClass = "permanent"
)

// FleetError represents a classified error with device/operation context.
type FleetError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Device is the device ID that caused the error, if applicable.
	Device string `json:"device,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *FleetError) Error() string {
	switch {
	case e.Device != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (device=%s, operation=%s): %s",
			e.Class, e.Message, e.Device, e.Operation, e.unwrapMessage())
	case e.Device != "":
		return fmt.Sprintf("[%s] %s (device=%s): %s", e.Class, e.Message, e.Device, e.unwrapMessage())
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *FleetError) Unwrap() error {
	return e.Err
}

func (e *FleetError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *FleetError) Is(target error) bool {
	t, ok := target.(*FleetError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *FleetError {
	return &FleetError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *FleetError {
	return &FleetError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithDevice adds device context to an error.
func (e *FleetError) WithDevice(deviceID string) *FleetError {
	e.Device = deviceID
	return e
}

// WithOperation adds operation context to an error.
func (e *FleetError) WithOperation(operation string) *FleetError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *FleetError) WithCode(code string) *FleetError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *FleetError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *FleetError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// Common error codes.
const (
	ErrCodeMalformedAnnouncement = "MALFORMED_ANNOUNCEMENT"
	ErrCodeProbeTimeout          = "PROBE_TIMEOUT"
	ErrCodeProbeUnreachable      = "PROBE_UNREACHABLE"
	ErrCodeNoEligibleDevice      = "NO_ELIGIBLE_DEVICE"
	ErrCodeDeployTransport       = "DEPLOY_TRANSPORT_FAILURE"
	ErrCodeStoreUnavailable      = "STORE_UNAVAILABLE"
	ErrCodeInvalidConfiguration  = "INVALID_CONFIGURATION"
	ErrCodeInvalidArtifact       = "INVALID_ARTIFACT"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeTerminal              = "DEPLOYMENT_TERMINAL"
)
