package wire

import (
	"fmt"

	"github.com/WebFirstLanguage/powdht/pkg/constants"
)

// Error is a protocol error. It is returned locally and sent to peers in a
// KindError envelope.
type Error struct {
	Code       uint16  `cbor:"code"`                  // Error code
	Reason     string  `cbor:"reason"`                // Human-readable error message
	RetryAfter *uint32 `cbor:"retry_after,omitempty"` // Optional retry delay in seconds
}

// NewError creates a new protocol error
func NewError(code uint16, reason string) *Error {
	return &Error{
		Code:   code,
		Reason: reason,
	}
}

// NewErrorWithRetry creates a new protocol error with retry-after
func NewErrorWithRetry(code uint16, reason string, retryAfter uint32) *Error {
	return &Error{
		Code:       code,
		Reason:     reason,
		RetryAfter: &retryAfter,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("powdht error %s: %s (retry after %ds)", ErrorCodeName(e.Code), e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("powdht error %s: %s", ErrorCodeName(e.Code), e.Reason)
}

// IsRetryable returns true if the error suggests retrying
func (e *Error) IsRetryable() bool {
	return e.RetryAfter != nil || e.Code == constants.ErrorRateLimit
}

// ErrorCodeName returns the human-readable name for an error code
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorInvalidSig:
		return "INVALID_SIG"
	case constants.ErrorRateLimit:
		return "RATE_LIMIT"
	case constants.ErrorVersionMismatch:
		return "VERSION_MISMATCH"
	case constants.ErrorUnknownKind:
		return "UNKNOWN_KIND"
	case constants.ErrorMalformed:
		return "MALFORMED"
	case constants.ErrorNoSelfRecord:
		return "NO_SELF_RECORD"
	case constants.ErrorVerificationFailed:
		return "VERIFICATION_FAILED"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// ErrInvalidSignature creates an invalid signature error
func ErrInvalidSignature(reason string) *Error {
	return NewError(constants.ErrorInvalidSig, reason)
}

// ErrRateLimit creates a rate limit error with retry-after
func ErrRateLimit(retryAfter uint32) *Error {
	return NewErrorWithRetry(constants.ErrorRateLimit, "rate limit exceeded", retryAfter)
}

// ErrVersionMismatch creates a version mismatch error
func ErrVersionMismatch(expected, actual uint16) *Error {
	return NewError(constants.ErrorVersionMismatch,
		fmt.Sprintf("version mismatch: expected %d, got %d", expected, actual))
}

// ErrUnknownKind creates an unknown-kind error
func ErrUnknownKind(kind uint16) *Error {
	return NewError(constants.ErrorUnknownKind, fmt.Sprintf("unknown message kind %d", kind))
}

// ErrNoSelfRecord means the node cannot answer until its own proof is minted
func ErrNoSelfRecord() *Error {
	return NewErrorWithRetry(constants.ErrorNoSelfRecord, "local peer record not minted yet", 5)
}

// ErrVerification creates a verification-failed error
func ErrVerification(reason string) *Error {
	return NewError(constants.ErrorVerificationFailed, reason)
}

// ErrorEnvelope wraps err into a KindError envelope
func ErrorEnvelope(err *Error) *Envelope {
	env, encErr := NewEnvelope(constants.KindError, err)
	if encErr != nil {
		// Error holds only integers and strings
		panic(fmt.Sprintf("failed to encode error envelope: %v", encErr))
	}
	return env
}

// IsErrorEnvelope checks if an envelope carries an error
func IsErrorEnvelope(env *Envelope) bool {
	return env.Kind == constants.KindError
}

// ExtractError decodes the Error carried by an error envelope
func ExtractError(env *Envelope) (*Error, error) {
	if !IsErrorEnvelope(env) {
		return nil, fmt.Errorf("envelope is not an error envelope")
	}

	var e Error
	if err := env.DecodeBody(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
