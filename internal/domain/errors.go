// Package domain provides shared domain-level sentinel errors.
//
// Every code in the daemon's closed error vocabulary has its own
// sentinel here; the generic ErrNotFound and ErrConflict additionally map
// to SERVICE_NOT_FOUND and LOCK_HELD. Callers wrap it with fmt.Errorf("...: %w", ...)
// at the point of failure; the HTTP layer unwraps with errors.Is to pick a
// status code and the matching "code" string.
package domain

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a concurrent modification conflict.
	ErrConflict = errors.New("conflict")

	// ErrIdentityInvalid maps to code IDENTITY_INVALID.
	ErrIdentityInvalid = errors.New("identity invalid")

	// ErrPIDInvalid maps to code PID_INVALID.
	ErrPIDInvalid = errors.New("pid invalid")

	// ErrValidation maps to code VALIDATION_ERROR.
	ErrValidation = errors.New("validation error")

	// ErrMetadataTooLarge maps to code METADATA_TOO_LARGE.
	ErrMetadataTooLarge = errors.New("metadata too large")

	// ErrPortOutOfRange maps to code PORT_OUT_OF_RANGE.
	ErrPortOutOfRange = errors.New("port out of range")

	// ErrPortReserved maps to code PORT_RESERVED.
	ErrPortReserved = errors.New("port reserved")

	// ErrPortExhausted maps to code PORT_EXHAUSTED.
	ErrPortExhausted = errors.New("port exhausted")

	// ErrServiceNotFound maps to code SERVICE_NOT_FOUND.
	ErrServiceNotFound = errors.New("service not found")

	// ErrLockHeld maps to code LOCK_HELD.
	ErrLockHeld = errors.New("lock held")

	// ErrLockForbidden maps to code LOCK_FORBIDDEN.
	ErrLockForbidden = errors.New("lock forbidden")

	// ErrQuotaExceeded maps to code QUOTA_EXCEEDED.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrFileConflict maps to code FILE_CONFLICT.
	ErrFileConflict = errors.New("file conflict")

	// ErrSessionNotFound maps to code SESSION_NOT_FOUND.
	ErrSessionNotFound = errors.New("session not found")

	// ErrChannelInvalid maps to code CHANNEL_INVALID.
	ErrChannelInvalid = errors.New("channel invalid")

	// ErrPayloadTooLarge maps to code PAYLOAD_TOO_LARGE.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrRateLimited maps to code RATE_LIMITED.
	ErrRateLimited = errors.New("rate limited")

	// ErrConnectionLimit maps to code CONNECTION_LIMIT.
	ErrConnectionLimit = errors.New("connection limit")

	// ErrSSRFBlocked maps to code SSRF_BLOCKED.
	ErrSSRFBlocked = errors.New("ssrf blocked")

	// ErrTimeout maps to code TIMEOUT.
	ErrTimeout = errors.New("timeout")

	// ErrInternal maps to code INTERNAL.
	ErrInternal = errors.New("internal")
)

// Code returns the closed error-vocabulary string for a sentinel, or
// "INTERNAL" if err does not wrap a known sentinel.
func Code(err error) string {
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

var codeTable = []struct {
	err  error
	code string
}{
	{ErrIdentityInvalid, "IDENTITY_INVALID"},
	{ErrPIDInvalid, "PID_INVALID"},
	{ErrValidation, "VALIDATION_ERROR"},
	{ErrMetadataTooLarge, "METADATA_TOO_LARGE"},
	{ErrPortOutOfRange, "PORT_OUT_OF_RANGE"},
	{ErrPortReserved, "PORT_RESERVED"},
	{ErrPortExhausted, "PORT_EXHAUSTED"},
	{ErrServiceNotFound, "SERVICE_NOT_FOUND"},
	{ErrLockHeld, "LOCK_HELD"},
	{ErrLockForbidden, "LOCK_FORBIDDEN"},
	{ErrQuotaExceeded, "QUOTA_EXCEEDED"},
	{ErrFileConflict, "FILE_CONFLICT"},
	{ErrSessionNotFound, "SESSION_NOT_FOUND"},
	{ErrChannelInvalid, "CHANNEL_INVALID"},
	{ErrPayloadTooLarge, "PAYLOAD_TOO_LARGE"},
	{ErrRateLimited, "RATE_LIMITED"},
	{ErrConnectionLimit, "CONNECTION_LIMIT"},
	{ErrSSRFBlocked, "SSRF_BLOCKED"},
	{ErrTimeout, "TIMEOUT"},
	{ErrNotFound, "SERVICE_NOT_FOUND"},
	{ErrConflict, "LOCK_HELD"},
	{ErrInternal, "INTERNAL"},
}

// Status returns the HTTP status code for a sentinel-wrapping error.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrServiceNotFound), errors.Is(err, ErrSessionNotFound):
		return 404
	case errors.Is(err, ErrLockForbidden):
		return 403
	case errors.Is(err, ErrLockHeld), errors.Is(err, ErrFileConflict), errors.Is(err, ErrConflict):
		return 409
	case errors.Is(err, ErrRateLimited):
		return 429
	case errors.Is(err, ErrQuotaExceeded):
		return 429
	case errors.Is(err, ErrConnectionLimit):
		return 503
	case errors.Is(err, ErrPayloadTooLarge), errors.Is(err, ErrMetadataTooLarge):
		return 413
	case errors.Is(err, ErrTimeout):
		return 408
	case errors.Is(err, ErrIdentityInvalid), errors.Is(err, ErrPIDInvalid), errors.Is(err, ErrValidation),
		errors.Is(err, ErrPortOutOfRange), errors.Is(err, ErrPortReserved), errors.Is(err, ErrPortExhausted),
		errors.Is(err, ErrChannelInvalid), errors.Is(err, ErrSSRFBlocked):
		return 400
	default:
		return 500
	}
}
