// Package validate holds the shared request-argument validators the
// transport layer runs ahead of dispatching into the services: PID,
// free-form name pattern, URL, env name, and port range checks.
package validate

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/portdaddy/portdaddy/internal/domain"
)

var (
	lockNamePattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
	envNamePattern  = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
)

// PID checks that pid is a plausible positive process id. A pid of 0 is
// rejected — claims always attribute an owning process.
func PID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("pid must be positive, got %d: %w", pid, domain.ErrPIDInvalid)
	}
	return nil
}

// LockName validates a lock name: 1-128 chars from [A-Za-z0-9._:-].
func LockName(name string) error {
	if !lockNamePattern.MatchString(name) {
		return fmt.Errorf("invalid lock name %q: %w", name, domain.ErrValidation)
	}
	return nil
}

// Channel validates a pub/sub channel name: 1-128 chars, non-empty.
func Channel(name string) error {
	if len(name) < 1 || len(name) > 128 {
		return fmt.Errorf("invalid channel %q: %w", name, domain.ErrChannelInvalid)
	}
	return nil
}

// EnvName validates an endpoint environment name.
func EnvName(name string) error {
	if !envNamePattern.MatchString(name) {
		return fmt.Errorf("invalid env name %q: %w", name, domain.ErrValidation)
	}
	return nil
}

// URL validates that s parses as an absolute http(s) URL. It does not
// perform SSRF filtering; that is webhook-subscription-specific and lives
// in internal/service alongside DNS resolution.
func URL(s string) error {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid url %q: %w", s, domain.ErrValidation)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q: %w", u.Scheme, domain.ErrValidation)
	}
	return nil
}

// PortRange validates that lo <= hi and both lie within the uint16 port
// space used by TCP.
func PortRange(lo, hi int) error {
	if lo < 1 || hi > 65535 || lo > hi {
		return fmt.Errorf("invalid port range [%d,%d]: %w", lo, hi, domain.ErrValidation)
	}
	return nil
}

// MetadataSize enforces a caller-supplied byte cap on a metadata blob,
// returning ErrMetadataTooLarge when exceeded.
func MetadataSize(b []byte, maxBytes int) error {
	if len(b) > maxBytes {
		return fmt.Errorf("metadata %d bytes exceeds cap %d: %w", len(b), maxBytes, domain.ErrMetadataTooLarge)
	}
	return nil
}

// PayloadSize enforces a caller-supplied byte cap on a publish payload,
// returning ErrPayloadTooLarge when exceeded.
func PayloadSize(b []byte, maxBytes int) error {
	if len(b) > maxBytes {
		return fmt.Errorf("payload %d bytes exceeds cap %d: %w", len(b), maxBytes, domain.ErrPayloadTooLarge)
	}
	return nil
}

// NonEmpty rejects an empty string for a required field, identified by
// name in the error message.
func NonEmpty(field, s string) error {
	if s == "" {
		return fmt.Errorf("%s is required: %w", field, domain.ErrValidation)
	}
	return nil
}

// MaxLen rejects a string longer than maxBytes, identified by name in the
// error message.
func MaxLen(field, s string, maxBytes int) error {
	if len(s) > maxBytes {
		return fmt.Errorf("%s exceeds %d bytes: %w", field, maxBytes, domain.ErrValidation)
	}
	return nil
}
