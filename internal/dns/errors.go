package dns

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAnswer indicates the provider answered but returned no
	// address records for the queried name.
	ErrNoAnswer = errors.New("no address records")

	// ErrServerMisbehaving indicates a non-200 status, a wrong content
	// type, an unreadable body or a non-success response code.
	ErrServerMisbehaving = errors.New("doh server misbehaving")

	// ErrUnknownProvider indicates a SetProvider name that matches no
	// configured provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrDisabled indicates Resolve was called while DoH is disabled.
	ErrDisabled = errors.New("doh disabled")
)

// ResolutionError wraps any failure to resolve a hostname through a
// specific provider, so the caller can report which provider failed and
// decide to cycle to the next one.
type ResolutionError struct {
	Provider string
	Hostname string
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.Hostname == "" {
		return fmt.Sprintf("resolve via %s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("resolve %s via %s: %v", e.Hostname, e.Provider, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
