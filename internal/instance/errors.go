package instance

import "errors"

var (
	// ErrNoInstanceAvailable indicates every instance is disabled.
	// Recoverable via ResetDefaults.
	ErrNoInstanceAvailable = errors.New("no instance available")

	// ErrUnknownInstance indicates a name that matches no instance.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrDuplicateInstance indicates an AddInstance name collision.
	ErrDuplicateInstance = errors.New("duplicate instance")

	// ErrRankAbandoned indicates every probe in a ranking pass failed;
	// the previous ordering was retained.
	ErrRankAbandoned = errors.New("ranking abandoned: all probes failed")
)
