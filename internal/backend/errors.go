package backend

import "github.com/Gameminde/Chneowave-sub003/internal/errors"

var (
	// ErrUnavailable is returned when a backend cannot run on this host
	ErrUnavailable = errors.Sentinel("backend", errors.CategoryBackend, "acquisition backend unavailable")

	// ErrUnknownBackend is returned by Select for names not in the registry
	ErrUnknownBackend = errors.Sentinel("backend", errors.CategoryConfiguration, "unknown acquisition backend")

	// ErrInvalidParams is returned by Configure for unusable parameters
	ErrInvalidParams = errors.Sentinel("backend", errors.CategoryConfiguration, "invalid backend parameters")

	// ErrNotConfigured is returned by Start before a successful Configure
	ErrNotConfigured = errors.Sentinel("backend", errors.CategoryState, "acquisition backend not configured")

	// ErrAlreadyRunning is returned by Start and Configure while running
	ErrAlreadyRunning = errors.Sentinel("backend", errors.CategoryState, "acquisition backend already running")

	// ErrStopTimeout is returned when a backend goroutine did not exit
	// within its stop bound. The goroutine is abandoned.
	ErrStopTimeout = errors.Sentinel("backend", errors.CategoryTimeout, "acquisition backend stop timed out")
)
