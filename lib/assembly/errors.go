package assembly

import "errors"

// Step failures. Every assembly failure wraps exactly one of these; the
// failing step is also recorded on the assembly record.
var (
	// ErrBaseResolution is returned when the base environment reference
	// cannot be normalized, resolved, or pulled.
	ErrBaseResolution = errors.New("base environment resolution failed")

	// ErrCopy is returned when the application directory cannot be
	// materialized into the assembly.
	ErrCopy = errors.New("application directory copy failed")

	// ErrDependencyInstall is returned when any manifest entry fails to
	// install. There is no partial-install fallback.
	ErrDependencyInstall = errors.New("dependency install failed")

	// ErrEntryBinding is returned when the entry command cannot be bound
	// into the image config.
	ErrEntryBinding = errors.New("entry command binding failed")
)

// Store and input errors.
var (
	ErrNotFound      = errors.New("assembly not found")
	ErrAlreadyExists = errors.New("assembly already exists")
	ErrNotReady      = errors.New("assembly not ready")

	// ErrContextTooLarge is returned when an uploaded context exceeds the
	// configured size limit.
	ErrContextTooLarge = errors.New("context exceeds size limit")

	// ErrInvalidContextPath is returned when an archive entry has a
	// malicious or escaping path.
	ErrInvalidContextPath = errors.New("invalid context path")
)
