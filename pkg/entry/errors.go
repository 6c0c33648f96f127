package entry

import "errors"

// Sentinel validation errors, one package-level var block of
// lower-case messages.
var (
	ErrKeyEmpty        = errors.New("entry: key must not be empty")
	ErrKeyTooLong      = errors.New("entry: key exceeds 255 characters")
	ErrKeyInvalidChars = errors.New("entry: key contains characters outside [A-Za-z0-9:_-]")
	ErrSecureNeedsTTL  = errors.New("entry: secure entries require a positive max age")
	ErrNegativeDuration = errors.New("entry: durations must be non-negative")
)
