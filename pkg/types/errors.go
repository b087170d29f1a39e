package types

import "errors"

// Error kinds. Concrete errors wrap one of these so callers can classify them
// with errors.Is.
var (
	// ErrValidation is a local input failure detected before any network call.
	ErrValidation = errors.New("validation error")
	// ErrAuthentication means a login was rejected or a session stayed invalid
	// after one re-authentication.
	ErrAuthentication = errors.New("authentication error")
	// ErrTransient covers timeouts, connection failures and unavailable services.
	ErrTransient = errors.New("transient infrastructure error")
	// ErrBusinessRejection is an explicit downstream rejection of the request.
	ErrBusinessRejection = errors.New("business rejection")
	// ErrFatal is an unrecoverable condition that must not be retried.
	ErrFatal = errors.New("fatal error")
)
