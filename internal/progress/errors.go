package progress

import "errors"

// Protocol errors. Authorization failures are distinct from validation
// failures so misconfigured tokens are diagnosable.
var (
	// ErrUnauthorized is returned when the test does not exist or the
	// token does not match. No state is mutated.
	ErrUnauthorized = errors.New("invalid test id or token")

	// ErrUnknownStatus is returned when the reported status is not one
	// of the six known values.
	ErrUnknownStatus = errors.New("unknown status value")
)
