package lobby

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotMaster is returned for config changes requested on a node that
	// does not hold the master office.
	ErrNotMaster = errors.New("lobby: not master")

	// ErrBusy is returned when a different config update is already in flight.
	ErrBusy = errors.New("lobby: config update in progress")

	// ErrNoLink is returned when an update could not circulate the ring.
	ErrNoLink = errors.New("lobby: ring link unavailable")

	// ErrDistFailure is returned when at least one node nacked an update.
	ErrDistFailure = errors.New("lobby: config distribution failed")

	// ErrInvalidRequest is returned for malformed API requests.
	ErrInvalidRequest = errors.New("lobby: invalid request")

	// ErrStopped is returned to requests pending when the lobby stops.
	ErrStopped = errors.New("lobby: stopped")
)

// Error codes carried on the API wire.
const (
	CodeNotMaster   = "NOT_MASTER"
	CodeBusy        = "BUSY"
	CodeNoLink      = "NO_LINK"
	CodeDistFailure = "DIST_FAILURE"
	CodeInvalid     = "INVALID"
	CodeStopped     = "STOPPED"
	CodeInternal    = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrNotMaster, CodeNotMaster},
	{ErrBusy, CodeBusy},
	{ErrNoLink, CodeNoLink},
	{ErrDistFailure, CodeDistFailure},
	{ErrInvalidRequest, CodeInvalid},
	{ErrStopped, CodeStopped},
}

// ErrorCode maps err to its wire code. Unknown errors map to CodeInternal;
// nil maps to the empty string.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorFromCode rebuilds an error from its wire code and message so that
// errors.Is works on the client side.
func ErrorFromCode(code, msg string) error {
	if code == "" {
		return nil
	}
	for _, c := range codes {
		if c.code == code {
			if msg == "" || msg == c.err.Error() {
				return c.err
			}
			return fmt.Errorf("%w: %s", c.err, strings.TrimPrefix(msg, c.err.Error()+": "))
		}
	}
	if msg == "" {
		msg = code
	}
	return errors.New(msg)
}
