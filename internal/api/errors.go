package api

import (
	"errors"

	"github.com/dreamware/cmm/internal/lobby"
)

var (
	// ErrTimeout is returned when a request is not answered in time.
	ErrTimeout = errors.New("api: request timed out")

	// ErrUnknownHandle is returned for a notification handle that is not
	// registered.
	ErrUnknownHandle = errors.New("api: unknown notification handle")

	// ErrClosed is returned by a client whose connection is gone.
	ErrClosed = errors.New("api: connection closed")
)

const (
	codeTimeout       = "TIMEOUT"
	codeUnknownHandle = "UNKNOWN_HANDLE"
)

func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return codeTimeout
	case errors.Is(err, ErrUnknownHandle):
		return codeUnknownHandle
	}
	return lobby.ErrorCode(err)
}

func errorFromCode(code, msg string) error {
	switch code {
	case codeTimeout:
		return ErrTimeout
	case codeUnknownHandle:
		return ErrUnknownHandle
	}
	return lobby.ErrorFromCode(code, msg)
}
