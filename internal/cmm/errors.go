package cmm

import (
	"errors"
	"fmt"
)

// FatalError marks an error that must stop the node instead of triggering a
// restart: a software version mismatch, an invariant violation or an
// exhausted restart budget.
type FatalError struct {
	Err       error
	Component string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Component, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err as a FatalError raised by component.
func Fatal(component string, err error) error {
	return &FatalError{Component: component, Err: err}
}

// IsFatal reports whether err or any error it wraps is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
