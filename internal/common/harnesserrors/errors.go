// Package harnesserrors contains generic error types returned by the test
// harness. The cmd layer inspects these with errors.As to pick process exit
// codes, so components should return them wrapped with pkg/errors to retain
// stack traces.
package harnesserrors

import (
	"fmt"
	"net"
	"net/url"

	"github.com/pkg/errors"
)

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "rate"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrFatalSetup indicates the remote service could not be reached while
// taking the configuration snapshot, i.e., before anything was mutated.
// There is nothing to restore and the run must abort.
type ErrFatalSetup struct {
	URL     string
	Message string
	Cause   error
}

func (err *ErrFatalSetup) Error() string {
	s := fmt.Sprintf("fatal setup error against %s", err.URL)
	if err.Message != "" {
		s += "; " + err.Message
	}
	if err.Cause != nil {
		s += ": " + err.Cause.Error()
	}
	return s
}

func (err *ErrFatalSetup) Unwrap() error {
	return err.Cause
}

// IsNetworkError returns true if err is caused by a failure to connect,
// as opposed to the remote service responding with an error status.
func IsNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
