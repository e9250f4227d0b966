package client

import "fmt"

// ValidationError is a local precondition failure. It is returned before
// any network call is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// TransportError is an HTTP-level failure from submit or poll: a failed
// request, an unexpected status, or a malformed success body.
// StatusCode is zero when the failure happened below HTTP.
type TransportError struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return "transport: " + e.Err.Error()
	case e.StatusCode != 0 && e.Reason != "":
		return fmt.Sprintf("transport: status %d: %s", e.StatusCode, e.Reason)
	case e.StatusCode != 0:
		return fmt.Sprintf("transport: status %d", e.StatusCode)
	default:
		return "transport: " + e.Reason
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when the result poller exhausts its attempt
// budget without the run finishing.
type TimeoutError struct {
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("result not ready after %d attempts", e.Attempts)
}
