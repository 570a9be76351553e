package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed agent call once retries are exhausted.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindUnreachable ErrorKind = "unreachable"
	KindBadResponse ErrorKind = "bad_response"
)

// ClientError is returned by every Client operation that did not succeed.
type ClientError struct {
	Kind       ErrorKind
	Op         string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *ClientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("agent %s: %s (HTTP %d) after %d attempt(s): %v", e.Op, e.Kind, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("agent %s: %s after %d attempt(s): %v", e.Op, e.Kind, e.Attempts, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// AsClientError extracts a ClientError from err.
func AsClientError(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
