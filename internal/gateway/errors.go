package gateway

import (
	"errors"
	"fmt"
)

// NetworkError reports that no response was obtained: the connection failed,
// the request timed out or the context was cancelled.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// InvalidResponseMessage is the APIError message for a 2xx body that could
// not be decoded.
const InvalidResponseMessage = "invalid response"

// APIError reports a response with a non-2xx status, a 2xx body carrying
// success=false, or a 2xx body that is not the expected JSON. Message is the backend-reported error when present.
type APIError struct {
	Op      string
	Status  int
	Message string
	Body    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: server returned %d", e.Op, e.Status)
}

// NotFound reports whether the backend answered 404, which it uses for
// unknown sessions and files.
func (e *APIError) NotFound() bool {
	return e.Status == 404
}

// UserMessage returns the text shown to users for a gateway failure.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return "Could not reach the server. Check your connection and try again."
	}
	return err.Error()
}
