package orchestrator

import (
	"errors"

	"github.com/kalambet/xlcopilot/internal/gateway"
	"github.com/kalambet/xlcopilot/internal/storage"
)

// ValidationError reports input rejected before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// ErrorKind classifies an error returned by this package or the layers below.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindValidation ErrorKind = "validation"
	KindNetwork    ErrorKind = "network"
	KindAPI        ErrorKind = "api"
	KindStorage    ErrorKind = "storage"
	KindUnknown    ErrorKind = "unknown"
)

// KindOf maps err to its ErrorKind. Callers switch on the kind instead of
// inspecting concrete error types.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var (
		validationErr *ValidationError
		networkErr    *gateway.NetworkError
		apiErr        *gateway.APIError
		storageErr    *storage.StorageError
	)
	switch {
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &networkErr):
		return KindNetwork
	case errors.As(err, &apiErr):
		return KindAPI
	case errors.As(err, &storageErr):
		return KindStorage
	}
	return KindUnknown
}

// Message returns the text shown to users for err.
func Message(err error) string {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Message
	}
	return gateway.UserMessage(err)
}
