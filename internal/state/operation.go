package state

import (
	"time"

	"github.com/google/uuid"
)

// OperationKind names the user action an Operation records.
type OperationKind string

const (
	KindUpload   OperationKind = "upload"
	KindAnalyze  OperationKind = "analyze"
	KindPreview  OperationKind = "preview"
	KindExecute  OperationKind = "execute"
	KindDownload OperationKind = "download"
	KindRevert   OperationKind = "revert"
)

// OperationStatus is the outcome of an Operation.
type OperationStatus string

const (
	StatusSuccess OperationStatus = "success"
	StatusError   OperationStatus = "error"
	StatusPending OperationStatus = "pending"
)

// Operation is one entry of the client-side history ledger.
type Operation struct {
	ID        string          `json:"id"`
	Kind      OperationKind   `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Status    OperationStatus `json:"status"`
	Payload   map[string]any  `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewOperationID returns a time-ordered UUIDv7, falling back to a random
// UUIDv4 if the clock-based generator fails.
func NewOperationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewOperation builds an Operation stamped with a fresh id and the current time.
func NewOperation(kind OperationKind, status OperationStatus, payload map[string]any, errMsg string) Operation {
	return Operation{
		ID:        NewOperationID(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Payload:   payload,
		Error:     errMsg,
	}
}
