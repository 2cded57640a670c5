package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// StorageError reports that durable client state could not be read or written.
// Callers treat it as "no cached state" rather than a fatal condition.
type StorageError struct {
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage: %v", e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Download records a file written to disk by the download command.
type Download struct {
	ID        string
	SessionID string
	FileID    string
	Version   string
	Filename  string
	Path      string
	SizeBytes int64
	CreatedAt time.Time
}
