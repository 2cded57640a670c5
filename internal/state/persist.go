package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/xlcopilot/internal/storage"
)

// Durable storage keys.
const (
	SessionIDKey    = "xlcopilot.session_id"
	SnapshotKey     = "xlcopilot.ui"
	CurrentFileKey  = "xlcopilot.current_file"
	LastAnalysisKey = "xlcopilot.last_analysis"
)

// KV is a string key/value store such as *storage.Store.
type KV interface {
	GetValue(key string) (string, error)
	PutValue(key, value string) error
	DeleteValue(key string) error
}

// Durable maps client state onto a KV. Missing keys read as empty values;
// unreadable or corrupt values are reported as *storage.StorageError so
// callers can fall back to "nothing cached".
type Durable struct {
	kv KV
}

func NewDurable(kv KV) *Durable {
	return &Durable{kv: kv}
}

func (d *Durable) get(key string) (string, bool, error) {
	v, err := d.kv.GetValue(key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, asStorageError(key, err)
	}
	return v, true, nil
}

func (d *Durable) getJSON(key string, out any) (bool, error) {
	raw, ok, err := d.get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, &storage.StorageError{Key: key, Err: fmt.Errorf("corrupt value: %w", err)}
	}
	return true, nil
}

func (d *Durable) putJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return asStorageError(key, d.kv.PutValue(key, string(b)))
}

func asStorageError(key string, err error) error {
	if err == nil {
		return nil
	}
	var se *storage.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &storage.StorageError{Key: key, Err: err}
}

// LoadSessionID returns the cached session identifier, or "" if none is cached.
func (d *Durable) LoadSessionID() (string, error) {
	v, _, err := d.get(SessionIDKey)
	return strings.TrimSpace(v), err
}

func (d *Durable) SaveSessionID(id string) error {
	return asStorageError(SessionIDKey, d.kv.PutValue(SessionIDKey, id))
}

func (d *Durable) ClearSessionID() error {
	return asStorageError(SessionIDKey, d.kv.DeleteValue(SessionIDKey))
}

// LoadSnapshot returns the persisted UI snapshot. A missing snapshot is the zero value.
func (d *Durable) LoadSnapshot() (Snapshot, error) {
	var snap Snapshot
	if _, err := d.getJSON(SnapshotKey, &snap); err != nil {
		return Snapshot{}, err
	}
	if len(snap.Operations) > MaxPersistedOperations {
		snap.Operations = snap.Operations[:MaxPersistedOperations]
	}
	return snap, nil
}

// SaveSnapshot implements Persister.
func (d *Durable) SaveSnapshot(snap Snapshot) error {
	if len(snap.Operations) > MaxPersistedOperations {
		snap.Operations = snap.Operations[:MaxPersistedOperations]
	}
	return d.putJSON(SnapshotKey, snap)
}

// LoadCurrentFile returns the last selected file, or nil.
func (d *Durable) LoadCurrentFile() (*UploadedFile, error) {
	var f UploadedFile
	ok, err := d.getJSON(CurrentFileKey, &f)
	if err != nil || !ok {
		return nil, err
	}
	return &f, nil
}

func (d *Durable) SaveCurrentFile(f UploadedFile) error {
	return d.putJSON(CurrentFileKey, f)
}

func (d *Durable) ClearCurrentFile() error {
	return asStorageError(CurrentFileKey, d.kv.DeleteValue(CurrentFileKey))
}

// SavedAnalysis is the last analysis kept between CLI invocations.
type SavedAnalysis struct {
	FileID   string   `json:"file_id"`
	Analysis Analysis `json:"analysis"`
}

func (d *Durable) LoadLastAnalysis() (*SavedAnalysis, error) {
	var a SavedAnalysis
	ok, err := d.getJSON(LastAnalysisKey, &a)
	if err != nil || !ok {
		return nil, err
	}
	return &a, nil
}

func (d *Durable) SaveLastAnalysis(a SavedAnalysis) error {
	return d.putJSON(LastAnalysisKey, a)
}

func (d *Durable) ClearLastAnalysis() error {
	return asStorageError(LastAnalysisKey, d.kv.DeleteValue(LastAnalysisKey))
}
