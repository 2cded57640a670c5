package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/xlcopilot/internal/gateway"
	"github.com/kalambet/xlcopilot/internal/state"
	"github.com/kalambet/xlcopilot/internal/storage"
)

// Download fetches one version of a file. An empty version means modified.
func (o *Orchestrator) Download(ctx context.Context, sessionID, fileID string, version gateway.Version) (*gateway.Download, error) {
	sessionID, fileID, err := o.target(sessionID, fileID)
	if err != nil {
		return nil, o.reject(err)
	}
	if version == "" {
		version = gateway.VersionModified
	}

	release := o.store.BeginLoading()
	defer release()
	o.store.ClearError()

	payload := map[string]any{"file_id": fileID, "version": string(version)}
	d, err := o.gw.Download(ctx, fileID, sessionID, version)
	if err != nil {
		return nil, o.fail(state.KindDownload, payload, err)
	}
	payload["filename"] = d.Filename
	payload["size_bytes"] = len(d.Data)
	o.succeed(state.KindDownload, payload)
	return d, nil
}

// SaveDownload downloads a file into dir and records where it was written.
func (o *Orchestrator) SaveDownload(ctx context.Context, sessionID, fileID string, version gateway.Version, dir string) (storage.Download, error) {
	d, err := o.Download(ctx, sessionID, fileID, version)
	if err != nil {
		return storage.Download{}, err
	}
	if sessionID == "" {
		sessionID = o.store.SessionID()
	}
	if fileID == "" {
		if f := o.store.CurrentFile(); f != nil {
			fileID = f.ID
		}
	}
	if version == "" {
		version = gateway.VersionModified
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage.Download{}, fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, filepath.Base(d.Filename))
	if err := os.WriteFile(path, d.Data, 0o644); err != nil {
		return storage.Download{}, fmt.Errorf("writing %s: %w", path, err)
	}

	rec := storage.Download{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		FileID:    fileID,
		Version:   string(version),
		Filename:  d.Filename,
		Path:      path,
		SizeBytes: int64(len(d.Data)),
		CreatedAt: time.Now().UTC(),
	}
	if o.downloads != nil {
		if err := o.downloads.SaveDownload(rec); err != nil {
			o.logger.Warn("recording download failed", "path", path, "error", err)
		}
	}
	return rec, nil
}
