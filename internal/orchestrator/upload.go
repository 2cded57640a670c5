package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/xlcopilot/internal/gateway"
	"github.com/kalambet/xlcopilot/internal/state"
)

// InvalidFileTypeMessage is shown when a non-spreadsheet file is selected.
const InvalidFileTypeMessage = "Please upload a valid Excel file (.xlsx)"

// DefaultUploadError is shown when an upload fails without a message.
const DefaultUploadError = "Upload failed"

var spreadsheetTypes = map[string]bool{
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-excel": true,
}

var spreadsheetExts = map[string]bool{
	".xlsx": true,
	".xls":  true,
}

// IsSpreadsheet reports whether a file may be uploaded, judged by its MIME
// type or its name suffix.
func IsSpreadsheet(name, contentType string) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && spreadsheetTypes[mt] {
		return true
	}
	return spreadsheetExts[strings.ToLower(filepath.Ext(name))]
}

// ContentTypeFor returns the spreadsheet MIME type for a file name, or "".
func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".xls":
		return "application/vnd.ms-excel"
	}
	return ""
}

// UploadInput is one upload request. An empty SessionID defaults to the
// store's current session.
type UploadInput struct {
	SessionID string
	File      gateway.UploadFile

	// OnSuccess receives the new file's identifier.
	OnSuccess func(fileID string)
	// OnError receives the message also written to the store's error slot.
	OnError func(msg string)
}

// Upload validates and sends a workbook, tracking progress in the store.
// Files that are not spreadsheets, or exceed the size limit, are rejected
// before any network call.
func (o *Orchestrator) Upload(ctx context.Context, in UploadInput) (state.UploadedFile, error) {
	surface := func(err error, msg string) (state.UploadedFile, error) {
		o.store.SetError(msg)
		if in.OnError != nil {
			in.OnError(msg)
		}
		return state.UploadedFile{}, err
	}

	if !IsSpreadsheet(in.File.Name, in.File.ContentType) {
		return surface(invalid("file", InvalidFileTypeMessage), InvalidFileTypeMessage)
	}

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = o.store.SessionID()
	}
	if sessionID == "" {
		return surface(invalid("session_id", "No active session"), "No active session")
	}
	if in.File.Data == nil {
		return surface(invalid("file", "No file selected"), "No file selected")
	}

	data, err := io.ReadAll(io.LimitReader(in.File.Data, o.maxUpload+1))
	if err != nil {
		err = fmt.Errorf("reading %s: %w", in.File.Name, err)
		return surface(err, DefaultUploadError)
	}
	if int64(len(data)) > o.maxUpload {
		msg := fmt.Sprintf("File is too large. Maximum size is %d MB", o.maxUpload>>20)
		return surface(invalid("file", msg), msg)
	}

	contentType := in.File.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(in.File.Name)
	}

	release := o.store.BeginLoading()
	defer release()
	o.store.ClearError()
	o.store.SetUploadProgress(0)

	resp, err := o.gw.Upload(ctx, sessionID, gateway.UploadFile{
		Name:        in.File.Name,
		ContentType: contentType,
		Data:        bytes.NewReader(data),
	}, o.store.SetUploadProgress)
	if err != nil {
		msg := Message(err)
		if msg == "" {
			msg = DefaultUploadError
		}
		o.store.AddOperation(state.NewOperation(state.KindUpload, state.StatusError,
			map[string]any{"filename": in.File.Name}, msg))
		o.logger.Warn("upload failed", "filename", in.File.Name, "kind", KindOf(err), "error", err)
		return surface(err, msg)
	}

	f := state.UploadedFile{
		ID:           resp.FileID,
		Filename:     resp.Filename,
		SizeMB:       float64(len(data)) / (1 << 20),
		SheetNames:   resp.Metadata.SheetNames,
		TotalRows:    resp.Metadata.TotalRows,
		TotalColumns: resp.Metadata.TotalColumns,
		Columns:      resp.Metadata.Columns,
		Preview:      resp.Metadata.PreviewData,
		UploadedAt:   time.Now().UTC(),
	}
	o.store.SetCurrentFile(f)
	if o.durable != nil {
		if err := o.durable.SaveCurrentFile(f); err != nil {
			o.logger.Warn("saving current file failed", "error", err)
		}
		if err := o.durable.ClearLastAnalysis(); err != nil {
			o.logger.Warn("clearing last analysis failed", "error", err)
		}
	}
	o.succeed(state.KindUpload, map[string]any{
		"file_id":  f.ID,
		"filename": f.Filename,
		"rows":     f.TotalRows,
		"columns":  f.TotalColumns,
	})

	if in.OnSuccess != nil {
		in.OnSuccess(f.ID)
	}
	return f, nil
}
