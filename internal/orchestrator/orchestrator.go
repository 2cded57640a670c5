// Package orchestrator sequences user-triggered actions against the backend
// gateway and the shared state store. Each call raises the loading flag for
// exactly the duration of its gateway request, records the outcome in the
// operation ledger and returns any failure to the caller.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/xlcopilot/internal/gateway"
	"github.com/kalambet/xlcopilot/internal/state"
	"github.com/kalambet/xlcopilot/internal/storage"
)

// DefaultMaxUploadMB matches the backend's upload limit.
const DefaultMaxUploadMB = 50

// Gateway is the subset of the backend client the orchestrator drives.
type Gateway interface {
	Health(ctx context.Context) (gateway.Health, error)
	Upload(ctx context.Context, sessionID string, f gateway.UploadFile, onProgress func(int)) (gateway.UploadResponse, error)
	Analyze(ctx context.Context, req gateway.AnalyzeRequest) (gateway.AnalysisResponse, error)
	Preview(ctx context.Context, req gateway.ExecuteRequest) (gateway.ExecutionResponse, error)
	Execute(ctx context.Context, req gateway.ExecuteRequest) (gateway.ExecutionResponse, error)
	Download(ctx context.Context, fileID, sessionID string, version gateway.Version) (*gateway.Download, error)
	ListFiles(ctx context.Context, sessionID string) ([]gateway.SessionFile, error)
	Revert(ctx context.Context, sessionID, fileID string) error
}

// Durable keeps the selected file and last analysis between runs.
type Durable interface {
	SaveCurrentFile(f state.UploadedFile) error
	SaveLastAnalysis(a state.SavedAnalysis) error
	ClearLastAnalysis() error
}

// DownloadRecorder records files written to disk.
type DownloadRecorder interface {
	SaveDownload(d storage.Download) error
}

// Options configures optional collaborators. Zero values disable them.
type Options struct {
	Durable     Durable
	Downloads   DownloadRecorder
	MaxUploadMB int
}

// Orchestrator runs upload, analyze, preview, execute, download and revert.
type Orchestrator struct {
	gw        Gateway
	store     *state.Store
	durable   Durable
	downloads DownloadRecorder
	maxUpload int64
	logger    *slog.Logger
}

// New creates an Orchestrator over gw and store.
func New(gw Gateway, store *state.Store, opts Options) *Orchestrator {
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = DefaultMaxUploadMB
	}
	return &Orchestrator{
		gw:        gw,
		store:     store,
		durable:   opts.Durable,
		downloads: opts.Downloads,
		maxUpload: int64(opts.MaxUploadMB) << 20,
		logger:    slog.Default(),
	}
}

// target resolves the session and file to act on, defaulting to the ones
// currently held in the store.
func (o *Orchestrator) target(sessionID, fileID string) (string, string, error) {
	if sessionID == "" {
		sessionID = o.store.SessionID()
	}
	if fileID == "" {
		if f := o.store.CurrentFile(); f != nil {
			fileID = f.ID
		}
	}
	if sessionID == "" {
		return "", "", invalid("session_id", "No active session")
	}
	if fileID == "" {
		return "", "", invalid("file_id", "Please upload a file first")
	}
	return sessionID, fileID, nil
}

// reject surfaces a validation failure without touching the ledger.
func (o *Orchestrator) reject(err error) error {
	o.store.SetError(Message(err))
	return err
}

// fail records a gateway failure and returns it unchanged.
func (o *Orchestrator) fail(kind state.OperationKind, payload map[string]any, err error) error {
	msg := Message(err)
	o.store.AddOperation(state.NewOperation(kind, state.StatusError, payload, msg))
	o.store.SetError(msg)
	o.logger.Warn("operation failed", "type", kind, "kind", KindOf(err), "error", err)
	return err
}

func (o *Orchestrator) succeed(kind state.OperationKind, payload map[string]any) {
	o.store.AddOperation(state.NewOperation(kind, state.StatusSuccess, payload, ""))
}

// AnalyzeInput is one analyze request. Empty IDs default to the store's
// current session and file.
type AnalyzeInput struct {
	SessionID string
	FileID    string
	Prompt    string
	SheetName string
}

// Analyze sends a prompt for the given file and records the result.
// A response that arrives after a newer analyze call for the same file was
// issued is still recorded in the ledger but does not replace the newer
// result as the file's current analysis.
func (o *Orchestrator) Analyze(ctx context.Context, in AnalyzeInput) (gateway.AnalysisResponse, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return gateway.AnalysisResponse{}, o.reject(invalid("prompt", "Please enter a prompt"))
	}
	sessionID, fileID, err := o.target(in.SessionID, in.FileID)
	if err != nil {
		return gateway.AnalysisResponse{}, o.reject(err)
	}

	seq := o.store.NextAnalysisSeq(fileID)
	release := o.store.BeginLoading()
	defer release()
	o.store.ClearError()

	resp, err := o.gw.Analyze(ctx, gateway.AnalyzeRequest{
		SessionID: sessionID,
		FileID:    fileID,
		Prompt:    prompt,
		SheetName: in.SheetName,
	})
	if err != nil {
		return gateway.AnalysisResponse{}, o.fail(state.KindAnalyze, map[string]any{
			"prompt":  prompt,
			"file_id": fileID,
		}, err)
	}

	o.succeed(state.KindAnalyze, map[string]any{
		"prompt":  prompt,
		"code":    resp.Code,
		"file_id": fileID,
	})

	a := state.Analysis{Seq: seq, Prompt: prompt, Response: resp}
	if !o.store.SetAnalysis(fileID, a) {
		o.logger.Debug("discarding superseded analysis", "file_id", fileID, "seq", seq)
		return resp, nil
	}
	if o.durable != nil {
		if err := o.durable.SaveLastAnalysis(state.SavedAnalysis{FileID: fileID, Analysis: a}); err != nil {
			o.logger.Warn("saving last analysis failed", "error", err)
		}
	}
	return resp, nil
}

// ExecuteInput identifies code to run against a file. Empty IDs default to
// the store's current session and file.
type ExecuteInput struct {
	SessionID string
	FileID    string
	Code      string
	Confirm   bool
}

func (o *Orchestrator) executeRequest(in ExecuteInput) (gateway.ExecuteRequest, error) {
	code := strings.TrimSpace(in.Code)
	if code == "" {
		return gateway.ExecuteRequest{}, o.reject(invalid("code", "No code to run"))
	}
	sessionID, fileID, err := o.target(in.SessionID, in.FileID)
	if err != nil {
		return gateway.ExecuteRequest{}, o.reject(err)
	}
	return gateway.ExecuteRequest{SessionID: sessionID, FileID: fileID, Code: code, Confirm: in.Confirm}, nil
}

// LatestCode returns the code of the latest accepted analysis for fileID,
// or for the current file when fileID is empty.
func (o *Orchestrator) LatestCode(fileID string) string {
	if fileID == "" {
		if f := o.store.CurrentFile(); f != nil {
			fileID = f.ID
		}
	}
	if a, ok := o.store.Analysis(fileID); ok {
		return a.Response.Code
	}
	return ""
}

// Preview dry-runs code and returns before/after samples without changing the file.
func (o *Orchestrator) Preview(ctx context.Context, in ExecuteInput) (gateway.ExecutionResponse, error) {
	return o.run(ctx, state.KindPreview, o.gw.Preview, in)
}

// Execute runs code and stores the result as the file's modified version.
func (o *Orchestrator) Execute(ctx context.Context, in ExecuteInput) (gateway.ExecutionResponse, error) {
	in.Confirm = true
	return o.run(ctx, state.KindExecute, o.gw.Execute, in)
}

func (o *Orchestrator) run(ctx context.Context, kind state.OperationKind,
	call func(context.Context, gateway.ExecuteRequest) (gateway.ExecutionResponse, error), in ExecuteInput) (gateway.ExecutionResponse, error) {
	req, err := o.executeRequest(in)
	if err != nil {
		return gateway.ExecutionResponse{}, err
	}

	release := o.store.BeginLoading()
	defer release()
	o.store.ClearError()

	resp, err := call(ctx, req)
	if err != nil {
		return gateway.ExecutionResponse{}, o.fail(kind, map[string]any{
			"file_id": req.FileID,
			"code":    req.Code,
		}, err)
	}

	o.succeed(kind, map[string]any{
		"file_id":     req.FileID,
		"code":        req.Code,
		"rows_before": resp.RowsBefore,
		"rows_after":  resp.RowsAfter,
		"changes":     resp.Changes,
	})
	return resp, nil
}

// Revert drops the modified version of a file.
func (o *Orchestrator) Revert(ctx context.Context, sessionID, fileID string) error {
	sessionID, fileID, err := o.target(sessionID, fileID)
	if err != nil {
		return o.reject(err)
	}

	release := o.store.BeginLoading()
	defer release()
	o.store.ClearError()

	payload := map[string]any{"file_id": fileID}
	if err := o.gw.Revert(ctx, sessionID, fileID); err != nil {
		return o.fail(state.KindRevert, payload, err)
	}
	o.succeed(state.KindRevert, payload)
	return nil
}

// ListFiles returns the files the backend holds for a session.
func (o *Orchestrator) ListFiles(ctx context.Context, sessionID string) ([]gateway.SessionFile, error) {
	if sessionID == "" {
		sessionID = o.store.SessionID()
	}
	if sessionID == "" {
		return nil, o.reject(invalid("session_id", "No active session"))
	}

	release := o.store.BeginLoading()
	defer release()

	files, err := o.gw.ListFiles(ctx, sessionID)
	if err != nil {
		o.store.SetError(Message(err))
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return files, nil
}

// Health checks that the backend is reachable.
func (o *Orchestrator) Health(ctx context.Context) (gateway.Health, error) {
	return o.gw.Health(ctx)
}

var suggestions = []string{
	"Filter rows where status is Active",
	"Remove duplicate rows",
	"Sort by date in descending order",
	"Add a column with the total of price times quantity",
	"Fill empty cells in the amount column with 0",
	"Group by region and sum the sales",
	"Delete rows where amount is less than 100",
	"Rename the column cust_name to Customer Name",
}

// Suggestions returns example prompts offered to users.
func Suggestions() []string {
	out := make([]string, len(suggestions))
	copy(out, suggestions)
	return out
}
