package gateway

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Version selects which copy of an uploaded file to download.
type Version string

const (
	VersionOriginal Version = "original"
	VersionModified Version = "modified"
)

// Health mirrors GET /health.
type Health struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// ServerOperation is one entry of the backend's per-session operation log.
type ServerOperation struct {
	Type      string         `json:"type"`
	FileID    string         `json:"file_id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"-"`
}

func (o *ServerOperation) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.Type, _ = raw["type"].(string)
	o.FileID, _ = raw["file_id"].(string)
	o.Timestamp, _ = raw["timestamp"].(string)
	delete(raw, "type")
	delete(raw, "file_id")
	delete(raw, "timestamp")
	if len(raw) > 0 {
		o.Details = raw
	}
	return nil
}

// Session is the backend record for one client session.
type Session struct {
	ID         string            `json:"session_id"`
	UserID     string            `json:"user_id"`
	CreatedAt  time.Time         `json:"created_at"`
	FileIDs    []string          `json:"file_ids"`
	Operations []ServerOperation `json:"operations"`
}

// wireSession is the shape returned under "session" by GET /api/session/{id}.
// The backend keys files by id, so only the keys are kept.
type wireSession struct {
	ID         string                     `json:"session_id"`
	UserID     string                     `json:"user_id"`
	CreatedAt  string                     `json:"created_at"`
	Files      map[string]json.RawMessage `json:"files"`
	Operations []ServerOperation          `json:"operations"`
}

func (w wireSession) toSession(id string) Session {
	s := Session{
		ID:         w.ID,
		UserID:     w.UserID,
		CreatedAt:  parseTimestamp(w.CreatedAt),
		Operations: w.Operations,
	}
	if s.ID == "" {
		s.ID = id
	}
	for fileID := range w.Files {
		s.FileIDs = append(s.FileIDs, fileID)
	}
	sort.Strings(s.FileIDs)
	return s
}

// parseTimestamp accepts RFC 3339 and the zone-less ISO format the backend
// emits. Unparseable input yields the zero time.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// FileMetadata describes an uploaded workbook.
type FileMetadata struct {
	TotalRows    int              `json:"total_rows"`
	TotalColumns int              `json:"total_columns"`
	SheetNames   []string         `json:"sheet_names"`
	Columns      []string         `json:"columns"`
	PreviewData  []map[string]any `json:"preview_data"`
}

// UploadResponse mirrors POST /api/upload.
type UploadResponse struct {
	Success  bool         `json:"success"`
	FileID   string       `json:"file_id"`
	Filename string       `json:"filename"`
	Metadata FileMetadata `json:"metadata"`
}

// AnalyzeRequest is the JSON body for POST /api/analyze.
type AnalyzeRequest struct {
	SessionID string `json:"session_id"`
	FileID    string `json:"file_id"`
	Prompt    string `json:"prompt"`
	SheetName string `json:"sheet_name,omitempty"`
}

// AnalysisResponse mirrors POST /api/analyze.
type AnalysisResponse struct {
	Success               bool     `json:"success"`
	Code                  string   `json:"code"`
	Explanation           string   `json:"explanation"`
	Risks                 []string `json:"risks"`
	EstimatedRowsAffected any      `json:"estimated_rows_affected"`
	CodeSuggestions       []string `json:"code_suggestions,omitempty"`
	CodeValid             *bool    `json:"code_valid,omitempty"`
	CodeSyntaxError       string   `json:"code_syntax_error,omitempty"`
	IsSafe                *bool    `json:"is_safe,omitempty"`
	SafetyWarning         string   `json:"safety_warning,omitempty"`
}

// ExecuteRequest is the JSON body for the execute and preview endpoints.
type ExecuteRequest struct {
	SessionID string `json:"session_id"`
	FileID    string `json:"file_id"`
	Code      string `json:"code"`
	Confirm   bool   `json:"confirm,omitempty"`
}

// ExecutionResponse mirrors POST /api/execute and /api/execute/preview.
type ExecutionResponse struct {
	Success       bool                        `json:"success"`
	ExecutionID   string                      `json:"execution_id,omitempty"`
	RowsBefore    int                         `json:"rows_before"`
	RowsAfter     int                         `json:"rows_after"`
	ColumnsBefore int                         `json:"columns_before"`
	ColumnsAfter  int                         `json:"columns_after"`
	RowChange     int                         `json:"row_change"`
	ColumnChange  int                         `json:"column_change"`
	Changes       string                      `json:"changes"`
	SampleBefore  []map[string]any            `json:"sample_before,omitempty"`
	SampleAfter   []map[string]any            `json:"sample_after,omitempty"`
	PreviewData   map[string][]map[string]any `json:"preview_data,omitempty"`
}

// SessionFile is one entry of GET /api/download/session/{id}/files.
type SessionFile struct {
	FileID      string   `json:"file_id"`
	Filename    string   `json:"filename"`
	AddedAt     string   `json:"added_at"`
	SheetName   string   `json:"sheet_name"`
	HasModified bool     `json:"has_modified"`
	Versions    []string `json:"versions"`
}

// Download is a fetched file payload.
type Download struct {
	Filename    string
	ContentType string
	Data        []byte
}
