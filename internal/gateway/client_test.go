package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"status":"alive","message":"Excel Copilot API is running","version":"1.0.0-beta"}`))
	}))
	defer srv.Close()

	h, err := New(srv.URL, 0).Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "alive" {
		t.Errorf("Status = %q, want alive", h.Status)
	}
	if h.Version != "1.0.0-beta" {
		t.Errorf("Version = %q, want 1.0.0-beta", h.Version)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /api/session/create":
			w.Write([]byte(`{"session_id":"sess-42"}`))
		case "GET /api/session/sess-42":
			w.Write([]byte(`{"session":{
				"user_id":"default",
				"created_at":"2025-02-03T10:11:12.123456",
				"files":{"f2":{"filename":"b.xlsx"},"f1":{"filename":"a.xlsx"}},
				"operations":[{"type":"analyze","file_id":"f1","timestamp":"2025-02-03T10:12:00","prompt":"sum"}]
			}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	id, err := c.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id != "sess-42" {
		t.Fatalf("id = %q, want sess-42", id)
	}

	s, err := c.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s.ID != "sess-42" {
		t.Errorf("ID = %q, want sess-42", s.ID)
	}
	if s.UserID != "default" {
		t.Errorf("UserID = %q, want default", s.UserID)
	}
	if s.CreatedAt.Year() != 2025 || s.CreatedAt.Second() != 12 {
		t.Errorf("CreatedAt = %v", s.CreatedAt)
	}
	if len(s.FileIDs) != 2 || s.FileIDs[0] != "f1" || s.FileIDs[1] != "f2" {
		t.Errorf("FileIDs = %v, want [f1 f2]", s.FileIDs)
	}
	if len(s.Operations) != 1 {
		t.Fatalf("got %d operations, want 1", len(s.Operations))
	}
	op := s.Operations[0]
	if op.Type != "analyze" || op.FileID != "f1" {
		t.Errorf("operation = %+v", op)
	}
	if op.Details["prompt"] != "sum" {
		t.Errorf("Details[prompt] = %v, want sum", op.Details["prompt"])
	}
}

func TestGetSession_NotFoundIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":"Session not found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).GetSession(context.Background(), "gone")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v (%T), want *APIError", err, err)
	}
	if !apiErr.NotFound() {
		t.Errorf("Status = %d, want 404", apiErr.Status)
	}
	if apiErr.Message != "Session not found" {
		t.Errorf("Message = %q, want %q", apiErr.Message, "Session not found")
	}
	if got := UserMessage(err); got != "Session not found" {
		t.Errorf("UserMessage = %q", got)
	}
}

func TestAnalyze_SendsRequestAndDecodes(t *testing.T) {
	var captured AnalyzeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/analyze" {
			http.NotFound(w, r)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"success":true,"code":"df[df.status=='Active']","explanation":"Keeps active rows",
			"risks":["drops rows"],"estimated_rows_affected":12,"code_valid":true,"is_safe":true}`))
	}))
	defer srv.Close()

	resp, err := New(srv.URL, 0).Analyze(context.Background(), AnalyzeRequest{
		SessionID: "s1",
		FileID:    "f1",
		Prompt:    "Filter rows where status is Active",
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if captured.SessionID != "s1" || captured.FileID != "f1" || captured.Prompt != "Filter rows where status is Active" {
		t.Errorf("request body = %+v", captured)
	}
	if resp.Code != "df[df.status=='Active']" {
		t.Errorf("Code = %q", resp.Code)
	}
	if len(resp.Risks) != 1 || resp.Risks[0] != "drops rows" {
		t.Errorf("Risks = %v", resp.Risks)
	}
	if resp.CodeValid == nil || !*resp.CodeValid {
		t.Errorf("CodeValid = %v, want true", resp.CodeValid)
	}
}

func TestAnalyze_SuccessFalseIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error":"Could not understand prompt"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).Analyze(context.Background(), AnalyzeRequest{SessionID: "s", FileID: "f", Prompt: "?"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v (%T), want *APIError", err, err)
	}
	if apiErr.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", apiErr.Status)
	}
	if apiErr.Message != "Could not understand prompt" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestConnectionRefusedIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := New(srv.URL, 0).CreateSession(context.Background())
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("error = %v (%T), want *NetworkError", err, err)
	}
	if netErr.Op != "create session" {
		t.Errorf("Op = %q", netErr.Op)
	}
}

func TestTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(srv.URL, 50*time.Millisecond).Health(context.Background())
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("error = %v (%T), want *NetworkError", err, err)
	}
}

func TestExecuteAndPreview(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var req ExecuteRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Code != "df = df.head(2)" {
			t.Errorf("code = %q", req.Code)
		}
		w.Write([]byte(`{"success":true,"rows_before":10,"rows_after":2,"columns_before":3,"columns_after":3,
			"changes":"Rows: 10 -> 2","preview_data":{"Sheet1":[{"a":1},{"a":2}]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	req := ExecuteRequest{SessionID: "s", FileID: "f", Code: "df = df.head(2)"}

	prev, err := c.Preview(context.Background(), req)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if prev.RowsBefore != 10 || prev.RowsAfter != 2 {
		t.Errorf("rows = %d -> %d", prev.RowsBefore, prev.RowsAfter)
	}
	if len(prev.PreviewData["Sheet1"]) != 2 {
		t.Errorf("preview rows = %d, want 2", len(prev.PreviewData["Sheet1"]))
	}

	if _, err := c.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []string{"/api/execute/preview", "/api/execute"}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("paths = %v, want %v", paths, want)
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/download/f1" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("session_id"); got != "s1" {
			t.Errorf("session_id = %q", got)
		}
		if got := r.URL.Query().Get("version"); got != "modified" {
			t.Errorf("version = %q", got)
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="modified_report.xlsx"`)
		w.Write([]byte("PK\x03\x04binary"))
	}))
	defer srv.Close()

	d, err := New(srv.URL, 0).Download(context.Background(), "f1", "s1", VersionModified)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if d.Filename != "modified_report.xlsx" {
		t.Errorf("Filename = %q", d.Filename)
	}
	if string(d.Data) != "PK\x03\x04binary" {
		t.Errorf("Data = %q", d.Data)
	}
}

func TestDownload_UnknownVersionRejectedByBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"error":"version must be 'original' or 'modified'"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).Download(context.Background(), "f1", "s1", Version("latest"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v (%T), want *APIError", err, err)
	}
	if apiErr.Status != http.StatusBadRequest {
		t.Errorf("Status = %d", apiErr.Status)
	}
}

func TestListFilesAndRevert(t *testing.T) {
	var revertBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "GET /api/download/session/s1/files":
			w.Write([]byte(`{"success":true,"session_id":"s1","files":[
				{"file_id":"f1","filename":"a.xlsx","has_modified":true,"versions":["original","modified"]}]}`))
		case "POST /api/download/f1/revert":
			json.NewDecoder(r.Body).Decode(&revertBody)
			w.Write([]byte(`{"success":true,"message":"Reverted to original"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	files, err := c.ListFiles(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].FileID != "f1" || !files[0].HasModified {
		t.Errorf("files = %+v", files)
	}

	if err := c.Revert(context.Background(), "s1", "f1"); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if revertBody["session_id"] != "s1" {
		t.Errorf("revert body = %v", revertBody)
	}
}

func TestUpload_MultipartAndProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got := r.FormValue("session_id"); got != "s1" {
			t.Errorf("session_id = %q", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "sales.xlsx" || len(data) != 64*1024 {
			t.Errorf("file = %s (%d bytes)", hdr.Filename, len(data))
		}
		w.Write([]byte(`{"success":true,"file_id":"f9","filename":"sales.xlsx",
			"metadata":{"total_rows":3,"total_columns":2,"sheet_names":["Sheet1"],"columns":["a","b"],
			"preview_data":[{"a":1,"b":"x"}]}}`))
	}))
	defer srv.Close()

	var progress []int
	resp, err := New(srv.URL, 0).Upload(context.Background(), "s1", UploadFile{
		Name:        "sales.xlsx",
		ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		Data:        strings.NewReader(strings.Repeat("x", 64*1024)),
	}, func(p int) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if resp.FileID != "f9" || resp.Metadata.TotalRows != 3 {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Metadata.PreviewData) != 1 {
		t.Errorf("preview rows = %d, want 1", len(resp.Metadata.PreviewData))
	}

	if len(progress) == 0 {
		t.Fatal("no progress reported")
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] <= progress[i-1] {
			t.Fatalf("progress not increasing: %v", progress)
		}
	}
	if last := progress[len(progress)-1]; last != 100 {
		t.Errorf("final progress = %d, want 100", last)
	}
}

func TestProgressReader_RoundsAndNeverDecreases(t *testing.T) {
	var got []int
	pr := &progressReader{total: 3, onProgress: func(p int) { got = append(got, p) }}
	pr.advance(1)
	pr.advance(1)
	pr.advance(1)
	pr.finish()

	want := []int{33, 67, 100}
	if len(got) != len(want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("progress[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNonJSONSuccessBodyIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>proxy login</html>"))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Analyze(context.Background(), AnalyzeRequest{SessionID: "s", FileID: "f", Prompt: "p"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v (%T), want *APIError", err, err)
	}
	if apiErr.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", apiErr.Status)
	}
	if apiErr.Message != InvalidResponseMessage {
		t.Errorf("Message = %q, want %q", apiErr.Message, InvalidResponseMessage)
	}
	if !strings.Contains(apiErr.Body, "proxy login") {
		t.Errorf("Body = %q", apiErr.Body)
	}
}

func TestCreateSession_MissingIDIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).CreateSession(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v (%T), want *APIError", err, err)
	}
	if apiErr.Status != http.StatusCreated || apiErr.Message != InvalidResponseMessage {
		t.Errorf("APIError = %+v", apiErr)
	}
}
