package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/xlcopilot/internal/config"
	"github.com/kalambet/xlcopilot/internal/state"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

type testBackend struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	tb := &testBackend{}

	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"status": "healthy", "version": "1.0.0"})
	})
	mux.HandleFunc("POST /api/session/create", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"session_id": "sess-1"})
	})
	mux.HandleFunc("GET /api/session/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "sess-1" {
			w.WriteHeader(http.StatusNotFound)
			reply(w, map[string]any{"error": "Session not found"})
			return
		}
		reply(w, map[string]any{"session": map[string]any{
			"session_id": "sess-1",
			"files":      map[string]any{"file-1": map[string]any{}},
			"operations": []any{},
		}})
	})
	mux.HandleFunc("POST /api/upload", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{
			"success":  true,
			"file_id":  "file-1",
			"filename": "sales.xlsx",
			"metadata": map[string]any{"total_rows": 120, "total_columns": 4, "sheet_names": []string{"Sheet1"}},
		})
	})
	mux.HandleFunc("POST /api/analyze", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{
			"success":     true,
			"code":        "df = df[df['status'] == 'Active']",
			"explanation": "Keeps active rows.",
			"risks":       []string{"Rows with other statuses are removed"},
		})
	})
	execResp := map[string]any{
		"success":       true,
		"rows_before":   120,
		"rows_after":    80,
		"sample_before": []map[string]any{{"name": "a", "status": "Active"}, {"name": "b", "status": "Closed"}},
		"sample_after":  []map[string]any{{"name": "a", "status": "Active"}},
	}
	mux.HandleFunc("POST /api/execute/preview", func(w http.ResponseWriter, r *http.Request) {
		reply(w, execResp)
	})
	mux.HandleFunc("POST /api/execute", func(w http.ResponseWriter, r *http.Request) {
		reply(w, execResp)
	})
	mux.HandleFunc("GET /api/download/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="`+r.URL.Query().Get("version")+`_sales.xlsx"`)
		w.Write([]byte("PK-workbook"))
	})

	tb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			json.NewDecoder(r.Body).Decode(&rec.Body)
		}
		tb.mu.Lock()
		tb.requests = append(tb.requests, rec)
		tb.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(tb.server.Close)
	return tb
}

func (tb *testBackend) find(method, path string) []recordedRequest {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	var out []recordedRequest
	for _, r := range tb.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// useTestConfig points the CLI at backend and a temporary data dir.
func useTestConfig(t *testing.T, backendURL string) config.Config {
	t.Helper()
	cfg := config.Config{
		API:     config.APIConfig{BaseURL: backendURL, Timeout: 5 * time.Second},
		Session: config.SessionConfig{RefreshInterval: time.Hour},
		Upload:  config.UploadConfig{MaxSizeMB: 50},
		Storage: config.StorageConfig{DataDir: t.TempDir()},
		Server:  config.ServerConfig{Port: 4100},
		Log:     config.LogConfig{Level: "error"},
	}
	prev := loadConfig
	loadConfig = func() (config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfig = prev })
	return cfg
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	if cmd, _, err := rootCmd.Find(args); err == nil {
		resetFlags(cmd)
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeWorkbook(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("PK-data"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWorkflowAcrossInvocations(t *testing.T) {
	tb := newTestBackend(t)
	useTestConfig(t, tb.server.URL)

	out, err := runCLI(t, "upload", writeWorkbook(t, "sales.xlsx"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.Contains(out, "sales.xlsx") || !strings.Contains(out, "120 rows") {
		t.Errorf("upload output = %q", out)
	}

	out, err = runCLI(t, "analyze", "Filter", "rows", "where", "status", "is", "Active")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !strings.Contains(out, "df = df[df['status'] == 'Active']") || !strings.Contains(out, "Rows with other statuses") {
		t.Errorf("analyze output = %q", out)
	}
	analyze := tb.find("POST", "/api/analyze")
	if len(analyze) != 1 {
		t.Fatalf("analyze requests = %d", len(analyze))
	}
	if analyze[0].Body["prompt"] != "Filter rows where status is Active" || analyze[0].Body["file_id"] != "file-1" {
		t.Errorf("analyze body = %v", analyze[0].Body)
	}

	// A new invocation picks up the code saved by analyze.
	out, err = runCLI(t, "preview")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	preview := tb.find("POST", "/api/execute/preview")
	if len(preview) != 1 || preview[0].Body["code"] != "df = df[df['status'] == 'Active']" {
		t.Fatalf("preview requests = %+v", preview)
	}
	if !strings.Contains(out, "120 → 80 (-40)") || !strings.Contains(out, "Closed") {
		t.Errorf("preview output = %q", out)
	}

	if _, err := runCLI(t, "execute", "--code", "df = df.head(5)"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	exec := tb.find("POST", "/api/execute")
	if len(exec) != 1 || exec[0].Body["code"] != "df = df.head(5)" || exec[0].Body["confirm"] != true {
		t.Fatalf("execute requests = %+v", exec)
	}

	// Only the first command created a session; later ones restored it.
	if n := len(tb.find("POST", "/api/session/create")); n != 1 {
		t.Errorf("session creates = %d, want 1", n)
	}

	out, err = runCLI(t, "history", "--json")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var ops []state.Operation
	if err := json.Unmarshal([]byte(out), &ops); err != nil {
		t.Fatalf("decoding history %q: %v", out, err)
	}
	want := []state.OperationKind{state.KindExecute, state.KindPreview, state.KindAnalyze, state.KindUpload}
	if len(ops) != len(want) {
		t.Fatalf("history = %+v", ops)
	}
	for i, k := range want {
		if ops[i].Kind != k {
			t.Errorf("history[%d] = %s, want %s", i, ops[i].Kind, k)
		}
	}
}

func TestUploadRejectsNonSpreadsheet(t *testing.T) {
	tb := newTestBackend(t)
	useTestConfig(t, tb.server.URL)

	_, err := runCLI(t, "upload", writeWorkbook(t, "report.pdf"))
	if err == nil || err.Error() != "Please upload a valid Excel file (.xlsx)" {
		t.Fatalf("err = %v", err)
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if len(tb.requests) != 0 {
		t.Errorf("backend received %d requests", len(tb.requests))
	}
}

func TestPreviewWithoutCode(t *testing.T) {
	tb := newTestBackend(t)
	useTestConfig(t, tb.server.URL)

	if _, err := runCLI(t, "upload", writeWorkbook(t, "sales.xlsx")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	_, err := runCLI(t, "preview")
	if err == nil || err.Error() != "No code to run" {
		t.Fatalf("err = %v", err)
	}
	if n := len(tb.find("POST", "/api/execute/preview")); n != 0 {
		t.Errorf("preview requests = %d", n)
	}
}

func TestDownloadAndList(t *testing.T) {
	tb := newTestBackend(t)
	useTestConfig(t, tb.server.URL)

	if _, err := runCLI(t, "upload", writeWorkbook(t, "sales.xlsx")); err != nil {
		t.Fatalf("upload: %v", err)
	}
	dir := t.TempDir()
	if _, err := runCLI(t, "download", "--version", "original", "--dir", dir); err != nil {
		t.Fatalf("download: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "original_sales.xlsx"))
	if err != nil {
		t.Fatalf("reading download: %v", err)
	}
	if string(data) != "PK-workbook" {
		t.Errorf("data = %q", data)
	}

	out, err := runCLI(t, "download", "list")
	if err != nil {
		t.Fatalf("download list: %v", err)
	}
	if !strings.Contains(out, "original_sales.xlsx") {
		t.Errorf("download list = %q", out)
	}
}

func TestThemePersists(t *testing.T) {
	tb := newTestBackend(t)
	useTestConfig(t, tb.server.URL)

	out, err := runCLI(t, "theme", "dark")
	if err != nil || !strings.Contains(out, "dark") {
		t.Fatalf("theme dark: %q, %v", out, err)
	}
	out, err = runCLI(t, "theme")
	if err != nil || !strings.Contains(out, "Theme: dark") {
		t.Fatalf("theme: %q, %v", out, err)
	}
	out, err = runCLI(t, "theme", "toggle")
	if err != nil || !strings.Contains(out, "Theme: light") {
		t.Fatalf("theme toggle: %q, %v", out, err)
	}
	if _, err := runCLI(t, "theme", "purple"); err == nil {
		t.Error("expected error for unknown theme")
	}
}

func TestSessionClearStartsNewSession(t *testing.T) {
	tb := newTestBackend(t)
	useTestConfig(t, tb.server.URL)

	out, err := runCLI(t, "session", "show")
	if err != nil || !strings.Contains(out, "sess-1") {
		t.Fatalf("session show: %q, %v", out, err)
	}
	if _, err := runCLI(t, "session", "clear"); err != nil {
		t.Fatalf("session clear: %v", err)
	}
	if _, err := runCLI(t, "session", "show"); err != nil {
		t.Fatalf("session show: %v", err)
	}
	if n := len(tb.find("POST", "/api/session/create")); n != 2 {
		t.Errorf("session creates = %d, want 2", n)
	}
}

func TestHealthUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	useTestConfig(t, url)

	if _, err := runCLI(t, "health"); err == nil {
		t.Fatal("expected error for unreachable backend")
	}
}

func TestConfigShow(t *testing.T) {
	useTestConfig(t, "http://backend.test")

	out, err := runCLI(t, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	for _, k := range config.ValidKeys() {
		if !strings.Contains(out, k) {
			t.Errorf("config show missing %s", k)
		}
	}
	if !strings.Contains(out, "http://backend.test") {
		t.Errorf("config show = %q", out)
	}
}

func TestRenderTable(t *testing.T) {
	noColor = true
	var buf bytes.Buffer
	renderTable(&buf, []map[string]any{
		{"name": "alpha", "qty": 3},
		{"name": strings.Repeat("x", 40), "note": nil},
		{"name": "gamma", "qty": 1},
	}, 2)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("lines = %q", lines)
	}
	if fields := strings.Fields(lines[0]); strings.Join(fields, ",") != "name,qty,note" {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[3], "…") || strings.Contains(lines[3], strings.Repeat("x", 30)) {
		t.Errorf("long cell not truncated: %q", lines[3])
	}
	if !strings.Contains(lines[4], "1 more rows") {
		t.Errorf("footer = %q", lines[4])
	}
}

func TestDecodeJSONErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid or missing bearer token","type":"authentication_error"}}`))
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, token: "wrong", httpClient: srv.Client()}
	var v any
	err := c.getJSON(t.Context(), "/state", &v)
	if err == nil || err.Error() != "daemon returned 401: invalid or missing bearer token" {
		t.Errorf("err = %v", err)
	}
}
