// Package gateway is the only component that talks to the Excel Copilot
// backend. Each backend capability is one typed method; failures surface as
// *NetworkError or *APIError. There are no retries and no caching.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds every backend call.
const DefaultTimeout = 60 * time.Second

// Client communicates with the backend REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting baseURL. A non-positive timeout uses DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BaseURL returns the backend address this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// envelope holds the fields every JSON response may carry.
type envelope struct {
	Success *bool           `json:"success"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// errorText extracts a backend error message from a JSON body. The backend
// uses {"error": "..."}; the local API uses {"error": {"message": "..."}}.
func errorText(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	if len(env.Error) > 0 {
		var s string
		if err := json.Unmarshal(env.Error, &s); err == nil {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
	}
	return env.Message
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// send executes req and returns the fully read body of a successful response.
func (c *Client) send(op string, req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &NetworkError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &APIError{
			Op:      op,
			Status:  resp.StatusCode,
			Message: errorText(data),
			Body:    string(data),
		}
	}
	return resp, data, nil
}

// doJSON sends a JSON request and decodes the JSON response into out.
// A 2xx body with success=false is reported as an *APIError.
func (c *Client) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, data, err := c.send(op, req)
	if err != nil {
		return err
	}
	return decodeBody(op, resp.StatusCode, data, out)
}

// invalidResponse reports a 2xx response whose body does not have the expected shape.
func invalidResponse(op string, status int, data []byte) *APIError {
	return &APIError{Op: op, Status: status, Message: InvalidResponseMessage, Body: string(data)}
}

func decodeBody(op string, status int, data []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return invalidResponse(op, status, data)
	}
	if env.Success != nil && !*env.Success {
		msg := errorText(data)
		if msg == "" {
			msg = "request was not successful"
		}
		return &APIError{Op: op, Status: status, Message: msg, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return invalidResponse(op, status, data)
	}
	return nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.doJSON(ctx, "health", http.MethodGet, "/health", nil, &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

// CreateSession asks the backend for a new session and returns its identifier.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var result struct {
		SessionID string `json:"session_id"`
	}
	const op = "create session"
	req, err := c.newRequest(ctx, http.MethodPost, "/api/session/create", nil)
	if err != nil {
		return "", err
	}
	resp, data, err := c.send(op, req)
	if err != nil {
		return "", err
	}
	if err := decodeBody(op, resp.StatusCode, data, &result); err != nil {
		return "", err
	}
	if result.SessionID == "" {
		return "", invalidResponse(op, resp.StatusCode, data)
	}
	return result.SessionID, nil
}

// GetSession fetches the full record for id.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var result struct {
		Session *wireSession `json:"session"`
	}
	if err := c.doJSON(ctx, "get session", http.MethodGet, "/api/session/"+url.PathEscape(id), nil, &result); err != nil {
		return Session{}, err
	}
	if result.Session == nil {
		return Session{}, &APIError{Op: "get session", Status: http.StatusNotFound, Message: "Session not found"}
	}
	return result.Session.toSession(id), nil
}

// Analyze asks the backend to turn a prompt into code for a file.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (AnalysisResponse, error) {
	var result AnalysisResponse
	if err := c.doJSON(ctx, "analyze", http.MethodPost, "/api/analyze", req, &result); err != nil {
		return AnalysisResponse{}, err
	}
	return result, nil
}

// Preview runs code against the file without saving the result.
func (c *Client) Preview(ctx context.Context, req ExecuteRequest) (ExecutionResponse, error) {
	var result ExecutionResponse
	if err := c.doJSON(ctx, "preview", http.MethodPost, "/api/execute/preview", req, &result); err != nil {
		return ExecutionResponse{}, err
	}
	return result, nil
}

// Execute runs code against the file and stores the modified version.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecutionResponse, error) {
	var result ExecutionResponse
	if err := c.doJSON(ctx, "execute", http.MethodPost, "/api/execute", req, &result); err != nil {
		return ExecutionResponse{}, err
	}
	return result, nil
}

// ListFiles returns the files tracked by a session.
func (c *Client) ListFiles(ctx context.Context, sessionID string) ([]SessionFile, error) {
	var result struct {
		Files []SessionFile `json:"files"`
	}
	path := "/api/download/session/" + url.PathEscape(sessionID) + "/files"
	if err := c.doJSON(ctx, "list files", http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	if result.Files == nil {
		return []SessionFile{}, nil
	}
	return result.Files, nil
}

// Revert drops the modified version of a file so downloads return the original.
func (c *Client) Revert(ctx context.Context, sessionID, fileID string) error {
	body := map[string]string{"session_id": sessionID}
	path := "/api/download/" + url.PathEscape(fileID) + "/revert"
	return c.doJSON(ctx, "revert", http.MethodPost, path, body, nil)
}

// Download fetches a binary copy of a file. The version is passed through
// unvalidated; the backend rejects unknown versions.
func (c *Client) Download(ctx context.Context, fileID, sessionID string, version Version) (*Download, error) {
	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("version", string(version))
	path := "/api/download/" + url.PathEscape(fileID) + "?" + q.Encode()

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")

	resp, data, err := c.send("download", req)
	if err != nil {
		return nil, err
	}

	d := &Download{
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		d.Filename = params["filename"]
	}
	if d.Filename == "" {
		d.Filename = fmt.Sprintf("%s_%s.xlsx", version, fileID)
	}
	return d, nil
}
