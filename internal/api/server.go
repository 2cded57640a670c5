package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/kalambet/xlcopilot/internal/gateway"
	"github.com/kalambet/xlcopilot/internal/orchestrator"
	"github.com/kalambet/xlcopilot/internal/session"
	"github.com/kalambet/xlcopilot/internal/state"
)

const maxJSONBodySize = 1 << 20 // 1MB

// Sessions is the session lifecycle as seen by the API layer.
type Sessions interface {
	Bootstrap(ctx context.Context) (gateway.Session, error)
	Clear() error
	State() session.State
}

type AppDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Sessions     Sessions
	Store        *state.Store
	Hub          *Hub
	Token        string
	// MaxUploadMB bounds multipart request bodies. Zero means the
	// orchestrator's default.
	MaxUploadMB int
	// AllowedOrigins lists CORS origins. Empty allows any origin.
	AllowedOrigins []string
}

// NewAppHandler returns the local HTTP API. Everything except /health
// requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/state", handleState(deps))
		r.Post("/session", handleBootstrap(deps))
		r.Delete("/session", handleClearSession(deps))
		r.Get("/files", handleListFiles(deps))
		r.Post("/upload", handleUpload(deps))
		r.Post("/analyze", handleAnalyze(deps))
		r.Post("/preview", handleRun(deps, false))
		r.Post("/execute", handleRun(deps, true))
		r.Get("/download/{file_id}", handleDownload(deps))
		r.Post("/revert/{file_id}", handleRevert(deps))
		r.Get("/history", handleHistory(deps))
		r.Put("/theme", handleTheme(deps))
		r.Get("/suggestions", handleSuggestions())
		if deps.Hub != nil {
			r.Get("/events", deps.Hub.HandleWS)
		}
	})

	return r
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":        "ok",
			"session_state": deps.Sessions.State(),
		}
		backend, err := deps.Orchestrator.Health(r.Context())
		if err != nil {
			resp["backend_error"] = orchestrator.Message(err)
		} else {
			resp["backend"] = backend
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type stateResponse struct {
	state.View
	SessionState session.State `json:"session_state"`
}

func handleState(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, stateResponse{View: deps.Store.View(), SessionState: deps.Sessions.State()})
	}
}

func handleBootstrap(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Sessions.Bootstrap(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "session_error", "%s", deps.Store.Error())
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func handleClearSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Sessions.Clear(); err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListFiles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := deps.Orchestrator.ListFiles(r.Context(), r.URL.Query().Get("session_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if files == nil {
			files = []gateway.SessionFile{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"files": files})
	}
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxMB := deps.MaxUploadMB
		if maxMB <= 0 {
			maxMB = orchestrator.DefaultMaxUploadMB
		}
		// Leave headroom for multipart framing; the orchestrator enforces the exact limit.
		r.Body = http.MaxBytesReader(w, r.Body, int64(maxMB+1)<<20)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(8 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "validation_error", "File is too large. Maximum size is %d MB", maxMB)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "No file selected")
			return
		}
		defer file.Close()

		f, err := deps.Orchestrator.Upload(r.Context(), orchestrator.UploadInput{
			SessionID: r.FormValue("session_id"),
			File: gateway.UploadFile{
				Name:        header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Data:        file,
			},
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	}
}

type analyzeBody struct {
	SessionID string `json:"session_id"`
	FileID    string `json:"file_id"`
	Prompt    string `json:"prompt"`
	SheetName string `json:"sheet_name"`
}

func handleAnalyze(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body analyzeBody
		if !decodeBody(w, r, &body) {
			return
		}
		resp, err := deps.Orchestrator.Analyze(r.Context(), orchestrator.AnalyzeInput{
			SessionID: body.SessionID,
			FileID:    body.FileID,
			Prompt:    body.Prompt,
			SheetName: body.SheetName,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type runBody struct {
	SessionID string `json:"session_id"`
	FileID    string `json:"file_id"`
	Code      string `json:"code"`
}

// handleRun serves /preview and /execute. An empty code field falls back to
// the current analysis of the target file.
func handleRun(deps AppDeps, execute bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body runBody
		if !decodeBody(w, r, &body) {
			return
		}
		if strings.TrimSpace(body.Code) == "" {
			body.Code = deps.Orchestrator.LatestCode(body.FileID)
		}
		in := orchestrator.ExecuteInput{SessionID: body.SessionID, FileID: body.FileID, Code: body.Code}

		var (
			resp gateway.ExecutionResponse
			err  error
		)
		if execute {
			resp, err = deps.Orchestrator.Execute(r.Context(), in)
		} else {
			resp, err = deps.Orchestrator.Preview(r.Context(), in)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleDownload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID := chi.URLParam(r, "file_id")
		version := gateway.Version(r.URL.Query().Get("version"))

		d, err := deps.Orchestrator.Download(r.Context(), r.URL.Query().Get("session_id"), fileID, version)
		if err != nil {
			writeError(w, err)
			return
		}

		contentType := d.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Filename))
		w.Header().Set("Content-Length", fmt.Sprint(len(d.Data)))
		w.WriteHeader(http.StatusOK)
		w.Write(d.Data)
	}
}

func handleRevert(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID := chi.URLParam(r, "file_id")
		if err := deps.Orchestrator.Revert(r.Context(), r.URL.Query().Get("session_id"), fileID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "file_id": fileID})
	}
}

func handleHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"operations": deps.Store.Operations()})
	}
}

type themeBody struct {
	DarkMode *bool `json:"dark_mode"`
}

// handleTheme sets the theme flag, or toggles it when dark_mode is omitted.
func handleTheme(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		defer r.Body.Close()

		var body themeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		var on bool
		if body.DarkMode == nil {
			on = deps.Store.ToggleDarkMode()
		} else {
			on = *body.DarkMode
			deps.Store.SetDarkMode(on)
		}
		writeJSON(w, http.StatusOK, map[string]any{"dark_mode": on})
	}
}

func handleSuggestions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": orchestrator.Suggestions()})
	}
}
