package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/xlcopilot/internal/gateway"
	"github.com/kalambet/xlcopilot/internal/orchestrator"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// statusFor maps an orchestrator error onto the local API's status code.
// Backend 4xx responses pass through; everything else upstream is a 502.
func statusFor(err error) int {
	switch orchestrator.KindOf(err) {
	case orchestrator.KindValidation:
		return http.StatusBadRequest
	case orchestrator.KindNetwork:
		return http.StatusBadGateway
	case orchestrator.KindAPI:
		var apiErr *gateway.APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			return apiErr.Status
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	kind := orchestrator.KindOf(err)
	if kind == orchestrator.KindNone || kind == orchestrator.KindUnknown {
		kind = "internal"
	}
	httpError(w, statusFor(err), string(kind)+"_error", "%s", orchestrator.Message(err))
}
