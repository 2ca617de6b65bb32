package handler

import (
	"encoding/json"
	"net/http"

	"github.com/roadwatch/dispatch-server-go/internal/dispatch"
	apperrors "github.com/roadwatch/dispatch-server-go/internal/errors"
	"github.com/roadwatch/dispatch-server-go/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.ValidationError("Invalid JSON body").WithCause(err)
	}
	return nil
}

// writeDispatchResult reports partial persistence failure as 207 with the
// full result, so callers see which users were reached and which were not.
func writeDispatchResult(w http.ResponseWriter, result *dispatch.Result, err error) {
	if result == nil {
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusOK
	body := map[string]any{"result": result}
	if err != nil {
		status = http.StatusMultiStatus
		if appErr, ok := apperrors.AsAppError(err); ok {
			body["error"] = httputil.ErrorResponse{Error: appErr.Message, Code: appErr.Code, Details: appErr.Details}
		}
	}
	writeJSON(w, status, body)
}
