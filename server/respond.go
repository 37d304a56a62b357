package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"agora/fault"
)

type errorBody struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the typed fault code to an HTTP status. Untyped errors are
// logged and reported as a generic internal failure so internals never leak.
func writeError(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		slog.Error("unhandled internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code:   "INTERNAL",
			Reason: "internal error",
		})
		return
	}
	writeJSON(w, fault.HTTPStatus(fe.Code), errorBody{
		Code:   string(fe.Code),
		Reason: fe.Reason,
	})
}
