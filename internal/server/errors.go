package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/eunmann/s3-size-history/pkg/history"
	"github.com/eunmann/s3-size-history/pkg/ledger"
	"github.com/eunmann/s3-size-history/pkg/orchestrator"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Stage  string `json:"stage,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// statusFor maps an orchestration failure kind to an HTTP status.
func statusFor(kind orchestrator.Kind) int {
	switch kind {
	case orchestrator.KindNoHistory:
		return http.StatusNotFound
	case orchestrator.KindInvalidRange, orchestrator.KindInvalidRequest:
		return http.StatusBadRequest
	case orchestrator.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeOrchestrationError(w http.ResponseWriter, err error) {
	var oe *orchestrator.OrchestrationError
	if !errors.As(err, &oe) {
		writeError(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeError(w, statusFor(oe.Kind), errorBody{
		Error:  oe.Error(),
		Stage:  string(oe.Stage),
		Kind:   string(oe.Kind),
		Reason: oe.Reason,
	})
}

// writeBodyError reports a failed request body read: 413 when the body
// exceeds the size cap, 400 otherwise.
func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error(), Kind: "body_too_large"})
		return
	}
	writeError(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "bad_body"})
}

func writeHistoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, errorBody{Error: err.Error(), Kind: string(orchestrator.KindNoHistory)})
	case errors.Is(err, history.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: string(orchestrator.KindInvalidRange)})
	case errors.Is(err, ledger.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Kind: "ledger_unavailable"})
	default:
		writeError(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
