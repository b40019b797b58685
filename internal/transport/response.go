// Package transport exposes the pipeline over HTTP: submission, status and
// result queries, plus the operational endpoints.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/vnworks/vnflow/model"
)

// WriteJSON writes a JSON response body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteXML writes an XML response body with the given status code.
func WriteXML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// WriteError maps an error to its HTTP status and writes the error envelope.
// Unrecognized errors become an opaque INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		logger.Error("unhandled error", zap.Error(err))
		env = model.NewInternalError()
	}
	WriteJSON(w, statusForCode(env.Code), env)
}

func statusForCode(code string) int {
	switch code {
	case model.ErrInvalidInput:
		return http.StatusBadRequest
	case model.ErrPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.ErrNotFound, model.ErrNotReady:
		return http.StatusNotFound
	case model.ErrGone:
		return http.StatusGone
	case model.ErrIdempotencyConflict:
		return http.StatusConflict
	case model.ErrTaskFailure, model.ErrRetryBudgetExhausted:
		return http.StatusUnprocessableEntity
	case model.ErrTimeout:
		return http.StatusGatewayTimeout
	case model.ErrDatastoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
