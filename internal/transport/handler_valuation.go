package transport

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/front"
	"github.com/vnworks/vnflow/model"
)

// metadataHeaderPrefix marks submission headers that are stored as request
// metadata, e.g. X-Meta-Caller.
const metadataHeaderPrefix = "X-Meta-"

// ValuationHandler serves the submission and query endpoints.
type ValuationHandler struct {
	svc      *front.Service
	logger   *zap.Logger
	maxBytes int64
}

// NewValuationHandler builds the handler.
func NewValuationHandler(svc *front.Service, logger *zap.Logger, maxBytes int64) *ValuationHandler {
	return &ValuationHandler{svc: svc, logger: logger, maxBytes: maxBytes}
}

// HandleSubmit accepts a valuation request. POST /valuation?sync=Y|N with an
// XML body. Sync submissions block until the request finishes or the sync
// wait times out.
func (h *ValuationHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if base, _, ok := strings.Cut(ct, ";"); ok {
		ct = base
	}
	ct = strings.TrimSpace(ct)
	if ct != "application/xml" && ct != "text/xml" {
		WriteJSON(w, http.StatusUnsupportedMediaType,
			model.NewInvalidInputError("content type must be application/xml or text/xml"))
		return
	}

	sync, err := parseSyncFlag(r.URL.Query().Get("sync"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, h.logger, model.NewPayloadTooLargeError(h.maxBytes))
			return
		}
		WriteError(w, h.logger, model.NewInvalidInputError("unable to read request body"))
		return
	}
	if len(body) == 0 {
		WriteError(w, h.logger, model.NewInvalidInputError("request body is empty"))
		return
	}

	result, err := h.svc.Submit(r.Context(), front.SubmitRequest{
		XML:            string(body),
		Sync:           sync,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Metadata:       metadataFromHeaders(r.Header),
	})
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	switch result.Status {
	case model.StatusSucceeded:
		WriteXML(w, http.StatusOK, result.ResponseXML)
	case model.StatusFailed:
		body := map[string]any{
			"requestId": result.RequestID,
			"status":    result.Status,
		}
		if result.Failure != nil {
			body["failure"] = result.Failure
		}
		WriteJSON(w, http.StatusUnprocessableEntity, body)
	default:
		// accepted, or pending after a sync wait timed out.
		w.Header().Set("Location", "/valuation/"+result.RequestID+"/status")
		WriteJSON(w, http.StatusAccepted, map[string]string{
			"requestId": result.RequestID,
			"status":    result.Status,
		})
	}
}

// HandleStatus serves GET /valuation/{requestId}/status.
func (h *ValuationHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	view, err := h.svc.Status(r.Context(), requestID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// HandleResults serves GET /valuation/{requestId}/results.
func (h *ValuationHandler) HandleResults(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	xml, err := h.svc.Result(r.Context(), requestID)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteXML(w, http.StatusOK, xml)
}

func parseSyncFlag(raw string) (bool, error) {
	switch strings.ToUpper(raw) {
	case "", "N", "FALSE", "0":
		return false, nil
	case "Y", "TRUE", "1":
		return true, nil
	default:
		return false, model.NewInvalidInputError("sync must be Y or N")
	}
}

func metadataFromHeaders(headers http.Header) map[string]string {
	var meta map[string]string
	for name, values := range headers {
		if !strings.HasPrefix(name, metadataHeaderPrefix) || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		key := strings.ToLower(strings.TrimPrefix(name, metadataHeaderPrefix))
		meta[key] = values[0]
	}
	return meta
}
