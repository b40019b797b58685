// Package front implements the synchronous edge of the pipeline: submission
// with optional idempotency and sync wait, the ingress consumer that hands
// accepted requests to the orchestrator, and the status/result queries.
package front

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnworks/vnflow/internal/config"
	"github.com/vnworks/vnflow/internal/datastore"
	"github.com/vnworks/vnflow/internal/observability"
	"github.com/vnworks/vnflow/internal/orchestrator"
	"github.com/vnworks/vnflow/model"
)

// Service accepts valuation submissions and answers queries about them.
type Service struct {
	store   *datastore.Store
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     config.PipelineConfig
}

// NewService builds the front service.
func NewService(store *datastore.Store, logger *zap.Logger, cfg config.PipelineConfig) *Service {
	return &Service{store: store, logger: logger, cfg: cfg}
}

// WithMetrics attaches metric instruments.
func (s *Service) WithMetrics(m *observability.Metrics) *Service {
	s.metrics = m
	return s
}

// SubmitRequest is one submission from the HTTP edge.
type SubmitRequest struct {
	XML            string
	Sync           bool
	IdempotencyKey string
	Metadata       map[string]string
}

// SubmitResult is the outcome of a submission. Status is "accepted" for
// async submissions, "pending" for sync waits that timed out, and the
// terminal request status otherwise.
type SubmitResult struct {
	RequestID   string
	Status      string
	ResponseXML string
	Failure     *model.FailureDetail
	Duplicate   bool
}

// Submit validates a payload, persists it, publishes the ingress envelope,
// and (for sync submissions) waits for the request to finish.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	mode := "async"
	if req.Sync {
		mode = "sync"
	}

	if err := orchestrator.ValidateWellFormed(req.XML); err != nil {
		s.recordSubmission(mode, "invalid")
		return SubmitResult{}, model.NewInvalidInputError(err.Error())
	}

	requestID := uuid.NewString()

	if req.IdempotencyKey != "" {
		existing, dup, err := s.claimIdempotencyKey(ctx, req.IdempotencyKey, requestID, req.XML)
		if err != nil {
			s.recordSubmission(mode, "conflict")
			return SubmitResult{}, err
		}
		if dup {
			s.recordSubmission(mode, "duplicate")
			return s.resumeExisting(ctx, existing, req.Sync)
		}
	}

	xmlKey := model.RequestXMLKey(requestID)
	if err := s.store.Set(ctx, xmlKey, req.XML, 0); err != nil {
		s.recordSubmission(mode, "error")
		return SubmitResult{}, model.NewDatastoreUnavailableError(err)
	}
	// The payload must be observable before the envelope announces it.
	if _, ok, err := s.store.Get(ctx, xmlKey); err != nil || !ok {
		s.recordSubmission(mode, "error")
		return SubmitResult{}, model.NewPayloadNotVisibleError(xmlKey)
	}

	metadataKey := ""
	if len(req.Metadata) > 0 {
		metadataKey = model.MetadataKey(requestID)
		fields := make(map[string]any, len(req.Metadata))
		for k, v := range req.Metadata {
			fields[k] = v
		}
		if err := s.store.HSet(ctx, metadataKey, fields); err != nil {
			s.recordSubmission(mode, "error")
			return SubmitResult{}, model.NewDatastoreUnavailableError(err)
		}
	}

	// For sync waits the lifecycle cursor is captured before the envelope is
	// published, so no event can slip past the tail read.
	lifecycleCursor := ""
	if req.Sync {
		cursor, err := s.store.LastID(ctx, model.LifecycleStream)
		if err != nil {
			s.recordSubmission(mode, "error")
			return SubmitResult{}, model.NewDatastoreUnavailableError(err)
		}
		lifecycleCursor = cursor
	}

	envelope := model.RequestEnvelope{
		RequestID:   requestID,
		XMLKey:      xmlKey,
		ResponseKey: model.ResponseKey(requestID),
		MetadataKey: metadataKey,
		SubmittedAt: time.Now(),
	}
	if _, err := s.store.Add(ctx, model.IngestStream, envelope.StreamValues()); err != nil {
		s.recordSubmission(mode, "error")
		return SubmitResult{}, model.NewDatastoreUnavailableError(err)
	}
	s.recordSubmission(mode, "accepted")
	s.logger.Info("submission accepted",
		zap.String("request_id", requestID), zap.String("mode", mode))

	if !req.Sync {
		return SubmitResult{RequestID: requestID, Status: model.StatusAccepted}, nil
	}
	return s.waitForCompletion(ctx, requestID, lifecycleCursor)
}

// claimIdempotencyKey reserves the key for this request. The second return is
// true when the key was already claimed with an identical payload; a claim
// with a different payload is an IDEMPOTENCY_CONFLICT error.
func (s *Service) claimIdempotencyKey(ctx context.Context, key, requestID, xml string) (string, bool, error) {
	sum := sha256.Sum256([]byte(xml))
	payloadHash := hex.EncodeToString(sum[:])

	idemKey := model.IdempotencyKey(key)
	claimed, err := s.store.SetNX(ctx, idemKey, requestID, s.cfg.RequestTTL)
	if err != nil {
		return "", false, model.NewDatastoreUnavailableError(err)
	}
	if claimed {
		if err := s.store.Set(ctx, model.IdempotencyHashKey(key), payloadHash, s.cfg.RequestTTL); err != nil {
			return "", false, model.NewDatastoreUnavailableError(err)
		}
		return "", false, nil
	}

	existing, ok, err := s.store.Get(ctx, idemKey)
	if err != nil {
		return "", false, model.NewDatastoreUnavailableError(err)
	}
	if !ok {
		// The claim expired between SETNX and GET; treat as a conflict
		// rather than racing for a fresh claim.
		return "", false, model.NewIdempotencyConflictError(key)
	}
	storedHash, _, err := s.store.Get(ctx, model.IdempotencyHashKey(key))
	if err != nil {
		return "", false, model.NewDatastoreUnavailableError(err)
	}
	if storedHash != payloadHash {
		return "", false, model.NewIdempotencyConflictError(key)
	}
	return existing, true, nil
}

// resumeExisting answers a duplicate submission: async gets the original
// request ID back, sync re-attaches to the original request's outcome.
func (s *Service) resumeExisting(ctx context.Context, requestID string, sync bool) (SubmitResult, error) {
	s.logger.Info("duplicate submission resumed", zap.String("request_id", requestID))
	if !sync {
		return SubmitResult{RequestID: requestID, Status: model.StatusAccepted, Duplicate: true}, nil
	}
	cursor, err := s.store.LastID(ctx, model.LifecycleStream)
	if err != nil {
		return SubmitResult{}, model.NewDatastoreUnavailableError(err)
	}
	result, err := s.waitForCompletion(ctx, requestID, cursor)
	result.Duplicate = true
	return result, err
}

func (s *Service) recordSubmission(mode, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSubmission(mode, outcome)
	}
}
