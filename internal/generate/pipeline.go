package generate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/eidos/internal/storage"
)

// ErrNotOwner is returned when a caller asks about a request enqueued by
// a different owner.
var ErrNotOwner = errors.New("request belongs to a different owner")

// PipelineStore is the persistence surface of the enqueue side.
type PipelineStore interface {
	CreateGenerationRequest(r storage.GenerationRequest) error
	GetGenerationRequest(id string) (storage.GenerationRequest, error)
}

// Pipeline is the enqueue side of the generation state machine. Enqueue
// returns as soon as the row is persisted; the worker resolves it later.
// A failed request is never retried in place: callers enqueue a fresh
// request, so a retry can never silently double provider cost.
type Pipeline struct {
	store  PipelineStore
	logger *slog.Logger
}

// NewPipeline builds a Pipeline. A nil logger discards log output.
func NewPipeline(store PipelineStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{store: store, logger: logger}
}

// EnqueueQuiz persists a quiz-generation request and returns its id.
func (p *Pipeline) EnqueueQuiz(ownerID string, payload QuizPayload) (string, error) {
	return p.enqueue(ownerID, storage.KindQuizGeneration, payload)
}

// EnqueueExtraction persists a content-extraction request and returns its id.
func (p *Pipeline) EnqueueExtraction(ownerID string, payload ExtractionPayload) (string, error) {
	return p.enqueue(ownerID, storage.KindContentExtraction, payload)
}

func (p *Pipeline) enqueue(ownerID string, kind storage.RequestKind, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}

	id := uuid.NewString()
	req := storage.GenerationRequest{
		ID:          id,
		OwnerID:     ownerID,
		Kind:        kind,
		PayloadJSON: string(raw),
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.store.CreateGenerationRequest(req); err != nil {
		return "", fmt.Errorf("persisting request: %w", err)
	}

	p.logger.Info("generation request enqueued", "request_id", id, "kind", string(kind), "owner", ownerID)
	return id, nil
}

// Status loads a request for its owner. Returns storage.ErrNotFound for an
// unknown id and ErrNotOwner when the caller does not own the request.
func (p *Pipeline) Status(ownerID, requestID string) (storage.GenerationRequest, error) {
	req, err := p.store.GetGenerationRequest(requestID)
	if err != nil {
		return storage.GenerationRequest{}, err
	}
	if req.OwnerID != ownerID {
		return storage.GenerationRequest{}, ErrNotOwner
	}
	return req, nil
}
