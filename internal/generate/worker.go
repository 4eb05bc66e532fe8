package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mkravets/eidos/internal/storage"
)

// shutdownFailure is recorded on a claimed request the worker cannot finish
// because the process is stopping. The request stays visible as Failed
// instead of sitting in Generating forever.
const shutdownFailure = "generation interrupted by worker shutdown"

// Provider is the external generation capability.
type Provider interface {
	GenerateQuiz(ctx context.Context, req Request) (Response, error)
}

// Extractor turns a raw document into plain text.
type Extractor interface {
	Extract(contentType string, content []byte) (string, error)
}

// WorkerStore is the persistence surface of the worker.
type WorkerStore interface {
	ClaimNextRequest(workerID string, claimTTL time.Duration) (*storage.GenerationRequest, error)
	ResolveRequestReady(id, resultJSON string) error
	ResolveRequestFailed(id, errMsg string) error
}

// WorkerConfig tunes one worker instance.
type WorkerConfig struct {
	// ID identifies this instance in claims and logs. Defaults to a
	// generated id so two instances never collide.
	ID string
	// PollInterval bounds the latency between enqueue and pickup.
	PollInterval time.Duration
	// ClaimTTL is how long a claim shields a request from other workers.
	// After it expires the request becomes claimable again, which is the
	// recovery path for claims abandoned by a crashed worker.
	ClaimTTL time.Duration
}

// Worker polls for claimable generation requests and resolves each to a
// terminal state. Multiple instances may run concurrently; the claim
// compare-and-set in the store is the only coordination between them.
type Worker struct {
	store     WorkerStore
	provider  Provider
	extractor Extractor
	cfg       WorkerConfig
	logger    *slog.Logger
}

// NewWorker builds a Worker. Zero config fields get production defaults;
// a nil logger discards log output.
func NewWorker(store WorkerStore, provider Provider, extractor Extractor, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{store: store, provider: provider, extractor: extractor, cfg: cfg, logger: logger}
}

// Run polls until ctx is cancelled. A processed request triggers an
// immediate next pass so a backlog drains at full speed; an empty pass
// waits out the poll interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("generation worker started", "worker_id", w.cfg.ID, "poll_interval", w.cfg.PollInterval)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker pass failed", "worker_id", w.cfg.ID, "error", err)
		}
		if processed {
			select {
			case <-ctx.Done():
				w.logger.Info("generation worker stopping", "worker_id", w.cfg.ID)
				return nil
			default:
				continue
			}
		}
		select {
		case <-ctx.Done():
			w.logger.Info("generation worker stopping", "worker_id", w.cfg.ID)
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes at most one request. It reports whether a
// request was processed. Losing a claim race to another worker is not an
// error; the next pass simply looks again.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	req, err := w.store.ClaimNextRequest(w.cfg.ID, w.cfg.ClaimTTL)
	if err != nil {
		return false, fmt.Errorf("claiming request: %w", err)
	}
	if req == nil {
		return false, nil
	}

	w.logger.Info("request claimed", "worker_id", w.cfg.ID, "request_id", req.ID, "kind", string(req.Kind))
	w.process(ctx, req)
	return true, nil
}

// process resolves a claimed request to exactly one terminal state.
// Provider and contract failures are recorded on the request, never
// returned; the enqueueing caller sees them when polling.
func (w *Worker) process(ctx context.Context, req *storage.GenerationRequest) {
	var resultJSON string
	var err error

	switch req.Kind {
	case storage.KindQuizGeneration:
		resultJSON, err = w.generateQuiz(ctx, req.PayloadJSON)
	case storage.KindContentExtraction:
		resultJSON, err = w.extractContent(req.PayloadJSON)
	default:
		err = fmt.Errorf("unsupported request kind %q", req.Kind)
	}

	if err != nil {
		msg := err.Error()
		if ctx.Err() != nil {
			msg = shutdownFailure
		}
		w.logger.Warn("request failed", "request_id", req.ID, "error", msg)
		if rerr := w.store.ResolveRequestFailed(req.ID, msg); rerr != nil && !errors.Is(rerr, storage.ErrConflict) {
			w.logger.Error("recording failure state failed", "request_id", req.ID, "error", rerr)
		}
		return
	}

	if rerr := w.store.ResolveRequestReady(req.ID, resultJSON); rerr != nil {
		if errors.Is(rerr, storage.ErrConflict) {
			w.logger.Warn("request already resolved elsewhere", "request_id", req.ID)
			return
		}
		w.logger.Error("recording ready state failed", "request_id", req.ID, "error", rerr)
		return
	}
	w.logger.Info("request resolved", "request_id", req.ID, "status", string(storage.StatusReady))
}

// generateQuiz fans one provider call out per selected topic and merges
// the validated responses into a single result.
func (w *Worker) generateQuiz(ctx context.Context, payloadJSON string) (string, error) {
	var payload QuizPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return "", fmt.Errorf("request payload is not valid JSON: %v", err)
	}
	if len(payload.Topics) == 0 {
		return "", fmt.Errorf("request payload selects no topics")
	}

	counts := splitCount(payload.QuestionCount, len(payload.Topics))

	responses := make([]Response, len(payload.Topics))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i, spec := range payload.Topics {
		g.Go(func() error {
			resp, err := w.provider.GenerateQuiz(gctx, Request{
				ContractVersion:   ContractVersion,
				NoteContent:       payload.NoteContent,
				QuestionType:      payload.QuestionType,
				Difficulty:        spec.Difficulty,
				QuestionCount:     counts[i],
				KnowledgeSnapshot: payload.KnowledgeSnapshot,
				MistakeFocus:      payload.MistakeFocus,
			})
			if err != nil {
				return fmt.Errorf("generating questions for %q: %w", spec.Topic, err)
			}
			if err := resp.Validate(); err != nil {
				return fmt.Errorf("provider returned malformed response for %q: %w", spec.Topic, err)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	result := QuizResult{ContractVersion: ContractVersion}
	for i, resp := range responses {
		for _, q := range resp.Questions {
			q.ID = uuid.NewString()
			q.Topic = payload.Topics[i].Topic
			result.Questions = append(result.Questions, q)
		}
		if result.Rubric == "" {
			result.Rubric = resp.Rubric
		}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encoding result: %v", err)
	}
	return string(raw), nil
}

func (w *Worker) extractContent(payloadJSON string) (string, error) {
	var payload ExtractionPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return "", fmt.Errorf("request payload is not valid JSON: %v", err)
	}
	if w.extractor == nil {
		return "", fmt.Errorf("content extraction is not configured")
	}

	text, err := w.extractor.Extract(payload.ContentType, payload.Content)
	if err != nil {
		return "", fmt.Errorf("extracting %s content: %v", payload.ContentType, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("document yielded no extractable text")
	}

	raw, err := json.Marshal(ExtractionResult{Text: text, CharCount: len(text)})
	if err != nil {
		return "", fmt.Errorf("encoding result: %v", err)
	}
	return string(raw), nil
}

// splitCount divides total questions across n topics, front-loading the
// remainder so earlier (more urgent) topics get the extra question.
func splitCount(total, n int) []int {
	if total < n {
		total = n
	}
	counts := make([]int, n)
	base, rem := total/n, total%n
	for i := range counts {
		counts[i] = base
		if i < rem {
			counts[i]++
		}
	}
	return counts
}
