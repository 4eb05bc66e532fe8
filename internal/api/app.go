// Package api exposes the learning core over a bearer-authenticated local
// HTTP API and an MCP server.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkravets/eidos/internal/generate"
	"github.com/mkravets/eidos/internal/knowledge"
	"github.com/mkravets/eidos/internal/selector"
	"github.com/mkravets/eidos/internal/storage"
)

const maxBodySize = 10 << 20 // 10MB

// DefaultUser is the implicit learner on a single-user install. Requests
// may name another user explicitly; ownership checks still apply.
const DefaultUser = "local"

type AppDeps struct {
	Store    *storage.Store
	Updater  *knowledge.Updater
	Selector *selector.Selector
	Pipeline *generate.Pipeline
	Token    string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/attempts", handleAttempt(deps, false))
		r.Post("/exams", handleAttempt(deps, true))
		r.Get("/states", handleListStates(deps))
		r.Get("/review-queue", handleReviewQueue(deps))
		r.Get("/forecast", handleForecast(deps))
		r.Post("/quizzes/adaptive", handleAdaptiveQuiz(deps))
		r.Post("/extractions", handleExtraction(deps))
		r.Get("/requests/{id}", handleGetRequest(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.CountRequestsByStatus()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "storage unavailable: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"requests": counts,
		})
	}
}

// AttemptRequest is the body of POST /attempts and POST /exams.
type AttemptRequest struct {
	UserID       string                  `json:"user_id"`
	Quiz         knowledge.QuizContext   `json:"quiz"`
	Interactions []knowledge.Interaction `json:"interactions"`
}

func handleAttempt(deps AppDeps, exam bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req AttemptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" {
			req.UserID = DefaultUser
		}
		if len(req.Interactions) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "interactions are required")
			return
		}

		apply := deps.Updater.ApplyAttemptResult
		if exam {
			apply = deps.Updater.RecordExamAttempt
		}
		states, err := apply(req.UserID, req.Quiz, req.Interactions)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "applying attempt: %v", err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]any{"states": states})
	}
}

func handleListStates(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states, err := deps.Store.ListKnowledgeStates(userParam(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing states: %v", err)
			return
		}
		if states == nil {
			states = []storage.KnowledgeState{}
		}
		respondJSON(w, http.StatusOK, map[string]any{"states": states})
	}
}

func handleReviewQueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := intParam(r, "limit", 10)
		includeExams := r.URL.Query().Get("include_exams") != "false"

		queue, err := deps.Updater.ReviewQueue(userParam(r), limit, includeExams)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "building review queue: %v", err)
			return
		}
		if queue == nil {
			queue = []storage.KnowledgeState{}
		}
		respondJSON(w, http.StatusOK, map[string]any{"queue": queue})
	}
}

func handleForecast(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "topic is required")
			return
		}
		days := intParam(r, "days", 14)

		curve, err := deps.Updater.Forecast(userParam(r), topic, days)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "no knowledge state for topic %q", topic)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "building forecast: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"topic": topic, "forecast": curve})
	}
}

func handleAdaptiveQuiz(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req selector.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" {
			req.UserID = DefaultUser
		}

		result, err := deps.Selector.CreateAdaptiveQuiz(req)
		switch {
		case errors.Is(err, selector.ErrInvalidArgument):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, selector.ErrEmptyState):
			httpError(w, http.StatusUnprocessableEntity, "empty_state_error", "%v", err)
			return
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "creating adaptive quiz: %v", err)
			return
		}

		respondJSON(w, http.StatusAccepted, result)
	}
}

// ExtractionRequest is the body of POST /extractions. Content is
// base64-encoded by JSON convention for []byte.
type ExtractionRequest struct {
	UserID      string `json:"user_id"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
	Filename    string `json:"filename,omitempty"`
}

func handleExtraction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req ExtractionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.UserID == "" {
			req.UserID = DefaultUser
		}
		if len(req.Content) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		id, err := deps.Pipeline.EnqueueExtraction(req.UserID, generate.ExtractionPayload{
			ContentType: req.ContentType,
			Content:     req.Content,
			Filename:    req.Filename,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueueing extraction: %v", err)
			return
		}

		respondJSON(w, http.StatusAccepted, map[string]any{
			"request_id": id,
			"status":     string(storage.StatusGenerating),
		})
	}
}

// RequestView is the poll response for GET /requests/{id}. The result
// payload is embedded verbatim when the request is ready.
type RequestView struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

func handleGetRequest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		req, err := deps.Pipeline.Status(userParam(r), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "unknown request %q", id)
			return
		case errors.Is(err, generate.ErrNotOwner):
			httpError(w, http.StatusForbidden, "authorization_error", "request %q belongs to another owner", id)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "loading request: %v", err)
			return
		}

		view := RequestView{
			ID:           req.ID,
			Kind:         string(req.Kind),
			Status:       string(req.Status),
			ErrorMessage: req.ErrorMessage,
			CreatedAt:    req.CreatedAt.Format(time.RFC3339),
			UpdatedAt:    req.UpdatedAt.Format(time.RFC3339),
		}
		if req.Status == storage.StatusReady && req.ResultJSON != "" {
			view.Result = json.RawMessage(req.ResultJSON)
		}
		respondJSON(w, http.StatusOK, view)
	}
}

func userParam(r *http.Request) string {
	if u := r.URL.Query().Get("user_id"); u != "" {
		return u
	}
	return DefaultUser
}

func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}
