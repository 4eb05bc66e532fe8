// Package selector chooses which topics an adaptive quiz should target and
// hands the selection to the generation pipeline.
package selector

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mkravets/eidos/internal/generate"
	"github.com/mkravets/eidos/internal/storage"
)

// ErrEmptyState is returned when the learner has no eligible topics, for
// example a brand-new account with no attempt history.
var ErrEmptyState = errors.New("no eligible topics")

// ErrInvalidArgument is returned for out-of-range counts, unknown modes or
// question types. Validation happens before any request row is created.
var ErrInvalidArgument = errors.New("invalid argument")

// Mode selects the topic-picking strategy.
type Mode string

const (
	// ModeReview targets the topics most at risk of being forgotten.
	ModeReview Mode = "review"
	// ModeWeakness targets the topics with the lowest mastery.
	ModeWeakness Mode = "weakness"
	// ModeNote restricts candidates to topics linked to one note.
	ModeNote Mode = "note"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeReview, ModeWeakness, ModeNote:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidArgument, s)
}

const (
	defaultQuestionCount = 5
	maxQuestionCount     = 20
	defaultMaxTopics     = 3
	maxMaxTopics         = 10

	// candidateFactor widens the store query so the weakness score can
	// reorder candidates before truncation.
	candidateFactor = 3
)

// Request describes one adaptive-quiz ask.
type Request struct {
	UserID        string `json:"user_id"`
	Mode          string `json:"mode"`
	QuestionCount int    `json:"question_count"`
	MaxTopics     int    `json:"max_topics"`
	QuestionType  string `json:"question_type,omitempty"`
	NoteID        string `json:"note_id,omitempty"`
}

// SelectedTopic is the per-topic selection metadata returned to the caller.
type SelectedTopic struct {
	Topic          string  `json:"topic"`
	Mastery        float64 `json:"mastery"`
	ForgettingRisk float64 `json:"forgetting_risk"`
	Difficulty     int     `json:"difficulty"`
}

// Result is the pending-request descriptor plus selection metadata.
type Result struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Topics    []SelectedTopic `json:"topics"`
}

// ReviewSource supplies the urgency-ordered review queue.
type ReviewSource interface {
	ReviewQueue(userID string, maxItems int, includeExams bool) ([]storage.KnowledgeState, error)
}

// Store is the persistence surface the selector reads from.
type Store interface {
	ListWeakest(userID string, limit int) ([]storage.KnowledgeState, error)
	ListByNote(userID, noteID string) ([]storage.KnowledgeState, error)
	ListMistakes(userID, topic string) ([]storage.MistakePattern, error)
}

// Enqueuer hands the packaged selection to the generation pipeline.
type Enqueuer interface {
	EnqueueQuiz(ownerID string, payload generate.QuizPayload) (string, error)
}

// Selector picks quiz topics and enqueues generation requests.
type Selector struct {
	reviews  ReviewSource
	store    Store
	pipeline Enqueuer
	logger   *slog.Logger
}

// New builds a Selector. A nil logger discards log output.
func New(reviews ReviewSource, store Store, pipeline Enqueuer, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Selector{reviews: reviews, store: store, pipeline: pipeline, logger: logger}
}

// CreateAdaptiveQuiz validates the request, picks topics per the mode,
// packages them into a quiz-generation payload and enqueues it. The
// returned Result is a pending descriptor; the caller polls the request id
// for the terminal state.
func (s *Selector) CreateAdaptiveQuiz(req Request) (Result, error) {
	mode, err := ParseMode(req.Mode)
	if err != nil {
		return Result{}, err
	}
	if req.QuestionCount == 0 {
		req.QuestionCount = defaultQuestionCount
	}
	if req.QuestionCount < 1 || req.QuestionCount > maxQuestionCount {
		return Result{}, fmt.Errorf("%w: question count %d out of range [1,%d]",
			ErrInvalidArgument, req.QuestionCount, maxQuestionCount)
	}
	if req.MaxTopics == 0 {
		req.MaxTopics = defaultMaxTopics
	}
	if req.MaxTopics < 1 || req.MaxTopics > maxMaxTopics {
		return Result{}, fmt.Errorf("%w: max topics %d out of range [1,%d]",
			ErrInvalidArgument, req.MaxTopics, maxMaxTopics)
	}
	if req.QuestionType == "" {
		req.QuestionType = generate.TypeMultipleChoice
	}
	if !generate.KnownQuestionType(req.QuestionType) {
		return Result{}, fmt.Errorf("%w: unknown question type %q", ErrInvalidArgument, req.QuestionType)
	}
	if mode == ModeNote && req.NoteID == "" {
		return Result{}, fmt.Errorf("%w: note mode requires a note id", ErrInvalidArgument)
	}

	candidates, err := s.pickTopics(req.UserID, mode, req.NoteID, req.MaxTopics)
	if err != nil {
		return Result{}, err
	}

	selected := make([]SelectedTopic, len(candidates))
	specs := make([]generate.TopicSpec, len(candidates))
	for i, st := range candidates {
		difficulty := InferDifficulty(st.Mastery)
		selected[i] = SelectedTopic{
			Topic:          st.Topic,
			Mastery:        st.Mastery,
			ForgettingRisk: st.ForgettingRisk,
			Difficulty:     difficulty,
		}
		specs[i] = generate.TopicSpec{Topic: st.Topic, Difficulty: difficulty}
	}

	payload := generate.QuizPayload{
		Topics:            specs,
		QuestionType:      req.QuestionType,
		QuestionCount:     req.QuestionCount,
		KnowledgeSnapshot: snapshot(candidates),
		MistakeFocus:      s.mistakeFocus(req.UserID, candidates),
	}

	id, err := s.pipeline.EnqueueQuiz(req.UserID, payload)
	if err != nil {
		return Result{}, fmt.Errorf("enqueueing quiz generation: %w", err)
	}

	s.logger.Info("adaptive quiz enqueued",
		"request_id", id, "mode", string(mode), "topics", len(selected), "user", req.UserID)

	return Result{
		RequestID: id,
		Status:    string(storage.StatusGenerating),
		Topics:    selected,
	}, nil
}

func (s *Selector) pickTopics(userID string, mode Mode, noteID string, maxTopics int) ([]storage.KnowledgeState, error) {
	switch mode {
	case ModeReview:
		states, err := s.reviews.ReviewQueue(userID, maxTopics, true)
		if err != nil {
			return nil, err
		}
		if len(states) == 0 {
			return nil, fmt.Errorf("%w: nothing due for review", ErrEmptyState)
		}
		return states, nil

	case ModeWeakness:
		states, err := s.store.ListWeakest(userID, maxTopics*candidateFactor)
		if err != nil {
			return nil, err
		}
		if len(states) == 0 {
			return nil, fmt.Errorf("%w: no attempt history yet", ErrEmptyState)
		}
		rankByWeakness(states)
		if len(states) > maxTopics {
			states = states[:maxTopics]
		}
		return states, nil

	case ModeNote:
		states, err := s.store.ListByNote(userID, noteID)
		if err != nil {
			return nil, err
		}
		if len(states) == 0 {
			return nil, fmt.Errorf("note %q has no associated topics: %w", noteID, storage.ErrNotFound)
		}
		if len(states) > maxTopics {
			states = states[:maxTopics]
		}
		return states, nil
	}
	return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidArgument, mode)
}

// WeaknessScore combines low mastery with low confidence: a topic the
// learner is both weak and unsure about outranks one that is weak but
// consistently answered.
func WeaknessScore(st storage.KnowledgeState) float64 {
	return (1 - st.Mastery) * (1 - 0.5*st.Confidence)
}

func rankByWeakness(states []storage.KnowledgeState) {
	for i := 1; i < len(states); i++ {
		for j := i; j > 0 && WeaknessScore(states[j]) > WeaknessScore(states[j-1]); j-- {
			states[j], states[j-1] = states[j-1], states[j]
		}
	}
}

// InferDifficulty maps mastery to a 1..5 difficulty band. Lower mastery
// yields easier questions so the learner rebuilds from solid ground.
func InferDifficulty(mastery float64) int {
	switch {
	case mastery < 0.2:
		return 1
	case mastery < 0.4:
		return 2
	case mastery < 0.6:
		return 3
	case mastery < 0.8:
		return 4
	default:
		return 5
	}
}

// snapshot renders the selection as a compact text block for the provider
// prompt.
func snapshot(states []storage.KnowledgeState) string {
	var b strings.Builder
	for _, st := range states {
		fmt.Fprintf(&b, "%s: mastery %.2f, forgetting risk %.2f\n", st.Topic, st.Mastery, st.ForgettingRisk)
	}
	return strings.TrimRight(b.String(), "\n")
}

// mistakeFocus summarizes the learner's recurring error categories for the
// selected topics. Failures here only cost prompt context, so they are
// logged and swallowed.
func (s *Selector) mistakeFocus(userID string, states []storage.KnowledgeState) string {
	var parts []string
	for _, st := range states {
		patterns, err := s.store.ListMistakes(userID, st.Topic)
		if err != nil {
			s.logger.Warn("listing mistake patterns failed", "topic", st.Topic, "error", err)
			continue
		}
		for i, p := range patterns {
			if i >= 2 {
				break
			}
			parts = append(parts, fmt.Sprintf("%s: %s (x%d)", p.Topic, strings.ReplaceAll(p.Category, "_", " "), p.Count))
		}
	}
	return strings.Join(parts, "; ")
}
