package knowledge

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mkravets/eidos/internal/decay"
	"github.com/mkravets/eidos/internal/mistakes"
	"github.com/mkravets/eidos/internal/storage"
)

// Store is the persistence surface the updater needs.
type Store interface {
	GetKnowledgeState(userID, topic string) (storage.KnowledgeState, error)
	UpsertKnowledgeState(st storage.KnowledgeState) error
	ListKnowledgeStates(userID string) ([]storage.KnowledgeState, error)
	IncrementMistake(userID, topic, category string, at time.Time) error
}

// Params are the tunables of the mastery update. All rates are fractions
// in (0,1]; a higher rate makes new evidence move the estimate faster.
type Params struct {
	// LearningRate weights practice evidence.
	LearningRate float64
	// ExamLearningRate weights exam evidence. Exams are graded events the
	// learner prepared for, so a single result says less about retention
	// than day-to-day practice; it moves mastery more conservatively.
	ExamLearningRate float64
	// ConfidenceRate controls how fast confidence follows answer streaks.
	ConfidenceRate float64
	// MaxUpsertRetries bounds optimistic-concurrency retries per topic.
	MaxUpsertRetries int
}

// DefaultParams returns the tuned production values.
func DefaultParams() Params {
	return Params{
		LearningRate:     0.30,
		ExamLearningRate: 0.15,
		ConfidenceRate:   0.20,
		MaxUpsertRetries: 3,
	}
}

// Updater folds attempt evidence into per-topic knowledge states.
type Updater struct {
	store    Store
	resolver TopicResolver
	model    decay.Model
	params   Params
	logger   *slog.Logger
	now      func() time.Time
}

// NewUpdater builds an Updater. A nil logger discards log output.
func NewUpdater(store Store, resolver TopicResolver, model decay.Model, params Params, logger *slog.Logger) *Updater {
	if params.LearningRate <= 0 {
		params = DefaultParams()
	}
	if params.MaxUpsertRetries <= 0 {
		params.MaxUpsertRetries = DefaultParams().MaxUpsertRetries
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Updater{
		store:    store,
		resolver: resolver,
		model:    model,
		params:   params,
		logger:   logger,
		now:      time.Now,
	}
}

// ApplyAttemptResult folds a batch of practice interactions into the
// learner's knowledge states and returns the updated states in interaction
// order (one per distinct topic touched). Interactions whose topic cannot
// be resolved are logged and skipped rather than failing the batch.
func (u *Updater) ApplyAttemptResult(userID string, quiz QuizContext, interactions []Interaction) ([]storage.KnowledgeState, error) {
	return u.apply(userID, quiz, interactions, u.params.LearningRate, storage.EvidencePractice)
}

// RecordExamAttempt is the same update path as ApplyAttemptResult but
// weights the evidence with the conservative exam learning rate and marks
// the resulting states as exam-evidenced.
func (u *Updater) RecordExamAttempt(userID string, exam QuizContext, interactions []Interaction) ([]storage.KnowledgeState, error) {
	return u.apply(userID, exam, interactions, u.params.ExamLearningRate, storage.EvidenceExam)
}

func (u *Updater) apply(userID string, quiz QuizContext, interactions []Interaction, rate float64, evidence string) ([]storage.KnowledgeState, error) {
	var updated []storage.KnowledgeState
	seen := make(map[string]int)

	for _, in := range interactions {
		ref, err := u.resolver.ResolveTopic(in.QuestionID)
		if err != nil {
			u.logger.Warn("skipping interaction with unresolvable topic",
				"question_id", in.QuestionID, "error", err)
			continue
		}

		at := in.AnsweredAt
		if at.IsZero() {
			at = u.now().UTC()
		}

		st, err := u.updateTopic(userID, ref, in, rate, evidence, at)
		if err != nil {
			return nil, fmt.Errorf("updating topic %q: %w", ref.Topic, err)
		}

		if idx, ok := seen[ref.Topic]; ok {
			updated[idx] = st
		} else {
			seen[ref.Topic] = len(updated)
			updated = append(updated, st)
		}

		if !in.Correct {
			u.recordMistake(userID, ref.Topic, quiz, in, at)
		}
	}

	return updated, nil
}

// updateTopic applies one interaction to one topic with optimistic
// concurrency: read, recompute, compare-and-set, retry on conflict.
func (u *Updater) updateTopic(userID string, ref TopicRef, in Interaction, rate float64, evidence string, at time.Time) (storage.KnowledgeState, error) {
	correctness := 0.0
	if in.Correct {
		correctness = 1.0
	} else if in.PartialCredit > 0 {
		correctness = clamp01(in.PartialCredit)
	}

	var lastErr error
	for attempt := 0; attempt < u.params.MaxUpsertRetries; attempt++ {
		st, err := u.store.GetKnowledgeState(userID, ref.Topic)
		if errors.Is(err, storage.ErrNotFound) {
			st = storage.KnowledgeState{UserID: userID, Topic: ref.Topic}
		} else if err != nil {
			return storage.KnowledgeState{}, err
		}
		if ref.SourceNoteID != "" {
			st.SourceNoteID = ref.SourceNoteID
		}

		st.Mastery = clamp01(st.Mastery + rate*(correctness-st.Mastery))
		u.adjustConfidence(&st, in.Correct)

		st.LastEvidence = evidence
		st.LastReviewedAt = at
		st.ForgettingRisk = u.model.ForgettingRisk(st.Mastery, at, at)
		st.NextReviewAt = u.model.NextReviewAt(st.Mastery, at)
		st.UpdatedAt = at

		err = u.store.UpsertKnowledgeState(st)
		if err == nil {
			if st.Version == 0 {
				st.Version = 1
			} else {
				st.Version++
			}
			return st, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return storage.KnowledgeState{}, err
		}
		lastErr = err
	}
	return storage.KnowledgeState{}, fmt.Errorf("gave up after %d conflicts: %w", u.params.MaxUpsertRetries, lastErr)
}

// adjustConfidence tracks answer consistency. The streak counts consecutive
// correct (positive) or incorrect (negative) answers; confidence climbs
// toward 1 only once a correct streak establishes itself and falls toward 0
// on any incorrect answer.
func (u *Updater) adjustConfidence(st *storage.KnowledgeState, correct bool) {
	if correct {
		if st.Streak < 0 {
			st.Streak = 0
		}
		st.Streak++
		if st.Streak >= 2 {
			st.Confidence = clamp01(st.Confidence + u.params.ConfidenceRate*(1-st.Confidence))
		}
		return
	}
	if st.Streak > 0 {
		st.Streak = 0
	}
	st.Streak--
	st.Confidence = clamp01(st.Confidence - u.params.ConfidenceRate*st.Confidence)
}

func (u *Updater) recordMistake(userID, topic string, quiz QuizContext, in Interaction, at time.Time) {
	q, ok := quiz.question(in.QuestionID)
	if !ok {
		return
	}
	categories := mistakes.Analyze(
		mistakes.Question{Type: q.Type, Options: q.Options, CorrectAnswer: q.CorrectAnswer},
		mistakes.Answer{Text: in.Answer, Correct: in.Correct},
	)
	for _, cat := range categories {
		if err := u.store.IncrementMistake(userID, topic, string(cat), at); err != nil {
			u.logger.Warn("recording mistake pattern failed",
				"topic", topic, "category", string(cat), "error", err)
		}
	}
}

// ReviewQueue returns the learner's topics ordered by current forgetting
// risk descending, ties broken by next review ascending so the more overdue
// topic surfaces first. Risk is recomputed at read time so the ordering
// reflects elapsed time, not the risk stored at last write. When
// includeExams is false, topics whose latest evidence was an exam are
// excluded.
func (u *Updater) ReviewQueue(userID string, maxItems int, includeExams bool) ([]storage.KnowledgeState, error) {
	states, err := u.store.ListKnowledgeStates(userID)
	if err != nil {
		return nil, err
	}

	now := u.now().UTC()
	queue := states[:0]
	for _, st := range states {
		if !includeExams && st.LastEvidence == storage.EvidenceExam {
			continue
		}
		st.ForgettingRisk = u.model.ForgettingRisk(st.Mastery, st.LastReviewedAt, now)
		queue = append(queue, st)
	}

	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].ForgettingRisk != queue[j].ForgettingRisk {
			return queue[i].ForgettingRisk > queue[j].ForgettingRisk
		}
		return queue[i].NextReviewAt.Before(queue[j].NextReviewAt)
	})

	if maxItems > 0 && len(queue) > maxItems {
		queue = queue[:maxItems]
	}
	return queue, nil
}

// Forecast returns the projected forgetting-risk curve for one topic over
// the coming days.
func (u *Updater) Forecast(userID, topic string, days int) ([]decay.ForecastPoint, error) {
	st, err := u.store.GetKnowledgeState(userID, topic)
	if err != nil {
		return nil, err
	}
	return u.model.ForecastCurve(st.Mastery, st.LastReviewedAt, u.now().UTC(), days), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
