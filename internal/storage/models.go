package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-set write loses its race:
// a knowledge-state upsert against a stale version, or a terminal status
// write against a request that is no longer generating. Callers retry with
// a fresh read; the conflict is never surfaced as an application error.
var ErrConflict = errors.New("conflict")

// Evidence sources for knowledge-state updates.
const (
	EvidencePractice = "practice"
	EvidenceExam     = "exam"
)

// KnowledgeState is the per-(user, topic) mastery row. ForgettingRisk and
// NextReviewAt are always derived from Mastery and LastReviewedAt through
// the decay model before writing, never set independently.
type KnowledgeState struct {
	UserID         string    `json:"user_id"`
	Topic          string    `json:"topic"`
	SourceNoteID   string    `json:"source_note_id,omitempty"`
	Mastery        float64   `json:"mastery"`
	Confidence     float64   `json:"confidence"`
	ForgettingRisk float64   `json:"forgetting_risk"`
	Streak         int       `json:"streak"` // consecutive correct (>0) or incorrect (<0) answers
	LastEvidence   string    `json:"last_evidence,omitempty"`
	LastReviewedAt time.Time `json:"last_reviewed_at"`
	NextReviewAt   time.Time `json:"next_review_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Version is the optimistic-concurrency counter. Zero means the row
	// does not exist yet; UpsertKnowledgeState inserts it with version 1.
	Version int `json:"-"`
}

// MistakePattern aggregates one error category for a (user, topic) pair.
// Counts only ever increment.
type MistakePattern struct {
	UserID     string    `json:"user_id"`
	Topic      string    `json:"topic"`
	Category   string    `json:"category"`
	Count      int       `json:"count"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// RequestStatus is the closed state set of a generation request.
type RequestStatus string

const (
	StatusGenerating RequestStatus = "generating"
	StatusReady      RequestStatus = "ready"
	StatusFailed     RequestStatus = "failed"
)

// IsTerminal reports whether the status is final and immutable.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// ParseRequestStatus validates a stored status value.
func ParseRequestStatus(s string) (RequestStatus, error) {
	switch RequestStatus(s) {
	case StatusGenerating, StatusReady, StatusFailed:
		return RequestStatus(s), nil
	}
	return "", fmt.Errorf("unknown request status %q", s)
}

// RequestKind distinguishes the work a generation request asks for.
type RequestKind string

const (
	KindQuizGeneration    RequestKind = "quiz_generation"
	KindContentExtraction RequestKind = "content_extraction"
)

// ParseRequestKind validates a stored kind value.
func ParseRequestKind(s string) (RequestKind, error) {
	switch RequestKind(s) {
	case KindQuizGeneration, KindContentExtraction:
		return RequestKind(s), nil
	}
	return "", fmt.Errorf("unknown request kind %q", s)
}

// GenerationRequest is a persisted unit of asynchronous work. Status starts
// at generating and moves exactly once to ready or failed. A claim is the
// (ClaimedBy, ClaimedAt) pair set by the winning compare-and-set while the
// status stays generating.
type GenerationRequest struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	Kind         RequestKind   `json:"kind"`
	PayloadJSON  string        `json:"-"`
	Status       RequestStatus `json:"status"`
	ResultJSON   string        `json:"-"`                       // present iff Status == ready
	ErrorMessage string        `json:"error_message,omitempty"` // present iff Status == failed
	ClaimedBy    string        `json:"-"`
	ClaimedAt    time.Time     `json:"-"` // zero = unclaimed
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
