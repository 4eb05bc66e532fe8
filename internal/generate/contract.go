// Package generate implements the asynchronous generation pipeline: the
// request contract with the external content provider, the enqueue side,
// and the background worker that claims and resolves requests.
package generate

import (
	"fmt"
	"strings"
)

// ContractVersion tags every provider request and is echoed back in the
// response. Bump it when the wire shape changes.
const ContractVersion = "v1"

// Question types the contract accepts.
const (
	TypeMultipleChoice = "multiple_choice"
	TypeTrueFalse      = "true_false"
	TypeShortAnswer    = "short_answer"
	TypeOpenEnded      = "open_ended"
	TypeFillBlank      = "fill_blank"
	TypeMatching       = "matching"
)

// KnownQuestionType reports whether t is part of the contract.
func KnownQuestionType(t string) bool {
	switch t {
	case TypeMultipleChoice, TypeTrueFalse, TypeShortAnswer, TypeOpenEnded, TypeFillBlank, TypeMatching:
		return true
	}
	return false
}

// Request is one generation call to the external capability.
type Request struct {
	ContractVersion   string `json:"contract_version"`
	NoteContent       string `json:"note_content,omitempty"`
	QuestionType      string `json:"question_type"`
	Difficulty        int    `json:"difficulty"`
	QuestionCount     int    `json:"question_count"`
	KnowledgeSnapshot string `json:"knowledge_snapshot,omitempty"`
	MistakeFocus      string `json:"mistake_focus,omitempty"`
}

// Pair is one left/right match in a matching question.
type Pair struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// Question is one generated question. ID and Topic are not part of the
// provider contract; the worker stamps them when it assembles the final
// quiz so attempts can be traced back to the topic they exercised.
type Question struct {
	ID              string   `json:"id,omitempty"`
	Topic           string   `json:"topic,omitempty"`
	Text            string   `json:"text"`
	Type            string   `json:"type"`
	Options         []string `json:"options,omitempty"`
	CorrectAnswer   string   `json:"correct_answer,omitempty"`
	Pairs           []Pair   `json:"pairs,omitempty"`
	Explanation     string   `json:"explanation,omitempty"`
	DifficultyLevel int      `json:"difficulty_level"`
}

// Response is the provider's answer to a Request.
type Response struct {
	ContractVersion string     `json:"contract_version"`
	Questions       []Question `json:"questions"`
	Rubric          string     `json:"rubric,omitempty"`
}

// Validate checks the response against the contract. Any violation makes
// the whole response unusable; the worker records it as a failure rather
// than serving a partial quiz.
func (r Response) Validate() error {
	if r.ContractVersion != ContractVersion {
		return fmt.Errorf("contract version %q, expected %q", r.ContractVersion, ContractVersion)
	}
	if len(r.Questions) == 0 {
		return fmt.Errorf("response contains no questions")
	}
	for i, q := range r.Questions {
		if strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("question %d has empty text", i)
		}
		if !KnownQuestionType(q.Type) {
			return fmt.Errorf("question %d has unknown type %q", i, q.Type)
		}
		switch q.Type {
		case TypeMultipleChoice:
			if len(q.Options) < 2 {
				return fmt.Errorf("question %d has %d options, need at least 2", i, len(q.Options))
			}
			if !containsOption(q.Options, q.CorrectAnswer) {
				return fmt.Errorf("question %d correct answer not among options", i)
			}
		case TypeTrueFalse:
			lower := strings.ToLower(q.CorrectAnswer)
			if lower != "true" && lower != "false" {
				return fmt.Errorf("question %d true/false answer is %q", i, q.CorrectAnswer)
			}
		case TypeMatching:
			if len(q.Pairs) < 2 {
				return fmt.Errorf("question %d has %d pairs, need at least 2", i, len(q.Pairs))
			}
		default:
			if strings.TrimSpace(q.CorrectAnswer) == "" {
				return fmt.Errorf("question %d has no answer key", i)
			}
		}
	}
	return nil
}

func containsOption(options []string, answer string) bool {
	for _, o := range options {
		if strings.EqualFold(strings.TrimSpace(o), strings.TrimSpace(answer)) {
			return true
		}
	}
	return false
}

// TopicSpec is one selected topic with its inferred difficulty.
type TopicSpec struct {
	Topic      string `json:"topic"`
	Difficulty int    `json:"difficulty"`
}

// QuizPayload is the persisted payload of a quiz-generation request.
type QuizPayload struct {
	Topics            []TopicSpec `json:"topics"`
	QuestionType      string      `json:"question_type"`
	QuestionCount     int         `json:"question_count"`
	NoteContent       string      `json:"note_content,omitempty"`
	KnowledgeSnapshot string      `json:"knowledge_snapshot,omitempty"`
	MistakeFocus      string      `json:"mistake_focus,omitempty"`
}

// QuizResult is the persisted result of a successful quiz generation.
type QuizResult struct {
	ContractVersion string     `json:"contract_version"`
	Questions       []Question `json:"questions"`
	Rubric          string     `json:"rubric,omitempty"`
}

// ExtractionPayload is the persisted payload of a content-extraction
// request. Content is the raw document, base64-encoded by the JSON
// marshaller.
type ExtractionPayload struct {
	ContentType string `json:"content_type"` // "pdf", "html" or "text"
	Content     []byte `json:"content"`
	Filename    string `json:"filename,omitempty"`
}

// ExtractionResult is the persisted result of a successful extraction.
type ExtractionResult struct {
	Text      string `json:"text"`
	CharCount int    `json:"char_count"`
}
