package knowledge

import "time"

// Question carries the metadata the updater needs to grade an answer and
// classify a mistake. It mirrors what the quiz collaborator stores.
type Question struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Prompt        string   `json:"prompt"`
	Options       []string `json:"options,omitempty"`
	CorrectAnswer string   `json:"correct_answer"`
}

// QuizContext is the quiz the interactions belong to.
type QuizContext struct {
	QuizID    string     `json:"quiz_id"`
	Questions []Question `json:"questions"`
}

func (q QuizContext) question(id string) (Question, bool) {
	for _, question := range q.Questions {
		if question.ID == id {
			return question, true
		}
	}
	return Question{}, false
}

// Interaction is one answered question. PartialCredit is the awarded
// fraction in [0,1] for partially-graded question types; it is only
// consulted when Correct is false.
type Interaction struct {
	QuestionID    string    `json:"question_id"`
	Answer        string    `json:"answer"`
	Correct       bool      `json:"correct"`
	PartialCredit float64   `json:"partial_credit,omitempty"`
	AnsweredAt    time.Time `json:"answered_at,omitempty"`
}

// TopicRef is the resolver's answer for a question: which topic the
// question exercises and, when known, the note it came from.
type TopicRef struct {
	Topic        string
	SourceNoteID string
}

// TopicResolver maps a question to its topic. Implemented by the module
// catalog collaborator; tests use a map-backed fake.
type TopicResolver interface {
	ResolveTopic(questionID string) (TopicRef, error)
}

// TopicResolverFunc adapts a function to the TopicResolver interface.
type TopicResolverFunc func(questionID string) (TopicRef, error)

func (f TopicResolverFunc) ResolveTopic(questionID string) (TopicRef, error) {
	return f(questionID)
}
