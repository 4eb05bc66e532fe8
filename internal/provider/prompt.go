package provider

import (
	"fmt"
	"strings"

	"github.com/mkravets/eidos/internal/generate"
)

const systemPrompt = `You are a quiz author for a spaced-repetition study tool.
Respond with a single JSON object matching this schema, and nothing else:
{"contract_version":"v1","questions":[{"text":"...","type":"...","options":["..."],"correct_answer":"...","pairs":[{"left":"...","right":"..."}],"explanation":"...","difficulty_level":1}],"rubric":"..."}
Rules:
- "type" must equal the requested question type.
- multiple_choice questions need 3-5 options and correct_answer must be one of them verbatim.
- true_false questions answer "true" or "false".
- matching questions need at least 2 pairs and omit options/correct_answer.
- every question carries a short explanation.`

// buildPrompt renders the user message for one generation request.
func buildPrompt(req generate.Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Write %d %s question(s) at difficulty %d (1=easiest, 5=hardest).\n",
		req.QuestionCount, req.QuestionType, req.Difficulty)

	if req.KnowledgeSnapshot != "" {
		b.WriteString("\nThe learner's current standing on the target topics:\n")
		b.WriteString(req.KnowledgeSnapshot)
		b.WriteString("\n")
	}
	if req.MistakeFocus != "" {
		b.WriteString("\nRecurring mistakes to probe (design distractors around these):\n")
		b.WriteString(req.MistakeFocus)
		b.WriteString("\n")
	}
	if req.NoteContent != "" {
		b.WriteString("\nBase the questions strictly on this study material:\n---\n")
		b.WriteString(req.NoteContent)
		b.WriteString("\n---\n")
	}

	return b.String()
}
