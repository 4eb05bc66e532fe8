// Package mistakes classifies incorrect answers into recurring error
// categories. Analysis is heuristic, deterministic, and side-effect free:
// the same question and answer always produce the same tags, and unknown
// question shapes simply produce none.
package mistakes

import "strings"

// Category tags one kind of recurring mistake.
type Category string

const (
	// OppositeChoice: the learner picked the inverse of the correct option
	// (the other side of a true/false pair, or the far end of the list).
	OppositeChoice Category = "opposite_choice"

	// AdjacentDistractor: the chosen option sits right next to the correct
	// one, suggesting near-miss recognition rather than a knowledge gap.
	AdjacentDistractor Category = "adjacent_distractor"

	// UnrelatedChoice: the chosen option has no positional relation to the
	// correct one, or does not appear among the defined options at all.
	UnrelatedChoice Category = "unrelated_choice"

	// NearMiss: a free-text answer almost identical to the answer key.
	NearMiss Category = "near_miss"

	// PartialMatch: a free-text answer that overlaps the answer key but is
	// substantially incomplete or altered.
	PartialMatch Category = "partial_match"

	// OffTopic: a free-text answer with no meaningful similarity to the key.
	OffTopic Category = "off_topic"
)

// Question carries the subset of question metadata the analyzer needs.
// Callers mirror their own question types into this one rather than
// importing them here, keeping the package dependency-free.
type Question struct {
	Type          string // multiple_choice, true_false, short_answer, ...
	Options       []string
	CorrectAnswer string
}

// Answer is the learner's response to a single question.
type Answer struct {
	Text    string
	Correct bool
}

// Free-text similarity thresholds.
const (
	nearMissSimilarity     = 0.8
	partialMatchSimilarity = 0.5
)

// Analyze returns zero or more categories describing an incorrect answer.
// Correct answers and unknown question types yield no tags.
func Analyze(q Question, a Answer) []Category {
	if a.Correct {
		return nil
	}

	switch q.Type {
	case "true_false":
		// Wrong on a binary question is by definition the opposite choice.
		return []Category{OppositeChoice}
	case "multiple_choice":
		return analyzeChoice(q, a)
	case "short_answer", "open_ended", "fill_blank":
		return analyzeFreeText(q, a)
	default:
		return nil
	}
}

func analyzeChoice(q Question, a Answer) []Category {
	chosen := optionIndex(q.Options, a.Text)
	correct := optionIndex(q.Options, q.CorrectAnswer)
	if chosen < 0 || correct < 0 {
		return []Category{UnrelatedChoice}
	}
	if chosen == correct {
		// Marked incorrect upstream but matches the key; nothing to tag.
		return nil
	}

	n := len(q.Options)
	if n == 2 {
		return []Category{OppositeChoice}
	}

	dist := chosen - correct
	if dist < 0 {
		dist = -dist
	}
	switch {
	case dist == 1:
		return []Category{AdjacentDistractor}
	case dist == n-1:
		// First option chosen against last (or vice versa).
		return []Category{OppositeChoice}
	default:
		return []Category{UnrelatedChoice}
	}
}

func analyzeFreeText(q Question, a Answer) []Category {
	key := normalize(q.CorrectAnswer)
	got := normalize(a.Text)
	if key == "" || got == "" {
		return []Category{OffTopic}
	}

	sim := similarity(key, got)
	switch {
	case sim >= nearMissSimilarity:
		return []Category{NearMiss}
	case sim >= partialMatchSimilarity:
		return []Category{PartialMatch}
	default:
		return []Category{OffTopic}
	}
}

// optionIndex finds the answer among options, matching case-insensitively
// with surrounding whitespace ignored.
func optionIndex(options []string, answer string) int {
	want := normalize(answer)
	for i, opt := range options {
		if normalize(opt) == want {
			return i
		}
	}
	return -1
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// similarity returns 1 − levenshtein/maxLen, mapping edit distance onto [0,1].
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein computes edit distance with a single rolling row.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}

	for i := 1; i <= len(a); i++ {
		prev := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur := row[j]
			row[j] = min3(row[j]+1, row[j-1]+1, prev+cost)
			prev = cur
		}
	}
	return row[len(b)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
