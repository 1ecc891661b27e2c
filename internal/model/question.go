package model

import (
	"sort"
	"strings"
)

// QuestionType is the answer format of a question.
type QuestionType string

// Question types.
const (
	QuestionChoice QuestionType = "choice" // Single choice, one option letter
	QuestionMulti  QuestionType = "multi"  // Multiple choice, a set of option letters
	QuestionFill   QuestionType = "fill"   // Free text
)

// Question is a bank entry. Answer is the key and never leaves the server.
type Question struct {
	ID          string       `db:"id" json:"id" yaml:"id"`
	Type        QuestionType `db:"type" json:"type" yaml:"type"`
	Difficulty  Difficulty   `db:"difficulty" json:"difficulty" yaml:"difficulty"`
	Content     string       `db:"content" json:"content" yaml:"content"`
	Options     []string     `db:"options" json:"options,omitempty" yaml:"options"`
	Answer      string       `db:"answer" json:"answer,omitempty" yaml:"answer"`
	Explanation string       `db:"explanation" json:"-" yaml:"explanation"`
}

// Public returns a copy without the answer key.
func (q Question) Public() Question {
	q.Answer = ""
	q.Explanation = ""
	q.Options = append([]string(nil), q.Options...)
	return q
}

// IsCorrect checks a raw submitted answer against the key.
func (q Question) IsCorrect(raw string) bool {
	switch q.Type {
	case QuestionMulti:
		return normalizeSet(raw) == normalizeSet(q.Answer)
	default:
		return normalizeText(raw) == normalizeText(q.Answer)
	}
}

func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeSet turns "c, a" and "AC" into "ac".
func normalizeSet(s string) string {
	var letters []string
	seen := make(map[string]bool)
	for _, r := range strings.ToLower(s) {
		if r == ',' || r == ' ' || r == ';' {
			continue
		}
		l := string(r)
		if !seen[l] {
			seen[l] = true
			letters = append(letters, l)
		}
	}
	sort.Strings(letters)
	return strings.Join(letters, "")
}
