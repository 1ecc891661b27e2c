package question

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"quiz-duel/internal/model"
)

// StaticBank is an in-memory question pool.
type StaticBank struct {
	questions []model.Question
}

// NewStaticBank creates a bank over a fixed slice.
func NewStaticBank(questions []model.Question) *StaticBank {
	return &StaticBank{questions: questions}
}

// All returns a copy of the pool.
func (b *StaticBank) All(ctx context.Context) ([]model.Question, error) {
	return append([]model.Question(nil), b.questions...), nil
}

// Len returns the pool size.
func (b *StaticBank) Len() int {
	return len(b.questions)
}

type bankFile struct {
	Questions []model.Question `yaml:"questions"`
}

// LoadFile reads a YAML question file into a StaticBank.
func LoadFile(path string) (*StaticBank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read question file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML question data and validates every entry.
func Parse(data []byte) (*StaticBank, error) {
	var f bankFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse question file: %w", err)
	}

	seen := make(map[string]bool, len(f.Questions))
	for i, q := range f.Questions {
		if q.ID == "" {
			return nil, fmt.Errorf("question %d: missing id", i)
		}
		if seen[q.ID] {
			return nil, fmt.Errorf("question %s: duplicate id", q.ID)
		}
		seen[q.ID] = true
		if !q.Difficulty.Valid() {
			return nil, fmt.Errorf("question %s: invalid difficulty %q", q.ID, q.Difficulty)
		}
		switch q.Type {
		case model.QuestionChoice, model.QuestionMulti, model.QuestionFill:
		default:
			return nil, fmt.Errorf("question %s: invalid type %q", q.ID, q.Type)
		}
		if q.Answer == "" {
			return nil, fmt.Errorf("question %s: missing answer", q.ID)
		}
	}
	return NewStaticBank(f.Questions), nil
}
