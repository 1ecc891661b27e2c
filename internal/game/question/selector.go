// Package question picks the question set of a battle from the question bank.
package question

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"quiz-duel/internal/model"
)

// ErrNoQuestions is returned when the bank cannot supply any question.
var ErrNoQuestions = errors.New("question bank is empty")

// Bank supplies the full question pool.
type Bank interface {
	All(ctx context.Context) ([]model.Question, error)
}

// Distribution is the number of questions of each type in one battle.
type Distribution []TypeCount

// TypeCount is one entry of a Distribution.
type TypeCount struct {
	Type  model.QuestionType
	Count int
}

// DefaultDistribution is 2 single choice, 1 multiple choice and 2 fill-in questions.
func DefaultDistribution() Distribution {
	return Distribution{
		{Type: model.QuestionChoice, Count: 2},
		{Type: model.QuestionMulti, Count: 1},
		{Type: model.QuestionFill, Count: 2},
	}
}

// Total returns the number of questions the distribution asks for.
func (d Distribution) Total() int {
	n := 0
	for _, tc := range d {
		n += tc.Count
	}
	return n
}

// Selector draws battle question sets.
type Selector struct {
	bank         Bank
	distribution Distribution
	rng          *rand.Rand
	mu           sync.Mutex
}

// NewSelector creates a Selector. A nil rng uses a time-seeded source.
func NewSelector(bank Bank, distribution Distribution, rng *rand.Rand) *Selector {
	if len(distribution) == 0 {
		distribution = DefaultDistribution()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Selector{bank: bank, distribution: distribution, rng: rng}
}

// Pick returns count questions for difficulty following the type distribution.
// A type short of questions in the tier is backfilled from other tiers of the same type.
// When count differs from the distribution total the distribution is ignored and
// the tier pool is sampled directly, backfilled from other tiers.
func (s *Selector) Pick(ctx context.Context, difficulty model.Difficulty, count int) ([]model.Question, error) {
	all, err := s.bank.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load question bank: %w", err)
	}
	if len(all) == 0 {
		return nil, ErrNoQuestions
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.Question
	if count == s.distribution.Total() {
		for _, tc := range s.distribution {
			result = append(result, s.pickType(all, difficulty, tc.Type, tc.Count)...)
		}
	} else {
		result = s.pickAny(all, difficulty, count)
	}

	if len(result) == 0 {
		return nil, ErrNoQuestions
	}
	s.shuffle(result)
	return result, nil
}

func (s *Selector) pickType(all []model.Question, difficulty model.Difficulty, qtype model.QuestionType, count int) []model.Question {
	var same, other []model.Question
	for _, q := range all {
		if q.Type != qtype {
			continue
		}
		if q.Difficulty == difficulty {
			same = append(same, q)
		} else {
			other = append(other, q)
		}
	}
	return s.take(same, other, count)
}

func (s *Selector) pickAny(all []model.Question, difficulty model.Difficulty, count int) []model.Question {
	var same, other []model.Question
	for _, q := range all {
		if q.Difficulty == difficulty {
			same = append(same, q)
		} else {
			other = append(other, q)
		}
	}
	return s.take(same, other, count)
}

// take draws up to count from primary, then from fallback.
func (s *Selector) take(primary, fallback []model.Question, count int) []model.Question {
	s.shuffle(primary)
	if len(primary) >= count {
		return primary[:count]
	}
	out := append([]model.Question(nil), primary...)
	s.shuffle(fallback)
	needed := count - len(out)
	if needed > len(fallback) {
		needed = len(fallback)
	}
	return append(out, fallback[:needed]...)
}

func (s *Selector) shuffle(qs []model.Question) {
	s.rng.Shuffle(len(qs), func(i, j int) {
		qs[i], qs[j] = qs[j], qs[i]
	})
}
