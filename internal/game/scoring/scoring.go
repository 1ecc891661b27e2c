// Package scoring implements server-side answer scoring for quiz battles.
package scoring

import (
	"math"
	"time"

	"quiz-duel/internal/model"
)

const (
	// FloorRatio is the fraction of the base score kept by a slow but correct answer.
	FloorRatio = 0.3

	// DecayRatio is the fraction of the base score lost across the decay window.
	DecayRatio = 0.7

	// DrawBonus is the ladder score each side gains on a draw.
	DrawBonus int64 = 5
)

// Tier holds the time budget and rewards of one difficulty.
type Tier struct {
	Difficulty  model.Difficulty
	MinTime     time.Duration // At or below: full base score
	MaxTime     time.Duration // At or above: floor score
	BaseScore   int
	LadderDelta int64 // Ladder points the winner gains; the loser drops half
}

// Table maps difficulties to tiers.
type Table map[model.Difficulty]Tier

// DefaultTable returns the standard tiers.
func DefaultTable() Table {
	return Table{
		model.DifficultyEasy: {
			Difficulty:  model.DifficultyEasy,
			MinTime:     30 * time.Second,
			MaxTime:     300 * time.Second,
			BaseScore:   80,
			LadderDelta: 10,
		},
		model.DifficultyMedium: {
			Difficulty:  model.DifficultyMedium,
			MinTime:     60 * time.Second,
			MaxTime:     600 * time.Second,
			BaseScore:   100,
			LadderDelta: 20,
		},
		model.DifficultyHard: {
			Difficulty:  model.DifficultyHard,
			MinTime:     120 * time.Second,
			MaxTime:     900 * time.Second,
			BaseScore:   150,
			LadderDelta: 50,
		},
	}
}

// Tier returns the tier for d, falling back to medium for unknown values.
func (t Table) Tier(d model.Difficulty) Tier {
	if tier, ok := t[d]; ok {
		return tier
	}
	return t[model.DifficultyMedium]
}

// Score returns the points for a correct answer given in timeTakenMs.
func (t Table) Score(timeTakenMs int64, d model.Difficulty) int {
	return Score(timeTakenMs, t.Tier(d))
}

// Score maps elapsed time to points:
//   - t <= MinTime: BaseScore
//   - t >= MaxTime: round(BaseScore * 0.3)
//   - otherwise linear decay from BaseScore to 30% of it
func Score(timeTakenMs int64, tier Tier) int {
	minMs := tier.MinTime.Milliseconds()
	maxMs := tier.MaxTime.Milliseconds()
	base := float64(tier.BaseScore)

	if timeTakenMs <= minMs {
		return tier.BaseScore
	}
	if timeTakenMs >= maxMs {
		return round(base * FloorRatio)
	}

	elapsed := float64(timeTakenMs - minMs)
	window := float64(maxMs - minMs)
	return round(base - base*DecayRatio*elapsed/window)
}

// AnswerScore returns the score of one answer slot. Incorrect and timed-out answers score 0.
func AnswerScore(correct, timedOut bool, timeTakenMs int64, tier Tier) int {
	if !correct || timedOut {
		return 0
	}
	return Score(timeTakenMs, tier)
}

// LoserPenalty returns the ladder points taken from the loser.
func LoserPenalty(delta int64) int64 {
	return delta / 2
}

// round rounds half up, matching client-side rounding of positive values.
func round(v float64) int {
	return int(math.Floor(v + 0.5))
}
