// Package matchmaking pairs users waiting in per-difficulty FIFO queues.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"quiz-duel/internal/model"
)

// Errors for matchmaking operations.
var (
	ErrInvalidDifficulty = errors.New("invalid difficulty")
	ErrIneligible        = errors.New("credit below battle floor")
	ErrInBattle          = errors.New("user is already in a battle")
	ErrOpponentGone      = errors.New("opponent is no longer available")
)

// IneligibleError carries the credit numbers behind a rejected join.
type IneligibleError struct {
	Credit   int
	Required int
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("credit %d is below the battle floor %d", e.Credit, e.Required)
}

// Unwrap lets errors.Is match ErrIneligible.
func (e *IneligibleError) Unwrap() error {
	return ErrIneligible
}

// Eligibility gates joins on credit.
type Eligibility interface {
	CanJoinBattle(userID string) (bool, int)
	MinForBattle() int
}

// Pairer creates a battle for two paired users. Pair is called with the
// queue lock held and must not call back into the Queue.
type Pairer interface {
	InBattle(userID string) bool
	Pair(ctx context.Context, difficulty model.Difficulty, first, second string) error
}

// Request is one user waiting in a tier.
type Request struct {
	UserID     string
	Difficulty model.Difficulty
	EnqueuedAt time.Time
}

// Status of an enqueue call.
type Status string

// Enqueue statuses.
const (
	StatusWaiting Status = "waiting"
	StatusMatched Status = "matched"
)

// Result describes the outcome of Enqueue.
type Result struct {
	Status     Status
	Difficulty model.Difficulty
	Position   int    // 1-based, waiting only
	Opponent   string // matched only
}

// Queue holds one FIFO per difficulty. A user has at most one request
// across all tiers.
type Queue struct {
	mu    sync.Mutex
	tiers map[model.Difficulty][]Request
	index map[string]model.Difficulty

	eligibility Eligibility
	pairer      Pairer
	now         func() time.Time
}

// NewQueue creates an empty Queue.
func NewQueue(eligibility Eligibility, pairer Pairer, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	tiers := make(map[model.Difficulty][]Request)
	for _, d := range model.Difficulties() {
		tiers[d] = nil
	}
	return &Queue{
		tiers:       tiers,
		index:       make(map[string]model.Difficulty),
		eligibility: eligibility,
		pairer:      pairer,
		now:         now,
	}
}

// Enqueue adds the user to the difficulty tier and pairs it with the oldest
// waiting request in that tier if there is one. A request in another tier is
// withdrawn first.
func (q *Queue) Enqueue(ctx context.Context, userID string, difficulty model.Difficulty) (*Result, error) {
	if !difficulty.Valid() {
		return nil, ErrInvalidDifficulty
	}
	if ok, credit := q.eligibility.CanJoinBattle(userID); !ok {
		return nil, &IneligibleError{Credit: credit, Required: q.eligibility.MinForBattle()}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pairer.InBattle(userID) {
		return nil, ErrInBattle
	}

	if current, ok := q.index[userID]; ok {
		if current == difficulty {
			return &Result{Status: StatusWaiting, Difficulty: difficulty, Position: q.position(userID)}, nil
		}
		q.remove(userID)
		log.Debug().
			Str("user_id", userID).
			Str("from", string(current)).
			Str("to", string(difficulty)).
			Msg("Queue request moved to another tier")
	}

	for len(q.tiers[difficulty]) > 0 {
		opponent := q.tiers[difficulty][0]
		q.tiers[difficulty] = q.tiers[difficulty][1:]
		delete(q.index, opponent.UserID)

		err := q.pairer.Pair(ctx, difficulty, opponent.UserID, userID)
		if err == nil {
			log.Info().
				Str("user_id", userID).
				Str("opponent", opponent.UserID).
				Str("difficulty", string(difficulty)).
				Dur("waited", q.now().Sub(opponent.EnqueuedAt)).
				Msg("Users paired")
			return &Result{Status: StatusMatched, Difficulty: difficulty, Opponent: opponent.UserID}, nil
		}
		if errors.Is(err, ErrOpponentGone) {
			log.Debug().Str("user_id", opponent.UserID).Msg("Dropped unavailable queued user")
			continue
		}

		q.tiers[difficulty] = append([]Request{opponent}, q.tiers[difficulty]...)
		q.index[opponent.UserID] = difficulty
		return nil, fmt.Errorf("failed to pair users: %w", err)
	}

	q.tiers[difficulty] = append(q.tiers[difficulty], Request{
		UserID:     userID,
		Difficulty: difficulty,
		EnqueuedAt: q.now(),
	})
	q.index[userID] = difficulty

	return &Result{Status: StatusWaiting, Difficulty: difficulty, Position: len(q.tiers[difficulty])}, nil
}

// Cancel withdraws the user's request. It reports whether one existed.
func (q *Queue) Cancel(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remove(userID)
}

// Contains reports whether the user is waiting in any tier.
func (q *Queue) Contains(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[userID]
	return ok
}

// Stats returns the number of waiting requests per tier.
func (q *Queue) Stats() map[model.Difficulty]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[model.Difficulty]int, len(q.tiers))
	for d, reqs := range q.tiers {
		stats[d] = len(reqs)
	}
	return stats
}

// Waiting returns a copy of the tier's requests in FIFO order.
func (q *Queue) Waiting(difficulty model.Difficulty) []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Request(nil), q.tiers[difficulty]...)
}

func (q *Queue) remove(userID string) bool {
	d, ok := q.index[userID]
	if !ok {
		return false
	}
	delete(q.index, userID)

	reqs := q.tiers[d]
	for i, r := range reqs {
		if r.UserID == userID {
			q.tiers[d] = append(reqs[:i:i], reqs[i+1:]...)
			break
		}
	}
	return true
}

func (q *Queue) position(userID string) int {
	d := q.index[userID]
	for i, r := range q.tiers[d] {
		if r.UserID == userID {
			return i + 1
		}
	}
	return 0
}
