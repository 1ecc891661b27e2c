package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"quiz-duel/internal/model"
)

type fakeEligibility struct {
	credit map[string]int
}

func (f *fakeEligibility) CanJoinBattle(userID string) (bool, int) {
	c, ok := f.credit[userID]
	if !ok {
		c = 100
	}
	return c >= 95, c
}

func (f *fakeEligibility) MinForBattle() int { return 95 }

type pair struct {
	difficulty    model.Difficulty
	first, second string
}

type fakePairer struct {
	mu       sync.Mutex
	active   map[string]bool
	pairs    []pair
	gone     map[string]bool
	failWith error
}

func newFakePairer() *fakePairer {
	return &fakePairer{active: make(map[string]bool), gone: make(map[string]bool)}
}

func (f *fakePairer) InBattle(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[userID]
}

func (f *fakePairer) Pair(ctx context.Context, d model.Difficulty, first, second string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[first] {
		return ErrOpponentGone
	}
	if f.failWith != nil {
		return f.failWith
	}
	f.active[first] = true
	f.active[second] = true
	f.pairs = append(f.pairs, pair{d, first, second})
	return nil
}

func (f *fakePairer) finish(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, userID)
}

func newQueue() (*Queue, *fakeEligibility, *fakePairer) {
	elig := &fakeEligibility{credit: make(map[string]int)}
	pairer := newFakePairer()
	return NewQueue(elig, pairer, nil), elig, pairer
}

func TestEnqueuePairsFIFO(t *testing.T) {
	q, _, pairer := newQueue()
	ctx := context.Background()

	res, err := q.Enqueue(ctx, "a", model.DifficultyEasy)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, res.Status)
	assert.Equal(t, 1, res.Position)

	res, err = q.Enqueue(ctx, "b", model.DifficultyHard)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, res.Status)

	res, err = q.Enqueue(ctx, "c", model.DifficultyEasy)
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, res.Status)
	assert.Equal(t, "a", res.Opponent)

	require.Len(t, pairer.pairs, 1)
	assert.Equal(t, pair{model.DifficultyEasy, "a", "c"}, pairer.pairs[0])
	assert.False(t, q.Contains("a"))
	assert.False(t, q.Contains("c"))
	assert.True(t, q.Contains("b"))
}

func TestEnqueueRejections(t *testing.T) {
	q, elig, pairer := newQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", model.Difficulty("extreme"))
	assert.ErrorIs(t, err, ErrInvalidDifficulty)

	elig.credit["low"] = 90
	_, err = q.Enqueue(ctx, "low", model.DifficultyEasy)
	require.ErrorIs(t, err, ErrIneligible)
	var inel *IneligibleError
	require.True(t, errors.As(err, &inel))
	assert.Equal(t, 90, inel.Credit)
	assert.Equal(t, 95, inel.Required)
	assert.False(t, q.Contains("low"))

	pairer.active["busy"] = true
	_, err = q.Enqueue(ctx, "busy", model.DifficultyEasy)
	assert.ErrorIs(t, err, ErrInBattle)
	assert.False(t, q.Contains("busy"))
}

func TestEnqueueSameTierIsIdempotent(t *testing.T) {
	q, _, _ := newQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", model.DifficultyMedium)
	require.NoError(t, err)
	res, err := q.Enqueue(ctx, "a", model.DifficultyMedium)
	require.NoError(t, err)

	assert.Equal(t, StatusWaiting, res.Status)
	assert.Equal(t, 1, res.Position)
	assert.Equal(t, 1, q.Stats()[model.DifficultyMedium])
}

func TestEnqueueMovesBetweenTiers(t *testing.T) {
	q, _, _ := newQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", model.DifficultyEasy)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "a", model.DifficultyHard)
	require.NoError(t, err)

	stats := q.Stats()
	assert.Equal(t, 0, stats[model.DifficultyEasy])
	assert.Equal(t, 1, stats[model.DifficultyHard])
}

func TestEnqueueDoesNotPairWithSelfAcrossTiers(t *testing.T) {
	q, _, pairer := newQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", model.DifficultyEasy)
	require.NoError(t, err)
	res, err := q.Enqueue(ctx, "a", model.DifficultyEasy)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, res.Status)
	assert.Empty(t, pairer.pairs)
}

func TestCancelIsIdempotent(t *testing.T) {
	q, _, _ := newQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", model.DifficultyEasy)
	require.NoError(t, err)

	assert.True(t, q.Cancel("a"))
	assert.False(t, q.Cancel("a"))
	assert.False(t, q.Contains("a"))
	assert.Equal(t, 0, q.Stats()[model.DifficultyEasy])
}

func TestCancelAfterPairingIsNoop(t *testing.T) {
	q, _, pairer := newQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", model.DifficultyEasy)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "b", model.DifficultyEasy)
	require.NoError(t, err)

	assert.False(t, q.Cancel("a"))
	assert.True(t, pairer.InBattle("a"))
}

func TestOpponentGoneFallsThroughToNext(t *testing.T) {
	q, _, pairer := newQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "ghost", model.DifficultyEasy)
	require.NoError(t, err)
	pairer.gone["ghost"] = true

	res, err := q.Enqueue(ctx, "b", model.DifficultyEasy)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, res.Status)
	assert.False(t, q.Contains("ghost"))
	assert.True(t, q.Contains("b"))

	res, err = q.Enqueue(ctx, "c", model.DifficultyEasy)
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, res.Status)
	assert.Equal(t, "b", res.Opponent)
}

func TestPairFailureRestoresOpponent(t *testing.T) {
	q, _, pairer := newQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a", model.DifficultyEasy)
	require.NoError(t, err)
	pairer.failWith = errors.New("no questions")

	_, err = q.Enqueue(ctx, "b", model.DifficultyEasy)
	require.Error(t, err)

	waiting := q.Waiting(model.DifficultyEasy)
	require.Len(t, waiting, 1)
	assert.Equal(t, "a", waiting[0].UserID)
	assert.False(t, q.Contains("b"))
}

func TestConcurrentJoinAndCancel(t *testing.T) {
	q, _, pairer := newQueue()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("u%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(ctx, id, model.DifficultyEasy)
		}()
		go func() {
			defer wg.Done()
			q.Cancel(id)
		}()
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("u%d", i)
		assert.False(t, q.Contains(id) && pairer.InBattle(id), "user %s queued and in battle", id)
	}
}

// TestQueueBattleExclusivityProperty runs random join/cancel/finish
// sequences and checks that no user is ever queued and in a battle at once,
// and that every user holds at most one request.
func TestQueueBattleExclusivityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q, _, pairer := newQueue()
		ctx := context.Background()
		users := []string{"a", "b", "c", "d", "e"}
		tiers := model.Difficulties()

		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			user := rapid.SampledFrom(users).Draw(t, "user")
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				_, _ = q.Enqueue(ctx, user, rapid.SampledFrom(tiers).Draw(t, "tier"))
			case 1:
				q.Cancel(user)
			case 2:
				pairer.finish(user)
			}

			total := 0
			for _, n := range q.Stats() {
				total += n
			}
			seen := make(map[string]bool)
			for _, d := range tiers {
				for _, r := range q.Waiting(d) {
					if seen[r.UserID] {
						t.Fatalf("user %s has more than one request", r.UserID)
					}
					seen[r.UserID] = true
					if pairer.InBattle(r.UserID) {
						t.Fatalf("user %s is queued and in a battle", r.UserID)
					}
				}
			}
			if total != len(seen) {
				t.Fatalf("stats total %d != distinct queued %d", total, len(seen))
			}
		}
	})
}
