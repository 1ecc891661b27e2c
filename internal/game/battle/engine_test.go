package battle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiz-duel/internal/game/matchmaking"
	"quiz-duel/internal/model"
	"quiz-duel/internal/pkg/lock"
	"quiz-duel/internal/protocol"
	"quiz-duel/internal/service"
	"quiz-duel/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// manualScheduler holds tasks until the test fires them.
type manualScheduler struct {
	mu    sync.Mutex
	tasks map[string]func()
}

func (s *manualScheduler) After(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[key] = fn
}

func (s *manualScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, key)
}

func (s *manualScheduler) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

func (s *manualScheduler) Fire(key string) bool {
	s.mu.Lock()
	fn, ok := s.tasks[key]
	delete(s.tasks, key)
	s.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

type sent struct {
	userID  string
	event   protocol.Event
	durable bool
}

type recorder struct {
	mu     sync.Mutex
	events []sent
}

func (r *recorder) Notify(ctx context.Context, userID string, ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{userID: userID, event: ev, durable: true})
}

func (r *recorder) Publish(ctx context.Context, userID string, ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{userID: userID, event: ev})
}

func (r *recorder) Of(userID, eventType string) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, s := range r.events {
		if s.userID == userID && s.event.EventType() == eventType {
			out = append(out, s)
		}
	}
	return out
}

type presence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *presence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *presence) Set(userID string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = online
}

type fixedPicker struct {
	questions []model.Question
}

func (f fixedPicker) Pick(ctx context.Context, d model.Difficulty, count int) ([]model.Question, error) {
	return append([]model.Question(nil), f.questions[:count]...), nil
}

func testQuestions(d model.Difficulty, n int) []model.Question {
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{
			ID:          fmt.Sprintf("q%d", i),
			Type:        model.QuestionFill,
			Difficulty:  d,
			Content:     "?",
			Answer:      fmt.Sprintf("a%d", i),
			Explanation: "secret",
		}
	}
	return qs
}

type harness struct {
	engine    *Engine
	users     *store.UserStore
	credit    *service.CreditService
	clock     *fakeClock
	scheduler *manualScheduler
	events    *recorder
	presence  *presence
	durable   *store.MemoryDurable
	persist   *store.Persister
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	users := store.NewUserStore(lock.NewKeyLock(), 100, clock.Now)
	credit := service.NewCreditService(users, service.DefaultCreditPolicy(), time.UTC, clock.Now)
	durable := store.NewMemoryDurable()
	persist := store.NewPersister(durable)
	users.OnChange(persist.MarkUsers)

	h := &harness{
		users:     users,
		credit:    credit,
		clock:     clock,
		scheduler: &manualScheduler{tasks: make(map[string]func())},
		events:    &recorder{},
		presence:  &presence{online: map[string]bool{"alice": true, "bob": true}},
		durable:   durable,
		persist:   persist,
	}

	seq := 0
	h.engine = New(DefaultConfig(), Deps{
		Users:     users,
		Credit:    credit,
		Questions: fixedPicker{questions: testQuestions(model.DifficultyEasy, 5)},
		Notifier:  h.events,
		Presence:  h.presence,
		Scheduler: h.scheduler,
		Persist:   persist,
		Now:       clock.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("battle-%d", seq)
		},
	})
	persist.SetSources(users, h.engine)

	users.Ensure("alice", "Alice")
	users.Ensure("bob", "Bob")
	return h
}

// playing pairs alice and bob and fires the grace timer.
func (h *harness) playing(t *testing.T) string {
	t.Helper()
	require.NoError(t, h.engine.Pair(context.Background(), model.DifficultyEasy, "alice", "bob"))
	id, ok := h.engine.ActiveBattleID("alice")
	require.True(t, ok)
	require.True(t, h.scheduler.Fire(graceKey(id)))
	return id
}

func (h *harness) answer(t *testing.T, battleID, userID string, index int, correct bool, ms int64) {
	t.Helper()
	raw := fmt.Sprintf("a%d", index)
	if !correct {
		raw = "wrong"
	}
	require.NoError(t, h.engine.SubmitAnswer(context.Background(), Submission{
		BattleID:      battleID,
		UserID:        userID,
		QuestionIndex: index,
		Answer:        raw,
		TimeTaken:     ms,
	}))
}

func (h *harness) user(t *testing.T, id string) model.User {
	t.Helper()
	u, ok := h.users.Get(id)
	require.True(t, ok)
	return u
}

func (h *harness) setScore(t *testing.T, id string, score int64) {
	t.Helper()
	require.NoError(t, h.users.Update(id, func(u *model.User) error {
		u.Score = score
		return nil
	}))
}

func TestPairEntersWaitingThenPlaying(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.Pair(context.Background(), model.DifficultyEasy, "alice", "bob"))
	id, ok := h.engine.ActiveBattleID("bob")
	require.True(t, ok)

	b, ok := h.engine.Battle(id)
	require.True(t, ok)
	assert.Equal(t, model.BattleWaiting, b.State)
	assert.Len(t, b.Questions, 5)
	assert.True(t, h.engine.InBattle("alice"))

	found := h.events.Of("alice", protocol.TypeMatchFound)
	require.Len(t, found, 1)
	mf := found[0].event.(protocol.MatchFound)
	assert.Equal(t, "bob", mf.Opponent.UserID)
	assert.Equal(t, "Bob", mf.Opponent.Username)
	require.Len(t, mf.Questions, 5)
	for _, q := range mf.Questions {
		assert.Empty(t, q.Answer)
		assert.Empty(t, q.Explanation)
	}
	assert.Len(t, h.events.Of("bob", protocol.TypeMatchFound), 1)

	h.clock.Advance(3 * time.Second)
	require.True(t, h.scheduler.Fire(graceKey(id)))

	b, _ = h.engine.Battle(id)
	assert.Equal(t, model.BattlePlaying, b.State)
	require.NotNil(t, b.StartTime)
	assert.Len(t, h.events.Of("alice", protocol.TypeBattleStart), 1)
	assert.Len(t, h.events.Of("bob", protocol.TypeBattleStart), 1)

	assert.False(t, h.engine.Start(context.Background(), id), "second start is a no-op")
}

func TestPairRejectsOfflineWaitingUser(t *testing.T) {
	h := newHarness(t)
	h.presence.Set("alice", false)

	err := h.engine.Pair(context.Background(), model.DifficultyEasy, "alice", "bob")
	assert.ErrorIs(t, err, matchmaking.ErrOpponentGone)
	assert.False(t, h.engine.InBattle("bob"))
}

func TestPairRejectsUserAlreadyInBattle(t *testing.T) {
	h := newHarness(t)
	h.presence.Set("carol", true)
	h.playing(t)

	err := h.engine.Pair(context.Background(), model.DifficultyEasy, "carol", "alice")
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.False(t, h.engine.InBattle("carol"))
}

func TestAnswerAtMinTimeScoresBase(t *testing.T) {
	h := newHarness(t)
	id := h.playing(t)

	h.answer(t, id, "alice", 0, true, 30_000)

	b, _ := h.engine.Battle(id)
	p, _ := b.Player("alice")
	assert.Equal(t, 80, p.Answers[0].Score)
	assert.Equal(t, 80, p.TotalScore)
	assert.Equal(t, 1, p.Progress)

	updates := h.events.Of("bob", protocol.TypeBattleUpdate)
	require.Len(t, updates, 1)
	bu := updates[0].event.(protocol.BattleUpdate)
	assert.Equal(t, "alice", bu.PlayerID)
	assert.Equal(t, 80, bu.Score)
	assert.False(t, updates[0].durable)
}

func TestSubmitAnswerRejections(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Pair(context.Background(), model.DifficultyEasy, "alice", "bob"))
	id, _ := h.engine.ActiveBattleID("alice")

	submit := func(userID string, index int) error {
		return h.engine.SubmitAnswer(context.Background(), Submission{
			BattleID: id, UserID: userID, QuestionIndex: index, Answer: "a0",
		})
	}

	assert.ErrorIs(t, submit("alice", 0), ErrStateConflict, "still waiting")
	h.scheduler.Fire(graceKey(id))

	require.NoError(t, submit("alice", 0))
	assert.ErrorIs(t, submit("alice", 0), ErrSlotFilled)
	assert.ErrorIs(t, submit("alice", 5), ErrValidation)
	assert.ErrorIs(t, submit("alice", -1), ErrValidation)
	assert.ErrorIs(t, submit("mallory", 1), ErrValidation)

	err := h.engine.SubmitAnswer(context.Background(), Submission{BattleID: "nope", UserID: "alice"})
	assert.ErrorIs(t, err, ErrBattleNotFound)
	assert.ErrorIs(t, err, ErrStateConflict)

	b, _ := h.engine.Battle(id)
	p, _ := b.Player("alice")
	assert.Equal(t, 1, p.Answered())
}

func TestTimedOutAnswerScoresZero(t *testing.T) {
	h := newHarness(t)
	id := h.playing(t)

	require.NoError(t, h.engine.SubmitAnswer(context.Background(), Submission{
		BattleID: id, UserID: "alice", QuestionIndex: 0, Answer: "a0", TimedOut: true, TimeTaken: -50,
	}))

	b, _ := h.engine.Battle(id)
	p, _ := b.Player("alice")
	assert.False(t, p.Answers[0].Correct)
	assert.Equal(t, 0, p.Answers[0].Score)
	assert.Equal(t, int64(0), p.Answers[0].TimeTaken)
}

func TestDisconnectWhilePlayingLeaderLoses(t *testing.T) {
	h := newHarness(t)
	h.setScore(t, "bob", 100)
	id := h.playing(t)

	h.answer(t, id, "bob", 0, true, 30_000)
	h.answer(t, id, "bob", 1, true, 30_000)
	h.answer(t, id, "alice", 0, true, 126_429)

	h.presence.Set("bob", false)
	h.engine.Disconnect(context.Background(), "bob")

	b, _ := h.engine.Battle(id)
	require.Equal(t, model.BattleFinished, b.State)
	require.NotNil(t, b.Result)
	assert.Equal(t, "alice", b.Result.Winner)
	assert.Equal(t, "bob", b.Result.Loser)
	assert.Equal(t, map[string]int{"alice": 60, "bob": 160}, b.Result.Scores)
	assert.True(t, b.Result.Disconnect)
	assert.True(t, b.Result.Escape)

	alice := h.user(t, "alice")
	bob := h.user(t, "bob")
	assert.Equal(t, int64(10), alice.Score)
	assert.Equal(t, int64(95), bob.Score)
	assert.Equal(t, 1, alice.Wins)
	assert.Equal(t, 1, bob.Losses)
	assert.Equal(t, 1, alice.CurrentStreak)
	assert.Equal(t, 97, bob.Credit)
	assert.Equal(t, 1, bob.Escapes)
	assert.Equal(t, 100, alice.Credit)

	ends := h.events.Of("alice", protocol.TypeBattleEnd)
	require.Len(t, ends, 1)
	assert.True(t, ends[0].durable)
	assert.Len(t, h.events.Of("bob", protocol.TypeBattleEnd), 1)

	penalties := h.events.Of("bob", protocol.TypeEscapePenalty)
	require.Len(t, penalties, 1)
	ep := penalties[0].event.(protocol.EscapePenalty)
	assert.Equal(t, 3, ep.Penalty)
	assert.Equal(t, 97, ep.CurrentCredit)
	assert.Equal(t, "Alice", ep.Opponent)

	assert.False(t, h.engine.InBattle("alice"))
	assert.False(t, h.engine.InBattle("bob"))
}

func TestLoserScoreFlooredAtZero(t *testing.T) {
	h := newHarness(t)
	h.setScore(t, "bob", 3)
	h.playing(t)

	h.engine.Disconnect(context.Background(), "bob")

	assert.Equal(t, int64(0), h.user(t, "bob").Score)
}

func TestSafeExitThenOpponentFinishes(t *testing.T) {
	h := newHarness(t)
	id := h.playing(t)

	ack := h.engine.SafeExit(context.Background(), "alice", id)
	assert.False(t, ack.OK)
	assert.Equal(t, ReasonIncomplete, ack.Reason)

	for i := 0; i < 5; i++ {
		h.answer(t, id, "alice", i, true, 30_000)
	}
	finished := h.events.Of("alice", protocol.TypePlayerFinished)
	require.Len(t, finished, 1)
	assert.True(t, finished[0].durable)

	ack = h.engine.SafeExit(context.Background(), "alice", id)
	assert.True(t, ack.OK)
	assert.Len(t, h.events.Of("alice", protocol.TypeBattleSaved), 1)

	stored, ok := h.durable.Battle(id)
	require.True(t, ok, "safe exit flushes synchronously")
	p, _ := stored.Player("alice")
	assert.True(t, p.SafeExited)

	h.presence.Set("alice", false)
	h.engine.Disconnect(context.Background(), "alice")
	b, _ := h.engine.Battle(id)
	assert.Equal(t, model.BattlePlaying, b.State, "a safe-exited disconnect does not end the battle")

	for i := 0; i < 5; i++ {
		h.answer(t, id, "bob", i, i < 2, 30_000)
	}

	b, _ = h.engine.Battle(id)
	require.Equal(t, model.BattleFinished, b.State)
	assert.Equal(t, "alice", b.Result.Winner)
	assert.False(t, b.Result.Escape)

	alice := h.user(t, "alice")
	assert.Equal(t, 0, alice.Escapes)
	assert.Equal(t, 1, alice.Wins)
	assert.Len(t, h.events.Of("alice", protocol.TypeBattleEnd), 1)
	assert.Len(t, h.events.Of("bob", protocol.TypeBattleEnd), 1)
	assert.Empty(t, h.events.Of("alice", protocol.TypeEscapePenalty))

	ack = h.engine.SafeExit(context.Background(), "alice", id)
	assert.True(t, ack.OK, "finished battle acks")
}

func TestSafeExitRejections(t *testing.T) {
	h := newHarness(t)
	id := h.playing(t)

	ack := h.engine.SafeExit(context.Background(), "alice", "missing")
	assert.False(t, ack.OK)
	assert.Equal(t, ReasonNotFound, ack.Reason)

	ack = h.engine.SafeExit(context.Background(), "mallory", id)
	assert.False(t, ack.OK)
	assert.Equal(t, ReasonNotParticipant, ack.Reason)
}

func TestSafeExitAcksDespiteFlushFailure(t *testing.T) {
	h := newHarness(t)
	id := h.playing(t)
	for i := 0; i < 5; i++ {
		h.answer(t, id, "alice", i, true, 30_000)
	}

	h.durable.SetFailure(fmt.Errorf("disk full"))
	ack := h.engine.SafeExit(context.Background(), "alice", id)
	assert.True(t, ack.OK)

	h.durable.SetFailure(nil)
	require.NoError(t, h.persist.Flush(context.Background()))
	stored, ok := h.durable.Battle(id)
	require.True(t, ok)
	p, _ := stored.Player("alice")
	assert.True(t, p.SafeExited)
}

func TestNormalCompletionWin(t *testing.T) {
	h := newHarness(t)
	h.setScore(t, "bob", 50)
	id := h.playing(t)
	h.clock.Advance(time.Minute)

	for i := 0; i < 5; i++ {
		h.answer(t, id, "alice", i, true, 30_000)
		h.answer(t, id, "bob", i, i == 0, 30_000)
	}

	b, _ := h.engine.Battle(id)
	require.Equal(t, model.BattleFinished, b.State)
	assert.Equal(t, model.ResultWin, b.Result.Type)
	assert.Equal(t, "alice", b.Result.Winner)
	assert.Equal(t, int64(10), b.Result.ScoreChange)
	assert.False(t, b.Result.Timeout)

	alice := h.user(t, "alice")
	bob := h.user(t, "bob")
	assert.Equal(t, int64(10), alice.Score)
	assert.Equal(t, int64(45), bob.Score)
	assert.Equal(t, 1, alice.MaxStreak)
	assert.Equal(t, 0, bob.CurrentStreak)

	require.Len(t, alice.BattleHistory, 1)
	assert.Equal(t, model.RecordWin, alice.BattleHistory[0].Result)
	assert.Equal(t, "Bob", alice.BattleHistory[0].Opponent)
	assert.Equal(t, 400, alice.BattleHistory[0].Score)
	require.Len(t, bob.BattleHistory, 1)
	assert.Equal(t, model.RecordLoss, bob.BattleHistory[0].Result)

	// Credit is already at the ceiling, so the reward is recorded as zero.
	require.NotEmpty(t, alice.CreditHistory)
	last := alice.CreditHistory[len(alice.CreditHistory)-1]
	assert.Equal(t, model.CreditReasonNormal, last.Reason)
	assert.Equal(t, 0, last.Change)
}

func TestSettlementBanksWrongAnswers(t *testing.T) {
	h := newHarness(t)
	id := h.playing(t)
	h.clock.Advance(time.Minute)

	for i := 0; i < 5; i++ {
		h.answer(t, id, "alice", i, true, 30_000)
	}
	h.answer(t, id, "bob", 0, true, 30_000)
	h.answer(t, id, "bob", 1, false, 30_000)
	require.NoError(t, h.engine.SubmitAnswer(context.Background(), Submission{
		BattleID: id, UserID: "bob", QuestionIndex: 2, TimedOut: true,
	}))
	h.answer(t, id, "bob", 3, false, 30_000)
	h.answer(t, id, "bob", 4, false, 30_000)

	b, _ := h.engine.Battle(id)
	require.Equal(t, model.BattleFinished, b.State)

	alice := h.user(t, "alice")
	assert.Empty(t, alice.ErrorBank)
	assert.Equal(t, 5, alice.QuestionsAnswered)
	assert.Equal(t, 5, alice.CorrectAnswers)

	bob := h.user(t, "bob")
	assert.Equal(t, 5, bob.QuestionsAnswered)
	assert.Equal(t, 1, bob.CorrectAnswers)
	assert.Equal(t, 20.0, bob.Accuracy())
	require.Len(t, bob.ErrorBank, 4)

	first := bob.ErrorBank[0]
	assert.Equal(t, "q1", first.QuestionID)
	assert.Equal(t, id, first.BattleID)
	assert.Equal(t, "wrong", first.UserAnswer)
	assert.Equal(t, "a1", first.CorrectAnswer)
	assert.Equal(t, "secret", first.Explanation)
	assert.Equal(t, model.QuestionFill, first.Type)
	assert.Equal(t, model.DifficultyEasy, first.Difficulty)
	assert.Equal(t, *b.EndTime, first.Timestamp)
	assert.False(t, first.TimedOut)

	timedOut := bob.ErrorBank[1]
	assert.Equal(t, "q2", timedOut.QuestionID)
	assert.True(t, timedOut.TimedOut)
	assert.Empty(t, timedOut.UserAnswer)
}

func TestForfeitBanksAnsweredSlotsOnly(t *testing.T) {
	h := newHarness(t)
	id := h.playing(t)

	h.answer(t, id, "alice", 0, false, 30_000)
	h.answer(t, id, "alice", 1, true, 30_000)
	h.answer(t, id, "bob", 0, false, 30_000)

	h.presence.Set("bob", false)
	h.engine.Disconnect(context.Background(), "bob")

	b, _ := h.engine.Battle(id)
	require.Equal(t, model.BattleFinished, b.State)

	alice := h.user(t, "alice")
	assert.Equal(t, 2, alice.QuestionsAnswered)
	assert.Equal(t, 1, alice.CorrectAnswers)
	require.Len(t, alice.ErrorBank, 1)
	assert.Equal(t, "q0", alice.ErrorBank[0].QuestionID)

	bob := h.user(t, "bob")
	assert.Equal(t, 1, bob.QuestionsAnswered)
	assert.Equal(t, 0, bob.CorrectAnswers)
	require.Len(t, bob.ErrorBank, 1)
	assert.Equal(t, "a0", bob.ErrorBank[0].CorrectAnswer)
}

func TestDrawOnCompletion(t *testing.T) {
	h := newHarness(t)
	id := h.playing(t)
	h.clock.Advance(time.Minute)

	for i := 0; i < 5; i++ {
		h.answer(t, id, "alice", i, true, 30_000)
		h.answer(t, id, "bob", i, true, 30_000)
	}

	b, _ := h.engine.Battle(id)
	require.Equal(t, model.BattleFinished, b.State)
	assert.Equal(t, model.ResultDraw, b.Result.Type)
	assert.Empty(t, b.Result.Winner)

	for _, id := range []string{"alice", "bob"} {
		u := h.user(t, id)
		assert.Equal(t, int64(5), u.Score)
		assert.Equal(t, 0, u.Wins)
		assert.Equal(t, 0, u.Losses)
		assert.Equal(t, 0, u.CurrentStreak)
		assert.Empty(t, u.BattleHistory)
	}
}

func TestNegativeGamePenalizesFastZeroCorrect(t *testing.T) {
	h := newHarness(t)
	id := h.playing(t)

	for i := 0; i < 5; i++ {
		h.answer(t, id, "alice", i, false, 1_000)
		h.answer(t, id, "bob", i, false, 1_000)
	}

	for _, id := range []string{"alice", "bob"} {
		u := h.user(t, id)
		assert.Equal(t, 98, u.Credit)
		assert.Equal(t, 1, u.NegativeGames)
	}
}

func TestWaitingDisconnectOpponentOnline(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Pair(context.Background(), model.DifficultyEasy, "alice", "bob"))
	id, _ := h.engine.ActiveBattleID("alice")

	h.presence.Set("bob", false)
	h.engine.Disconnect(context.Background(), "bob")

	b, ok := h.engine.Battle(id)
	require.True(t, ok)
	require.Equal(t, model.BattleFinished, b.State)
	assert.True(t, b.Result.WaitingPhase)
	assert.True(t, b.Result.Escape)
	assert.Equal(t, "alice", b.Result.Winner)
	assert.Equal(t, map[string]int{"alice": 0, "bob": 0}, b.Result.Scores)
	require.NotNil(t, b.Result.EscapePenalty)
	assert.Equal(t, model.CreditReasonWaitingEscape, b.Result.EscapePenalty.Reason)

	alice := h.user(t, "alice")
	bob := h.user(t, "bob")
	assert.Equal(t, int64(10), alice.Score)
	assert.Equal(t, 1, alice.Wins)
	assert.Equal(t, 0, alice.CurrentStreak)
	assert.Empty(t, alice.BattleHistory)
	assert.Equal(t, 97, bob.Credit)
	assert.Equal(t, 1, bob.Escapes)

	assert.False(t, h.scheduler.Has(graceKey(id)))
	assert.False(t, h.engine.Start(context.Background(), id))
	assert.Len(t, h.events.Of("alice", protocol.TypeBattleEnd), 1)
	assert.Len(t, h.events.Of("bob", protocol.TypeEscapePenalty), 1)
}

func TestWaitingDisconnectBothOfflineDiscards(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Pair(context.Background(), model.DifficultyEasy, "alice", "bob"))
	id, _ := h.engine.ActiveBattleID("alice")
	require.NoError(t, h.persist.Flush(context.Background()))
	_, ok := h.durable.Battle(id)
	require.True(t, ok)

	h.presence.Set("alice", false)
	h.presence.Set("bob", false)
	h.engine.Disconnect(context.Background(), "bob")

	_, ok = h.engine.Battle(id)
	assert.False(t, ok)
	assert.False(t, h.engine.InBattle("alice"))
	assert.False(t, h.engine.InBattle("bob"))
	assert.False(t, h.scheduler.Has(graceKey(id)))
	assert.Empty(t, h.events.Of("alice", protocol.TypeBattleEnd))
	assert.Equal(t, 100, h.user(t, "bob").Credit)

	require.NoError(t, h.persist.Flush(context.Background()))
	_, ok = h.durable.Battle(id)
	assert.False(t, ok)
}

func TestSweepTimesOutAndPrunes(t *testing.T) {
	h := newHarness(t)
	id := h.playing(t)
	h.answer(t, id, "alice", 0, true, 30_000)

	h.clock.Advance(14 * time.Minute)
	settled, _ := h.engine.Sweep(context.Background())
	assert.Equal(t, 0, settled)

	h.clock.Advance(time.Minute)
	settled, _ = h.engine.Sweep(context.Background())
	assert.Equal(t, 1, settled)

	b, _ := h.engine.Battle(id)
	require.Equal(t, model.BattleFinished, b.State)
	assert.True(t, b.Result.Timeout)
	assert.Equal(t, "alice", b.Result.Winner)
	assert.Equal(t, 0, h.user(t, "bob").Escapes)
	assert.False(t, h.engine.InBattle("alice"))

	settled, pruned := h.engine.Sweep(context.Background())
	assert.Equal(t, 0, settled)
	assert.Equal(t, 0, pruned)

	h.clock.Advance(10 * time.Minute)
	_, pruned = h.engine.Sweep(context.Background())
	assert.Equal(t, 1, pruned)
	_, ok := h.engine.Battle(id)
	assert.False(t, ok)

	require.NoError(t, h.persist.Flush(context.Background()))
	stored, ok := h.durable.Battle(id)
	require.True(t, ok, "pruning keeps the durable record")
	assert.Equal(t, model.BattleFinished, stored.State)
}

func TestSweepTimeoutTieIsDraw(t *testing.T) {
	h := newHarness(t)
	id := h.playing(t)

	h.clock.Advance(15 * time.Minute)
	settled, _ := h.engine.Sweep(context.Background())
	require.Equal(t, 1, settled)

	b, _ := h.engine.Battle(id)
	assert.Equal(t, model.ResultDraw, b.Result.Type)
	assert.True(t, b.Result.Timeout)
	assert.Equal(t, int64(5), h.user(t, "alice").Score)
}

func TestConcurrentFinalizersSettleOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t)
		id := h.playing(t)
		for i := 0; i < 4; i++ {
			h.answer(t, id, "alice", i, true, 30_000)
			h.answer(t, id, "bob", i, true, 30_000)
		}
		h.clock.Advance(15 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(4)
		go func() {
			defer wg.Done()
			_ = h.engine.SubmitAnswer(context.Background(), Submission{BattleID: id, UserID: "alice", QuestionIndex: 4, Answer: "a4"})
		}()
		go func() {
			defer wg.Done()
			_ = h.engine.SubmitAnswer(context.Background(), Submission{BattleID: id, UserID: "bob", QuestionIndex: 4, Answer: "a4"})
		}()
		go func() {
			defer wg.Done()
			h.engine.Disconnect(context.Background(), "bob")
		}()
		go func() {
			defer wg.Done()
			h.engine.Sweep(context.Background())
		}()
		wg.Wait()

		b, _ := h.engine.Battle(id)
		require.Equal(t, model.BattleFinished, b.State)
		assert.Len(t, h.events.Of("alice", protocol.TypeBattleEnd), 1)
		assert.Len(t, h.events.Of("bob", protocol.TypeBattleEnd), 1)

		alice := h.user(t, "alice")
		bob := h.user(t, "bob")
		assert.LessOrEqual(t, alice.Wins+alice.Losses+bob.Wins+bob.Losses, 2)
		assert.LessOrEqual(t, len(alice.BattleHistory), 1)
		assert.LessOrEqual(t, bob.Escapes, 1)
	}
}

func TestRestoreResumesPlayingAndDropsWaiting(t *testing.T) {
	h := newHarness(t)
	start := h.clock.Now()

	playing := &model.Battle{
		ID:         "battle-p",
		Difficulty: model.DifficultyEasy,
		State:      model.BattlePlaying,
		StartTime:  &start,
		Questions:  testQuestions(model.DifficultyEasy, 5),
		Players: [2]*model.BattlePlayer{
			model.NewBattlePlayer("alice", "Alice", 5),
			model.NewBattlePlayer("bob", "Bob", 5),
		},
	}
	waiting := &model.Battle{
		ID:    "battle-w",
		State: model.BattleWaiting,
		Players: [2]*model.BattlePlayer{
			model.NewBattlePlayer("carol", "", 5),
			model.NewBattlePlayer("dave", "", 5),
		},
	}
	finished := &model.Battle{ID: "battle-f", State: model.BattleFinished}

	restored, discarded := h.engine.Restore([]*model.Battle{playing, waiting, finished})
	assert.Equal(t, 1, restored)
	assert.Equal(t, 1, discarded)

	assert.True(t, h.engine.InBattle("alice"))
	assert.False(t, h.engine.InBattle("carol"))
	_, ok := h.engine.Battle("battle-f")
	assert.False(t, ok)

	h.answer(t, "battle-p", "alice", 0, true, 30_000)

	h.clock.Advance(15 * time.Minute)
	settled, _ := h.engine.Sweep(context.Background())
	assert.Equal(t, 1, settled)
}
