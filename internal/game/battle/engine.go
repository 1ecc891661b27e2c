// Package battle runs two-player quiz battles from pairing to settlement.
package battle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"quiz-duel/internal/game/matchmaking"
	"quiz-duel/internal/game/scoring"
	"quiz-duel/internal/model"
	"quiz-duel/internal/protocol"
	"quiz-duel/internal/service"
	"quiz-duel/internal/store"
)

// Notifier delivers events to users. Notify falls back to the user's outbox
// when offline; Publish drops the event.
type Notifier interface {
	Notify(ctx context.Context, userID string, ev protocol.Event)
	Publish(ctx context.Context, userID string, ev protocol.Event)
}

// Presence reports whether a user has a live connection.
type Presence interface {
	IsOnline(userID string) bool
}

// Scheduler runs keyed one-shot tasks.
type Scheduler interface {
	After(key string, delay time.Duration, fn func())
	Cancel(key string)
}

// QuestionPicker draws the question set of a new battle.
type QuestionPicker interface {
	Pick(ctx context.Context, difficulty model.Difficulty, count int) ([]model.Question, error)
}

// Persistence is the write-behind path to the durable store. User changes
// reach it through the user store's change hook.
type Persistence interface {
	MarkBattles(ids ...string)
	ForgetBattles(ids ...string)
	Flush(ctx context.Context) error
}

// Config holds battle timings.
type Config struct {
	GracePeriod   time.Duration
	MaxDuration   time.Duration
	Retention     time.Duration
	QuestionCount int
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		GracePeriod:   3 * time.Second,
		MaxDuration:   15 * time.Minute,
		Retention:     10 * time.Minute,
		QuestionCount: 5,
	}
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Users     *store.UserStore
	Credit    *service.CreditService
	Table     scoring.Table
	Questions QuestionPicker
	Notifier  Notifier
	Presence  Presence
	Scheduler Scheduler
	Persist   Persistence
	Now       func() time.Time
	NewID     func() string
}

// session guards one battle. Its mutex serializes answers, timers, the
// sweep, disconnects and safe-exits of that battle.
type session struct {
	mu     sync.Mutex
	battle *model.Battle
}

// Engine owns the battle table and the user -> active battle index.
//
// Lock order: battle session, then the table, then user locks. The table
// lock is never held while acquiring a session lock.
type Engine struct {
	cfg Config

	mu      sync.RWMutex
	battles map[string]*session
	active  map[string]string

	users     *store.UserStore
	credit    *service.CreditService
	table     scoring.Table
	questions QuestionPicker
	notifier  Notifier
	presence  Presence
	scheduler Scheduler
	persist   Persistence
	now       func() time.Time
	newID     func() string
}

// New creates an Engine.
func New(cfg Config, deps Deps) *Engine {
	if deps.Table == nil {
		deps.Table = scoring.DefaultTable()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return "battle-" + uuid.NewString() }
	}
	return &Engine{
		cfg:       cfg,
		battles:   make(map[string]*session),
		active:    make(map[string]string),
		users:     deps.Users,
		credit:    deps.Credit,
		table:     deps.Table,
		questions: deps.Questions,
		notifier:  deps.Notifier,
		presence:  deps.Presence,
		scheduler: deps.Scheduler,
		persist:   deps.Persist,
		now:       deps.Now,
		newID:     deps.NewID,
	}
}

func graceKey(battleID string) string {
	return "grace:" + battleID
}

func (e *Engine) session(battleID string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.battles[battleID]
}

// InBattle reports whether the user is in a Waiting or Playing battle.
func (e *Engine) InBattle(userID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.active[userID]
	return ok
}

// ActiveBattleID returns the user's active battle.
func (e *Engine) ActiveBattleID(userID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.active[userID]
	return id, ok
}

// Battle returns a copy of a battle.
func (e *Engine) Battle(battleID string) (model.Battle, bool) {
	s := e.session(battleID)
	if s == nil {
		return model.Battle{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battle.Clone(), true
}

// Stats counts battles per state.
func (e *Engine) Stats() map[model.BattleState]int {
	e.mu.RLock()
	sessions := make([]*session, 0, len(e.battles))
	for _, s := range e.battles {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	stats := make(map[model.BattleState]int)
	for _, s := range sessions {
		s.mu.Lock()
		stats[s.battle.State]++
		s.mu.Unlock()
	}
	return stats
}

// Pair creates a Waiting battle for two users and schedules its start. It
// returns matchmaking.ErrOpponentGone when first is no longer connected.
func (e *Engine) Pair(ctx context.Context, difficulty model.Difficulty, first, second string) error {
	if first == second {
		return ErrSamePlayer
	}
	if e.presence != nil && !e.presence.IsOnline(first) {
		return matchmaking.ErrOpponentGone
	}

	questions, err := e.questions.Pick(ctx, difficulty, e.cfg.QuestionCount)
	if err != nil {
		return fmt.Errorf("failed to pick questions: %w", err)
	}

	u1 := e.users.Ensure(first, "")
	u2 := e.users.Ensure(second, "")
	now := e.now()

	b := &model.Battle{
		ID:         e.newID(),
		Difficulty: difficulty,
		State:      model.BattleWaiting,
		CreatedAt:  now,
		Questions:  questions,
		Players: [2]*model.BattlePlayer{
			model.NewBattlePlayer(u1.ID, u1.Username, len(questions)),
			model.NewBattlePlayer(u2.ID, u2.Username, len(questions)),
		},
	}

	e.mu.Lock()
	if _, busy := e.active[first]; busy {
		e.mu.Unlock()
		return ErrAlreadyActive
	}
	if _, busy := e.active[second]; busy {
		e.mu.Unlock()
		return ErrAlreadyActive
	}
	e.battles[b.ID] = &session{battle: b}
	e.active[first] = b.ID
	e.active[second] = b.ID
	e.mu.Unlock()

	e.persist.MarkBattles(b.ID)

	public := make([]model.Question, len(questions))
	for i, q := range questions {
		public[i] = q.Public()
	}
	var out outbox
	out.publish(first, protocol.MatchFound{
		BattleID:    b.ID,
		Difficulty:  difficulty,
		Opponent:    protocol.Opponent{UserID: u2.ID, Username: u2.Username},
		Questions:   public,
		GraceMillis: e.cfg.GracePeriod.Milliseconds(),
	})
	out.publish(second, protocol.MatchFound{
		BattleID:    b.ID,
		Difficulty:  difficulty,
		Opponent:    protocol.Opponent{UserID: u1.ID, Username: u1.Username},
		Questions:   public,
		GraceMillis: e.cfg.GracePeriod.Milliseconds(),
	})
	e.dispatch(ctx, out)

	battleID := b.ID
	e.scheduler.After(graceKey(battleID), e.cfg.GracePeriod, func() {
		e.Start(context.Background(), battleID)
	})

	log.Info().
		Str("battle_id", b.ID).
		Str("difficulty", string(difficulty)).
		Strs("players", b.UserIDs()).
		Int("questions", len(questions)).
		Msg("Battle created")
	return nil
}

// Start moves a Waiting battle to Playing. It runs when the grace period
// ends; a battle that is gone or no longer Waiting is left untouched.
func (e *Engine) Start(ctx context.Context, battleID string) bool {
	s := e.session(battleID)
	if s == nil {
		return false
	}

	s.mu.Lock()
	b := s.battle
	if b.State != model.BattleWaiting {
		s.mu.Unlock()
		return false
	}
	now := e.now()
	b.State = model.BattlePlaying
	b.StartTime = &now
	ids := b.UserIDs()
	s.mu.Unlock()

	e.persist.MarkBattles(battleID)

	var out outbox
	for _, id := range ids {
		out.publish(id, protocol.BattleStart{
			BattleID:    battleID,
			StartTime:   now,
			LimitMillis: e.cfg.MaxDuration.Milliseconds(),
		})
	}
	e.dispatch(ctx, out)

	log.Info().Str("battle_id", battleID).Msg("Battle started")
	return true
}

// Submission is one answer from a client.
type Submission struct {
	BattleID      string
	UserID        string
	QuestionIndex int
	Answer        string
	TimedOut      bool
	TimeTaken     int64 // milliseconds
}

// SubmitAnswer scores and stores one answer slot. Rejected submissions leave
// the battle unchanged and return an error classified as ErrStateConflict or
// ErrValidation.
func (e *Engine) SubmitAnswer(ctx context.Context, sub Submission) error {
	s := e.session(sub.BattleID)
	if s == nil {
		return ErrBattleNotFound
	}

	var out outbox
	var settled bool

	s.mu.Lock()
	b := s.battle
	if b.State != model.BattlePlaying {
		s.mu.Unlock()
		return ErrNotPlaying
	}
	player, _ := b.Player(sub.UserID)
	if player == nil {
		s.mu.Unlock()
		return ErrNotParticipant
	}
	if sub.QuestionIndex < 0 || sub.QuestionIndex >= len(b.Questions) {
		s.mu.Unlock()
		return ErrIndexRange
	}
	if player.Answers[sub.QuestionIndex] != nil {
		s.mu.Unlock()
		return ErrSlotFilled
	}

	timeTaken := sub.TimeTaken
	if timeTaken < 0 {
		timeTaken = 0
	}
	q := b.Questions[sub.QuestionIndex]
	correct := !sub.TimedOut && q.IsCorrect(sub.Answer)
	points := scoring.AnswerScore(correct, sub.TimedOut, timeTaken, e.table.Tier(b.Difficulty))

	player.Answers[sub.QuestionIndex] = &model.Answer{
		Answer:    sub.Answer,
		TimedOut:  sub.TimedOut,
		Correct:   correct,
		TimeTaken: timeTaken,
		Score:     points,
	}
	player.Progress = player.Answered()
	total := player.RecomputeTotal()

	for _, id := range b.UserIDs() {
		out.publish(id, protocol.BattleUpdate{
			BattleID:      b.ID,
			PlayerID:      player.UserID,
			QuestionIndex: sub.QuestionIndex,
			Progress:      player.Progress,
			Score:         total,
			Correct:       correct,
			AnswerScore:   points,
		})
	}

	if player.Complete() && !player.Finished {
		now := e.now()
		player.Finished = true
		player.FinishedAt = &now
		out.notify(player.UserID, protocol.PlayerFinished{
			BattleID:    b.ID,
			PlayerID:    player.UserID,
			Score:       total,
			CanSafeExit: true,
		})
	}

	if b.Players[0].Complete() && b.Players[1].Complete() {
		settled = e.settleScored(s, causeCompleted, &out)
	}
	s.mu.Unlock()

	e.persist.MarkBattles(b.ID)
	e.dispatch(ctx, out)

	if settled {
		log.Info().Str("battle_id", sub.BattleID).Msg("Battle completed")
	}
	return nil
}

// Restore loads battles found in the durable store at startup. Playing
// battles resume and stay subject to the timeout sweep; Waiting battles are
// discarded since their grace timer was lost.
func (e *Engine) Restore(battles []*model.Battle) (restored, discarded int) {
	var forget []string

	e.mu.Lock()
	for _, b := range battles {
		switch b.State {
		case model.BattlePlaying:
			if b.StartTime == nil {
				now := e.now()
				b.StartTime = &now
			}
			c := b.Clone()
			e.battles[b.ID] = &session{battle: &c}
			for _, id := range c.UserIDs() {
				e.active[id] = c.ID
			}
			restored++
		case model.BattleWaiting:
			forget = append(forget, b.ID)
			discarded++
		}
	}
	e.mu.Unlock()

	if len(forget) > 0 {
		e.persist.ForgetBattles(forget...)
	}
	log.Info().Int("restored", restored).Int("discarded", discarded).Msg("Battles restored")
	return restored, discarded
}

// release drops the users' active index entries pointing at battleID.
func (e *Engine) release(b *model.Battle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range b.UserIDs() {
		if e.active[id] == b.ID {
			delete(e.active, id)
		}
	}
}

// discard removes a battle that never produced a result.
func (e *Engine) discard(b *model.Battle) {
	e.mu.Lock()
	delete(e.battles, b.ID)
	for _, id := range b.UserIDs() {
		if e.active[id] == b.ID {
			delete(e.active, id)
		}
	}
	e.mu.Unlock()

	e.scheduler.Cancel(graceKey(b.ID))
	e.persist.ForgetBattles(b.ID)
}

// delivery is one queued outbound event.
type delivery struct {
	userID  string
	event   protocol.Event
	durable bool
}

// outbox collects events under locks for dispatch after unlock.
type outbox []delivery

func (o *outbox) notify(userID string, ev protocol.Event) {
	*o = append(*o, delivery{userID: userID, event: ev, durable: true})
}

func (o *outbox) publish(userID string, ev protocol.Event) {
	*o = append(*o, delivery{userID: userID, event: ev})
}

func (e *Engine) dispatch(ctx context.Context, out outbox) {
	if e.notifier == nil {
		return
	}
	for _, d := range out {
		if d.durable {
			e.notifier.Notify(ctx, d.userID, d.event)
		} else {
			e.notifier.Publish(ctx, d.userID, d.event)
		}
	}
}
