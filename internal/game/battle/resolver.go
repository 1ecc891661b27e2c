package battle

import (
	"context"

	"github.com/rs/zerolog/log"

	"quiz-duel/internal/model"
	"quiz-duel/internal/protocol"
)

// Safe-exit rejection reasons.
const (
	ReasonNotFound       = "battle not found"
	ReasonNotParticipant = "not a participant"
	ReasonIncomplete     = "answers incomplete"
)

// Disconnect resolves the user's active battle after the connection closed.
//
//   - Waiting, opponent online: the leaver loses and pays the waiting escape penalty.
//   - Waiting, opponent offline: the battle is discarded without a result.
//   - Playing: the leaver forfeits, unless it already safe-exited.
func (e *Engine) Disconnect(ctx context.Context, userID string) {
	battleID, ok := e.ActiveBattleID(userID)
	if !ok {
		return
	}
	s := e.session(battleID)
	if s == nil {
		return
	}

	var out outbox
	var discarded *model.Battle
	var cancelGrace bool

	s.mu.Lock()
	b := s.battle
	player, _ := b.Player(userID)
	switch {
	case player == nil || b.State == model.BattleFinished:
	case b.State == model.BattleWaiting:
		opponent := b.Opponent(userID)
		if e.presence != nil && e.presence.IsOnline(opponent.UserID) {
			e.settleWaitingEscape(s, userID, &out)
			cancelGrace = true
		} else {
			b.State = model.BattleFinished
			c := b.Clone()
			discarded = &c
		}
	case player.SafeExited:
		log.Debug().Str("battle_id", b.ID).Str("user_id", userID).Msg("Safe-exited player disconnected")
	default:
		e.settleForfeit(s, userID, &out)
	}
	s.mu.Unlock()

	switch {
	case discarded != nil:
		e.discard(discarded)
		log.Info().Str("battle_id", battleID).Msg("Battle discarded, both players offline")
		return
	case cancelGrace:
		e.scheduler.Cancel(graceKey(battleID))
	}

	e.persist.MarkBattles(battleID)
	e.dispatch(ctx, out)
}

// SafeExit lets a player who answered every question leave without penalty.
// The player's progress is flushed to the durable store before the ack.
func (e *Engine) SafeExit(ctx context.Context, userID, battleID string) protocol.SafeExitAck {
	ack := protocol.SafeExitAck{BattleID: battleID}

	s := e.session(battleID)
	if s == nil {
		ack.Reason = ReasonNotFound
		return ack
	}

	s.mu.Lock()
	b := s.battle
	player, _ := b.Player(userID)
	switch {
	case player == nil:
		s.mu.Unlock()
		ack.Reason = ReasonNotParticipant
		return ack
	case b.State == model.BattleFinished:
		s.mu.Unlock()
		ack.OK = true
		return ack
	case !player.Complete():
		s.mu.Unlock()
		ack.Reason = ReasonIncomplete
		return ack
	}
	player.SafeExited = true
	score := player.TotalScore
	s.mu.Unlock()

	e.persist.MarkBattles(battleID)
	if err := e.persist.Flush(ctx); err != nil {
		log.Error().Err(err).Str("battle_id", battleID).Str("user_id", userID).Msg("Failed to flush safe exit")
	}

	var out outbox
	out.notify(userID, protocol.BattleSaved{BattleID: battleID, Score: score})
	e.dispatch(ctx, out)

	log.Info().Str("battle_id", battleID).Str("user_id", userID).Msg("Player safe-exited")
	ack.OK = true
	return ack
}
