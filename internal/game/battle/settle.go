package battle

import (
	"github.com/rs/zerolog/log"

	"quiz-duel/internal/game/scoring"
	"quiz-duel/internal/model"
	"quiz-duel/internal/protocol"
	"quiz-duel/internal/service"
)

type cause int

const (
	causeCompleted cause = iota
	causeTimeout
)

func (c cause) String() string {
	if c == causeTimeout {
		return "timeout"
	}
	return "completed"
}

// finish moves the battle to Finished. Only the first caller gets true, so
// every settlement path runs at most once per battle.
func (e *Engine) finish(b *model.Battle) bool {
	if b.State == model.BattleFinished {
		return false
	}
	now := e.now()
	b.State = model.BattleFinished
	b.EndTime = &now
	return true
}

func scoresOf(b *model.Battle) map[string]int {
	return map[string]int{
		b.Players[0].UserID: b.Players[0].TotalScore,
		b.Players[1].UserID: b.Players[1].TotalScore,
	}
}

func displayName(p *model.BattlePlayer) string {
	if p.Username != "" {
		return p.Username
	}
	return p.UserID
}

// settleScored ends a Playing battle by comparing totals. The caller holds
// the session lock.
func (e *Engine) settleScored(s *session, c cause, out *outbox) bool {
	b := s.battle
	if !e.finish(b) {
		return false
	}

	tier := e.table.Tier(b.Difficulty)
	p0, p1 := b.Players[0], b.Players[1]
	p0.RecomputeTotal()
	p1.RecomputeTotal()
	duration := b.Duration(*b.EndTime)

	result := &model.BattleResult{
		Scores:  scoresOf(b),
		Timeout: c == causeTimeout,
	}

	if p0.TotalScore == p1.TotalScore {
		result.Type = model.ResultDraw
		err := e.users.UpdatePair(p0.UserID, p1.UserID, func(u0, u1 *model.User) error {
			u0.Score += scoring.DrawBonus
			u1.Score += scoring.DrawBonus
			recordAnswers(b, p0, u0)
			recordAnswers(b, p1, u1)
			e.credit.ApplyCompletion(u0, service.IsNegativeGame(p0.CorrectCount(), duration, tier.MinTime))
			e.credit.ApplyCompletion(u1, service.IsNegativeGame(p1.CorrectCount(), duration, tier.MinTime))
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("battle_id", b.ID).Msg("Failed to apply draw")
		}
	} else {
		winner, loser := p0, p1
		if p1.TotalScore > p0.TotalScore {
			winner, loser = p1, p0
		}
		result.Type = model.ResultWin
		result.Winner = winner.UserID
		result.Loser = loser.UserID
		result.ScoreChange = tier.LadderDelta

		err := e.users.UpdatePair(winner.UserID, loser.UserID, func(uw, ul *model.User) error {
			e.applyLadder(b, winner, loser, uw, ul, tier.LadderDelta)
			recordAnswers(b, winner, uw)
			recordAnswers(b, loser, ul)
			e.credit.ApplyCompletion(uw, service.IsNegativeGame(winner.CorrectCount(), duration, tier.MinTime))
			e.credit.ApplyCompletion(ul, service.IsNegativeGame(loser.CorrectCount(), duration, tier.MinTime))
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("battle_id", b.ID).Msg("Failed to apply win")
		}
	}

	b.Result = result
	e.release(b)
	e.announceEnd(b, out)

	log.Info().
		Str("battle_id", b.ID).
		Str("cause", c.String()).
		Str("result", string(result.Type)).
		Str("winner", result.Winner).
		Interface("scores", result.Scores).
		Msg("Battle settled")
	return true
}

// settleForfeit ends a Playing battle against the player who left. The
// escape penalty is waived when that player had already safe-exited.
func (e *Engine) settleForfeit(s *session, loserID string, out *outbox) bool {
	b := s.battle
	if !e.finish(b) {
		return false
	}

	tier := e.table.Tier(b.Difficulty)
	loser, _ := b.Player(loserID)
	winner := b.Opponent(loserID)
	loser.RecomputeTotal()
	winner.RecomputeTotal()
	escaped := !loser.SafeExited

	result := &model.BattleResult{
		Type:        model.ResultWin,
		Winner:      winner.UserID,
		Loser:       loser.UserID,
		Scores:      scoresOf(b),
		ScoreChange: tier.LadderDelta,
		Disconnect:  true,
		Escape:      escaped,
	}

	var penalty, credit int
	err := e.users.UpdatePair(winner.UserID, loser.UserID, func(uw, ul *model.User) error {
		e.applyLadder(b, winner, loser, uw, ul, tier.LadderDelta)
		recordAnswers(b, winner, uw)
		recordAnswers(b, loser, ul)
		if escaped {
			penalty = -e.credit.ApplyEscape(ul, model.CreditReasonEscape)
		}
		credit = ul.Credit
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("battle_id", b.ID).Msg("Failed to apply forfeit")
	}

	if escaped {
		result.EscapePenalty = &model.EscapePenalty{
			UserID:  loser.UserID,
			Penalty: penalty,
			Reason:  model.CreditReasonEscape,
		}
	}
	b.Result = result
	e.release(b)
	e.announceEnd(b, out)
	if escaped {
		out.notify(loser.UserID, protocol.EscapePenalty{
			BattleID:      b.ID,
			Penalty:       penalty,
			CurrentCredit: credit,
			Difficulty:    b.Difficulty,
			Opponent:      displayName(winner),
			Timestamp:     *b.EndTime,
		})
	}

	log.Info().
		Str("battle_id", b.ID).
		Str("winner", winner.UserID).
		Str("loser", loser.UserID).
		Bool("escape", escaped).
		Int("penalty", penalty).
		Msg("Battle forfeited")
	return true
}

// settleWaitingEscape ends a Waiting battle whose player left during the
// grace period while the opponent stayed. No answers exist, so scores are 0
// and no streak or history changes.
func (e *Engine) settleWaitingEscape(s *session, loserID string, out *outbox) bool {
	b := s.battle
	if !e.finish(b) {
		return false
	}

	tier := e.table.Tier(b.Difficulty)
	loser, _ := b.Player(loserID)
	winner := b.Opponent(loserID)

	var penalty, credit int
	err := e.users.UpdatePair(winner.UserID, loser.UserID, func(uw, ul *model.User) error {
		uw.Score += tier.LadderDelta
		uw.Wins++
		ul.Losses++
		penalty = -e.credit.ApplyEscape(ul, model.CreditReasonWaitingEscape)
		credit = ul.Credit
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("battle_id", b.ID).Msg("Failed to apply waiting escape")
	}

	b.Result = &model.BattleResult{
		Type:         model.ResultWin,
		Winner:       winner.UserID,
		Loser:        loser.UserID,
		Scores:       map[string]int{winner.UserID: 0, loser.UserID: 0},
		ScoreChange:  tier.LadderDelta,
		Disconnect:   true,
		Escape:       true,
		WaitingPhase: true,
		EscapePenalty: &model.EscapePenalty{
			UserID:  loser.UserID,
			Penalty: penalty,
			Reason:  model.CreditReasonWaitingEscape,
		},
	}
	e.release(b)
	e.announceEnd(b, out)
	out.notify(loser.UserID, protocol.EscapePenalty{
		BattleID:      b.ID,
		Penalty:       penalty,
		CurrentCredit: credit,
		Difficulty:    b.Difficulty,
		Opponent:      displayName(winner),
		WaitingPhase:  true,
		Timestamp:     *b.EndTime,
	})

	log.Info().
		Str("battle_id", b.ID).
		Str("winner", winner.UserID).
		Str("loser", loser.UserID).
		Int("penalty", penalty).
		Msg("Battle abandoned during grace period")
	return true
}

// applyLadder moves ladder score, win/loss counters, streaks and history.
func (e *Engine) applyLadder(b *model.Battle, winner, loser *model.BattlePlayer, uw, ul *model.User, delta int64) {
	uw.Score += delta
	ul.Score -= scoring.LoserPenalty(delta)
	if ul.Score < 0 {
		ul.Score = 0
	}
	uw.Wins++
	ul.Losses++

	uw.CurrentStreak++
	if uw.CurrentStreak > uw.MaxStreak {
		uw.MaxStreak = uw.CurrentStreak
	}
	ul.CurrentStreak = 0

	at := *b.EndTime
	uw.AppendBattleRecord(model.BattleRecord{
		BattleID:   b.ID,
		Result:     model.RecordWin,
		Opponent:   displayName(loser),
		Score:      winner.TotalScore,
		Difficulty: b.Difficulty,
		Timestamp:  at,
	})
	ul.AppendBattleRecord(model.BattleRecord{
		BattleID:   b.ID,
		Result:     model.RecordLoss,
		Opponent:   displayName(winner),
		Score:      loser.TotalScore,
		Difficulty: b.Difficulty,
		Timestamp:  at,
	})
}

// recordAnswers folds the player's filled slots into the account's answer
// totals and banks every wrong or timed-out answer.
func recordAnswers(b *model.Battle, p *model.BattlePlayer, u *model.User) {
	for i, a := range p.Answers {
		if a == nil || i >= len(b.Questions) {
			continue
		}
		u.QuestionsAnswered++
		if a.Correct {
			u.CorrectAnswers++
			continue
		}
		q := b.Questions[i]
		u.RecordError(model.ErrorEntry{
			QuestionID:    q.ID,
			BattleID:      b.ID,
			Content:       q.Content,
			Type:          q.Type,
			Difficulty:    q.Difficulty,
			Options:       append([]string(nil), q.Options...),
			UserAnswer:    a.Answer,
			TimedOut:      a.TimedOut,
			CorrectAnswer: q.Answer,
			Explanation:   q.Explanation,
			Timestamp:     *b.EndTime,
		})
	}
}

func (e *Engine) announceEnd(b *model.Battle, out *outbox) {
	r := b.Result
	for _, id := range b.UserIDs() {
		out.notify(id, protocol.BattleEnd{
			BattleID:      b.ID,
			Result:        r,
			Scores:        r.Scores,
			Difficulty:    b.Difficulty,
			Timeout:       r.Timeout,
			Disconnect:    r.Disconnect,
			Escape:        r.Escape,
			WaitingPhase:  r.WaitingPhase,
			EscapePenalty: r.EscapePenalty,
		})
	}
}
