package battle

import (
	"context"

	"github.com/rs/zerolog/log"

	"quiz-duel/internal/model"
)

// Sweep settles Playing battles that ran past MaxDuration and drops finished
// battles older than Retention from memory. Durable records are kept.
func (e *Engine) Sweep(ctx context.Context) (settled, pruned int) {
	e.mu.RLock()
	sessions := make([]*session, 0, len(e.battles))
	for _, s := range e.battles {
		sessions = append(sessions, s)
	}
	e.mu.RUnlock()

	now := e.now()
	var out outbox
	var touched, expired []string

	for _, s := range sessions {
		s.mu.Lock()
		b := s.battle
		switch {
		case b.State == model.BattlePlaying && b.StartTime != nil && now.Sub(*b.StartTime) >= e.cfg.MaxDuration:
			if e.settleScored(s, causeTimeout, &out) {
				touched = append(touched, b.ID)
				settled++
			}
		case b.State == model.BattleFinished && b.EndTime != nil && now.Sub(*b.EndTime) >= e.cfg.Retention:
			expired = append(expired, b.ID)
		}
		s.mu.Unlock()
	}

	if len(expired) > 0 {
		e.mu.Lock()
		for _, id := range expired {
			delete(e.battles, id)
		}
		e.mu.Unlock()
		pruned = len(expired)
	}

	if len(touched) > 0 {
		e.persist.MarkBattles(touched...)
	}
	e.dispatch(ctx, out)

	if settled > 0 || pruned > 0 {
		log.Info().Int("timed_out", settled).Int("pruned", pruned).Msg("Battle sweep finished")
	}
	return settled, pruned
}
