package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"quiz-duel/internal/model"
)

// UserSource yields consistent copies of users for persistence.
type UserSource interface {
	Get(id string) (model.User, bool)
}

// BattleSource yields consistent copies of battles for persistence.
type BattleSource interface {
	Battle(id string) (model.Battle, bool)
}

// PersisterStats counts flush outcomes.
type PersisterStats struct {
	Flushes  int64
	Failures int64
	Pending  int
}

// Persister writes dirty users and battles to the durable store behind the
// in-memory state. A failed flush keeps its entries dirty; they are retried
// on the next mark or flush.
type Persister struct {
	durable Durable
	users   UserSource
	battles BattleSource

	mu           sync.Mutex
	dirtyUsers   map[string]struct{}
	dirtyBattles map[string]struct{}
	deleted      map[string]struct{}
	stats        PersisterStats

	flushMu sync.Mutex
	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	timeout time.Duration
}

// NewPersister creates a Persister. SetSources must be called before the
// first flush.
func NewPersister(durable Durable) *Persister {
	return &Persister{
		durable:      durable,
		dirtyUsers:   make(map[string]struct{}),
		dirtyBattles: make(map[string]struct{}),
		deleted:      make(map[string]struct{}),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		timeout:      5 * time.Second,
	}
}

// SetSources wires the owners the persister reads from.
func (p *Persister) SetSources(users UserSource, battles BattleSource) {
	p.users = users
	p.battles = battles
}

// MarkUsers schedules users for writing.
func (p *Persister) MarkUsers(ids ...string) {
	p.mu.Lock()
	for _, id := range ids {
		p.dirtyUsers[id] = struct{}{}
	}
	p.mu.Unlock()
	p.signal()
}

// MarkBattles schedules battles for writing.
func (p *Persister) MarkBattles(ids ...string) {
	p.mu.Lock()
	for _, id := range ids {
		if _, gone := p.deleted[id]; !gone {
			p.dirtyBattles[id] = struct{}{}
		}
	}
	p.mu.Unlock()
	p.signal()
}

// ForgetBattles schedules battles for deletion.
func (p *Persister) ForgetBattles(ids ...string) {
	p.mu.Lock()
	for _, id := range ids {
		delete(p.dirtyBattles, id)
		p.deleted[id] = struct{}{}
	}
	p.mu.Unlock()
	p.signal()
}

func (p *Persister) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start runs the background flush worker.
func (p *Persister) Start() {
	p.wg.Add(1)
	go p.worker()
	log.Info().Msg("Persister started")
}

func (p *Persister) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			if err := p.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("Write-behind flush failed")
			}
			cancel()
		}
	}
}

// Stop halts the worker and makes a final synchronous flush.
func (p *Persister) Stop(ctx context.Context) error {
	close(p.stop)
	p.wg.Wait()
	return p.Flush(ctx)
}

// Flush synchronously writes everything currently dirty.
func (p *Persister) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	userIDs := drain(p.dirtyUsers)
	battleIDs := drain(p.dirtyBattles)
	deletedIDs := drain(p.deleted)
	p.mu.Unlock()

	if len(userIDs)+len(battleIDs)+len(deletedIDs) == 0 {
		return nil
	}

	err := p.write(ctx, userIDs, battleIDs, deletedIDs)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Flushes++
	if err != nil {
		p.stats.Failures++
		for _, id := range userIDs {
			p.dirtyUsers[id] = struct{}{}
		}
		for _, id := range battleIDs {
			if _, gone := p.deleted[id]; !gone {
				p.dirtyBattles[id] = struct{}{}
			}
		}
		for _, id := range deletedIDs {
			p.deleted[id] = struct{}{}
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (p *Persister) write(ctx context.Context, userIDs, battleIDs, deletedIDs []string) error {
	if len(userIDs) > 0 && p.users != nil {
		users := make([]*model.User, 0, len(userIDs))
		for _, id := range userIDs {
			if u, ok := p.users.Get(id); ok {
				users = append(users, &u)
			}
		}
		if err := p.durable.SaveUsers(ctx, users); err != nil {
			return fmt.Errorf("failed to save users: %w", err)
		}
	}

	if len(battleIDs) > 0 && p.battles != nil {
		battles := make([]*model.Battle, 0, len(battleIDs))
		for _, id := range battleIDs {
			if b, ok := p.battles.Battle(id); ok {
				battles = append(battles, &b)
			}
		}
		if len(battles) > 0 {
			if err := p.durable.SaveBattles(ctx, battles); err != nil {
				return fmt.Errorf("failed to save battles: %w", err)
			}
		}
	}

	if len(deletedIDs) > 0 {
		if err := p.durable.DeleteBattles(ctx, deletedIDs); err != nil {
			return fmt.Errorf("failed to delete battles: %w", err)
		}
	}
	return nil
}

// Stats returns a snapshot of flush counters.
func (p *Persister) Stats() PersisterStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Pending = len(p.dirtyUsers) + len(p.dirtyBattles) + len(p.deleted)
	return s
}

func drain(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
		delete(set, id)
	}
	sort.Strings(ids)
	return ids
}
