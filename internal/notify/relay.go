// Package notify delivers server events to users and parks durable events
// for users who are offline.
package notify

import (
	"context"

	"github.com/rs/zerolog/log"

	"quiz-duel/internal/protocol"
)

// Channel is the per-user push channel.
type Channel interface {
	Send(userID string, msg []byte) bool
	IsOnline(userID string) bool
}

// Relay routes events to the channel, falling back to the outbox.
type Relay struct {
	channel Channel
	outbox  Outbox
}

// NewRelay creates a Relay.
func NewRelay(channel Channel, outbox Outbox) *Relay {
	return &Relay{channel: channel, outbox: outbox}
}

// Notify sends ev, parking it if the user cannot take it now.
func (r *Relay) Notify(ctx context.Context, userID string, ev protocol.Event) {
	msg, err := protocol.Encode(ev)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to encode event")
		return
	}
	if r.channel.Send(userID, msg) {
		return
	}
	if err := r.outbox.Push(ctx, userID, msg); err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("type", ev.EventType()).Msg("Failed to park event")
		return
	}
	log.Debug().Str("user_id", userID).Str("type", ev.EventType()).Msg("Event parked")
}

// Publish sends ev if the user is online and drops it otherwise.
func (r *Relay) Publish(ctx context.Context, userID string, ev protocol.Event) {
	msg, err := protocol.Encode(ev)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to encode event")
		return
	}
	r.channel.Send(userID, msg)
}

// IsOnline reports whether the user has a live connection.
func (r *Relay) IsOnline(userID string) bool {
	return r.channel.IsOnline(userID)
}

// Flush delivers the user's parked events after a reconnect. Events the
// channel refuses are parked again in order.
func (r *Relay) Flush(ctx context.Context, userID string) (int, error) {
	msgs, err := r.outbox.Drain(ctx, userID)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i, msg := range msgs {
		if r.channel.Send(userID, msg) {
			delivered++
			continue
		}
		for _, rest := range msgs[i:] {
			if err := r.outbox.Push(ctx, userID, rest); err != nil {
				return delivered, err
			}
		}
		break
	}

	if len(msgs) > 0 {
		log.Info().Str("user_id", userID).Int("delivered", delivered).Int("parked", len(msgs)).Msg("Outbox flushed")
	}
	return delivered, nil
}
