// Package handler routes client traffic to the matchmaking queue, the battle
// engine and the credit service.
package handler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"quiz-duel/internal/game/battle"
	"quiz-duel/internal/game/matchmaking"
	"quiz-duel/internal/pkg/auth"
	"quiz-duel/internal/protocol"
	"quiz-duel/internal/server"
	"quiz-duel/internal/service"
	"quiz-duel/internal/store"
)

// Flusher delivers parked events once a user binds a connection.
type Flusher interface {
	Flush(ctx context.Context, userID string) (int, error)
}

// WSHandler handles websocket events.
type WSHandler struct {
	auth   *auth.Authenticator
	users  *store.UserStore
	credit *service.CreditService
	queue  *matchmaking.Queue
	engine *battle.Engine
	relay  Flusher
	now    func() time.Time
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	authenticator *auth.Authenticator,
	users *store.UserStore,
	credit *service.CreditService,
	queue *matchmaking.Queue,
	engine *battle.Engine,
	relay Flusher,
) *WSHandler {
	return &WSHandler{
		auth:   authenticator,
		users:  users,
		credit: credit,
		queue:  queue,
		engine: engine,
		relay:  relay,
		now:    time.Now,
	}
}

var _ server.MessageHandler = (*WSHandler)(nil)

// HandleMessage decodes and routes one client event.
func (h *WSHandler) HandleMessage(ctx context.Context, sess *server.Session, data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		reply(sess, protocol.Error{Code: protocol.CodeValidation, Message: err.Error()})
		return
	}

	userID := sess.UserID()
	if userID == "" && in.Kind != protocol.KindAuth && in.Kind != protocol.KindPing {
		reply(sess, protocol.Error{Code: protocol.CodeUnauthorized, Message: "auth required"})
		return
	}

	switch p := in.Payload.(type) {
	case *protocol.Auth:
		h.handleAuth(ctx, sess, p)
	case *protocol.MatchJoin:
		h.handleMatchJoin(ctx, sess, userID, p)
	case *protocol.MatchCancel:
		h.queue.Cancel(userID)
		reply(sess, protocol.MatchStatus{Status: protocol.MatchCancelled})
	case *protocol.AnswerProgress:
		h.handleAnswer(ctx, sess, userID, p)
	case *protocol.SafeExit:
		reply(sess, h.engine.SafeExit(ctx, userID, p.BattleID))
	case *protocol.BattleReady:
		log.Debug().Str("user_id", userID).Str("battle_id", p.BattleID).Msg("Client ready")
	case *protocol.Ping:
		reply(sess, protocol.Pong{Time: h.now().UnixMilli()})
	}
}

// HandleClose withdraws the user from the queue and resolves its battle.
// A connection replaced by a newer one is not a departure.
func (h *WSHandler) HandleClose(ctx context.Context, sess *server.Session) {
	userID := sess.UserID()
	if userID == "" || !sess.Release() {
		return
	}

	if h.queue.Cancel(userID) {
		log.Debug().Str("user_id", userID).Msg("Queue request withdrawn on disconnect")
	}
	h.engine.Disconnect(ctx, userID)
}

func (h *WSHandler) handleAuth(ctx context.Context, sess *server.Session, p *protocol.Auth) {
	userID, err := h.auth.Authenticate(p.Token, p.UserID)
	if err != nil {
		log.Debug().Err(err).Str("session_id", sess.ID).Msg("Authentication failed")
		reply(sess, protocol.Error{Code: protocol.CodeUnauthorized, Message: "authentication failed"})
		return
	}

	user := h.users.Ensure(userID, p.Username)
	if !sess.Bind(userID) {
		reply(sess, protocol.Error{Code: protocol.CodeConflict, Message: "connection already bound to another user"})
		return
	}

	canBattle, credit := h.credit.CanJoinBattle(userID)
	reply(sess, protocol.AuthOK{
		UserID:    user.ID,
		Username:  user.Username,
		Credit:    credit,
		CanBattle: canBattle,
	})

	if _, err := h.relay.Flush(ctx, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to flush outbox")
	}

	log.Info().Str("user_id", userID).Str("session_id", sess.ID).Msg("User connected")
}

func (h *WSHandler) handleMatchJoin(ctx context.Context, sess *server.Session, userID string, p *protocol.MatchJoin) {
	res, err := h.queue.Enqueue(ctx, userID, p.Difficulty)
	if err != nil {
		var inelig *matchmaking.IneligibleError
		switch {
		case errors.As(err, &inelig):
			credit := inelig.Credit
			reply(sess, protocol.MatchStatus{
				Status:     protocol.MatchError,
				Difficulty: p.Difficulty,
				Reason:     "credit below battle floor",
				Credit:     &credit,
				Required:   inelig.Required,
			})
		case errors.Is(err, matchmaking.ErrInBattle):
			reply(sess, protocol.MatchStatus{Status: protocol.MatchError, Difficulty: p.Difficulty, Reason: "already in a battle"})
		case errors.Is(err, matchmaking.ErrInvalidDifficulty):
			reply(sess, protocol.Error{Code: protocol.CodeValidation, Message: err.Error()})
		default:
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to join queue")
			reply(sess, protocol.MatchStatus{Status: protocol.MatchError, Difficulty: p.Difficulty, Reason: "matchmaking unavailable"})
		}
		return
	}

	switch res.Status {
	case matchmaking.StatusMatched:
		reply(sess, protocol.MatchStatus{Status: protocol.MatchMatched, Difficulty: res.Difficulty})
	default:
		reply(sess, protocol.MatchStatus{
			Status:     protocol.MatchWaiting,
			Difficulty: res.Difficulty,
			Position:   res.Position,
			Queue:      h.queue.Stats(),
		})
	}
}

func (h *WSHandler) handleAnswer(ctx context.Context, sess *server.Session, userID string, p *protocol.AnswerProgress) {
	err := h.engine.SubmitAnswer(ctx, battle.Submission{
		BattleID:      p.BattleID,
		UserID:        userID,
		QuestionIndex: *p.QuestionIndex,
		Answer:        p.Answer,
		TimedOut:      p.TimedOut,
		TimeTaken:     p.TimeTaken,
	})
	switch {
	case err == nil:
	case errors.Is(err, battle.ErrValidation):
		reply(sess, protocol.Error{Code: protocol.CodeValidation, Message: err.Error()})
	default:
		log.Debug().Err(err).Str("user_id", userID).Str("battle_id", p.BattleID).Msg("Answer ignored")
	}
}

func reply(sess *server.Session, ev protocol.Event) {
	msg, err := protocol.Encode(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode reply")
		return
	}
	sess.Reply(msg)
}
