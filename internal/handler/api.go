package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"quiz-duel/internal/game/battle"
	"quiz-duel/internal/game/matchmaking"
	"quiz-duel/internal/model"
	"quiz-duel/internal/pkg/auth"
	"quiz-duel/internal/service"
	"quiz-duel/internal/store"
)

// HeaderUserID names the caller when tokens are disabled.
const HeaderUserID = "X-User-Id"

const localUserID = "userID"

// HealthFunc checks a backing service.
type HealthFunc func(ctx context.Context) error

// APIHandler serves the REST surface.
type APIHandler struct {
	auth   *auth.Authenticator
	users  *store.UserStore
	credit *service.CreditService
	queue  *matchmaking.Queue
	engine *battle.Engine
	online func() int
	checks map[string]HealthFunc
}

// NewAPIHandler creates a new APIHandler. online reports the number of
// connected users; checks run on every /healthz request.
func NewAPIHandler(
	authenticator *auth.Authenticator,
	users *store.UserStore,
	credit *service.CreditService,
	queue *matchmaking.Queue,
	engine *battle.Engine,
	online func() int,
	checks map[string]HealthFunc,
) *APIHandler {
	return &APIHandler{
		auth:   authenticator,
		users:  users,
		credit: credit,
		queue:  queue,
		engine: engine,
		online: online,
		checks: checks,
	}
}

// Register mounts the routes on app.
func (h *APIHandler) Register(app fiber.Router) {
	app.Get("/healthz", h.HandleHealth)

	api := app.Group("/api")
	users := api.Group("/users/:id", h.requireSelf)
	users.Get("/credit", h.HandleCredit)
	users.Get("/credit/history", h.HandleCreditHistory)
	users.Get("/battles", h.HandleBattleHistory)
	users.Get("/battle-stats", h.HandleUserBattleStats)
	users.Get("/errors", h.HandleErrorBank)
	users.Get("/errors/export", h.HandleErrorBankExport)
	users.Delete("/errors", h.HandleClearErrorBank)

	battles := api.Group("/battles/:id", h.requireUser)
	battles.Get("", h.HandleBattle)
	battles.Get("/stats", h.HandleBattleStats)
}

// requireSelf checks the bearer token against :id when tokens are enabled.
func (h *APIHandler) requireSelf(c *fiber.Ctx) error {
	if !h.auth.Enabled() {
		return c.Next()
	}
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	userID, err := h.auth.Authenticate(token, "")
	if err != nil || userID != c.Params("id") {
		return fiber.ErrUnauthorized
	}
	return c.Next()
}

// requireUser resolves the caller from the bearer token, or from the
// X-User-Id header when tokens are disabled.
func (h *APIHandler) requireUser(c *fiber.Ctx) error {
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	userID, err := h.auth.Authenticate(token, c.Get(HeaderUserID))
	if err != nil {
		return fiber.ErrUnauthorized
	}
	c.Locals(localUserID, userID)
	return c.Next()
}

func callerID(c *fiber.Ctx) string {
	id, _ := c.Locals(localUserID).(string)
	return id
}

// HandleHealth reports liveness and engine counters.
func (h *APIHandler) HandleHealth(c *fiber.Ctx) error {
	status := fiber.StatusOK
	deps := fiber.Map{}
	for name, check := range h.checks {
		if err := check(c.UserContext()); err != nil {
			log.Warn().Err(err).Str("check", name).Msg("Health check failed")
			deps[name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	online := 0
	if h.online != nil {
		online = h.online()
	}

	state := "ok"
	if status != fiber.StatusOK {
		state = "degraded"
	}
	return c.Status(status).JSON(fiber.Map{
		"status":  state,
		"deps":    deps,
		"online":  online,
		"queue":   h.queue.Stats(),
		"battles": h.engine.Stats(),
	})
}

// HandleCredit returns the user's credit snapshot.
func (h *APIHandler) HandleCredit(c *fiber.Ctx) error {
	snap, err := h.credit.Snapshot(c.Params("id"))
	if err != nil {
		return notFoundOr(err)
	}
	return c.JSON(snap)
}

// HandleCreditHistory returns the newest ledger entries.
func (h *APIHandler) HandleCreditHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", service.DefaultHistoryLimit)
	entries, err := h.credit.History(c.Params("id"), limit)
	if err != nil {
		return notFoundOr(err)
	}
	return c.JSON(fiber.Map{
		"userId":  c.Params("id"),
		"entries": entries,
	})
}

// HandleBattleHistory returns the user's battle record, newest first.
func (h *APIHandler) HandleBattleHistory(c *fiber.Ctx) error {
	u, ok := h.users.Get(c.Params("id"))
	if !ok {
		return fiber.ErrNotFound
	}

	history := make([]model.BattleRecord, 0, len(u.BattleHistory))
	for i := len(u.BattleHistory) - 1; i >= 0; i-- {
		history = append(history, u.BattleHistory[i])
	}

	resp := fiber.Map{
		"userId":        u.ID,
		"score":         u.Score,
		"wins":          u.Wins,
		"losses":        u.Losses,
		"currentStreak": u.CurrentStreak,
		"maxStreak":     u.MaxStreak,
		"history":       history,
	}
	if id, ok := h.engine.ActiveBattleID(u.ID); ok {
		resp["activeBattle"] = id
	}
	return c.JSON(resp)
}

// HandleBattle returns a battle to one of its players, without answer keys.
// Per-slot answers stay hidden until the battle is finished.
func (h *APIHandler) HandleBattle(c *fiber.Ctx) error {
	b, err := h.participantBattle(c)
	if err != nil {
		return err
	}
	for i, q := range b.Questions {
		b.Questions[i] = q.Public()
	}
	if b.State != model.BattleFinished {
		for _, p := range b.Players {
			if p != nil {
				p.Answers = nil
			}
		}
	}
	return c.JSON(b)
}

func (h *APIHandler) participantBattle(c *fiber.Ctx) (model.Battle, error) {
	b, ok := h.engine.Battle(c.Params("id"))
	if !ok {
		return model.Battle{}, fiber.ErrNotFound
	}
	if p, _ := b.Player(callerID(c)); p == nil {
		return model.Battle{}, fiber.ErrForbidden
	}
	return b, nil
}

func notFoundOr(err error) error {
	if errors.Is(err, store.ErrUserNotFound) {
		return fiber.ErrNotFound
	}
	return err
}
