package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"quiz-duel/internal/model"
)

// Event is an outbound server event.
type Event interface {
	EventType() string
}

// Outbound event types.
const (
	TypeMatchStatus    = "match_status"
	TypeMatchFound     = "match_found"
	TypeBattleStart    = "battle_start"
	TypeBattleUpdate   = "battle_update"
	TypeBattleEnd      = "battle_end"
	TypePlayerFinished = "player_finished"
	TypeSafeExitAck    = "safe_exit_ack"
	TypeBattleSaved    = "battle_saved"
	TypeEscapePenalty  = "escape_penalty"
	TypeAuthOK         = "auth_ok"
	TypePong           = "pong"
	TypeError          = "error"
)

// Match statuses.
const (
	MatchWaiting   = "waiting"
	MatchMatched   = "matched"
	MatchCancelled = "cancelled"
	MatchError     = "error"
)

// MatchStatus reports the queue state of the user.
type MatchStatus struct {
	Status     string                   `json:"status"`
	Difficulty model.Difficulty         `json:"difficulty,omitempty"`
	Position   int                      `json:"position,omitempty"`
	Queue      map[model.Difficulty]int `json:"queue,omitempty"`
	Reason     string                   `json:"reason,omitempty"`
	Credit     *int                     `json:"credit,omitempty"`
	Required   int                      `json:"required,omitempty"`
}

// Opponent identifies the other player of a battle.
type Opponent struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// MatchFound announces a new battle. Questions carry no answer keys.
type MatchFound struct {
	BattleID    string           `json:"battleId"`
	Difficulty  model.Difficulty `json:"difficulty"`
	Opponent    Opponent         `json:"opponent"`
	Questions   []model.Question `json:"questions"`
	GraceMillis int64            `json:"graceMs"`
}

// BattleStart announces the end of the grace period.
type BattleStart struct {
	BattleID    string    `json:"battleId"`
	StartTime   time.Time `json:"startTime"`
	LimitMillis int64     `json:"timeLimitMs"`
}

// BattleUpdate broadcasts a player's progress after an accepted answer.
type BattleUpdate struct {
	BattleID      string `json:"battleId"`
	PlayerID      string `json:"playerId"`
	QuestionIndex int    `json:"questionIndex"`
	Progress      int    `json:"progress"`
	Score         int    `json:"score"`
	Correct       bool   `json:"correct"`
	AnswerScore   int    `json:"answerScore"`
}

// BattleEnd delivers the result of a finished battle.
type BattleEnd struct {
	BattleID      string               `json:"battleId"`
	Result        *model.BattleResult  `json:"result"`
	Scores        map[string]int       `json:"scores"`
	Difficulty    model.Difficulty     `json:"difficulty"`
	Timeout       bool                 `json:"timeout,omitempty"`
	Disconnect    bool                 `json:"disconnect,omitempty"`
	Escape        bool                 `json:"escape,omitempty"`
	WaitingPhase  bool                 `json:"waitingPhase,omitempty"`
	EscapePenalty *model.EscapePenalty `json:"escapePenalty,omitempty"`
}

// PlayerFinished tells a player every slot is filled and safe-exit is open.
type PlayerFinished struct {
	BattleID    string `json:"battleId"`
	PlayerID    string `json:"playerId"`
	Score       int    `json:"score"`
	CanSafeExit bool   `json:"canSafeExit"`
}

// SafeExitAck answers a safe_exit request.
type SafeExitAck struct {
	BattleID string `json:"battleId"`
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
}

// BattleSaved confirms a safe-exited player's progress was stored.
type BattleSaved struct {
	BattleID string `json:"battleId"`
	Score    int    `json:"score"`
}

// EscapePenalty tells an escapee what the escape cost.
type EscapePenalty struct {
	BattleID      string           `json:"battleId"`
	Penalty       int              `json:"penalty"`
	CurrentCredit int              `json:"currentCredit"`
	Difficulty    model.Difficulty `json:"difficulty"`
	Opponent      string           `json:"opponent"`
	WaitingPhase  bool             `json:"waitingPhase,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// AuthOK confirms the connection binding.
type AuthOK struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Credit    int    `json:"credit"`
	CanBattle bool   `json:"canBattle"`
}

// Pong answers a ping.
type Pong struct {
	Time int64 `json:"time"`
}

// Error reports a rejected client event.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	CodeValidation   = "validation"
	CodeUnauthorized = "unauthorized"
	CodeConflict     = "conflict"
	CodeInternal     = "internal"
)

func (MatchStatus) EventType() string    { return TypeMatchStatus }
func (MatchFound) EventType() string     { return TypeMatchFound }
func (BattleStart) EventType() string    { return TypeBattleStart }
func (BattleUpdate) EventType() string   { return TypeBattleUpdate }
func (BattleEnd) EventType() string      { return TypeBattleEnd }
func (PlayerFinished) EventType() string { return TypePlayerFinished }
func (SafeExitAck) EventType() string    { return TypeSafeExitAck }
func (BattleSaved) EventType() string    { return TypeBattleSaved }
func (EscapePenalty) EventType() string  { return TypeEscapePenalty }
func (AuthOK) EventType() string         { return TypeAuthOK }
func (Pong) EventType() string           { return TypePong }
func (Error) EventType() string          { return TypeError }

// Encode marshals an event as a JSON object with its "type" tag first.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", ev.EventType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("failed to encode %s: not an object", ev.EventType())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(ev.EventType()) + 12)
	buf.WriteString(`{"type":`)
	typ, _ := json.Marshal(ev.EventType())
	buf.Write(typ)
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 1 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}
