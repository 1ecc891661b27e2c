// Package protocol defines the typed events exchanged with clients over the
// websocket connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"quiz-duel/internal/model"
)

// Kind is the "type" tag of an inbound event.
type Kind string

// Inbound event kinds.
const (
	KindAuth           Kind = "auth"
	KindMatchJoin      Kind = "match_join"
	KindMatchCancel    Kind = "match_cancel"
	KindAnswerProgress Kind = "answer_progress"
	KindSafeExit       Kind = "safe_exit"
	KindBattleReady    Kind = "battle_ready"
	KindPing           Kind = "ping"
)

// ValidationError reports a malformed inbound event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid event: " + e.Reason
	}
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// Auth binds the connection to a user.
type Auth struct {
	Token    string `json:"token"`
	UserID   string `json:"userId" validate:"required_without=Token,max=64"`
	Username string `json:"username" validate:"max=64"`
}

// MatchJoin asks to be queued in a tier.
type MatchJoin struct {
	Difficulty model.Difficulty `json:"difficulty" validate:"required,oneof=easy medium hard"`
}

// MatchCancel withdraws the queued request.
type MatchCancel struct{}

// AnswerProgress submits one answer slot.
type AnswerProgress struct {
	BattleID      string `json:"battleId" validate:"required"`
	QuestionIndex *int   `json:"questionIndex" validate:"required,min=0"`
	Answer        string `json:"answer" validate:"max=1024"`
	TimedOut      bool   `json:"timedOut"`
	TimeTaken     int64  `json:"timeTaken" validate:"min=0"`
}

// SafeExit asks to leave a battle after answering every question.
type SafeExit struct {
	BattleID string `json:"battleId" validate:"required"`
}

// BattleReady acknowledges a match. It has no effect on the grace timer.
type BattleReady struct {
	BattleID string `json:"battleId" validate:"required"`
}

// Ping is a keepalive.
type Ping struct{}

// Inbound is a decoded client event. Payload holds a pointer to the typed
// struct matching Kind.
type Inbound struct {
	Kind    Kind
	Payload any
}

var validate = newValidator()

// newValidator reports json field names in validation errors.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses and validates one client message.
func Decode(data []byte) (*Inbound, error) {
	var envelope struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ValidationError{Reason: "malformed json"}
	}

	var payload any
	switch envelope.Type {
	case KindAuth:
		payload = &Auth{}
	case KindMatchJoin:
		payload = &MatchJoin{}
	case KindMatchCancel:
		payload = &MatchCancel{}
	case KindAnswerProgress:
		payload = &AnswerProgress{}
	case KindSafeExit:
		payload = &SafeExit{}
	case KindBattleReady:
		payload = &BattleReady{}
	case KindPing:
		payload = &Ping{}
	case "":
		return nil, &ValidationError{Field: "type", Reason: "is required"}
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event %q", envelope.Type)}
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, &ValidationError{Reason: "malformed payload"}
	}
	if err := validate.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, &ValidationError{Field: verrs[0].Field(), Reason: "failed " + verrs[0].Tag()}
		}
		return nil, &ValidationError{Reason: err.Error()}
	}

	return &Inbound{Kind: envelope.Type, Payload: payload}, nil
}
