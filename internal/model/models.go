// Package model defines the data models for the quiz duel server.
package model

import (
	"math"
	"time"
)

// Ledger and history bounds.
const (
	MaxCreditHistory = 100
	MaxBattleHistory = 50
	MaxErrorBank     = 200
)

// User is the subset of an account that the battle engine reads and mutates.
type User struct {
	ID                string               `db:"id" json:"id"`
	Username          string               `db:"username" json:"username"`
	Score             int64                `db:"score" json:"score"`
	Credit            int                  `db:"credit" json:"credit"`
	DailyRecovered    int                  `db:"daily_recovered" json:"dailyRecovered"`
	CreditUpdateTime  time.Time            `db:"credit_update_time" json:"creditUpdateTime"`
	Wins              int                  `db:"wins" json:"wins"`
	Losses            int                  `db:"losses" json:"losses"`
	Escapes           int                  `db:"escapes" json:"escapes"`
	NegativeGames     int                  `db:"negative_games" json:"negativeGames"`
	CurrentStreak     int                  `db:"current_streak" json:"currentStreak"`
	MaxStreak         int                  `db:"max_streak" json:"maxStreak"`
	CreditSeq         int64                `db:"credit_seq" json:"-"`
	CreditHistory     []CreditHistoryEntry `db:"-" json:"creditHistory"`
	BattleHistory     []BattleRecord       `db:"battle_history" json:"battleHistory"`
	ErrorBank         []ErrorEntry         `db:"error_bank" json:"errorBank"`
	QuestionsAnswered int                  `db:"questions_answered" json:"questionsAnswered"`
	CorrectAnswers    int                  `db:"correct_answers" json:"correctAnswers"`
	CreatedAt         time.Time            `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time            `db:"updated_at" json:"updatedAt"`
}

// NewUser creates a user with full credit.
func NewUser(id, username string, maxCredit int, now time.Time) *User {
	return &User{
		ID:               id,
		Username:         username,
		Credit:           maxCredit,
		CreditUpdateTime: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Clone returns a deep copy safe to hand out of a lock.
func (u *User) Clone() User {
	c := *u
	c.CreditHistory = append([]CreditHistoryEntry(nil), u.CreditHistory...)
	c.BattleHistory = append([]BattleRecord(nil), u.BattleHistory...)
	if u.ErrorBank != nil {
		c.ErrorBank = make([]ErrorEntry, len(u.ErrorBank))
		for i, e := range u.ErrorBank {
			e.Options = append([]string(nil), e.Options...)
			c.ErrorBank[i] = e
		}
	}
	return c
}

// AppendCreditHistory appends an entry and prunes the oldest beyond MaxCreditHistory.
func (u *User) AppendCreditHistory(e CreditHistoryEntry) {
	u.CreditHistory = append(u.CreditHistory, e)
	if n := len(u.CreditHistory); n > MaxCreditHistory {
		u.CreditHistory = append([]CreditHistoryEntry(nil), u.CreditHistory[n-MaxCreditHistory:]...)
	}
}

// AppendBattleRecord appends a record and prunes the oldest beyond MaxBattleHistory.
func (u *User) AppendBattleRecord(r BattleRecord) {
	u.BattleHistory = append(u.BattleHistory, r)
	if n := len(u.BattleHistory); n > MaxBattleHistory {
		u.BattleHistory = append([]BattleRecord(nil), u.BattleHistory[n-MaxBattleHistory:]...)
	}
}

// RecordError adds a wrongly answered question to the error bank. A question
// already banked for the same battle is ignored and false is returned. The
// oldest entries are pruned beyond MaxErrorBank.
func (u *User) RecordError(e ErrorEntry) bool {
	for _, have := range u.ErrorBank {
		if have.QuestionID == e.QuestionID && have.BattleID == e.BattleID {
			return false
		}
	}
	u.ErrorBank = append(u.ErrorBank, e)
	if n := len(u.ErrorBank); n > MaxErrorBank {
		u.ErrorBank = append([]ErrorEntry(nil), u.ErrorBank[n-MaxErrorBank:]...)
	}
	return true
}

// Accuracy returns the share of correct answers as a percentage rounded to
// one decimal place.
func (u *User) Accuracy() float64 {
	if u.QuestionsAnswered == 0 {
		return 0
	}
	return math.Round(float64(u.CorrectAnswers)*1000/float64(u.QuestionsAnswered)) / 10
}

// CreditReason is the closed set of causes for a credit change.
type CreditReason string

// Credit change reasons.
const (
	CreditReasonNormal        CreditReason = "normal_completion" // Completed a battle normally
	CreditReasonNegative      CreditReason = "negative_game"     // Answered nothing correctly too fast
	CreditReasonEscape        CreditReason = "escape"            // Left a battle while playing
	CreditReasonWaitingEscape CreditReason = "waiting_escape"    // Left a battle during the grace period
)

// CreditHistoryEntry is one line of a user's credit ledger.
type CreditHistoryEntry struct {
	Seq           int64        `db:"seq" json:"seq"`
	Penalty       int          `db:"penalty" json:"penalty"`
	Reward        int          `db:"reward" json:"reward"`
	Change        int          `db:"change" json:"change"`
	Reason        CreditReason `db:"reason" json:"reason"`
	Timestamp     time.Time    `db:"recorded_at" json:"timestamp"`
	CurrentCredit int          `db:"current_credit" json:"currentCredit"`
}

// BattleRecord is one entry of a user's win/loss history.
type BattleRecord struct {
	BattleID   string     `json:"battleId"`
	Result     string     `json:"result"`
	Opponent   string     `json:"opponent"`
	Score      int        `json:"score"`
	Difficulty Difficulty `json:"difficulty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Battle record results.
const (
	RecordWin  = "win"
	RecordLoss = "loss"
)

// ErrorEntry is one wrongly answered question kept for review.
type ErrorEntry struct {
	QuestionID    string       `json:"questionId"`
	BattleID      string       `json:"battleId"`
	Content       string       `json:"content"`
	Type          QuestionType `json:"type"`
	Difficulty    Difficulty   `json:"difficulty"`
	Options       []string     `json:"options,omitempty"`
	UserAnswer    string       `json:"userAnswer"`
	TimedOut      bool         `json:"timedOut,omitempty"`
	CorrectAnswer string       `json:"correctAnswer"`
	Explanation   string       `json:"explanation,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}
