package model

import "time"

// Difficulty selects the question pool, time budget and base score of a battle.
type Difficulty string

// Difficulty tiers.
const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Difficulties returns all tiers in ascending order.
func Difficulties() []Difficulty {
	return []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}
}

// Valid reports whether d is a known tier.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// BattleState is the lifecycle state of a battle.
type BattleState string

// Battle states. Transitions are Waiting -> Playing -> Finished only.
const (
	BattleWaiting  BattleState = "waiting"
	BattlePlaying  BattleState = "playing"
	BattleFinished BattleState = "finished"
)

// Active reports whether the battle still holds its players.
func (s BattleState) Active() bool {
	return s == BattleWaiting || s == BattlePlaying
}

// Answer is one filled answer slot.
type Answer struct {
	Answer    string `json:"answer"`
	TimedOut  bool   `json:"timedOut,omitempty"`
	Correct   bool   `json:"correct"`
	TimeTaken int64  `json:"timeTaken"`
	Score     int    `json:"score"`
}

// BattlePlayer is one side of a battle.
type BattlePlayer struct {
	UserID     string     `json:"userId"`
	Username   string     `json:"username"`
	Progress   int        `json:"progress"`
	Answers    []*Answer  `json:"answers"`
	TotalScore int        `json:"totalScore"`
	Finished   bool       `json:"finished"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	SafeExited bool       `json:"safeExited"`
}

// Answered returns the number of filled slots.
func (p *BattlePlayer) Answered() int {
	n := 0
	for _, a := range p.Answers {
		if a != nil {
			n++
		}
	}
	return n
}

// CorrectCount returns the number of correct answers.
func (p *BattlePlayer) CorrectCount() int {
	n := 0
	for _, a := range p.Answers {
		if a != nil && a.Correct {
			n++
		}
	}
	return n
}

// RecomputeTotal sets TotalScore to the sum of slot scores and returns it.
func (p *BattlePlayer) RecomputeTotal() int {
	total := 0
	for _, a := range p.Answers {
		if a != nil {
			total += a.Score
		}
	}
	p.TotalScore = total
	return total
}

// Complete reports whether every slot is filled.
func (p *BattlePlayer) Complete() bool {
	return len(p.Answers) > 0 && p.Answered() == len(p.Answers)
}

// ResultType is the outcome kind of a finished battle.
type ResultType string

// Result types.
const (
	ResultWin  ResultType = "win"
	ResultDraw ResultType = "draw"
)

// EscapePenalty records the credit taken from a player who abandoned a battle.
type EscapePenalty struct {
	UserID  string       `json:"userId"`
	Penalty int          `json:"penalty"`
	Reason  CreditReason `json:"reason"`
}

// BattleResult is populated once a battle is finished.
type BattleResult struct {
	Type          ResultType     `json:"type"`
	Winner        string         `json:"winner,omitempty"`
	Loser         string         `json:"loser,omitempty"`
	Scores        map[string]int `json:"scores"`
	ScoreChange   int64          `json:"scoreChange,omitempty"`
	Timeout       bool           `json:"timeout,omitempty"`
	Disconnect    bool           `json:"disconnect,omitempty"`
	Escape        bool           `json:"escape,omitempty"`
	WaitingPhase  bool           `json:"waitingPhase,omitempty"`
	EscapePenalty *EscapePenalty `json:"escapePenalty,omitempty"`
}

// Battle is one two-player duel.
type Battle struct {
	ID         string           `json:"id"`
	Difficulty Difficulty       `json:"difficulty"`
	State      BattleState      `json:"state"`
	CreatedAt  time.Time        `json:"createdAt"`
	StartTime  *time.Time       `json:"startTime,omitempty"`
	EndTime    *time.Time       `json:"endTime,omitempty"`
	Questions  []Question       `json:"questions"`
	Players    [2]*BattlePlayer `json:"players"`
	Result     *BattleResult    `json:"result,omitempty"`
}

// Player returns the participant with the given user ID and its index.
func (b *Battle) Player(userID string) (*BattlePlayer, int) {
	for i, p := range b.Players {
		if p != nil && p.UserID == userID {
			return p, i
		}
	}
	return nil, -1
}

// Opponent returns the other participant.
func (b *Battle) Opponent(userID string) *BattlePlayer {
	_, i := b.Player(userID)
	if i < 0 {
		return nil
	}
	return b.Players[1-i]
}

// UserIDs returns both participants' IDs.
func (b *Battle) UserIDs() []string {
	return []string{b.Players[0].UserID, b.Players[1].UserID}
}

// Duration returns the playing time, zero if the battle never started.
func (b *Battle) Duration(now time.Time) time.Duration {
	if b.StartTime == nil {
		return 0
	}
	end := now
	if b.EndTime != nil {
		end = *b.EndTime
	}
	return end.Sub(*b.StartTime)
}

// Clone returns a deep copy.
func (b *Battle) Clone() Battle {
	c := *b
	c.Questions = append([]Question(nil), b.Questions...)
	for i, p := range b.Players {
		if p == nil {
			continue
		}
		pc := *p
		pc.Answers = make([]*Answer, len(p.Answers))
		for j, a := range p.Answers {
			if a != nil {
				ac := *a
				pc.Answers[j] = &ac
			}
		}
		c.Players[i] = &pc
	}
	if b.Result != nil {
		rc := *b.Result
		rc.Scores = make(map[string]int, len(b.Result.Scores))
		for k, v := range b.Result.Scores {
			rc.Scores[k] = v
		}
		if b.Result.EscapePenalty != nil {
			ep := *b.Result.EscapePenalty
			rc.EscapePenalty = &ep
		}
		c.Result = &rc
	}
	return c
}

// NewBattlePlayer creates a player with one empty slot per question.
func NewBattlePlayer(userID, username string, questions int) *BattlePlayer {
	return &BattlePlayer{
		UserID:   userID,
		Username: username,
		Answers:  make([]*Answer, questions),
	}
}
