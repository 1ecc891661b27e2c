package handler

import (
	"fmt"
	"math"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"quiz-duel/internal/model"
)

// DefaultErrorLimit is the page size of the error bank listing.
const DefaultErrorLimit = 50

// answerRow is one filled slot in a player's battle breakdown.
type answerRow struct {
	QuestionIndex int    `json:"questionIndex"`
	Question      string `json:"question"`
	UserAnswer    string `json:"userAnswer"`
	CorrectAnswer string `json:"correctAnswer,omitempty"`
	IsCorrect     bool   `json:"isCorrect"`
	TimedOut      bool   `json:"timedOut,omitempty"`
	TimeTaken     int64  `json:"timeTaken"`
	Score         int    `json:"score"`
}

// HandleUserBattleStats returns lifetime answer accuracy.
func (h *APIHandler) HandleUserBattleStats(c *fiber.Ctx) error {
	u, ok := h.users.Get(c.Params("id"))
	if !ok {
		return fiber.ErrNotFound
	}
	return c.JSON(fiber.Map{
		"userId":         u.ID,
		"totalQuestions": u.QuestionsAnswered,
		"correctAnswers": u.CorrectAnswers,
		"accuracy":       u.Accuracy(),
		"wins":           u.Wins,
		"losses":         u.Losses,
		"escapes":        u.Escapes,
	})
}

// HandleErrorBank lists banked wrong answers, newest first. The optional
// difficulty query narrows the list.
func (h *APIHandler) HandleErrorBank(c *fiber.Ctx) error {
	u, ok := h.users.Get(c.Params("id"))
	if !ok {
		return fiber.ErrNotFound
	}

	limit := c.QueryInt("limit", DefaultErrorLimit)
	if limit <= 0 {
		limit = DefaultErrorLimit
	}
	entries := newestErrors(u.ErrorBank, model.Difficulty(c.Query("difficulty")))
	total := len(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}

	return c.JSON(fiber.Map{
		"userId":  u.ID,
		"total":   total,
		"entries": entries,
	})
}

// HandleErrorBankExport renders the error bank as a Markdown document.
func (h *APIHandler) HandleErrorBankExport(c *fiber.Ctx) error {
	u, ok := h.users.Get(c.Params("id"))
	if !ok {
		return fiber.ErrNotFound
	}

	c.Set(fiber.HeaderContentType, "text/markdown; charset=utf-8")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="errors-%s.md"`, u.ID))
	return c.SendString(renderErrorBank(u.Username, newestErrors(u.ErrorBank, "")))
}

// HandleClearErrorBank empties the error bank.
func (h *APIHandler) HandleClearErrorBank(c *fiber.Ctx) error {
	id := c.Params("id")
	var cleared int
	err := h.users.Update(id, func(u *model.User) error {
		cleared = len(u.ErrorBank)
		u.ErrorBank = nil
		return nil
	})
	if err != nil {
		return notFoundOr(err)
	}

	log.Info().Str("user_id", id).Int("cleared", cleared).Msg("Error bank cleared")
	return c.JSON(fiber.Map{"userId": id, "cleared": cleared})
}

// HandleBattleStats returns the caller's own per-question breakdown of a
// battle. Answer keys are included once the battle is finished.
func (h *APIHandler) HandleBattleStats(c *fiber.Ctx) error {
	b, err := h.participantBattle(c)
	if err != nil {
		return err
	}
	p, _ := b.Player(callerID(c))
	finished := b.State == model.BattleFinished

	rows := make([]answerRow, 0, len(p.Answers))
	for i, a := range p.Answers {
		if a == nil || i >= len(b.Questions) {
			continue
		}
		row := answerRow{
			QuestionIndex: i,
			Question:      b.Questions[i].Content,
			UserAnswer:    a.Answer,
			IsCorrect:     a.Correct,
			TimedOut:      a.TimedOut,
			TimeTaken:     a.TimeTaken,
			Score:         a.Score,
		}
		if finished {
			row.CorrectAnswer = b.Questions[i].Answer
		}
		rows = append(rows, row)
	}

	correct := p.CorrectCount()
	return c.JSON(fiber.Map{
		"battleId":       b.ID,
		"difficulty":     b.Difficulty,
		"state":          b.State,
		"totalQuestions": len(p.Answers),
		"answered":       len(rows),
		"correctAnswers": correct,
		"accuracy":       percent(correct, len(rows)),
		"totalScore":     p.TotalScore,
		"answers":        rows,
	})
}

func newestErrors(bank []model.ErrorEntry, d model.Difficulty) []model.ErrorEntry {
	out := make([]model.ErrorEntry, 0, len(bank))
	for i := len(bank) - 1; i >= 0; i-- {
		if d != "" && bank[i].Difficulty != d {
			continue
		}
		out = append(out, bank[i])
	}
	return out
}

func renderErrorBank(username string, entries []model.ErrorEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Error bank: %s\n\n", username)
	fmt.Fprintf(&sb, "%d question(s)\n", len(entries))

	for i, e := range entries {
		fmt.Fprintf(&sb, "\n## %d. [%s/%s] %s\n\n", i+1, e.Difficulty, e.Type, e.Content)
		for _, o := range e.Options {
			fmt.Fprintf(&sb, "- %s\n", o)
		}
		if len(e.Options) > 0 {
			sb.WriteString("\n")
		}
		answer := e.UserAnswer
		if e.TimedOut {
			answer = "(timed out)"
		}
		fmt.Fprintf(&sb, "- Your answer: %s\n", answer)
		fmt.Fprintf(&sb, "- Correct answer: %s\n", e.CorrectAnswer)
		if e.Explanation != "" {
			fmt.Fprintf(&sb, "- Explanation: %s\n", e.Explanation)
		}
		fmt.Fprintf(&sb, "- Battle: %s, %s\n", e.BattleID, e.Timestamp.Format("2006-01-02 15:04"))
	}
	return sb.String()
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)*1000/float64(total)) / 10
}
