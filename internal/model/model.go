// Package model defines the core domain types shared across the game.
// All monetary values use shopspring/decimal; money is never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of a ledger entry.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Team is a competing group identified by a shared code.
type Team struct {
	ID        int64           `json:"id" db:"id"`
	Code      string          `json:"code" db:"code"`
	Name      string          `json:"name" db:"name"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	ESGScore  int             `json:"esgScore" db:"esg_score"`
	QuizScore int             `json:"quizScore" db:"quiz_score"`
}

// Instrument is a tradable stock. Its price only changes through news events.
type Instrument struct {
	ID           int64           `json:"id" db:"id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Name         string          `json:"companyName" db:"name"`
	CurrentPrice decimal.Decimal `json:"currentPrice" db:"current_price"`
	Category     string          `json:"esgCategory" db:"category"`
	Description  string          `json:"description" db:"description"`
}

// Holding is a team's position in one instrument. Rows with zero quantity
// are deleted rather than kept.
type Holding struct {
	ID           int64           `json:"id" db:"id"`
	TeamID       int64           `json:"teamId" db:"team_id"`
	InstrumentID int64           `json:"stockId" db:"instrument_id"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	AverageCost  decimal.Decimal `json:"avgBuyPrice" db:"average_cost"`
}

// LedgerEntry is an immutable record of a trade execution.
// Once created, these are never modified or deleted outside a game reset.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	TeamID       int64           `json:"teamId" db:"team_id"`
	InstrumentID int64           `json:"stockId" db:"instrument_id"`
	Round        int             `json:"round" db:"round"`
	Side         string          `json:"type" db:"side"` // "BUY" or "SELL"
	Quantity     int64           `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"` // unit price at execution
	Fee          decimal.Decimal `json:"fee" db:"fee"`
	Timestamp    time.Time       `json:"createdAt" db:"created_at"`
}

// Notional is quantity times unit price.
func (e LedgerEntry) Notional() decimal.Decimal {
	return e.Price.Mul(decimal.NewFromInt(e.Quantity))
}

// QuizQuestion is the single question asked in a round.
type QuizQuestion struct {
	ID            int64    `json:"id" db:"id"`
	Round         int      `json:"roundNumber" db:"round_number"`
	Question      string   `json:"question" db:"question"`
	Options       []string `json:"options" db:"options"`
	CorrectAnswer int      `json:"correctAnswer" db:"correct_answer"`
}

// QuizSubmission is a team's answer to a question. Bonus records the reward
// actually credited so a forced resubmission can reverse it exactly.
type QuizSubmission struct {
	ID             string          `json:"id" db:"id"`
	TeamID         int64           `json:"teamId" db:"team_id"`
	QuestionID     int64           `json:"questionId" db:"question_id"`
	Round          int             `json:"roundNumber" db:"round_number"`
	SelectedAnswer int             `json:"selectedAnswer" db:"selected_answer"`
	IsCorrect      bool            `json:"isCorrect" db:"is_correct"`
	Bonus          decimal.Decimal `json:"bonus" db:"bonus"`
	SubmittedAt    time.Time       `json:"submittedAt" db:"submitted_at"`
}

// NewsEvent is a round-scoped set of percentage price shocks keyed by symbol.
type NewsEvent struct {
	ID             int64                      `json:"id" db:"id"`
	Round          int                        `json:"roundNumber" db:"round_number"`
	Title          string                     `json:"title" db:"title"`
	Content        string                     `json:"content" db:"content"`
	AffectedStocks map[string]decimal.Decimal `json:"affectedStocks" db:"affected_stocks"`
	Active         bool                       `json:"isActive" db:"is_active"`
	CreatedAt      time.Time                  `json:"createdAt" db:"created_at"`
}
