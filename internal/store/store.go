// Package store defines the persistence interface for the game.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-box runs).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/seed"
)

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = errors.New("store: record not found")

// EventFilter narrows ListNewsEvents. Zero values match everything.
type EventFilter struct {
	Round      int
	ActiveOnly bool
}

// SubmissionFilter narrows DeleteSubmissions. Zero values match everything.
type SubmissionFilter struct {
	TeamID int64
	Round  int
}

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	// --- Teams ---

	GetTeam(ctx context.Context, id int64) (*model.Team, error)
	GetTeamByCode(ctx context.Context, code string) (*model.Team, error)
	// ListTeams returns all teams ordered by id.
	ListTeams(ctx context.Context) ([]model.Team, error)

	// --- Instruments ---

	GetInstrument(ctx context.Context, id int64) (*model.Instrument, error)
	GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error)
	// ListInstruments returns all instruments ordered by symbol.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// --- Holdings ---

	GetHolding(ctx context.Context, teamID, instrumentID int64) (*model.Holding, error)
	// ListHoldings returns a team's holdings ordered by instrument id.
	ListHoldings(ctx context.Context, teamID int64) ([]model.Holding, error)

	// --- Immutable ledger (newest first; limit <= 0 means no limit) ---

	ListLedgerEntriesByTeam(ctx context.Context, teamID int64, limit int) ([]model.LedgerEntry, error)
	ListLedgerEntriesByInstrument(ctx context.Context, instrumentID int64, limit int) ([]model.LedgerEntry, error)
	ListLedgerEntriesByRound(ctx context.Context, round int) ([]model.LedgerEntry, error)

	// --- Quiz ---

	GetQuestion(ctx context.Context, id int64) (*model.QuizQuestion, error)
	GetQuestionByRound(ctx context.Context, round int) (*model.QuizQuestion, error)
	GetSubmission(ctx context.Context, teamID, questionID int64) (*model.QuizSubmission, error)
	// ListSubmissionsByRound returns submissions oldest first.
	ListSubmissionsByRound(ctx context.Context, round int) ([]model.QuizSubmission, error)

	// --- News events ---

	GetNewsEvent(ctx context.Context, id int64) (*model.NewsEvent, error)
	// ListNewsEvents returns events ordered by round, then id.
	ListNewsEvents(ctx context.Context, filter EventFilter) ([]model.NewsEvent, error)
}

// Tx is one atomic unit of work. Nothing written through a Tx is visible
// outside it until the enclosing InTx returns nil.
type Tx interface {
	Reader

	// LockTeam loads a team and holds its row until the unit of work ends.
	// Callers lock the team before any of its holdings.
	LockTeam(ctx context.Context, id int64) (*model.Team, error)
	// LockHolding loads a holding and holds its row until the unit of work ends.
	LockHolding(ctx context.Context, teamID, instrumentID int64) (*model.Holding, error)

	// UpdateTeam writes balance and scores.
	UpdateTeam(ctx context.Context, team *model.Team) error

	// InsertHolding creates a holding and sets its ID.
	InsertHolding(ctx context.Context, h *model.Holding) error
	UpdateHolding(ctx context.Context, h *model.Holding) error
	DeleteHolding(ctx context.Context, id int64) error

	// InsertLedgerEntry appends an immutable trade record.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	UpdateInstrumentPrice(ctx context.Context, id int64, price decimal.Decimal) error

	InsertSubmission(ctx context.Context, s *model.QuizSubmission) error
	DeleteSubmission(ctx context.Context, id string) error
	// DeleteSubmissions removes matching submissions and returns the count.
	DeleteSubmissions(ctx context.Context, filter SubmissionFilter) (int64, error)

	SetNewsEventActive(ctx context.Context, id int64, active bool) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// InTx runs fn as one all-or-nothing unit of work. Any error returned by
	// fn rolls back every write it made.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Seed loads a data set into an empty store. Existing rows are kept.
	Seed(ctx context.Context, data *seed.Data) error

	// Reset restores seed balances and prices, zeroes scores and removes
	// holdings, ledger entries and quiz submissions.
	Reset(ctx context.Context, data *seed.Data) error
}
