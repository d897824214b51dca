package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/seed"
)

func seededStore(t *testing.T) (*MemoryStore, *seed.Data) {
	t.Helper()
	data, err := seed.Default()
	require.NoError(t, err)
	s := NewMemoryStore()
	require.NoError(t, s.Seed(context.Background(), data))
	return s, data
}

func TestMemoryStore_Seed(t *testing.T) {
	s, data := seededStore(t)
	ctx := context.Background()

	teams, err := s.ListTeams(ctx)
	require.NoError(t, err)
	assert.Len(t, teams, len(data.Teams))
	assert.Equal(t, int64(1), teams[0].ID)

	instruments, err := s.ListInstruments(ctx)
	require.NoError(t, err)
	assert.Len(t, instruments, len(data.Instruments))
	for i := 1; i < len(instruments); i++ {
		assert.Less(t, instruments[i-1].Symbol, instruments[i].Symbol)
	}

	q, err := s.GetQuestionByRound(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Round)

	// Seeding again keeps existing rows.
	require.NoError(t, s.Seed(ctx, data))
	teams, err = s.ListTeams(ctx)
	require.NoError(t, err)
	assert.Len(t, teams, len(data.Teams))
}

func TestMemoryStore_NotFound(t *testing.T) {
	s, _ := seededStore(t)
	ctx := context.Background()

	_, err := s.GetTeam(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetInstrumentBySymbol(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetHolding(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetQuestionByRound(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TxRollback(t *testing.T) {
	s, _ := seededStore(t)
	ctx := context.Background()

	before, err := s.GetTeam(ctx, 1)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.InTx(ctx, func(tx Tx) error {
		team, err := tx.LockTeam(ctx, 1)
		if err != nil {
			return err
		}
		team.Balance = decimal.Zero
		if err := tx.UpdateTeam(ctx, team); err != nil {
			return err
		}
		if err := tx.InsertHolding(ctx, &model.Holding{TeamID: 1, InstrumentID: 1, Quantity: 5, AverageCost: decimal.NewFromInt(10)}); err != nil {
			return err
		}
		// Writes are visible inside the unit of work.
		h, err := tx.GetHolding(ctx, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(5), h.Quantity)
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := s.GetTeam(ctx, 1)
	require.NoError(t, err)
	assert.True(t, before.Balance.Equal(after.Balance))
	_, err = s.GetHolding(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TxCommit(t *testing.T) {
	s, _ := seededStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		h := &model.Holding{TeamID: 2, InstrumentID: 3, Quantity: 4, AverageCost: decimal.NewFromInt(50)}
		if err := tx.InsertHolding(ctx, h); err != nil {
			return err
		}
		assert.NotZero(t, h.ID)
		return tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
			ID: "e1", TeamID: 2, InstrumentID: 3, Round: 1, Side: model.SideBuy,
			Quantity: 4, Price: decimal.NewFromInt(50), Timestamp: time.Now(),
		})
	})
	require.NoError(t, err)

	holdings, err := s.ListHoldings(ctx, 2)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, int64(4), holdings[0].Quantity)

	entries, err := s.ListLedgerEntriesByRound(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// A second holding for the same pair is rejected.
	err = s.InTx(ctx, func(tx Tx) error {
		return tx.InsertHolding(ctx, &model.Holding{TeamID: 2, InstrumentID: 3, Quantity: 1})
	})
	assert.Error(t, err)
}

func TestMemoryStore_LedgerNewestFirst(t *testing.T) {
	s, _ := seededStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			return tx.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: id, TeamID: 1, InstrumentID: 1, Round: 2, Side: model.SideBuy, Quantity: 1})
		}))
	}

	entries, err := s.ListLedgerEntriesByTeam(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)
}

func TestMemoryStore_DeleteSubmissions(t *testing.T) {
	s, _ := seededStore(t)
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for i, sub := range []model.QuizSubmission{
			{ID: "s1", TeamID: 1, QuestionID: 1, Round: 1},
			{ID: "s2", TeamID: 2, QuestionID: 1, Round: 1},
			{ID: "s3", TeamID: 1, QuestionID: 2, Round: 2},
		} {
			sub.SubmittedAt = time.Unix(int64(i), 0)
			if err := tx.InsertSubmission(ctx, &sub); err != nil {
				return err
			}
		}
		return nil
	}))

	var n int64
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		var err error
		n, err = tx.DeleteSubmissions(ctx, SubmissionFilter{TeamID: 1, Round: 1})
		return err
	}))
	assert.Equal(t, int64(1), n)

	subs, err := s.ListSubmissionsByRound(ctx, 1)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "s2", subs[0].ID)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		n, err = tx.DeleteSubmissions(ctx, SubmissionFilter{})
		return err
	}))
	assert.Equal(t, int64(2), n)
}

func TestMemoryStore_Reset(t *testing.T) {
	s, data := seededStore(t)
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		team, err := tx.LockTeam(ctx, 1)
		if err != nil {
			return err
		}
		team.Balance = decimal.NewFromInt(1)
		team.QuizScore = 30
		team.ESGScore = 15
		if err := tx.UpdateTeam(ctx, team); err != nil {
			return err
		}
		if err := tx.UpdateInstrumentPrice(ctx, 1, decimal.NewFromInt(999)); err != nil {
			return err
		}
		return tx.InsertHolding(ctx, &model.Holding{TeamID: 1, InstrumentID: 1, Quantity: 3})
	}))

	require.NoError(t, s.Reset(ctx, data))

	team, err := s.GetTeam(ctx, 1)
	require.NoError(t, err)
	assert.True(t, team.Balance.Equal(data.Teams[0].Balance))
	assert.Zero(t, team.QuizScore)
	assert.Zero(t, team.ESGScore)

	in, err := s.GetInstrument(ctx, 1)
	require.NoError(t, err)
	assert.True(t, in.CurrentPrice.Equal(data.Instruments[0].Price))

	holdings, err := s.ListHoldings(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestMemoryStore_NewsEvents(t *testing.T) {
	s, _ := seededStore(t)
	ctx := context.Background()

	events, err := s.ListNewsEvents(ctx, EventFilter{Round: 2})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.SetNewsEventActive(ctx, events[0].ID, false)
	}))

	active, err := s.ListNewsEvents(ctx, EventFilter{Round: 2, ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, len(events)-1)
}
