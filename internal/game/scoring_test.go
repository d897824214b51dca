package game

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trading-game/internal/config"
	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/seed"
	"github.com/atmx/trading-game/internal/store"
)

func TestAward(t *testing.T) {
	sc := NewScorer(nil, config.Default().Scoring, nil)

	tests := []struct {
		invested string
		want     int
	}{
		{"0", 0},
		{"9999.99", 0},
		{"10000", 5},
		{"25000", 10},
		{"39999", 15},
		{"-5", 0},
	}
	for _, tt := range tests {
		t.Run(tt.invested, func(t *testing.T) {
			assert.Equal(t, tt.want, sc.Award(decimal.RequireFromString(tt.invested)))
		})
	}
}

func TestScore(t *testing.T) {
	ctx := context.Background()
	data, err := seed.Default()
	require.NoError(t, err)
	st := store.NewMemoryStore()
	require.NoError(t, st.Seed(ctx, data))

	// Team 1: 200 TESLA at 85 = 17000 -> 5. Team 2: 500 TESLA = 42500 -> 20.
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertHolding(ctx, &model.Holding{TeamID: 1, InstrumentID: 1, Quantity: 200, AverageCost: decimal.NewFromInt(80)}); err != nil {
			return err
		}
		return tx.InsertHolding(ctx, &model.Holding{TeamID: 2, InstrumentID: 1, Quantity: 500, AverageCost: decimal.NewFromInt(80)})
	}))

	sc := NewScorer(st, config.Default().Scoring, nil)
	sum, err := sc.Score(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(data.Teams), sum.Scored)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, 25, sum.Awarded)

	t1, _ := st.GetTeam(ctx, 1)
	t2, _ := st.GetTeam(ctx, 2)
	t3, _ := st.GetTeam(ctx, 3)
	assert.Equal(t, 5, t1.ESGScore)
	assert.Equal(t, 20, t2.ESGScore)
	assert.Zero(t, t3.ESGScore)

	// A second pass adds again; scores accumulate across rounds.
	_, err = sc.Score(ctx)
	require.NoError(t, err)
	t2, _ = st.GetTeam(ctx, 2)
	assert.Equal(t, 40, t2.ESGScore)
}

// failingUpdateStore fails UpdateTeam for one team inside every unit of work.
type failingUpdateStore struct {
	store.Store
	teamID int64
}

func (s failingUpdateStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(failingUpdateTx{Tx: tx, teamID: s.teamID})
	})
}

type failingUpdateTx struct {
	store.Tx
	teamID int64
}

func (t failingUpdateTx) UpdateTeam(ctx context.Context, team *model.Team) error {
	if team.ID == t.teamID {
		return errors.New("deadlock detected")
	}
	return t.Tx.UpdateTeam(ctx, team)
}

func TestScore_FailedTeamDoesNotStopPass(t *testing.T) {
	tests := []struct {
		name   string
		failID int64
		want   map[int64]int
	}{
		{"first team fails", 1, map[int64]int{1: 0, 2: 5, 3: 5}},
		{"middle team fails", 2, map[int64]int{1: 5, 2: 0, 3: 5}},
		{"last holder fails", 3, map[int64]int{1: 5, 2: 5, 3: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			data, err := seed.Default()
			require.NoError(t, err)
			ms := store.NewMemoryStore()
			require.NoError(t, ms.Seed(ctx, data))

			// 200 TESLA at 85 = 17000 -> 5 points each.
			require.NoError(t, ms.InTx(ctx, func(tx store.Tx) error {
				for id := int64(1); id <= 3; id++ {
					h := &model.Holding{TeamID: id, InstrumentID: 1, Quantity: 200, AverageCost: decimal.NewFromInt(80)}
					if err := tx.InsertHolding(ctx, h); err != nil {
						return err
					}
				}
				return nil
			}))

			sc := NewScorer(failingUpdateStore{Store: ms, teamID: tt.failID}, config.Default().Scoring, nil)
			sum, err := sc.Score(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, sum.Failed)
			assert.Equal(t, len(data.Teams)-1, sum.Scored)
			assert.Equal(t, 10, sum.Awarded)

			for id, want := range tt.want {
				team, err := ms.GetTeam(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, want, team.ESGScore, "team %d", id)
			}
		})
	}
}

func TestInvestedValue(t *testing.T) {
	ctx := context.Background()
	data, err := seed.Default()
	require.NoError(t, err)
	st := store.NewMemoryStore()
	require.NoError(t, st.Seed(ctx, data))

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertHolding(ctx, &model.Holding{TeamID: 1, InstrumentID: 1, Quantity: 10, AverageCost: decimal.NewFromInt(85)}); err != nil {
			return err
		}
		return tx.InsertHolding(ctx, &model.Holding{TeamID: 1, InstrumentID: 2, Quantity: 4, AverageCost: decimal.NewFromInt(28)})
	}))

	v, err := InvestedValue(ctx, st, 1)
	require.NoError(t, err)
	assert.Equal(t, "962", v.String())

	v, err = InvestedValue(ctx, st, 2)
	require.NoError(t, err)
	assert.True(t, v.IsZero())
}
