package trade_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trading-game/internal/apperr"
	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/seed"
	"github.com/atmx/trading-game/internal/store"
	"github.com/atmx/trading-game/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// assertDecimal compares decimals by value so 5 and 5.00 are equal.
func assertDecimal(t *testing.T, want string, got decimal.Decimal, what string) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "%s = %s, want %s", what, got, want)
}

const testSeed = `
teams:
  - { code: T1, name: One, balance: 10000 }
  - { code: T2, name: Two, balance: 10000 }
instruments:
  - { symbol: AAA, name: Alpha, price: 100 }
  - { symbol: BBB, name: Beta, price: 33.33 }
`

// newTestEnv creates a Service over a seeded in-memory store.
func newTestEnv(t *testing.T, gate trade.Gate) (*trade.Service, *store.MemoryStore) {
	t.Helper()
	data, err := seed.Parse([]byte(testSeed))
	require.NoError(t, err)
	ms := store.NewMemoryStore()
	require.NoError(t, ms.Seed(context.Background(), data))
	return trade.NewService(ms, gate, d("0.005"), 2, nil), ms
}

func balance(t *testing.T, ms *store.MemoryStore, teamID int64) decimal.Decimal {
	t.Helper()
	team, err := ms.GetTeam(context.Background(), teamID)
	require.NoError(t, err)
	return team.Balance
}

func setPrice(t *testing.T, ms *store.MemoryStore, instrumentID int64, price string) {
	t.Helper()
	require.NoError(t, ms.InTx(context.Background(), func(tx store.Tx) error {
		return tx.UpdateInstrumentPrice(context.Background(), instrumentID, d(price))
	}))
}

// --- Buy/sell execution ---

func TestBuy_DebitsCostAndFee(t *testing.T) {
	svc, ms := newTestEnv(t, nil)
	ctx := context.Background()

	res, err := svc.Buy(ctx, trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 10})
	require.NoError(t, err)

	assertDecimal(t, "1000", res.Notional, "notional")
	assertDecimal(t, "5", res.Fee, "fee")
	assertDecimal(t, "1005", res.Settlement, "settlement")
	assertDecimal(t, "8995", res.NewBalance, "balance")
	assertDecimal(t, "8995", balance(t, ms, 1), "stored balance")

	h, err := ms.GetHolding(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.Quantity)
	assertDecimal(t, "100", h.AverageCost, "average cost")

	entries, err := ms.ListLedgerEntriesByTeam(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.SideBuy, entries[0].Side)
	assertDecimal(t, "5", entries[0].Fee, "ledger fee")
}

func TestRoundTrip_CostsTwoFees(t *testing.T) {
	svc, ms := newTestEnv(t, nil)
	ctx := context.Background()
	order := trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 10}

	_, err := svc.Buy(ctx, order)
	require.NoError(t, err)
	res, err := svc.Sell(ctx, order)
	require.NoError(t, err)

	assertDecimal(t, "995", res.Settlement, "net credit")
	assertDecimal(t, "9990", res.NewBalance, "balance")
	assert.Nil(t, res.Holding, "holding after full sell")

	_, err = ms.GetHolding(ctx, 1, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBuy_WeightedAverageCost(t *testing.T) {
	svc, ms := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := svc.Buy(ctx, trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 10})
	require.NoError(t, err)
	setPrice(t, ms, 1, "130")
	res, err := svc.Buy(ctx, trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 20})
	require.NoError(t, err)

	// (10*100 + 20*130) / 30 = 120
	require.NotNil(t, res.Holding)
	assert.Equal(t, int64(30), res.Holding.Quantity)
	assertDecimal(t, "120", res.Holding.AverageCost, "average cost")
}

func TestSell_PartialKeepsAverageCost(t *testing.T) {
	svc, ms := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := svc.Buy(ctx, trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 10})
	require.NoError(t, err)
	setPrice(t, ms, 1, "150")
	res, err := svc.Sell(ctx, trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 4})
	require.NoError(t, err)

	require.NotNil(t, res.Holding)
	assert.Equal(t, int64(6), res.Holding.Quantity)
	assertDecimal(t, "100", res.Holding.AverageCost, "average cost")
	// 8995 + 600 - 3
	assertDecimal(t, "9592", res.NewBalance, "balance")
}

func TestFee_RoundsToCents(t *testing.T) {
	svc, _ := newTestEnv(t, nil)

	// 3 * 33.33 = 99.99; 0.5% = 0.49995 -> 0.50
	res, err := svc.Buy(context.Background(), trade.Order{TeamID: 1, InstrumentID: 2, Quantity: 3})
	require.NoError(t, err)
	assertDecimal(t, "0.5", res.Fee, "fee")
	assertDecimal(t, "100.49", res.Settlement, "settlement")
}

// --- Rejections ---

func TestBuy_InsufficientFunds(t *testing.T) {
	svc, ms := newTestEnv(t, nil)
	ctx := context.Background()

	// 100 * 100 + 50 fee > 10000
	_, err := svc.Buy(ctx, trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 100})
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assertDecimal(t, "10000", balance(t, ms, 1), "balance unchanged")

	_, err = ms.GetHolding(ctx, 1, 1)
	assert.ErrorIs(t, err, store.ErrNotFound, "holding created despite rejection")
}

func TestSell_InsufficientHoldings(t *testing.T) {
	svc, _ := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := svc.Sell(ctx, trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 1})
	require.ErrorIs(t, err, apperr.ErrInsufficientHoldings)

	_, err = svc.Buy(ctx, trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 2})
	require.NoError(t, err)
	_, err = svc.Sell(ctx, trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 3})
	assert.ErrorIs(t, err, apperr.ErrInsufficientHoldings)
}

func TestOrder_Validation(t *testing.T) {
	svc, _ := newTestEnv(t, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		order trade.Order
	}{
		{"zero quantity", trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 0}},
		{"negative quantity", trade.Order{TeamID: 1, InstrumentID: 1, Quantity: -5}},
		{"missing team", trade.Order{TeamID: 0, InstrumentID: 1, Quantity: 1}},
		{"missing instrument", trade.Order{TeamID: 1, InstrumentID: 0, Quantity: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Buy(ctx, tt.order)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestOrder_NotFound(t *testing.T) {
	svc, _ := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := svc.Buy(ctx, trade.Order{TeamID: 99, InstrumentID: 1, Quantity: 1})
	assert.ErrorIs(t, err, apperr.ErrNotFound, "unknown team")

	_, err = svc.Buy(ctx, trade.Order{TeamID: 1, InstrumentID: 99, Quantity: 1})
	assert.ErrorIs(t, err, apperr.ErrNotFound, "unknown stock")
}

// --- Gate and concurrency ---

type stubGate struct {
	state model.GameState
	err   error
}

func (g *stubGate) Guard(phase model.Phase, fn func(model.GameState) error) error {
	if g.err != nil {
		return g.err
	}
	return fn(g.state)
}

func TestGate_RecordsRoundAndRejects(t *testing.T) {
	gate := &stubGate{state: model.GameState{CurrentRound: 3, Phase: model.PhaseTrading}}
	svc, ms := newTestEnv(t, gate)
	ctx := context.Background()

	res, err := svc.Buy(ctx, trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Round)

	entries, err := ms.ListLedgerEntriesByRound(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	gate.err = apperr.WrongPhase("trading is closed")
	before := balance(t, ms, 1)
	_, err = svc.Buy(ctx, trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 1})
	require.ErrorIs(t, err, apperr.ErrWrongPhase)
	assert.True(t, balance(t, ms, 1).Equal(before), "balance changed while gated")
}

func TestConcurrentBuys_NoLostUpdates(t *testing.T) {
	svc, ms := newTestEnv(t, nil)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Buy(ctx, trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 1}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err, "concurrent buy")
	}

	h, err := ms.GetHolding(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(n), h.Quantity)
	// 10000 - 20 * 100.50
	assertDecimal(t, "7990", balance(t, ms, 1), "balance")
	assertDecimal(t, "10000", balance(t, ms, 2), "other team balance")
}

func TestBalanceNeverNegative(t *testing.T) {
	svc, ms := newTestEnv(t, nil)
	ctx := context.Background()

	// Keep buying until funds run out.
	for i := 0; i < 20; i++ {
		_, err := svc.Buy(ctx, trade.Order{TeamID: 1, InstrumentID: 1, Quantity: 10})
		if err != nil {
			require.ErrorIs(t, err, apperr.ErrInsufficientFunds, "buy %d", i)
			break
		}
	}
	assert.False(t, balance(t, ms, 1).IsNegative(), "balance went negative")
}
