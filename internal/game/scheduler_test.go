package game

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trading-game/internal/apperr"
	"github.com/atmx/trading-game/internal/config"
	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/news"
	"github.com/atmx/trading-game/internal/seed"
	"github.com/atmx/trading-game/internal/store"
)

type recordingApplier struct {
	mu     sync.Mutex
	rounds []int
}

func (a *recordingApplier) Apply(_ context.Context, round int) ([]news.PriceChange, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rounds = append(a.rounds, round)
	return nil, nil
}

func (a *recordingApplier) applied() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.rounds...)
}

type testEnv struct {
	sched   *Scheduler
	clock   *fakeClock
	store   *store.MemoryStore
	applier *recordingApplier
	data    *seed.Data
}

func newTestEnv(t *testing.T, mutate func(*config.GameConfig)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Game.Rounds = 2
	if mutate != nil {
		mutate(&cfg.Game)
	}

	data, err := seed.Default()
	require.NoError(t, err)
	st := store.NewMemoryStore()
	require.NoError(t, st.Seed(context.Background(), data))

	clock := newFakeClock()
	applier := &recordingApplier{}
	scorer := NewScorer(st, cfg.Scoring, nil)
	sched := NewScheduler(st, data, applier, scorer, cfg.Game, clock, nil)
	return &testEnv{sched: sched, clock: clock, store: st, applier: applier, data: data}
}

func (e *testEnv) advance(t *testing.T) model.GameState {
	t.Helper()
	st, err := e.sched.Advance(context.Background())
	require.NoError(t, err)
	return st
}

func TestInitialState(t *testing.T) {
	e := newTestEnv(t, nil)

	st := e.sched.State()
	assert.False(t, st.IsActive)
	assert.Equal(t, 1, st.CurrentRound)
	assert.Equal(t, model.PhaseNews, st.Phase)
	assert.Zero(t, st.TimeRemaining)
	assert.Equal(t, 30, st.Durations.News)
}

func TestStart(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	st, err := e.sched.Start(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsActive)
	assert.Equal(t, model.PhaseNews, st.Phase)
	assert.Equal(t, 1, st.CurrentRound)
	assert.Equal(t, 30, st.TimeRemaining)
	require.NotNil(t, st.StartTime)
	assert.Equal(t, []int{1}, e.applier.applied())

	e.clock.Advance(10 * time.Second)
	before := e.sched.State()

	_, err = e.sched.Start(ctx)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, before, e.sched.State())
	assert.Equal(t, []int{1}, e.applier.applied())
}

func TestStart_ResetsGameData(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, e.store.InTx(ctx, func(tx store.Tx) error {
		team, err := tx.LockTeam(ctx, 1)
		if err != nil {
			return err
		}
		team.Balance = decimal.NewFromInt(1)
		team.QuizScore = 50
		return tx.UpdateTeam(ctx, team)
	}))

	_, err := e.sched.Start(ctx)
	require.NoError(t, err)

	team, err := e.store.GetTeam(ctx, 1)
	require.NoError(t, err)
	assert.True(t, team.Balance.Equal(e.data.Teams[0].Balance))
	assert.Zero(t, team.QuizScore)
}

func TestNewsAutoAdvances_OthersWait(t *testing.T) {
	e := newTestEnv(t, nil)
	_, err := e.sched.Start(context.Background())
	require.NoError(t, err)

	e.clock.Advance(29 * time.Second)
	assert.Equal(t, model.PhaseNews, e.sched.State().Phase)
	assert.Equal(t, 1, e.sched.State().TimeRemaining)

	e.clock.Advance(time.Second)
	st := e.sched.State()
	assert.Equal(t, model.PhaseQuiz, st.Phase)
	assert.Equal(t, 120, st.TimeRemaining)

	e.clock.Advance(2 * time.Minute)
	st = e.sched.State()
	assert.Equal(t, model.PhaseQuiz, st.Phase, "quiz waits for a moderator")
	assert.True(t, st.AwaitingAdvance)
	assert.Zero(t, st.TimeRemaining)

	err = e.sched.Guard(model.PhaseQuiz, func(model.GameState) error { return nil })
	assert.ErrorIs(t, err, apperr.ErrTimeExpired)

	st = e.advance(t)
	assert.Equal(t, model.PhaseTrading, st.Phase)
	assert.False(t, st.AwaitingAdvance)
	assert.Equal(t, 300, st.TimeRemaining)
}

func TestFullGame_ToFinished(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := e.sched.Start(ctx)
	require.NoError(t, err)

	want := []struct {
		round int
		phase model.Phase
	}{
		{1, model.PhaseQuiz},
		{1, model.PhaseTrading},
		{1, model.PhaseResults},
		{2, model.PhaseNews},
		{2, model.PhaseQuiz},
		{2, model.PhaseTrading},
		{2, model.PhaseResults},
	}
	for _, w := range want {
		st := e.advance(t)
		assert.Equal(t, w.round, st.CurrentRound)
		assert.Equal(t, w.phase, st.Phase)
	}
	assert.Equal(t, []int{1, 2}, e.applier.applied())

	st := e.advance(t)
	assert.Equal(t, model.PhaseFinished, st.Phase)
	assert.False(t, st.IsActive)
	assert.NotNil(t, st.EndTime)

	_, err = e.sched.Advance(ctx)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestAdvance_Inactive(t *testing.T) {
	e := newTestEnv(t, nil)

	_, err := e.sched.Advance(context.Background())
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.False(t, e.sched.State().IsActive)
}

func TestForcedAdvance_CancelsPendingTimer(t *testing.T) {
	e := newTestEnv(t, nil)
	_, err := e.sched.Start(context.Background())
	require.NoError(t, err)

	st := e.advance(t)
	require.Equal(t, model.PhaseQuiz, st.Phase)

	// The NEWS timer would have fired now; the quiz must not be skipped.
	e.clock.Advance(30 * time.Second)
	st = e.sched.State()
	assert.Equal(t, model.PhaseQuiz, st.Phase)
	assert.Equal(t, 90, st.TimeRemaining)
}

func TestStaleTimer_IsNoOp(t *testing.T) {
	e := newTestEnv(t, nil)
	e.clock.ignoreStop = true
	_, err := e.sched.Start(context.Background())
	require.NoError(t, err)

	e.advance(t) // NEWS -> QUIZ; the NEWS timer still fires below.
	e.clock.Advance(30 * time.Second)

	st := e.sched.State()
	assert.Equal(t, model.PhaseQuiz, st.Phase)
	assert.False(t, st.AwaitingAdvance)
}

func TestAutoAdvance(t *testing.T) {
	e := newTestEnv(t, func(c *config.GameConfig) { c.AutoAdvance = true })
	_, err := e.sched.Start(context.Background())
	require.NoError(t, err)

	e.clock.Advance(30 * time.Second)
	e.clock.Advance(2 * time.Minute)
	assert.Equal(t, model.PhaseTrading, e.sched.State().Phase)
	e.clock.Advance(5 * time.Minute)
	assert.Equal(t, model.PhaseResults, e.sched.State().Phase)
	e.clock.Advance(30 * time.Second)

	st := e.sched.State()
	assert.Equal(t, 2, st.CurrentRound)
	assert.Equal(t, model.PhaseNews, st.Phase)
	assert.Equal(t, []int{1, 2}, e.applier.applied())
}

func TestAdvanceRound(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := e.sched.Start(ctx)
	require.NoError(t, err)

	_, err = e.sched.AdvanceRound(ctx)
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "not in results")

	e.advance(t) // QUIZ
	e.advance(t) // TRADING
	e.advance(t) // RESULTS

	_, err = e.sched.AdvanceRound(ctx)
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "results still running")

	e.clock.Advance(30 * time.Second)
	require.True(t, e.sched.State().AwaitingAdvance)

	st, err := e.sched.AdvanceRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.CurrentRound)
	assert.Equal(t, model.PhaseNews, st.Phase)

	// Final round: only Advance can finish the game.
	e.advance(t)
	e.advance(t)
	e.advance(t)
	e.clock.Advance(30 * time.Second)
	_, err = e.sched.AdvanceRound(ctx)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestReset(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := e.sched.Start(ctx)
	require.NoError(t, err)
	e.advance(t)
	e.advance(t)

	st, err := e.sched.Reset(ctx)
	require.NoError(t, err)
	assert.False(t, st.IsActive)
	assert.Equal(t, 1, st.CurrentRound)
	assert.Equal(t, model.PhaseNews, st.Phase)
	assert.Nil(t, st.StartTime)

	// Timers armed before the reset do nothing.
	e.clock.Advance(10 * time.Minute)
	assert.Equal(t, st, e.sched.State())

	_, err = e.sched.Start(ctx)
	assert.NoError(t, err)
}

type failingResetStore struct {
	store.Store
}

func (failingResetStore) Reset(context.Context, *seed.Data) error {
	return errors.New("connection refused")
}

func TestReset_StoreFailureKeepsGame(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := e.sched.Start(ctx)
	require.NoError(t, err)
	e.clock.Advance(31 * time.Second)
	running := e.sched.State()
	require.Equal(t, model.PhaseQuiz, running.Phase)

	e.sched.store = failingResetStore{Store: e.store}
	st, err := e.sched.Reset(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInternal)
	assert.True(t, st.IsActive)
	assert.Equal(t, running, e.sched.State())

	// The quiz timer is still armed.
	e.clock.Advance(2 * time.Minute)
	assert.True(t, e.sched.State().AwaitingAdvance)
}

func TestGuard(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	noop := func(model.GameState) error { return nil }

	assert.ErrorIs(t, e.sched.Guard(model.PhaseTrading, noop), apperr.ErrWrongPhase)

	_, err := e.sched.Start(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, e.sched.Guard(model.PhaseTrading, noop), apperr.ErrWrongPhase)

	e.advance(t)
	e.advance(t)
	var seen model.GameState
	require.NoError(t, e.sched.Guard(model.PhaseTrading, func(st model.GameState) error {
		seen = st
		return nil
	}))
	assert.Equal(t, model.PhaseTrading, seen.Phase)
	assert.Equal(t, 1, seen.CurrentRound)

	status := e.sched.TradeStatus()
	assert.True(t, status.CanTrade)

	// Past the deadline but before the timer runs, trading is closed.
	e.clock.mu.Lock()
	e.clock.now = e.clock.now.Add(5 * time.Minute)
	e.clock.mu.Unlock()
	assert.ErrorIs(t, e.sched.Guard(model.PhaseTrading, noop), apperr.ErrTimeExpired)
	status = e.sched.TradeStatus()
	assert.False(t, status.CanTrade)
	assert.True(t, status.Restrictions.TimeExpired)
	assert.False(t, status.Restrictions.WrongPhase)
}

func TestGuard_HoldsPhaseOpen(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := e.sched.Start(ctx)
	require.NoError(t, err)
	e.advance(t)
	e.advance(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	guardDone := make(chan error, 1)
	go func() {
		guardDone <- e.sched.Guard(model.PhaseTrading, func(model.GameState) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	advanced := make(chan model.GameState, 1)
	go func() {
		st, _ := e.sched.Advance(ctx)
		advanced <- st
	}()

	select {
	case <-advanced:
		t.Fatal("advance completed while a gated operation was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-guardDone)
	select {
	case st := <-advanced:
		assert.Equal(t, model.PhaseResults, st.Phase)
	case <-time.After(2 * time.Second):
		t.Fatal("advance did not complete")
	}
}

func TestTradingToResults_RunsScoring(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := e.sched.Start(ctx)
	require.NoError(t, err)

	// TESLA is 85; 300 shares = 25500 invested -> 2 units -> 10 points.
	require.NoError(t, e.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertHolding(ctx, &model.Holding{TeamID: 1, InstrumentID: 1, Quantity: 300, AverageCost: decimal.NewFromInt(85)})
	}))

	e.advance(t)
	e.advance(t)
	e.advance(t)

	team, err := e.store.GetTeam(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, team.ESGScore)
	other, err := e.store.GetTeam(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, other.ESGScore)
}

func TestOnChange(t *testing.T) {
	e := newTestEnv(t, nil)
	var phases []model.Phase
	e.sched.OnChange(func(st model.GameState) { phases = append(phases, st.Phase) })

	_, err := e.sched.Start(context.Background())
	require.NoError(t, err)
	e.clock.Advance(30 * time.Second)
	e.clock.Advance(2 * time.Minute)

	assert.Equal(t, []model.Phase{model.PhaseNews, model.PhaseQuiz, model.PhaseQuiz}, phases)
}
