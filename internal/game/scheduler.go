// Package game owns the round and phase state machine and the scoring pass
// that runs when trading closes.
//
// One Scheduler holds the only mutable GameState in the process. Transitions
// are serialized; timers carry the epoch they were armed in and do nothing if
// a later transition or reset has moved the epoch on.
package game

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/trading-game/internal/apperr"
	"github.com/atmx/trading-game/internal/config"
	"github.com/atmx/trading-game/internal/metrics"
	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/news"
	"github.com/atmx/trading-game/internal/seed"
	"github.com/atmx/trading-game/internal/store"
)

// PriceApplier applies a round's news events to instrument prices.
type PriceApplier interface {
	Apply(ctx context.Context, round int) ([]news.PriceChange, error)
}

// Scheduler is the game phase state machine.
type Scheduler struct {
	store   store.Store
	seed    *seed.Data
	applier PriceApplier
	scorer  *Scorer
	clock   Clock
	cfg     config.GameConfig
	logger  *slog.Logger

	onChange func(model.GameState)

	// transMu serializes transitions. Held across I/O; never taken while
	// holding mu.
	transMu sync.Mutex

	// mu guards the fields below. Guard holds it shared for the length of a
	// gated operation, so a transition waits for in-flight trades and quiz
	// answers before publishing the next phase.
	mu          sync.RWMutex
	round       int
	phase       model.Phase
	active      bool
	awaiting    bool
	phaseEndsAt time.Time
	startTime   time.Time
	endTime     time.Time
	epoch       uint64
	timer       Timer
}

// NewScheduler creates an inactive scheduler at round 1, NEWS.
func NewScheduler(st store.Store, data *seed.Data, applier PriceApplier, scorer *Scorer, cfg config.GameConfig, clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   st,
		seed:    data,
		applier: applier,
		scorer:  scorer,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		round:   1,
		phase:   model.PhaseNews,
	}
}

// OnChange registers a callback invoked with the new state after every
// transition. It runs outside the scheduler's locks.
func (s *Scheduler) OnChange(fn func(model.GameState)) {
	s.onChange = fn
}

// State returns a consistent snapshot.
func (s *Scheduler) State() model.GameState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(s.clock.Now())
}

func (s *Scheduler) snapshotLocked(now time.Time) model.GameState {
	st := model.GameState{
		CurrentRound:    s.round,
		TotalRounds:     s.cfg.Rounds,
		Phase:           s.phase,
		TimeRemaining:   s.remainingLocked(now),
		IsActive:        s.active,
		AwaitingAdvance: s.awaiting,
		Durations: model.PhaseDurations{
			News:    int(s.cfg.Durations.News / time.Second),
			Quiz:    int(s.cfg.Durations.Quiz / time.Second),
			Trading: int(s.cfg.Durations.Trading / time.Second),
			Results: int(s.cfg.Durations.Results / time.Second),
		},
	}
	if !s.startTime.IsZero() {
		t := s.startTime
		st.StartTime = &t
	}
	if !s.endTime.IsZero() {
		t := s.endTime
		st.EndTime = &t
	}
	if s.active && !s.awaiting && !s.phaseEndsAt.IsZero() {
		t := s.phaseEndsAt
		st.PhaseEndsAt = &t
	}
	return st
}

// remainingLocked is whole seconds left in the phase, rounded up.
func (s *Scheduler) remainingLocked(now time.Time) int {
	if !s.active || s.awaiting || s.phaseEndsAt.IsZero() {
		return 0
	}
	left := s.phaseEndsAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

// Guard runs fn while the game is active in phase with time remaining. The
// phase cannot change until fn returns. fn must not call back into the
// Scheduler.
func (s *Scheduler) Guard(phase model.Phase, fn func(state model.GameState) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := s.snapshotLocked(s.clock.Now())
	switch {
	case !state.IsActive:
		return apperr.WrongPhase("game is not running")
	case state.Phase != phase:
		return apperr.WrongPhase("%s is not open: current phase is %s", phase, state.Phase)
	case state.TimeRemaining <= 0:
		return apperr.TimeExpired("%s time has expired", phase)
	}
	return fn(state)
}

// TradeStatus explains whether trading is currently possible.
type TradeStatus struct {
	CanTrade     bool            `json:"canTrade"`
	GameState    model.GameState `json:"gameState"`
	Restrictions Restrictions    `json:"restrictions"`
}

type Restrictions struct {
	GameNotActive bool `json:"gameNotActive"`
	WrongPhase    bool `json:"wrongPhase"`
	TimeExpired   bool `json:"timeExpired"`
}

// TradeStatus reports the trading gate.
func (s *Scheduler) TradeStatus() TradeStatus {
	st := s.State()
	r := Restrictions{
		GameNotActive: !st.IsActive,
		WrongPhase:    st.Phase != model.PhaseTrading,
		TimeExpired:   st.TimeRemaining <= 0,
	}
	return TradeStatus{
		CanTrade:     !r.GameNotActive && !r.WrongPhase && !r.TimeExpired,
		GameState:    st,
		Restrictions: r,
	}
}

// Start resets all game data to the seed, enters round 1 NEWS and applies
// the round's events.
func (s *Scheduler) Start(ctx context.Context) (model.GameState, error) {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if active {
		return s.State(), apperr.InvalidState("game is already running")
	}

	if err := s.store.Reset(ctx, s.seed); err != nil {
		return s.State(), apperr.Internal("reset game data", err)
	}
	s.applyEvents(ctx, 1)

	s.mu.Lock()
	now := s.clock.Now()
	s.active = true
	s.startTime = now
	s.endTime = time.Time{}
	s.enterLocked(now, 1, model.PhaseNews)
	st := s.snapshotLocked(now)
	s.mu.Unlock()

	s.logger.Info("game started", "rounds", s.cfg.Rounds)
	s.notify(st)
	return st, nil
}

// Advance forces the transition out of the current phase.
func (s *Scheduler) Advance(ctx context.Context) (model.GameState, error) {
	s.transMu.Lock()
	defer s.transMu.Unlock()
	return s.advanceLocked(ctx)
}

// AdvanceRound moves from a finished RESULTS phase to the next round's NEWS.
func (s *Scheduler) AdvanceRound(ctx context.Context) (model.GameState, error) {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	s.mu.RLock()
	active, phase, awaiting, round := s.active, s.phase, s.awaiting, s.round
	s.mu.RUnlock()

	switch {
	case !active:
		return s.State(), apperr.InvalidState("game is not running")
	case phase != model.PhaseResults || !awaiting:
		return s.State(), apperr.InvalidState("next round is only available once results are complete")
	case round >= s.cfg.Rounds:
		return s.State(), apperr.InvalidState("round %d is the final round", round)
	}
	return s.nextRound(ctx, round+1), nil
}

// Reset restores the seed data, then cancels timers and returns to the
// inactive initial state. A failed store reset leaves the game untouched.
func (s *Scheduler) Reset(ctx context.Context) (model.GameState, error) {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	// Held exclusively so no gated operation writes between the store reset
	// and the state change.
	s.mu.Lock()
	if err := s.store.Reset(ctx, s.seed); err != nil {
		st := s.snapshotLocked(s.clock.Now())
		s.mu.Unlock()
		return st, apperr.Internal("reset game data", err)
	}
	s.stopTimerLocked()
	s.round = 1
	s.phase = model.PhaseNews
	s.active = false
	s.awaiting = false
	s.phaseEndsAt = time.Time{}
	s.startTime = time.Time{}
	s.endTime = time.Time{}
	st := s.snapshotLocked(s.clock.Now())
	s.mu.Unlock()

	metrics.CurrentRound.Set(0)
	s.logger.Info("game reset")
	s.notify(st)
	return st, nil
}

func (s *Scheduler) advanceLocked(ctx context.Context) (model.GameState, error) {
	s.mu.RLock()
	active, phase, round := s.active, s.phase, s.round
	s.mu.RUnlock()

	if !active {
		return s.State(), apperr.InvalidState("game is not running")
	}

	switch phase {
	case model.PhaseNews:
		return s.enter(round, model.PhaseQuiz), nil
	case model.PhaseQuiz:
		return s.enter(round, model.PhaseTrading), nil
	case model.PhaseTrading:
		st := s.enter(round, model.PhaseResults)
		if s.scorer != nil {
			if _, err := s.scorer.Score(ctx); err != nil {
				s.logger.Error("scoring pass failed", "round", round, "error", err)
			}
		}
		return st, nil
	case model.PhaseResults:
		if round >= s.cfg.Rounds {
			return s.finish(), nil
		}
		return s.nextRound(ctx, round+1), nil
	}
	return s.State(), apperr.InvalidState("cannot advance from %s", phase)
}

func (s *Scheduler) nextRound(ctx context.Context, round int) model.GameState {
	s.applyEvents(ctx, round)
	return s.enter(round, model.PhaseNews)
}

// applyEvents is best effort: a failed price update is logged and the round
// still starts.
func (s *Scheduler) applyEvents(ctx context.Context, round int) {
	if s.applier == nil {
		return
	}
	if _, err := s.applier.Apply(ctx, round); err != nil {
		s.logger.Error("applying news events failed", "round", round, "error", err)
	}
}

func (s *Scheduler) enter(round int, phase model.Phase) model.GameState {
	s.mu.Lock()
	now := s.clock.Now()
	from := s.phase
	s.enterLocked(now, round, phase)
	st := s.snapshotLocked(now)
	s.mu.Unlock()

	s.logger.Info("phase transition", "round", round, "from", from, "to", phase)
	s.notify(st)
	return st
}

// enterLocked publishes a phase and arms its timer.
func (s *Scheduler) enterLocked(now time.Time, round int, phase model.Phase) {
	s.stopTimerLocked()
	s.round = round
	s.phase = phase
	s.awaiting = false

	d := s.duration(phase)
	s.phaseEndsAt = now.Add(d)
	epoch := s.epoch
	s.timer = s.clock.AfterFunc(d, func() { s.expire(epoch) })

	metrics.PhaseTransitions.WithLabelValues(string(phase)).Inc()
	metrics.CurrentRound.Set(float64(round))
}

func (s *Scheduler) finish() model.GameState {
	s.mu.Lock()
	now := s.clock.Now()
	s.stopTimerLocked()
	s.phase = model.PhaseFinished
	s.active = false
	s.awaiting = false
	s.phaseEndsAt = time.Time{}
	s.endTime = now
	st := s.snapshotLocked(now)
	s.mu.Unlock()

	metrics.PhaseTransitions.WithLabelValues(string(model.PhaseFinished)).Inc()
	s.logger.Info("game finished", "rounds", s.cfg.Rounds)
	s.notify(st)
	return st
}

// stopTimerLocked cancels the armed timer and invalidates any callback that
// already fired but has not yet run.
func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.epoch++
}

// expire handles a phase timer. NEWS always moves on; other phases move on
// only with auto advance and otherwise wait for a moderator.
func (s *Scheduler) expire(epoch uint64) {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	s.mu.Lock()
	if epoch != s.epoch || !s.active {
		s.mu.Unlock()
		return
	}
	if s.phase != model.PhaseNews && !s.cfg.AutoAdvance {
		s.timer = nil
		s.awaiting = true
		st := s.snapshotLocked(s.clock.Now())
		s.mu.Unlock()

		s.logger.Info("phase expired, awaiting advance", "round", st.CurrentRound, "phase", st.Phase)
		s.notify(st)
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TransitionTimeout)
	defer cancel()
	if _, err := s.advanceLocked(ctx); err != nil {
		s.logger.Error("timed transition failed", "error", err)
	}
}

func (s *Scheduler) duration(phase model.Phase) time.Duration {
	switch phase {
	case model.PhaseNews:
		return s.cfg.Durations.News
	case model.PhaseQuiz:
		return s.cfg.Durations.Quiz
	case model.PhaseTrading:
		return s.cfg.Durations.Trading
	case model.PhaseResults:
		return s.cfg.Durations.Results
	}
	return 0
}

func (s *Scheduler) notify(st model.GameState) {
	if s.onChange != nil {
		s.onChange(st)
	}
}

// Stop cancels any armed timer. The state is left as is.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
}
