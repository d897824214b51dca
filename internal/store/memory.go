package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/seed"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Units of work are serialized and run against a private copy of the state
// that replaces the shared one only on success, so a failed InTx leaves
// nothing behind.
type MemoryStore struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type memState struct {
	teams       map[int64]model.Team
	instruments map[int64]model.Instrument
	holdings    map[int64]model.Holding
	ledger      []model.LedgerEntry
	questions   map[int64]model.QuizQuestion
	submissions []model.QuizSubmission
	events      map[int64]model.NewsEvent

	nextTeamID       int64
	nextInstrumentID int64
	nextHoldingID    int64
	nextQuestionID   int64
	nextEventID      int64
}

func newMemState() *memState {
	return &memState{
		teams:       make(map[int64]model.Team),
		instruments: make(map[int64]model.Instrument),
		holdings:    make(map[int64]model.Holding),
		questions:   make(map[int64]model.QuizQuestion),
		events:      make(map[int64]model.NewsEvent),
	}
}

// clone copies every table. Question options and event shocks are never
// mutated in place, so sharing them is safe.
func (s *memState) clone() *memState {
	c := *s
	c.teams = cloneMap(s.teams)
	c.instruments = cloneMap(s.instruments)
	c.holdings = cloneMap(s.holdings)
	c.ledger = slices.Clone(s.ledger)
	c.questions = cloneMap(s.questions)
	c.submissions = slices.Clone(s.submissions)
	c.events = cloneMap(s.events)
	return &c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// read returns the current committed state. Committed states are never
// written again, so callers may use it without holding mu.
func (s *MemoryStore) read() *memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *MemoryStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	work := s.read().clone()
	if err := fn(&memTx{memState: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Seed(ctx context.Context, data *seed.Data) error {
	return s.InTx(ctx, func(tx Tx) error {
		st := tx.(*memTx).memState
		if len(st.teams) > 0 {
			return nil
		}
		for _, t := range data.ModelTeams() {
			st.nextTeamID++
			t.ID = st.nextTeamID
			st.teams[t.ID] = t
		}
		for _, in := range data.ModelInstruments() {
			st.nextInstrumentID++
			in.ID = st.nextInstrumentID
			st.instruments[in.ID] = in
		}
		for _, q := range data.ModelQuestions() {
			st.nextQuestionID++
			q.ID = st.nextQuestionID
			st.questions[q.ID] = q
		}
		for _, e := range data.ModelEvents() {
			st.nextEventID++
			e.ID = st.nextEventID
			st.events[e.ID] = e
		}
		return nil
	})
}

func (s *MemoryStore) Reset(ctx context.Context, data *seed.Data) error {
	return s.InTx(ctx, func(tx Tx) error {
		st := tx.(*memTx).memState
		balances := make(map[string]decimal.Decimal, len(data.Teams))
		for _, t := range data.Teams {
			balances[t.Code] = t.Balance
		}
		for id, t := range st.teams {
			if b, ok := balances[t.Code]; ok {
				t.Balance = b
			}
			t.ESGScore = 0
			t.QuizScore = 0
			st.teams[id] = t
		}

		prices := make(map[string]decimal.Decimal, len(data.Instruments))
		for _, in := range data.Instruments {
			prices[in.Symbol] = in.Price
		}
		for id, in := range st.instruments {
			if p, ok := prices[in.Symbol]; ok {
				in.CurrentPrice = p
				st.instruments[id] = in
			}
		}

		st.holdings = make(map[int64]model.Holding)
		st.ledger = nil
		st.submissions = nil
		return nil
	})
}

// --- Read-only access to committed state ---

func (s *MemoryStore) GetTeam(ctx context.Context, id int64) (*model.Team, error) {
	return s.read().GetTeam(ctx, id)
}

func (s *MemoryStore) GetTeamByCode(ctx context.Context, code string) (*model.Team, error) {
	return s.read().GetTeamByCode(ctx, code)
}

func (s *MemoryStore) ListTeams(ctx context.Context) ([]model.Team, error) {
	return s.read().ListTeams(ctx)
}

func (s *MemoryStore) GetInstrument(ctx context.Context, id int64) (*model.Instrument, error) {
	return s.read().GetInstrument(ctx, id)
}

func (s *MemoryStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	return s.read().GetInstrumentBySymbol(ctx, symbol)
}

func (s *MemoryStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.read().ListInstruments(ctx)
}

func (s *MemoryStore) GetHolding(ctx context.Context, teamID, instrumentID int64) (*model.Holding, error) {
	return s.read().GetHolding(ctx, teamID, instrumentID)
}

func (s *MemoryStore) ListHoldings(ctx context.Context, teamID int64) ([]model.Holding, error) {
	return s.read().ListHoldings(ctx, teamID)
}

func (s *MemoryStore) ListLedgerEntriesByTeam(ctx context.Context, teamID int64, limit int) ([]model.LedgerEntry, error) {
	return s.read().ListLedgerEntriesByTeam(ctx, teamID, limit)
}

func (s *MemoryStore) ListLedgerEntriesByInstrument(ctx context.Context, instrumentID int64, limit int) ([]model.LedgerEntry, error) {
	return s.read().ListLedgerEntriesByInstrument(ctx, instrumentID, limit)
}

func (s *MemoryStore) ListLedgerEntriesByRound(ctx context.Context, round int) ([]model.LedgerEntry, error) {
	return s.read().ListLedgerEntriesByRound(ctx, round)
}

func (s *MemoryStore) GetQuestion(ctx context.Context, id int64) (*model.QuizQuestion, error) {
	return s.read().GetQuestion(ctx, id)
}

func (s *MemoryStore) GetQuestionByRound(ctx context.Context, round int) (*model.QuizQuestion, error) {
	return s.read().GetQuestionByRound(ctx, round)
}

func (s *MemoryStore) GetSubmission(ctx context.Context, teamID, questionID int64) (*model.QuizSubmission, error) {
	return s.read().GetSubmission(ctx, teamID, questionID)
}

func (s *MemoryStore) ListSubmissionsByRound(ctx context.Context, round int) ([]model.QuizSubmission, error) {
	return s.read().ListSubmissionsByRound(ctx, round)
}

func (s *MemoryStore) GetNewsEvent(ctx context.Context, id int64) (*model.NewsEvent, error) {
	return s.read().GetNewsEvent(ctx, id)
}

func (s *MemoryStore) ListNewsEvents(ctx context.Context, filter EventFilter) ([]model.NewsEvent, error) {
	return s.read().ListNewsEvents(ctx, filter)
}

// --- memState readers (no locking; the state is either committed and
// immutable, or private to a unit of work) ---

func (s *memState) GetTeam(_ context.Context, id int64) (*model.Team, error) {
	t, ok := s.teams[id]
	if !ok {
		return nil, fmt.Errorf("team %d: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (s *memState) GetTeamByCode(_ context.Context, code string) (*model.Team, error) {
	for _, t := range s.teams {
		if t.Code == code {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("team %s: %w", code, ErrNotFound)
}

func (s *memState) ListTeams(_ context.Context) ([]model.Team, error) {
	teams := make([]model.Team, 0, len(s.teams))
	for _, t := range s.teams {
		teams = append(teams, t)
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })
	return teams, nil
}

func (s *memState) GetInstrument(_ context.Context, id int64) (*model.Instrument, error) {
	in, ok := s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %d: %w", id, ErrNotFound)
	}
	return &in, nil
}

func (s *memState) GetInstrumentBySymbol(_ context.Context, symbol string) (*model.Instrument, error) {
	for _, in := range s.instruments {
		if in.Symbol == symbol {
			return &in, nil
		}
	}
	return nil, fmt.Errorf("instrument %s: %w", symbol, ErrNotFound)
}

func (s *memState) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	out := make([]model.Instrument, 0, len(s.instruments))
	for _, in := range s.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *memState) GetHolding(_ context.Context, teamID, instrumentID int64) (*model.Holding, error) {
	for _, h := range s.holdings {
		if h.TeamID == teamID && h.InstrumentID == instrumentID {
			return &h, nil
		}
	}
	return nil, fmt.Errorf("holding %d/%d: %w", teamID, instrumentID, ErrNotFound)
}

func (s *memState) ListHoldings(_ context.Context, teamID int64) ([]model.Holding, error) {
	var out []model.Holding
	for _, h := range s.holdings {
		if h.TeamID == teamID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out, nil
}

// ledgerWhere returns matching entries newest first.
func (s *memState) ledgerWhere(match func(model.LedgerEntry) bool, limit int) []model.LedgerEntry {
	var out []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if match(s.ledger[i]) {
			out = append(out, s.ledger[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

func (s *memState) ListLedgerEntriesByTeam(_ context.Context, teamID int64, limit int) ([]model.LedgerEntry, error) {
	return s.ledgerWhere(func(e model.LedgerEntry) bool { return e.TeamID == teamID }, limit), nil
}

func (s *memState) ListLedgerEntriesByInstrument(_ context.Context, instrumentID int64, limit int) ([]model.LedgerEntry, error) {
	return s.ledgerWhere(func(e model.LedgerEntry) bool { return e.InstrumentID == instrumentID }, limit), nil
}

func (s *memState) ListLedgerEntriesByRound(_ context.Context, round int) ([]model.LedgerEntry, error) {
	return s.ledgerWhere(func(e model.LedgerEntry) bool { return e.Round == round }, 0), nil
}

func (s *memState) GetQuestion(_ context.Context, id int64) (*model.QuizQuestion, error) {
	q, ok := s.questions[id]
	if !ok {
		return nil, fmt.Errorf("question %d: %w", id, ErrNotFound)
	}
	return &q, nil
}

func (s *memState) GetQuestionByRound(_ context.Context, round int) (*model.QuizQuestion, error) {
	var found *model.QuizQuestion
	for _, q := range s.questions {
		if q.Round == round && (found == nil || q.ID < found.ID) {
			q := q
			found = &q
		}
	}
	if found == nil {
		return nil, fmt.Errorf("question for round %d: %w", round, ErrNotFound)
	}
	return found, nil
}

func (s *memState) GetSubmission(_ context.Context, teamID, questionID int64) (*model.QuizSubmission, error) {
	for _, sub := range s.submissions {
		if sub.TeamID == teamID && sub.QuestionID == questionID {
			return &sub, nil
		}
	}
	return nil, fmt.Errorf("submission %d/%d: %w", teamID, questionID, ErrNotFound)
}

func (s *memState) ListSubmissionsByRound(_ context.Context, round int) ([]model.QuizSubmission, error) {
	var out []model.QuizSubmission
	for _, sub := range s.submissions {
		if sub.Round == round {
			out = append(out, sub)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *memState) GetNewsEvent(_ context.Context, id int64) (*model.NewsEvent, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("news event %d: %w", id, ErrNotFound)
	}
	return &e, nil
}

func (s *memState) ListNewsEvents(_ context.Context, filter EventFilter) ([]model.NewsEvent, error) {
	var out []model.NewsEvent
	for _, e := range s.events {
		if filter.Round != 0 && e.Round != filter.Round {
			continue
		}
		if filter.ActiveOnly && !e.Active {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- memTx writers ---

type memTx struct {
	*memState
}

func (t *memTx) LockTeam(ctx context.Context, id int64) (*model.Team, error) {
	return t.GetTeam(ctx, id)
}

func (t *memTx) LockHolding(ctx context.Context, teamID, instrumentID int64) (*model.Holding, error) {
	return t.GetHolding(ctx, teamID, instrumentID)
}

func (t *memTx) UpdateTeam(_ context.Context, team *model.Team) error {
	if _, ok := t.teams[team.ID]; !ok {
		return fmt.Errorf("team %d: %w", team.ID, ErrNotFound)
	}
	t.teams[team.ID] = *team
	return nil
}

func (t *memTx) InsertHolding(_ context.Context, h *model.Holding) error {
	for _, existing := range t.holdings {
		if existing.TeamID == h.TeamID && existing.InstrumentID == h.InstrumentID {
			return fmt.Errorf("holding for team %d instrument %d already exists", h.TeamID, h.InstrumentID)
		}
	}
	t.nextHoldingID++
	h.ID = t.nextHoldingID
	t.holdings[h.ID] = *h
	return nil
}

func (t *memTx) UpdateHolding(_ context.Context, h *model.Holding) error {
	if _, ok := t.holdings[h.ID]; !ok {
		return fmt.Errorf("holding %d: %w", h.ID, ErrNotFound)
	}
	t.holdings[h.ID] = *h
	return nil
}

func (t *memTx) DeleteHolding(_ context.Context, id int64) error {
	if _, ok := t.holdings[id]; !ok {
		return fmt.Errorf("holding %d: %w", id, ErrNotFound)
	}
	delete(t.holdings, id)
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	t.ledger = append(t.ledger, *e)
	return nil
}

func (t *memTx) UpdateInstrumentPrice(_ context.Context, id int64, price decimal.Decimal) error {
	in, ok := t.instruments[id]
	if !ok {
		return fmt.Errorf("instrument %d: %w", id, ErrNotFound)
	}
	in.CurrentPrice = price
	t.instruments[id] = in
	return nil
}

func (t *memTx) InsertSubmission(_ context.Context, sub *model.QuizSubmission) error {
	for _, existing := range t.submissions {
		if existing.TeamID == sub.TeamID && existing.QuestionID == sub.QuestionID {
			return fmt.Errorf("submission for team %d question %d already exists", sub.TeamID, sub.QuestionID)
		}
	}
	t.submissions = append(t.submissions, *sub)
	return nil
}

func (t *memTx) DeleteSubmission(_ context.Context, id string) error {
	i := slices.IndexFunc(t.submissions, func(s model.QuizSubmission) bool { return s.ID == id })
	if i < 0 {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	t.submissions = slices.Delete(t.submissions, i, i+1)
	return nil
}

func (t *memTx) DeleteSubmissions(_ context.Context, filter SubmissionFilter) (int64, error) {
	before := len(t.submissions)
	t.submissions = slices.DeleteFunc(t.submissions, func(sub model.QuizSubmission) bool {
		return (filter.TeamID == 0 || sub.TeamID == filter.TeamID) &&
			(filter.Round == 0 || sub.Round == filter.Round)
	})
	return int64(before - len(t.submissions)), nil
}

func (t *memTx) SetNewsEventActive(_ context.Context, id int64, active bool) error {
	e, ok := t.events[id]
	if !ok {
		return fmt.Errorf("news event %d: %w", id, ErrNotFound)
	}
	e.Active = active
	t.events[id] = e
	return nil
}
