// Package report builds the read-only views of the game: team login,
// instrument listings, portfolios, the ranking and trade history.
//
// All monetary values use shopspring/decimal; money is never float64.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-game/internal/apperr"
	"github.com/atmx/trading-game/internal/config"
	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/store"
)

const (
	// RecentTransactions is how many ledger entries a portfolio shows.
	RecentTransactions = 10
	// InstrumentHistoryLimit caps the per-instrument trade history.
	InstrumentHistoryLimit = 50
)

var hundred = decimal.NewFromInt(100)

// Service answers reporting queries against the store.
type Service struct {
	store         store.Reader
	rankingUnit   decimal.Decimal
	rankingPoints decimal.Decimal
	logger        *slog.Logger
}

// NewService creates a reporting service. The ranking weight comes from the
// scoring section of the config.
func NewService(st store.Reader, cfg config.ScoringConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         st,
		rankingUnit:   cfg.RankingUnit,
		rankingPoints: cfg.RankingPointsPerUnit,
		logger:        logger,
	}
}

// --- Views ---

// HoldingView is a holding valued at the current price.
type HoldingView struct {
	model.Holding
	Symbol            string          `json:"symbol"`
	CompanyName       string          `json:"companyName"`
	Category          string          `json:"esgCategory"`
	CurrentPrice      decimal.Decimal `json:"currentPrice"`
	CurrentValue      decimal.Decimal `json:"currentValue"`
	TotalCost         decimal.Decimal `json:"totalCost"`
	ProfitLoss        decimal.Decimal `json:"profitLoss"`
	ProfitLossPercent decimal.Decimal `json:"profitLossPercent"`
}

// TradeView is a ledger entry with its team and instrument names resolved.
type TradeView struct {
	model.LedgerEntry
	Symbol      string `json:"symbol"`
	CompanyName string `json:"companyName"`
	TeamCode    string `json:"teamCode,omitempty"`
	TeamName    string `json:"teamName,omitempty"`
}

// Portfolio is a team's holdings, totals and most recent trades.
type Portfolio struct {
	Team               model.Team      `json:"team"`
	Holdings           []HoldingView   `json:"holdings"`
	Balance            decimal.Decimal `json:"balance"`
	PortfolioValue     decimal.Decimal `json:"portfolioValue"`
	TotalCost          decimal.Decimal `json:"totalCost"`
	TotalValue         decimal.Decimal `json:"totalValue"`
	ProfitLoss         decimal.Decimal `json:"profitLoss"`
	ProfitLossPercent  decimal.Decimal `json:"profitLossPercent"`
	RecentTransactions []TradeView     `json:"recentTransactions"`
}

// RankRow is one line of the ranking.
type RankRow struct {
	ID                int64           `json:"id"`
	Code              string          `json:"code"`
	Name              string          `json:"name"`
	Balance           decimal.Decimal `json:"balance"`
	PortfolioValue    decimal.Decimal `json:"portfolioValue"`
	TotalValue        decimal.Decimal `json:"totalValue"`
	ProfitLoss        decimal.Decimal `json:"profitLoss"`
	ProfitLossPercent decimal.Decimal `json:"profitLossPercent"`
	ESGScore          int             `json:"esgScore"`
	QuizScore         int             `json:"quizScore"`
	TotalScore        int64           `json:"totalScore"`
	Rank              int             `json:"rank"`
}

// TradeStatistics summarizes a set of trades.
type TradeStatistics struct {
	TotalTrades      int             `json:"totalTrades"`
	TotalVolume      decimal.Decimal `json:"totalVolume"`
	BuyTrades        int             `json:"buyTrades"`
	SellTrades       int             `json:"sellTrades"`
	AverageTradeSize decimal.Decimal `json:"averageTradeSize"`
}

// RoundTrades is the trade history of one round.
type RoundTrades struct {
	Round      int             `json:"roundNumber"`
	Trades     []TradeView     `json:"trades"`
	Statistics TradeStatistics `json:"statistics"`
}

// --- Queries ---

// LoginTeam looks a team up by its shared code.
func (s *Service) LoginTeam(ctx context.Context, code string) (*model.Team, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperr.Validation("team code is required")
	}
	team, err := s.store.GetTeamByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("unknown team code %q", code)
		}
		return nil, s.internal("login team", err)
	}
	return team, nil
}

// Instruments lists every instrument ordered by symbol.
func (s *Service) Instruments(ctx context.Context) ([]model.Instrument, error) {
	list, err := s.store.ListInstruments(ctx)
	if err != nil {
		return nil, s.internal("list instruments", err)
	}
	if list == nil {
		list = []model.Instrument{}
	}
	return list, nil
}

// InstrumentHistory returns the latest trades of one instrument, newest first.
func (s *Service) InstrumentHistory(ctx context.Context, instrumentID int64) ([]TradeView, error) {
	in, err := s.store.GetInstrument(ctx, instrumentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("stock %d not found", instrumentID)
		}
		return nil, s.internal("get instrument", err)
	}
	entries, err := s.store.ListLedgerEntriesByInstrument(ctx, instrumentID, InstrumentHistoryLimit)
	if err != nil {
		return nil, s.internal("list instrument history", err)
	}

	names := newNames(s.store)
	names.instruments[in.ID] = in
	views, err := names.trades(ctx, entries, true)
	if err != nil {
		return nil, s.internal("resolve trade names", err)
	}
	return views, nil
}

// Portfolio values a team's holdings at current prices.
func (s *Service) Portfolio(ctx context.Context, teamID int64) (*Portfolio, error) {
	if teamID <= 0 {
		return nil, apperr.Validation("invalid team id %d", teamID)
	}
	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("team %d not found", teamID)
		}
		return nil, s.internal("get team", err)
	}

	holdings, err := s.store.ListHoldings(ctx, teamID)
	if err != nil {
		return nil, s.internal("list holdings", err)
	}

	names := newNames(s.store)
	p := &Portfolio{
		Team:           *team,
		Holdings:       make([]HoldingView, 0, len(holdings)),
		Balance:        team.Balance,
		PortfolioValue: decimal.Zero,
		TotalCost:      decimal.Zero,
	}
	for _, h := range holdings {
		if h.Quantity <= 0 {
			continue
		}
		in, err := names.instrument(ctx, h.InstrumentID)
		if err != nil {
			return nil, s.internal("get instrument", err)
		}
		qty := decimal.NewFromInt(h.Quantity)
		value := in.CurrentPrice.Mul(qty)
		cost := h.AverageCost.Mul(qty)
		p.Holdings = append(p.Holdings, HoldingView{
			Holding:           h,
			Symbol:            in.Symbol,
			CompanyName:       in.Name,
			Category:          in.Category,
			CurrentPrice:      in.CurrentPrice,
			CurrentValue:      value,
			TotalCost:         cost,
			ProfitLoss:        value.Sub(cost),
			ProfitLossPercent: percent(value.Sub(cost), cost),
		})
		p.PortfolioValue = p.PortfolioValue.Add(value)
		p.TotalCost = p.TotalCost.Add(cost)
	}
	sort.SliceStable(p.Holdings, func(i, j int) bool { return p.Holdings[i].Symbol < p.Holdings[j].Symbol })

	p.TotalValue = p.PortfolioValue.Add(team.Balance)
	p.ProfitLoss = p.PortfolioValue.Sub(p.TotalCost)
	p.ProfitLossPercent = percent(p.ProfitLoss, p.TotalCost)

	entries, err := s.store.ListLedgerEntriesByTeam(ctx, teamID, RecentTransactions)
	if err != nil {
		return nil, s.internal("list transactions", err)
	}
	if p.RecentTransactions, err = names.trades(ctx, entries, false); err != nil {
		return nil, s.internal("resolve trade names", err)
	}
	return p, nil
}

// Ranking orders teams by esgScore + quizScore + portfolio weight, where the
// weight is portfolioValue / unit * points. Ties keep team id order.
func (s *Service) Ranking(ctx context.Context) ([]RankRow, error) {
	teams, err := s.store.ListTeams(ctx)
	if err != nil {
		return nil, s.internal("list teams", err)
	}

	names := newNames(s.store)
	rows := make([]RankRow, 0, len(teams))
	for _, t := range teams {
		holdings, err := s.store.ListHoldings(ctx, t.ID)
		if err != nil {
			return nil, s.internal("list holdings", err)
		}
		value, cost := decimal.Zero, decimal.Zero
		for _, h := range holdings {
			in, err := names.instrument(ctx, h.InstrumentID)
			if err != nil {
				return nil, s.internal("get instrument", err)
			}
			qty := decimal.NewFromInt(h.Quantity)
			value = value.Add(in.CurrentPrice.Mul(qty))
			cost = cost.Add(h.AverageCost.Mul(qty))
		}

		pl := value.Sub(cost)
		score := decimal.NewFromInt(int64(t.ESGScore + t.QuizScore)).Add(s.weight(value))
		rows = append(rows, RankRow{
			ID:                t.ID,
			Code:              t.Code,
			Name:              t.Name,
			Balance:           t.Balance,
			PortfolioValue:    value,
			TotalValue:        value.Add(t.Balance),
			ProfitLoss:        pl,
			ProfitLossPercent: percent(pl, cost),
			ESGScore:          t.ESGScore,
			QuizScore:         t.QuizScore,
			TotalScore:        score.Round(0).IntPart(),
		})
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].TotalScore > rows[j].TotalScore })
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}

func (s *Service) weight(value decimal.Decimal) decimal.Decimal {
	if !value.IsPositive() || !s.rankingUnit.IsPositive() {
		return decimal.Zero
	}
	return value.Div(s.rankingUnit).Mul(s.rankingPoints)
}

// RoundTrades returns a round's trades, newest first, with statistics.
func (s *Service) RoundTrades(ctx context.Context, round int) (*RoundTrades, error) {
	if round <= 0 {
		return nil, apperr.Validation("invalid round %d", round)
	}
	entries, err := s.store.ListLedgerEntriesByRound(ctx, round)
	if err != nil {
		return nil, s.internal("list round trades", err)
	}
	views, err := newNames(s.store).trades(ctx, entries, true)
	if err != nil {
		return nil, s.internal("resolve trade names", err)
	}
	return &RoundTrades{Round: round, Trades: views, Statistics: Statistics(entries)}, nil
}

// Statistics counts trades by side and sums their notional.
func Statistics(entries []model.LedgerEntry) TradeStatistics {
	st := TradeStatistics{TotalVolume: decimal.Zero, AverageTradeSize: decimal.Zero}
	for _, e := range entries {
		st.TotalTrades++
		st.TotalVolume = st.TotalVolume.Add(e.Notional())
		switch e.Side {
		case model.SideBuy:
			st.BuyTrades++
		case model.SideSell:
			st.SellTrades++
		}
	}
	if st.TotalTrades > 0 {
		st.AverageTradeSize = st.TotalVolume.Div(decimal.NewFromInt(int64(st.TotalTrades))).Round(2)
	}
	return st
}

// percent is part/whole*100 at 2 dp, or zero when whole is not positive.
func percent(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}

func (s *Service) internal(op string, err error) error {
	s.logger.Error("report query failed", "op", op, "error", err)
	return apperr.Internal(op, err)
}

// names memoizes team and instrument lookups for one query.
type names struct {
	r           store.Reader
	teams       map[int64]*model.Team
	instruments map[int64]*model.Instrument
}

func newNames(r store.Reader) *names {
	return &names{r: r, teams: map[int64]*model.Team{}, instruments: map[int64]*model.Instrument{}}
}

func (n *names) instrument(ctx context.Context, id int64) (*model.Instrument, error) {
	if in, ok := n.instruments[id]; ok {
		return in, nil
	}
	in, err := n.r.GetInstrument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("instrument %d: %w", id, err)
	}
	n.instruments[id] = in
	return in, nil
}

func (n *names) team(ctx context.Context, id int64) (*model.Team, error) {
	if t, ok := n.teams[id]; ok {
		return t, nil
	}
	t, err := n.r.GetTeam(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("team %d: %w", id, err)
	}
	n.teams[id] = t
	return t, nil
}

func (n *names) trades(ctx context.Context, entries []model.LedgerEntry, withTeam bool) ([]TradeView, error) {
	out := make([]TradeView, 0, len(entries))
	for _, e := range entries {
		in, err := n.instrument(ctx, e.InstrumentID)
		if err != nil {
			return nil, err
		}
		v := TradeView{LedgerEntry: e, Symbol: in.Symbol, CompanyName: in.Name}
		if withTeam {
			t, err := n.team(ctx, e.TeamID)
			if err != nil {
				return nil, err
			}
			v.TeamCode, v.TeamName = t.Code, t.Name
		}
		out = append(out, v)
	}
	return out, nil
}
