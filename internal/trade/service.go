// Package trade is the trading ledger: the only path by which team balances
// and holdings change because of a trade.
//
// All monetary values use shopspring/decimal; money is never float64.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-game/internal/apperr"
	"github.com/atmx/trading-game/internal/metrics"
	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/store"
)

// averageCostScale bounds the precision stored for a holding's average cost.
const averageCostScale = 4

// Gate admits fn only while the game is in phase with time remaining. fn runs
// while the gate holds the phase open and receives the state it was admitted
// under.
type Gate interface {
	Guard(phase model.Phase, fn func(state model.GameState) error) error
}

// Service executes buy and sell orders. Each order is one unit of work in the
// store: the team row is locked first, then the holding, so concurrent orders
// for the same team serialize while different teams proceed in parallel.
type Service struct {
	store   store.Store
	gate    Gate
	feeRate decimal.Decimal
	scale   int32
	logger  *slog.Logger
	now     func() time.Time
	onTrade func(Result)
}

// NewService creates a trading ledger. A nil gate admits every order and
// records it against round 0.
func NewService(st store.Store, gate Gate, feeRate decimal.Decimal, scale int32, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		gate:    gate,
		feeRate: feeRate,
		scale:   scale,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnTrade registers a callback invoked after each committed trade.
func (s *Service) OnTrade(fn func(Result)) {
	s.onTrade = fn
}

// Order is a request to buy or sell a whole number of shares.
type Order struct {
	TeamID       int64
	InstrumentID int64
	Quantity     int64
}

func (o Order) validate() error {
	switch {
	case o.TeamID <= 0:
		return apperr.Validation("teamId is required")
	case o.InstrumentID <= 0:
		return apperr.Validation("stockId is required")
	case o.Quantity <= 0:
		return apperr.Validation("quantity must be a positive integer")
	}
	return nil
}

// Result describes an executed trade.
type Result struct {
	TransactionID string          `json:"transactionId"`
	Round         int             `json:"round"`
	TeamID        int64           `json:"teamId"`
	InstrumentID  int64           `json:"stockId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"type"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	// Notional is price times quantity, before fees.
	Notional decimal.Decimal `json:"totalAmount"`
	Fee      decimal.Decimal `json:"fee"`
	// Settlement is the debit for a buy and the net credit for a sell.
	Settlement decimal.Decimal `json:"finalAmount"`
	NewBalance decimal.Decimal `json:"newBalance"`
	// Holding is nil once a sell closes the position.
	Holding *model.Holding `json:"holding"`
}

// Fee is notional times the fee rate, rounded half-up to the money scale.
func (s *Service) Fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(s.feeRate).Round(s.scale)
}

// Buy debits cost plus fee and adds to the team's holding at a weighted
// average cost.
func (s *Service) Buy(ctx context.Context, o Order) (*Result, error) {
	return s.execute(ctx, model.SideBuy, o)
}

// Sell credits proceeds net of fee. The remaining shares keep their average
// cost; a fully sold holding is removed.
func (s *Service) Sell(ctx context.Context, o Order) (*Result, error) {
	return s.execute(ctx, model.SideSell, o)
}

func (s *Service) execute(ctx context.Context, side string, o Order) (*Result, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	var res *Result
	run := func(state model.GameState) error {
		var err error
		res, err = s.apply(ctx, side, o, state.CurrentRound)
		return err
	}

	var err error
	if s.gate != nil {
		err = s.gate.Guard(model.PhaseTrading, run)
	} else {
		err = run(model.GameState{})
	}
	if err != nil {
		err = s.translate(err, o)
		metrics.TradeRejections.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.InstrumentVolume.WithLabelValues(res.Symbol, side).Add(float64(res.Quantity))

	s.logger.Info("trade executed",
		"trade_id", res.TransactionID,
		"round", res.Round,
		"team_id", res.TeamID,
		"instrument_id", res.InstrumentID,
		"side", side,
		"qty", res.Quantity,
		"price", res.Price.String(),
		"fee", res.Fee.String(),
		"balance", res.NewBalance.String(),
	)

	if s.onTrade != nil {
		s.onTrade(*res)
	}
	return res, nil
}

func (s *Service) apply(ctx context.Context, side string, o Order, round int) (*Result, error) {
	var res *Result
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		team, err := tx.LockTeam(ctx, o.TeamID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("team %d not found", o.TeamID)
		}
		if err != nil {
			return err
		}
		in, err := tx.GetInstrument(ctx, o.InstrumentID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("stock %d not found", o.InstrumentID)
		}
		if err != nil {
			return err
		}

		notional := in.CurrentPrice.Mul(decimal.NewFromInt(o.Quantity))
		fee := s.Fee(notional)

		var holding *model.Holding
		var settlement decimal.Decimal
		if side == model.SideBuy {
			settlement = notional.Add(fee)
			if team.Balance.LessThan(settlement) {
				return apperr.New(apperr.KindInsufficientFunds, "insufficient funds: need %s, have %s",
					settlement.StringFixed(s.scale), team.Balance.StringFixed(s.scale))
			}
			holding, err = s.addToHolding(ctx, tx, team.ID, in, o.Quantity, notional)
			if err != nil {
				return err
			}
			team.Balance = team.Balance.Sub(settlement)
		} else {
			settlement = notional.Sub(fee)
			holding, err = s.removeFromHolding(ctx, tx, team.ID, in.ID, o.Quantity)
			if err != nil {
				return err
			}
			team.Balance = team.Balance.Add(settlement)
		}

		if err := tx.UpdateTeam(ctx, team); err != nil {
			return err
		}

		entry := &model.LedgerEntry{
			ID:           uuid.New().String(),
			TeamID:       team.ID,
			InstrumentID: in.ID,
			Round:        round,
			Side:         side,
			Quantity:     o.Quantity,
			Price:        in.CurrentPrice,
			Fee:          fee,
			Timestamp:    s.now(),
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}

		res = &Result{
			TransactionID: entry.ID,
			Round:         round,
			TeamID:        team.ID,
			InstrumentID:  in.ID,
			Symbol:        in.Symbol,
			Side:          side,
			Quantity:      o.Quantity,
			Price:         in.CurrentPrice,
			Notional:      notional,
			Fee:           fee,
			Settlement:    settlement,
			NewBalance:    team.Balance,
			Holding:       holding,
		}
		return nil
	})
	return res, err
}

func (s *Service) addToHolding(ctx context.Context, tx store.Tx, teamID int64, in *model.Instrument, qty int64, cost decimal.Decimal) (*model.Holding, error) {
	h, err := tx.LockHolding(ctx, teamID, in.ID)
	if errors.Is(err, store.ErrNotFound) {
		h = &model.Holding{
			TeamID:       teamID,
			InstrumentID: in.ID,
			Quantity:     qty,
			AverageCost:  in.CurrentPrice,
		}
		if err := tx.InsertHolding(ctx, h); err != nil {
			return nil, err
		}
		return h, nil
	}
	if err != nil {
		return nil, err
	}

	// (oldQty*oldAvg + cost) / (oldQty+qty)
	newQty := h.Quantity + qty
	basis := h.AverageCost.Mul(decimal.NewFromInt(h.Quantity)).Add(cost)
	h.AverageCost = basis.Div(decimal.NewFromInt(newQty)).Round(averageCostScale)
	h.Quantity = newQty
	if err := tx.UpdateHolding(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Service) removeFromHolding(ctx context.Context, tx store.Tx, teamID, instrumentID, qty int64) (*model.Holding, error) {
	h, err := tx.LockHolding(ctx, teamID, instrumentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindInsufficientHoldings, "no holding to sell")
	}
	if err != nil {
		return nil, err
	}
	if h.Quantity < qty {
		return nil, apperr.New(apperr.KindInsufficientHoldings,
			"insufficient holdings: have %d, want to sell %d", h.Quantity, qty)
	}

	if h.Quantity == qty {
		return nil, tx.DeleteHolding(ctx, h.ID)
	}
	h.Quantity -= qty
	if err := tx.UpdateHolding(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// translate maps store failures onto the error taxonomy.
func (s *Service) translate(err error, o Order) error {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	default:
		s.logger.Error("trade failed", "team_id", o.TeamID, "instrument_id", o.InstrumentID, "error", err)
		return apperr.Internal("execute trade", err)
	}
}
