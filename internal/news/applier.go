// Package news applies round-scoped news events to instrument prices.
package news

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-game/internal/apperr"
	"github.com/atmx/trading-game/internal/metrics"
	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/store"
)

var hundred = decimal.NewFromInt(100)

// PriceChange records one instrument repriced by an event.
type PriceChange struct {
	InstrumentID int64           `json:"stockId"`
	Symbol       string          `json:"symbol"`
	OldPrice     decimal.Decimal `json:"oldPrice"`
	NewPrice     decimal.Decimal `json:"newPrice"`
	EventID      int64           `json:"eventId"`
}

// Applier turns percentage shocks into instrument price updates.
type Applier struct {
	store    store.Store
	minPrice decimal.Decimal
	scale    int32
	logger   *slog.Logger
	onChange func([]PriceChange)
}

// NewApplier creates an applier. Prices never fall below minPrice and are
// rounded to scale decimal places.
func NewApplier(st store.Store, minPrice decimal.Decimal, scale int32, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{store: st, minPrice: minPrice, scale: scale, logger: logger}
}

// OnChange registers a callback invoked after prices are committed.
func (a *Applier) OnChange(fn func([]PriceChange)) {
	a.onChange = fn
}

// ShockedPrice is max(minPrice, round(price * (1 + pct/100))).
func (a *Applier) ShockedPrice(price, pct decimal.Decimal) decimal.Decimal {
	next := price.Mul(decimal.NewFromInt(1).Add(pct.Div(hundred))).Round(a.scale)
	if next.LessThan(a.minPrice) {
		return a.minPrice
	}
	return next
}

// Apply reprices instruments for every active event of round in one unit of
// work. A round without events yields no changes. Re-running compounds the
// shocks again.
func (a *Applier) Apply(ctx context.Context, round int) ([]PriceChange, error) {
	var changes []PriceChange
	err := a.store.InTx(ctx, func(tx store.Tx) error {
		changes = changes[:0]
		events, err := tx.ListNewsEvents(ctx, store.EventFilter{Round: round, ActiveOnly: true})
		if err != nil {
			return err
		}
		for _, e := range events {
			c, err := a.applyEvent(ctx, tx, e)
			if err != nil {
				return err
			}
			changes = append(changes, c...)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Internal("apply news events", err)
	}

	a.logger.Info("news events applied", "round", round, "price_updates", len(changes))
	a.publish(changes)
	return changes, nil
}

// Trigger applies a single active event immediately.
func (a *Applier) Trigger(ctx context.Context, eventID int64) ([]PriceChange, error) {
	var changes []PriceChange
	err := a.store.InTx(ctx, func(tx store.Tx) error {
		e, err := tx.GetNewsEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if !e.Active {
			return apperr.NotFound("news event %d is not active", eventID)
		}
		changes, err = a.applyEvent(ctx, tx, *e)
		return err
	})
	if err != nil {
		return nil, a.translate(err, eventID)
	}

	a.logger.Info("news event triggered", "event_id", eventID, "price_updates", len(changes))
	a.publish(changes)
	return changes, nil
}

// Activate marks an event as applicable.
func (a *Applier) Activate(ctx context.Context, eventID int64) error {
	return a.setActive(ctx, eventID, true)
}

// Deactivate excludes an event from future applications.
func (a *Applier) Deactivate(ctx context.Context, eventID int64) error {
	return a.setActive(ctx, eventID, false)
}

func (a *Applier) setActive(ctx context.Context, eventID int64, active bool) error {
	err := a.store.InTx(ctx, func(tx store.Tx) error {
		return tx.SetNewsEventActive(ctx, eventID, active)
	})
	if err != nil {
		return a.translate(err, eventID)
	}
	a.logger.Info("news event updated", "event_id", eventID, "active", active)
	return nil
}

// List returns active events, optionally limited to one round.
func (a *Applier) List(ctx context.Context, round int) ([]model.NewsEvent, error) {
	events, err := a.store.ListNewsEvents(ctx, store.EventFilter{Round: round, ActiveOnly: true})
	if err != nil {
		return nil, apperr.Internal("list news events", err)
	}
	if events == nil {
		events = []model.NewsEvent{}
	}
	return events, nil
}

func (a *Applier) applyEvent(ctx context.Context, tx store.Tx, e model.NewsEvent) ([]PriceChange, error) {
	// Map iteration order is random; apply in symbol order so logs and
	// results are stable.
	symbols := make([]string, 0, len(e.AffectedStocks))
	for sym := range e.AffectedStocks {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	changes := make([]PriceChange, 0, len(symbols))
	for _, sym := range symbols {
		in, err := tx.GetInstrumentBySymbol(ctx, sym)
		if errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("news event references unknown symbol", "event_id", e.ID, "symbol", sym)
			continue
		}
		if err != nil {
			return nil, err
		}

		next := a.ShockedPrice(in.CurrentPrice, e.AffectedStocks[sym])
		if err := tx.UpdateInstrumentPrice(ctx, in.ID, next); err != nil {
			return nil, err
		}
		a.logger.Debug("price updated",
			"event_id", e.ID, "symbol", sym,
			"old_price", in.CurrentPrice.String(), "new_price", next.String())
		changes = append(changes, PriceChange{
			InstrumentID: in.ID,
			Symbol:       sym,
			OldPrice:     in.CurrentPrice,
			NewPrice:     next,
			EventID:      e.ID,
		})
	}
	return changes, nil
}

func (a *Applier) publish(changes []PriceChange) {
	metrics.PriceUpdates.Add(float64(len(changes)))
	if a.onChange != nil && len(changes) > 0 {
		a.onChange(changes)
	}
}

func (a *Applier) translate(err error, eventID int64) error {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("news event %d not found", eventID)
	default:
		return apperr.Internal("update news event", err)
	}
}
