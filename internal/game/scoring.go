package game

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-game/internal/config"
	"github.com/atmx/trading-game/internal/metrics"
	"github.com/atmx/trading-game/internal/store"
)

// Scorer awards ESG points for the value teams hold in instruments.
type Scorer struct {
	store  store.Store
	unit   decimal.Decimal
	points int
	logger *slog.Logger
}

func NewScorer(st store.Store, cfg config.ScoringConfig, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{store: st, unit: cfg.ESGUnit, points: cfg.ESGPointsPerUnit, logger: logger}
}

// ScoreSummary reports how a scoring pass went.
type ScoreSummary struct {
	Scored  int `json:"scored"`
	Failed  int `json:"failed"`
	Awarded int `json:"awarded"`
}

// Award is floor(invested / unit) * points.
func (sc *Scorer) Award(invested decimal.Decimal) int {
	if !invested.IsPositive() {
		return 0
	}
	return int(invested.Div(sc.unit).Floor().IntPart()) * sc.points
}

// Score adds each team's award to its ESG score. Teams are scored one at a
// time in separate units of work; a failure is logged and the pass moves on.
func (sc *Scorer) Score(ctx context.Context) (ScoreSummary, error) {
	var sum ScoreSummary
	teams, err := sc.store.ListTeams(ctx)
	if err != nil {
		return sum, fmt.Errorf("list teams: %w", err)
	}

	for _, t := range teams {
		award, err := sc.scoreTeam(ctx, t.ID)
		if err != nil {
			sum.Failed++
			metrics.ScoringFailures.Inc()
			sc.logger.Error("esg scoring failed", "team_id", t.ID, "error", err)
			continue
		}
		sum.Scored++
		sum.Awarded += award
		sc.logger.Debug("esg scored", "team_id", t.ID, "award", award)
	}

	sc.logger.Info("esg scoring pass complete",
		"scored", sum.Scored, "failed", sum.Failed, "awarded", sum.Awarded)
	return sum, nil
}

func (sc *Scorer) scoreTeam(ctx context.Context, teamID int64) (int, error) {
	var award int
	err := sc.store.InTx(ctx, func(tx store.Tx) error {
		team, err := tx.LockTeam(ctx, teamID)
		if err != nil {
			return err
		}
		invested, err := InvestedValue(ctx, tx, teamID)
		if err != nil {
			return err
		}
		award = sc.Award(invested)
		if award == 0 {
			return nil
		}
		team.ESGScore += award
		return tx.UpdateTeam(ctx, team)
	})
	return award, err
}

// InvestedValue is the sum of quantity times current price over a team's
// holdings.
func InvestedValue(ctx context.Context, r store.Reader, teamID int64) (decimal.Decimal, error) {
	holdings, err := r.ListHoldings(ctx, teamID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, h := range holdings {
		in, err := r.GetInstrument(ctx, h.InstrumentID)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(in.CurrentPrice.Mul(decimal.NewFromInt(h.Quantity)))
	}
	return total, nil
}
