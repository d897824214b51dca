package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// Default values for optional configuration fields.
const (
	DefaultPort              = "8080"
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultAllowedOrigin     = "*"
	DefaultMinConns          = 2
	DefaultMaxConns          = 10
	DefaultCacheTTL          = 30 * time.Second
	DefaultRounds            = 8
	DefaultNewsDuration      = 30 * time.Second
	DefaultQuizDuration      = 2 * time.Minute
	DefaultTradingDuration   = 5 * time.Minute
	DefaultResultsDuration   = 30 * time.Second
	DefaultTransitionTimeout = 20 * time.Second
	DefaultMoneyScale        = 2
	DefaultQuizScoreReward   = 10
	DefaultESGPointsPerUnit  = 5
)

var (
	DefaultFeeRate              = decimal.RequireFromString("0.005")
	DefaultMinPrice             = decimal.NewFromInt(1)
	DefaultBonusRate            = decimal.RequireFromString("0.02")
	DefaultESGUnit              = decimal.NewFromInt(10000)
	DefaultRankingUnit          = decimal.NewFromInt(10000)
	DefaultRankingPointsPerUnit = decimal.NewFromInt(50)
)

// Default returns a configuration with every default applied.
func Default() *Config {
	c := newConfig()
	c.applyDefaults()
	return c
}

// newConfig returns a Config with the fields for which zero is a valid
// setting already filled in. The YAML file is decoded over it, so an explicit
// zero in the file is kept while an absent key keeps the default.
func newConfig() *Config {
	c := &Config{}
	c.Trading.FeeRate = DefaultFeeRate
	c.Trading.MoneyScale = DefaultMoneyScale
	c.Quiz.ScoreReward = DefaultQuizScoreReward
	return c
}

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = DefaultRequestTimeout
	}
	if c.Server.AllowedOrigin == "" {
		c.Server.AllowedOrigin = DefaultAllowedOrigin
	}

	// Storage defaults
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Redis.CacheTTL == 0 {
		c.Redis.CacheTTL = DefaultCacheTTL
	}

	// Game defaults
	if c.Game.Rounds == 0 {
		c.Game.Rounds = DefaultRounds
	}
	if c.Game.Durations.News == 0 {
		c.Game.Durations.News = DefaultNewsDuration
	}
	if c.Game.Durations.Quiz == 0 {
		c.Game.Durations.Quiz = DefaultQuizDuration
	}
	if c.Game.Durations.Trading == 0 {
		c.Game.Durations.Trading = DefaultTradingDuration
	}
	if c.Game.Durations.Results == 0 {
		c.Game.Durations.Results = DefaultResultsDuration
	}
	if c.Game.TransitionTimeout == 0 {
		c.Game.TransitionTimeout = DefaultTransitionTimeout
	}

	// Trading defaults
	if c.Trading.MinPrice.IsZero() {
		c.Trading.MinPrice = DefaultMinPrice
	}

	// Quiz defaults
	if c.Quiz.BonusRate.IsZero() {
		c.Quiz.BonusRate = DefaultBonusRate
	}
	if c.Quiz.Reversal == "" {
		c.Quiz.Reversal = ReversalExact
	}

	// Scoring defaults
	if c.Scoring.ESGUnit.IsZero() {
		c.Scoring.ESGUnit = DefaultESGUnit
	}
	if c.Scoring.ESGPointsPerUnit == 0 {
		c.Scoring.ESGPointsPerUnit = DefaultESGPointsPerUnit
	}
	if c.Scoring.RankingUnit.IsZero() {
		c.Scoring.RankingUnit = DefaultRankingUnit
	}
	if c.Scoring.RankingPointsPerUnit.IsZero() {
		c.Scoring.RankingPointsPerUnit = DefaultRankingPointsPerUnit
	}

	// Rate limit: a zero rate stays disabled, burst defaults to the rate.
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = int(c.RateLimit.RequestsPerSecond) + 1
	}
}
