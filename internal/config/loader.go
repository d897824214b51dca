package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var decimalOne = decimal.NewFromInt(1)

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := newConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return cfg, nil
}

// LoadAndValidate loads config (or defaults when path is empty), applies
// environment overrides and defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg := newConfig()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv lets the conventional deployment variables win over the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
}

// Validate checks value ranges after defaults are applied.
func (c *Config) Validate() error {
	var errs []error

	if c.Game.Rounds < 1 {
		errs = append(errs, errors.New("game.rounds must be at least 1"))
	}
	d := c.Game.Durations
	if d.News < 0 || d.Quiz < 0 || d.Trading < 0 || d.Results < 0 {
		errs = append(errs, errors.New("game.durations must not be negative"))
	}
	if c.Trading.FeeRate.IsNegative() || c.Trading.FeeRate.GreaterThanOrEqual(decimalOne) {
		errs = append(errs, fmt.Errorf("trading.fee_rate must be in [0, 1), got %s", c.Trading.FeeRate))
	}
	if !c.Trading.MinPrice.IsPositive() {
		errs = append(errs, errors.New("trading.min_price must be positive"))
	}
	if c.Trading.MoneyScale < 0 {
		errs = append(errs, errors.New("trading.money_scale must not be negative"))
	}
	if c.Quiz.BonusRate.IsNegative() {
		errs = append(errs, errors.New("quiz.bonus_rate must not be negative"))
	}
	if c.Quiz.ScoreReward < 0 {
		errs = append(errs, errors.New("quiz.score_reward must not be negative"))
	}
	if c.Quiz.Reversal != ReversalExact && c.Quiz.Reversal != ReversalApproximate {
		errs = append(errs, fmt.Errorf("quiz.reversal must be %q or %q, got %q",
			ReversalExact, ReversalApproximate, c.Quiz.Reversal))
	}
	if !c.Scoring.ESGUnit.IsPositive() || !c.Scoring.RankingUnit.IsPositive() {
		errs = append(errs, errors.New("scoring units must be positive"))
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_second must not be negative"))
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("database.min_conns exceeds max_conns"))
	}

	return errors.Join(errs...)
}
