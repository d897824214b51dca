// Package config loads the game server configuration from YAML.
package config

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Game      GameConfig      `yaml:"game"`
	Trading   TradingConfig   `yaml:"trading"`
	Quiz      QuizConfig      `yaml:"quiz"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Seed      SeedConfig      `yaml:"seed"`
}

type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigin  string        `yaml:"allowed_origin"`
}

// DatabaseConfig selects PostgreSQL. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MinConns int    `yaml:"min_conns"`
	MaxConns int    `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// PhaseDurations is how long each phase of a round lasts.
type PhaseDurations struct {
	News    time.Duration `yaml:"news"`
	Quiz    time.Duration `yaml:"quiz"`
	Trading time.Duration `yaml:"trading"`
	Results time.Duration `yaml:"results"`
}

type GameConfig struct {
	Rounds    int            `yaml:"rounds"`
	Durations PhaseDurations `yaml:"durations"`
	// AutoAdvance moves every phase forward on expiry. When false only the
	// news phase does and the rest wait for a moderator.
	AutoAdvance       bool          `yaml:"auto_advance"`
	TransitionTimeout time.Duration `yaml:"transition_timeout"`
}

type TradingConfig struct {
	FeeRate  decimal.Decimal `yaml:"fee_rate"`
	MinPrice decimal.Decimal `yaml:"min_price"`
	// MoneyScale is the number of decimal places fees and prices round to.
	MoneyScale int32 `yaml:"money_scale"`
}

// Reversal policies for forced quiz resubmission.
const (
	ReversalExact       = "exact"
	ReversalApproximate = "approximate"
)

type QuizConfig struct {
	BonusRate   decimal.Decimal `yaml:"bonus_rate"`
	ScoreReward int             `yaml:"score_reward"`
	Reversal    string          `yaml:"reversal"`
}

type ScoringConfig struct {
	ESGUnit              decimal.Decimal `yaml:"esg_unit"`
	ESGPointsPerUnit     int             `yaml:"esg_points_per_unit"`
	RankingUnit          decimal.Decimal `yaml:"ranking_unit"`
	RankingPointsPerUnit decimal.Decimal `yaml:"ranking_points_per_unit"`
}

// RateLimitConfig throttles trade and quiz submissions per client.
// A zero rate disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type SeedConfig struct {
	// Path to a seed YAML file; empty uses the embedded data set.
	Path string `yaml:"path"`
}
