package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 8, cfg.Game.Rounds)
	assert.Equal(t, 30*time.Second, cfg.Game.Durations.News)
	assert.Equal(t, 2*time.Minute, cfg.Game.Durations.Quiz)
	assert.Equal(t, 5*time.Minute, cfg.Game.Durations.Trading)
	assert.Equal(t, 30*time.Second, cfg.Game.Durations.Results)
	assert.False(t, cfg.Game.AutoAdvance)
	assert.True(t, cfg.Trading.FeeRate.Equal(decimal.RequireFromString("0.005")))
	assert.True(t, cfg.Quiz.BonusRate.Equal(decimal.RequireFromString("0.02")))
	assert.Equal(t, ReversalExact, cfg.Quiz.Reversal)
	assert.Zero(t, cfg.RateLimit.RequestsPerSecond)
	require.NoError(t, cfg.Validate())
}

func TestLoadAndValidate_File(t *testing.T) {
	t.Setenv("GAME_DB", "postgres://game@localhost/game")
	path := writeConfig(t, `
database:
  url: ${GAME_DB}
game:
  rounds: 3
  auto_advance: true
  durations:
    news: 5s
    trading: 90s
trading:
  fee_rate: 0.01
rate_limit:
  requests_per_second: 4
`)

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://game@localhost/game", cfg.Database.URL)
	assert.Equal(t, 3, cfg.Game.Rounds)
	assert.True(t, cfg.Game.AutoAdvance)
	assert.Equal(t, 5*time.Second, cfg.Game.Durations.News)
	assert.Equal(t, 90*time.Second, cfg.Game.Durations.Trading)
	assert.Equal(t, DefaultQuizDuration, cfg.Game.Durations.Quiz)
	assert.True(t, cfg.Trading.FeeRate.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, 5, cfg.RateLimit.Burst)
}

func TestLoadAndValidate_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := LoadAndValidate("")
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
}

func TestValidate_Rejects(t *testing.T) {
	path := writeConfig(t, `
trading:
  fee_rate: 1.5
quiz:
  reversal: sometimes
`)

	_, err := LoadAndValidate(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trading.fee_rate")
	assert.Contains(t, err.Error(), "quiz.reversal")
}

func TestLoadAndValidate_ExplicitZeroKept(t *testing.T) {
	path := writeConfig(t, `
trading:
  fee_rate: 0
  money_scale: 0
quiz:
  score_reward: 0
`)

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)
	assert.True(t, cfg.Trading.FeeRate.IsZero(), "fee_rate = %s", cfg.Trading.FeeRate)
	assert.Zero(t, cfg.Trading.MoneyScale)
	assert.Zero(t, cfg.Quiz.ScoreReward)
}

func TestLoadAndValidate_AbsentKeysDefault(t *testing.T) {
	path := writeConfig(t, `
game:
  rounds: 2
`)

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)
	assert.True(t, cfg.Trading.FeeRate.Equal(DefaultFeeRate))
	assert.Equal(t, int32(DefaultMoneyScale), cfg.Trading.MoneyScale)
	assert.Equal(t, DefaultQuizScoreReward, cfg.Quiz.ScoreReward)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
