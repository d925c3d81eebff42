package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithEnv("", noEnv)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, SourceSynthetic, cfg.Source)
	assert.Equal(t, []string{"SOL", "BONK", "WIF"}, cfg.Quote.Symbols)
	assert.Equal(t, 3*time.Second, cfg.Quote.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Engine.FreshnessBound)
	assert.True(t, cfg.Session.StartingBalance.Equal(decimal.NewFromInt(1000)))
	assert.True(t, cfg.Epoch.StartingBalance.Equal(cfg.Session.StartingBalance))
	assert.True(t, cfg.Epoch.ResetLedgers)
	assert.Equal(t, 10*time.Minute, cfg.Epoch.Duration)
	assert.Equal(t, time.Second, cfg.Engine.Risk.OrderRateWindow)
	assert.Empty(t, cfg.Providers)
}

func TestLoadShippedYAML(t *testing.T) {
	cfg, err := LoadWithEnv(filepath.Join("..", "..", "config", "arena.yaml"), noEnv)
	require.NoError(t, err)
	assert.Equal(t, SourceDexScreener, cfg.Source)
	assert.Equal(t, "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", cfg.Tokens["BONK"])
	assert.Equal(t, 0.2, cfg.Epoch.EliminationFraction)
	assert.Equal(t, 60*time.Second, cfg.Session.HeartbeatTimeout)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"quote": {"symbols": ["sol"], "source": "synthetic", "pollInterval": "500ms"},
		"epoch": {"duration": "1m", "eliminationFraction": 0.5, "resetLedgers": false},
		"llm": {"providers": [{"name": "local", "url": "http://localhost:11434/v1", "model": "llama3"}]}
	}`), 0o644))

	cfg, err := LoadWithEnv(path, noEnv)
	require.NoError(t, err)
	assert.Equal(t, []string{"SOL"}, cfg.Quote.Symbols)
	assert.Equal(t, 500*time.Millisecond, cfg.Quote.PollInterval)
	assert.Equal(t, time.Minute, cfg.Epoch.Duration)
	assert.False(t, cfg.Epoch.ResetLedgers)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "local", cfg.Providers[0].Name)
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  providers:
    - name: fallback
      url: http://old.example
      model: old
`), 0o644))

	cfg, err := LoadWithEnv(path, envOf(map[string]string{
		"ARENA_ADDR":                 ":9090",
		"ARENA_SYMBOLS":              "sol, jup ,",
		"ARENA_ELIMINATION_FRACTION": "0.25",
		"ARENA_MIN_SURVIVORS":        "3",
		"ARENA_STARTING_BALANCE":     "2500.5",
		"ARENA_EPOCH_DURATION":       "90s",
		"ARENA_DSN":                  "postgres://arena@db/arena",
		"ARENA_LLM_PRIMARY_URL":      "https://api.openai.com/v1",
		"ARENA_LLM_PRIMARY_KEY":      "sk-test",
		"ARENA_LLM_PRIMARY_MODEL":    "gpt-4o-mini",
		"ARENA_LLM_FALLBACK_URL":     "http://new.example",
		"ARENA_LLM_FALLBACK_MODEL":   "new",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, []string{"SOL", "JUP"}, cfg.Quote.Symbols)
	assert.Equal(t, 0.25, cfg.Epoch.EliminationFraction)
	assert.Equal(t, 3, cfg.Epoch.MinSurvivors)
	assert.True(t, cfg.Session.StartingBalance.Equal(decimal.RequireFromString("2500.5")))
	assert.Equal(t, 90*time.Second, cfg.Epoch.Duration)
	assert.Equal(t, "postgres://arena@db/arena", cfg.DSN)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "primary", cfg.Providers[0].Name)
	assert.Equal(t, "sk-test", cfg.Providers[0].APIKey)
	assert.Equal(t, "fallback", cfg.Providers[1].Name)
	assert.Equal(t, "http://new.example", cfg.Providers[1].URL)
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("ARENA_ADMIN_SECRET=from-dotenv\n"), 0o644))
	t.Setenv("ARENA_ADMIN_SECRET", "")

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	assert.Equal(t, "", cfg.AdminSecret, "existing variables are not overridden by .env")

	_, err = Load("", filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
}

func TestInvalidConfig(t *testing.T) {
	cases := map[string]map[string]string{
		"fraction out of range":  {"ARENA_ELIMINATION_FRACTION": "1.5"},
		"fraction not a number":  {"ARENA_ELIMINATION_FRACTION": "half"},
		"bad duration":           {"ARENA_EPOCH_DURATION": "ten minutes"},
		"bad balance":            {"ARENA_STARTING_BALANCE": "lots"},
		"zero balance":           {"ARENA_STARTING_BALANCE": "0"},
		"unknown source":         {"ARENA_QUOTE_SOURCE": "coingecko"},
		"provider without model": {"ARENA_LLM_PRIMARY_URL": "https://api.openai.com/v1"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadWithEnv("", envOf(env))
			assert.Error(t, err)
		})
	}
}

func TestSetProvider(t *testing.T) {
	var ps []ProviderConfig
	setProvider(&ps, 1, ProviderConfig{Name: "fallback"})
	setProvider(&ps, 0, ProviderConfig{Name: "primary"})
	setProvider(&ps, 0, ProviderConfig{Name: "primary", Model: "m"})
	require.Len(t, ps, 2)
	assert.Equal(t, "primary", ps[0].Name)
	assert.Equal(t, "m", ps[0].Model)
	assert.Equal(t, "fallback", ps[1].Name)
}
