package ops

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"arena/internal/chaos"
	"arena/internal/engine"
	"arena/internal/epoch"
	"arena/internal/hive"
	"arena/internal/llm"
	"arena/internal/quote"
	"arena/internal/risk"
	"arena/internal/session"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"
)

const (
	SourceDexScreener = "dexscreener"
	SourceSynthetic   = "synthetic"
)

// FileConfig mirrors the config file layout. Durations are Go duration
// strings and amounts are decimal strings.
type FileConfig struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Quote   QuoteConfig   `json:"quote" yaml:"quote"`
	Session SessionConfig `json:"session" yaml:"session"`
	Risk    RiskConfig    `json:"risk" yaml:"risk"`
	Epoch   EpochConfig   `json:"epoch" yaml:"epoch"`
	Hive    HiveConfig    `json:"hive" yaml:"hive"`
	LLM     LLMConfig     `json:"llm" yaml:"llm"`
	State   StateConfig   `json:"state" yaml:"state"`
}

type ServerConfig struct {
	Addr          string `json:"addr" yaml:"addr" validate:"required"`
	AdminSecret   string `json:"adminSecret" yaml:"admin_secret"`
	PyroscopeAddr string `json:"pyroscopeAddr" yaml:"pyroscope_addr" validate:"omitempty,url"`
}

type QuoteConfig struct {
	Symbols        []string          `json:"symbols" yaml:"symbols" validate:"required,min=1,dive,required"`
	Source         string            `json:"source" yaml:"source" validate:"oneof=dexscreener synthetic"`
	DexScreenerURL string            `json:"dexScreenerUrl" yaml:"dexscreener_url" validate:"omitempty,url"`
	Tokens         map[string]string `json:"tokens" yaml:"tokens"`
	PollInterval   string            `json:"pollInterval" yaml:"poll_interval"`
	FetchTimeout   string            `json:"fetchTimeout" yaml:"fetch_timeout"`
	FreshnessBound string            `json:"freshnessBound" yaml:"freshness_bound"`
	HistorySize    int               `json:"historySize" yaml:"history_size" validate:"gte=0"`
	Chaos          ChaosConfig       `json:"chaos" yaml:"chaos"`
}

type ChaosConfig struct {
	Seed      int64   `json:"seed" yaml:"seed"`
	DropRate  float64 `json:"dropRate" yaml:"drop_rate" validate:"gte=0,lte=1"`
	EmptyRate float64 `json:"emptyRate" yaml:"empty_rate" validate:"gte=0,lte=1"`
	MaxDelay  string  `json:"maxDelay" yaml:"max_delay"`
}

type SessionConfig struct {
	StartingBalance  string `json:"startingBalance" yaml:"starting_balance" validate:"required,numeric"`
	GroupCount       int    `json:"groupCount" yaml:"group_count" validate:"gte=1"`
	OutboxSize       int    `json:"outboxSize" yaml:"outbox_size" validate:"gte=0"`
	CriticalWait     string `json:"criticalWait" yaml:"critical_wait"`
	HeartbeatTimeout string `json:"heartbeatTimeout" yaml:"heartbeat_timeout"`
}

type RiskConfig struct {
	KillSwitch      bool   `json:"killSwitch" yaml:"kill_switch"`
	MaxOrderUSD     string `json:"maxOrderUsd" yaml:"max_order_usd" validate:"omitempty,numeric"`
	OrderRateLimit  int    `json:"orderRateLimit" yaml:"order_rate_limit" validate:"gte=0"`
	OrderRateWindow string `json:"orderRateWindow" yaml:"order_rate_window"`
}

type EpochConfig struct {
	Duration            string  `json:"duration" yaml:"duration"`
	EliminationFraction float64 `json:"eliminationFraction" yaml:"elimination_fraction" validate:"gte=0,lt=1"`
	MinSurvivors        int     `json:"minSurvivors" yaml:"min_survivors" validate:"gte=0"`
	ResetLedgers        *bool   `json:"resetLedgers" yaml:"reset_ledgers"`
	CommentaryTimeout   string  `json:"commentaryTimeout" yaml:"commentary_timeout"`
}

type HiveConfig struct {
	RewardThreshold  string `json:"rewardThreshold" yaml:"reward_threshold" validate:"omitempty,numeric"`
	PenaltyThreshold string `json:"penaltyThreshold" yaml:"penalty_threshold" validate:"omitempty,numeric"`
}

type LLMConfig struct {
	Timeout   string           `json:"timeout" yaml:"timeout"`
	Attempts  int              `json:"attempts" yaml:"attempts" validate:"gte=0"`
	Threshold int              `json:"threshold" yaml:"threshold" validate:"gte=0"`
	Providers []ProviderConfig `json:"providers" yaml:"providers" validate:"dive"`
}

type ProviderConfig struct {
	Name   string `json:"name" yaml:"name" validate:"required"`
	URL    string `json:"url" yaml:"url" validate:"required,url"`
	APIKey string `json:"apiKey" yaml:"api_key"`
	Model  string `json:"model" yaml:"model" validate:"required"`
}

type StateConfig struct {
	SnapshotPath string `json:"snapshotPath" yaml:"snapshot_path"`
	JournalPath  string `json:"journalPath" yaml:"journal_path"`
	DSN          string `json:"dsn" yaml:"dsn"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Addr          string
	AdminSecret   string
	PyroscopeAddr string

	Quote          quote.Config
	Source         string
	DexScreenerURL string
	Tokens         map[string]string
	Chaos          chaos.Config

	Session   session.Config
	Engine    engine.Config
	Epoch     epoch.Config
	LLM       llm.Config
	Providers []ProviderConfig

	SnapshotPath string
	JournalPath  string
	DSN          string
}

// Default returns the configuration used when no file is given.
func Default() FileConfig {
	return FileConfig{
		Server: ServerConfig{Addr: ":8080"},
		Quote: QuoteConfig{
			Symbols:        []string{"SOL", "BONK", "WIF"},
			Source:         SourceSynthetic,
			DexScreenerURL: quote.DefaultDexScreenerURL,
			PollInterval:   "3s",
			FetchTimeout:   "2s",
			FreshnessBound: "30s",
			HistorySize:    quote.DefaultHistorySize,
		},
		Session: SessionConfig{
			StartingBalance:  "1000",
			GroupCount:       4,
			OutboxSize:       64,
			CriticalWait:     "2s",
			HeartbeatTimeout: "60s",
		},
		Risk: RiskConfig{
			MaxOrderUSD:     "1000",
			OrderRateLimit:  20,
			OrderRateWindow: "1s",
		},
		Epoch: EpochConfig{
			Duration:            "10m",
			EliminationFraction: 0.2,
			MinSurvivors:        2,
			CommentaryTimeout:   "15s",
		},
		LLM: LLMConfig{
			Timeout:   "20s",
			Attempts:  2,
			Threshold: 5,
		},
		State: StateConfig{
			SnapshotPath: "data/arena.json",
			JournalPath:  "data/trades.jsonl",
		},
	}
}

// Load reads .env (when envFile is set), the config file at path (when set),
// applies ARENA_* environment overrides and resolves the result.
func Load(path, envFile string) (Loaded, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !stderrors.Is(err, os.ErrNotExist) {
			return Loaded{}, errors.Wrapf(err, "load env file %s", envFile)
		}
	}
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Loaded, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Loaded{}, err
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Loaded{}, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "invalid config")
	}
	return resolve(cfg)
}

func decodeFile(path string, cfg *FileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = sonic.Unmarshal(data, cfg)
	}
	if err != nil {
		return errors.Wrapf(err, "decode config %s", path)
	}
	return nil
}

func applyEnv(cfg *FileConfig, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("ARENA_ADDR", &cfg.Server.Addr)
	str("ARENA_ADMIN_SECRET", &cfg.Server.AdminSecret)
	str("ARENA_PYROSCOPE_ADDR", &cfg.Server.PyroscopeAddr)
	str("ARENA_QUOTE_SOURCE", &cfg.Quote.Source)
	str("ARENA_DEXSCREENER_URL", &cfg.Quote.DexScreenerURL)
	str("ARENA_POLL_INTERVAL", &cfg.Quote.PollInterval)
	str("ARENA_FRESHNESS_BOUND", &cfg.Quote.FreshnessBound)
	str("ARENA_STARTING_BALANCE", &cfg.Session.StartingBalance)
	str("ARENA_EPOCH_DURATION", &cfg.Epoch.Duration)
	str("ARENA_SNAPSHOT_PATH", &cfg.State.SnapshotPath)
	str("ARENA_JOURNAL_PATH", &cfg.State.JournalPath)
	str("ARENA_DSN", &cfg.State.DSN)

	if v, ok := lookup("ARENA_SYMBOLS"); ok && v != "" {
		var symbols []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, strings.ToUpper(s))
			}
		}
		cfg.Quote.Symbols = symbols
	}
	if v, ok := lookup("ARENA_ELIMINATION_FRACTION"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrapf(err, "parse ARENA_ELIMINATION_FRACTION %q", v)
		}
		cfg.Epoch.EliminationFraction = f
	}
	if v, ok := lookup("ARENA_MIN_SURVIVORS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parse ARENA_MIN_SURVIVORS %q", v)
		}
		cfg.Epoch.MinSurvivors = n
	}

	for i, slot := range []string{"PRIMARY", "FALLBACK"} {
		url, ok := lookup("ARENA_LLM_" + slot + "_URL")
		if !ok || url == "" {
			continue
		}
		p := ProviderConfig{Name: strings.ToLower(slot), URL: url}
		str("ARENA_LLM_"+slot+"_KEY", &p.APIKey)
		str("ARENA_LLM_"+slot+"_MODEL", &p.Model)
		setProvider(&cfg.LLM.Providers, i, p)
	}
	return nil
}

// setProvider replaces the provider with the same name, or inserts p at index i.
func setProvider(providers *[]ProviderConfig, i int, p ProviderConfig) {
	for j := range *providers {
		if (*providers)[j].Name == p.Name {
			(*providers)[j] = p
			return
		}
	}
	if i > len(*providers) {
		i = len(*providers)
	}
	*providers = append(*providers, ProviderConfig{})
	copy((*providers)[i+1:], (*providers)[i:])
	(*providers)[i] = p
}

func resolve(cfg FileConfig) (Loaded, error) {
	var r resolver
	starting := r.decimal("session.startingBalance", cfg.Session.StartingBalance)
	if r.err == nil && !starting.IsPositive() {
		return Loaded{}, errors.Errorf("session.startingBalance must be > 0, got %s", starting)
	}
	resetLedgers := true
	if cfg.Epoch.ResetLedgers != nil {
		resetLedgers = *cfg.Epoch.ResetLedgers
	}
	symbols := make([]string, 0, len(cfg.Quote.Symbols))
	for _, s := range cfg.Quote.Symbols {
		symbols = append(symbols, strings.ToUpper(strings.TrimSpace(s)))
	}

	out := Loaded{
		Addr:          cfg.Server.Addr,
		AdminSecret:   cfg.Server.AdminSecret,
		PyroscopeAddr: cfg.Server.PyroscopeAddr,
		Quote: quote.Config{
			Symbols:      symbols,
			PollInterval: r.duration("quote.pollInterval", cfg.Quote.PollInterval),
			FetchTimeout: r.duration("quote.fetchTimeout", cfg.Quote.FetchTimeout),
			HistorySize:  cfg.Quote.HistorySize,
		},
		Source:         cfg.Quote.Source,
		DexScreenerURL: cfg.Quote.DexScreenerURL,
		Tokens:         cfg.Quote.Tokens,
		Chaos: chaos.Config{
			Seed:      cfg.Quote.Chaos.Seed,
			DropRate:  cfg.Quote.Chaos.DropRate,
			EmptyRate: cfg.Quote.Chaos.EmptyRate,
			MaxDelay:  r.duration("quote.chaos.maxDelay", cfg.Quote.Chaos.MaxDelay),
		},
		Session: session.Config{
			StartingBalance:  starting,
			GroupCount:       cfg.Session.GroupCount,
			OutboxSize:       cfg.Session.OutboxSize,
			CriticalWait:     r.duration("session.criticalWait", cfg.Session.CriticalWait),
			HeartbeatTimeout: r.duration("session.heartbeatTimeout", cfg.Session.HeartbeatTimeout),
		},
		Engine: engine.Config{
			FreshnessBound: r.duration("quote.freshnessBound", cfg.Quote.FreshnessBound),
			Risk: risk.Config{
				KillSwitch:      cfg.Risk.KillSwitch,
				MaxOrderUSD:     r.decimal("risk.maxOrderUsd", cfg.Risk.MaxOrderUSD),
				OrderRateLimit:  cfg.Risk.OrderRateLimit,
				OrderRateWindow: r.duration("risk.orderRateWindow", cfg.Risk.OrderRateWindow),
			},
		},
		Epoch: epoch.Config{
			Duration:            r.duration("epoch.duration", cfg.Epoch.Duration),
			EliminationFraction: cfg.Epoch.EliminationFraction,
			MinSurvivors:        cfg.Epoch.MinSurvivors,
			StartingBalance:     starting,
			ResetLedgers:        resetLedgers,
			CommentaryTimeout:   r.duration("epoch.commentaryTimeout", cfg.Epoch.CommentaryTimeout),
			Hive: hive.Config{
				RewardThreshold:  r.decimal("hive.rewardThreshold", cfg.Hive.RewardThreshold),
				PenaltyThreshold: r.decimal("hive.penaltyThreshold", cfg.Hive.PenaltyThreshold),
			},
		},
		LLM: llm.Config{
			Timeout:   r.duration("llm.timeout", cfg.LLM.Timeout),
			Attempts:  cfg.LLM.Attempts,
			Threshold: cfg.LLM.Threshold,
		},
		Providers:    cfg.LLM.Providers,
		SnapshotPath: cfg.State.SnapshotPath,
		JournalPath:  cfg.State.JournalPath,
		DSN:          cfg.State.DSN,
	}
	if r.err != nil {
		return Loaded{}, r.err
	}
	if out.Epoch.Hive.PenaltyThreshold.GreaterThan(out.Epoch.Hive.RewardThreshold) {
		return Loaded{}, errors.Errorf("hive.penaltyThreshold %s above rewardThreshold %s",
			out.Epoch.Hive.PenaltyThreshold, out.Epoch.Hive.RewardThreshold)
	}
	if cfg.Quote.Chaos.DropRate+cfg.Quote.Chaos.EmptyRate > 1 {
		return Loaded{}, errors.New("quote.chaos dropRate + emptyRate must be <= 1")
	}
	return out, nil
}

// resolver parses fields and keeps the first error.
type resolver struct {
	err error
}

func (r *resolver) duration(field, v string) time.Duration {
	if v == "" || r.err != nil {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err == nil && d < 0 {
		err = errors.New("negative duration")
	}
	if err != nil {
		r.err = errors.Wrapf(err, "parse %s %q", field, v)
		return 0
	}
	return d
}

func (r *resolver) decimal(field, v string) decimal.Decimal {
	if v == "" || r.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		r.err = errors.Wrapf(err, "parse %s %q", field, v)
		return decimal.Zero
	}
	return d
}
