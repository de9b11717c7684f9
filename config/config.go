package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `yaml:"port"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

// DataConfig contains persistence-related settings.
type DataConfig struct {
	PostgresURL string `yaml:"postgres_url"`
	RedisAddr   string `yaml:"redis_addr"`
}

// IngestionConfig controls the dual-source fill detection pipeline.
type IngestionConfig struct {
	TriggerMode       string `yaml:"trigger_mode"`   // api | chain | both
	ExecutionMode     string `yaml:"execution_mode"` // paper | live
	PollIntervalMS    int    `yaml:"poll_interval_ms"`
	PollJitterMS      int    `yaml:"poll_jitter_ms"`
	MaxConcurrent     int    `yaml:"max_concurrent"`     // bounded leader fan-out per cycle
	StaggerDelayMS    int    `yaml:"stagger_delay_ms"`   // delay between leader launches
	OverlapWindowSec  int    `yaml:"overlap_window_sec"` // re-fetch window behind the cursor
	WarmStart         bool   `yaml:"warm_start"`
	WarmWindowHours   int    `yaml:"warm_window_hours"`
	BackfillRPS       float64 `yaml:"backfill_rps"`
	BackfillBatchSize int    `yaml:"backfill_batch_size"`
	PageLimit         int    `yaml:"page_limit"`

	// Chain-first arrivals wait this long for the richer API record before
	// the chain path writes its own fallback record.
	ChainAPIWaitMS    int `yaml:"chain_api_wait_ms"`
	ChainAPIRetries   int `yaml:"chain_api_retries"`
	QuoteStaleSec     int `yaml:"quote_stale_sec"`
	ChainStaleSec     int `yaml:"chain_stale_sec"`
}

// GuardrailConfig holds the global copy-trading limits. Per-leader overrides
// and per-operation modifiers layer on top of these at decision time.
type GuardrailConfig struct {
	Ratio            float64 `yaml:"ratio"`
	MinTradeUsdc     float64 `yaml:"min_trade_usdc"`
	MaxTradeUsdc     float64 `yaml:"max_trade_usdc"`
	MaxDailyUsdc     float64 `yaml:"max_daily_usdc"`
	MaxEventUsdc     float64 `yaml:"max_event_usdc"`
	MaxOpenPositions int     `yaml:"max_open_positions"`
	SkipMakerFills   bool    `yaml:"skip_maker_fills"`
	SkipAbovePrice   float64 `yaml:"skip_above_price"` // BUY only

	// Operation-specific tolerances. Sells get more lenient tolerances than
	// buys: when the leader exits, we should too.
	BuyMaxSpread        float64 `yaml:"buy_max_spread"`
	SellMaxSpread       float64 `yaml:"sell_max_spread"`
	BuyMaxPriceMovePct  float64 `yaml:"buy_max_price_move_pct"`
	SellMaxPriceMovePct float64 `yaml:"sell_max_price_move_pct"`

	// SPLIT/MERGE can be configured to follow unconditionally, bypassing
	// price and spread checks entirely.
	AlwaysFollowSplitMerge bool `yaml:"always_follow_split_merge"`
}

// ExecutionConfig tunes the depth-based paper executor.
type ExecutionConfig struct {
	LatencyMS     int `yaml:"latency_ms"`
	OrderTTLMS    int `yaml:"order_ttl_ms"`
	BookCacheMS   int `yaml:"book_cache_ms"`
	QuoteRingSize int `yaml:"quote_ring_size"`
}

// SettlementConfig controls the resolution poller.
type SettlementConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

// LockConfig tunes the single-flight lease for the chain watcher.
type LockConfig struct {
	TTLSec int `yaml:"ttl_sec"`
}

// ChainConfig points the log watcher at the blockchain node.
type ChainConfig struct {
	WSURL         string   `yaml:"ws_url"`
	HTTPRPCURL    string   `yaml:"http_rpc_url"`
	ExchangeAddrs []string `yaml:"exchange_addrs"`
}

// Config aggregates all app configuration knobs.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Data       DataConfig       `yaml:"data"`
	Ingestion  IngestionConfig  `yaml:"ingestion"`
	Guardrails GuardrailConfig  `yaml:"guardrails"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Settlement SettlementConfig `yaml:"settlement"`
	Lock       LockConfig       `yaml:"lock"`
	Chain      ChainConfig      `yaml:"chain"`
}

// Load reads configuration from disk, falling back to defaults when the file
// is absent.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeoutMS == 0 {
		c.Server.ShutdownTimeoutMS = 10000
	}
	if c.Data.RedisAddr == "" {
		c.Data.RedisAddr = "localhost:6379"
	}
	if c.Ingestion.TriggerMode == "" {
		c.Ingestion.TriggerMode = "both"
	}
	if c.Ingestion.ExecutionMode == "" {
		c.Ingestion.ExecutionMode = "paper"
	}
	if c.Ingestion.PollIntervalMS == 0 {
		c.Ingestion.PollIntervalMS = 2000
	}
	if c.Ingestion.PollJitterMS == 0 {
		c.Ingestion.PollJitterMS = 250
	}
	if c.Ingestion.MaxConcurrent == 0 {
		c.Ingestion.MaxConcurrent = 3
	}
	if c.Ingestion.StaggerDelayMS == 0 {
		c.Ingestion.StaggerDelayMS = 100
	}
	if c.Ingestion.OverlapWindowSec == 0 {
		c.Ingestion.OverlapWindowSec = 60
	}
	if c.Ingestion.WarmWindowHours == 0 {
		c.Ingestion.WarmWindowHours = 24
	}
	if c.Ingestion.BackfillRPS == 0 {
		c.Ingestion.BackfillRPS = 4
	}
	if c.Ingestion.BackfillBatchSize == 0 {
		c.Ingestion.BackfillBatchSize = 5
	}
	if c.Ingestion.PageLimit == 0 {
		c.Ingestion.PageLimit = 100
	}
	if c.Ingestion.ChainAPIWaitMS == 0 {
		c.Ingestion.ChainAPIWaitMS = 15000
	}
	if c.Ingestion.ChainAPIRetries == 0 {
		c.Ingestion.ChainAPIRetries = 5
	}
	if c.Ingestion.QuoteStaleSec == 0 {
		c.Ingestion.QuoteStaleSec = 30
	}
	if c.Ingestion.ChainStaleSec == 0 {
		c.Ingestion.ChainStaleSec = 120
	}
	if c.Guardrails.Ratio == 0 {
		c.Guardrails.Ratio = 0.01
	}
	if c.Guardrails.MinTradeUsdc == 0 {
		c.Guardrails.MinTradeUsdc = 1.0
	}
	if c.Guardrails.MaxTradeUsdc == 0 {
		c.Guardrails.MaxTradeUsdc = 50.0
	}
	if c.Guardrails.MaxDailyUsdc == 0 {
		c.Guardrails.MaxDailyUsdc = 200.0
	}
	if c.Guardrails.MaxEventUsdc == 0 {
		c.Guardrails.MaxEventUsdc = 100.0
	}
	if c.Guardrails.MaxOpenPositions == 0 {
		c.Guardrails.MaxOpenPositions = 25
	}
	if c.Guardrails.SkipAbovePrice == 0 {
		c.Guardrails.SkipAbovePrice = 0.97
	}
	if c.Guardrails.BuyMaxSpread == 0 {
		c.Guardrails.BuyMaxSpread = 0.05
	}
	if c.Guardrails.SellMaxSpread == 0 {
		c.Guardrails.SellMaxSpread = 0.10
	}
	if c.Guardrails.BuyMaxPriceMovePct == 0 {
		c.Guardrails.BuyMaxPriceMovePct = 0.05
	}
	if c.Guardrails.SellMaxPriceMovePct == 0 {
		c.Guardrails.SellMaxPriceMovePct = 0.15
	}
	if c.Execution.LatencyMS == 0 {
		c.Execution.LatencyMS = 250
	}
	if c.Execution.OrderTTLMS == 0 {
		c.Execution.OrderTTLMS = 30000
	}
	if c.Execution.BookCacheMS == 0 {
		c.Execution.BookCacheMS = 1000
	}
	if c.Execution.QuoteRingSize == 0 {
		c.Execution.QuoteRingSize = 256
	}
	if c.Settlement.IntervalSec == 0 {
		c.Settlement.IntervalSec = 300
	}
	if c.Lock.TTLSec == 0 {
		c.Lock.TTLSec = 60
	}
	if c.Chain.WSURL == "" {
		c.Chain.WSURL = "wss://polygon-bor-rpc.publicnode.com"
	}
	if c.Chain.HTTPRPCURL == "" {
		c.Chain.HTTPRPCURL = "https://polygon-bor-rpc.publicnode.com"
	}
	if len(c.Chain.ExchangeAddrs) == 0 {
		c.Chain.ExchangeAddrs = []string{
			"0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e", // CTFExchange
			"0xc5d563a36ae78145c45a50134d48a1215220f80a", // NegRiskCTFExchange
		}
	}
}

func (c *Config) validate() error {
	switch c.Ingestion.TriggerMode {
	case "api", "chain", "both":
	default:
		return fmt.Errorf("config: invalid trigger_mode %q", c.Ingestion.TriggerMode)
	}
	switch c.Ingestion.ExecutionMode {
	case "paper", "live":
	default:
		return fmt.Errorf("config: invalid execution_mode %q", c.Ingestion.ExecutionMode)
	}
	if c.Guardrails.MinTradeUsdc > c.Guardrails.MaxTradeUsdc {
		return fmt.Errorf("config: min_trade_usdc %.2f > max_trade_usdc %.2f",
			c.Guardrails.MinTradeUsdc, c.Guardrails.MaxTradeUsdc)
	}
	return nil
}

// Watcher re-reads the config file when it changes and hands the fresh copy to
// subscribers. Guardrail and ingestion knobs are hot-reloadable; storage and
// chain endpoints require a restart.
type Watcher struct {
	path    string
	mu      sync.RWMutex
	current *Config
	onSwap  []func(*Config)
	fw      *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewWatcher starts watching path. The initial config must already be loaded.
func NewWatcher(path string, initial *Config) (*Watcher, error) {
	w := &Watcher{
		path:    path,
		current: initial,
		stopCh:  make(chan struct{}),
	}
	if path == "" {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.fw = fw

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnSwap registers a callback invoked with each successfully reloaded config.
func (w *Watcher) OnSwap(fn func(*Config)) {
	w.mu.Lock()
	w.onSwap = append(w.onSwap, fn)
	w.mu.Unlock()
}

// Stop halts the file watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.fw != nil {
		w.fw.Close()
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("[config] reload failed, keeping previous: %v", err)
				continue
			}
			w.mu.Lock()
			w.current = cfg
			subs := w.onSwap
			w.mu.Unlock()
			log.Printf("[config] reloaded from %s", w.path)
			for _, fn := range subs {
				fn(cfg)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watch error: %v", err)
		}
	}
}
