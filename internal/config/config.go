package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	Wallet   WalletConfig   `mapstructure:"wallet"`
	RPC      RPCConfig      `mapstructure:"rpc"`
	Router   RouterConfig   `mapstructure:"router"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Fees     FeesConfig     `mapstructure:"fees"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Lock     LockConfig     `mapstructure:"lock"`
	Store    StoreConfig    `mapstructure:"store"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	PreTrade PreTradeConfig `mapstructure:"pretrade"`
}

type WalletConfig struct {
	PrivateKeyEnv string `mapstructure:"private_key_env"`
	BaseMint      string `mapstructure:"base_mint"`
}

type RPCConfig struct {
	PrimaryURL          string `mapstructure:"primary_url"`
	PrimaryAPIKeyEnv    string `mapstructure:"primary_api_key_env"`
	FallbackURL         string `mapstructure:"fallback_url"`
	FallbackAPIKeyEnv   string `mapstructure:"fallback_api_key_env"`
	BlockhashRefreshMs  int    `mapstructure:"blockhash_refresh_ms"`
	BlockhashTTLSeconds int    `mapstructure:"blockhash_ttl_seconds"`
	ConfirmTimeoutSec   int    `mapstructure:"confirm_timeout_sec"`
	BundleURL           string `mapstructure:"bundle_url"`
	BundleAPIKeyEnv     string `mapstructure:"bundle_api_key_env"`
	WSURL               string `mapstructure:"ws_url"`
}

// RouterConfig configures the off-chain route-quoting client.
type RouterConfig struct {
	QuoteAPIURL    string `mapstructure:"quote_api_url"`
	SwapAPIURL     string `mapstructure:"swap_api_url"`
	PriceAPIURL    string `mapstructure:"price_api_url"`
	MaxSlippageBps int    `mapstructure:"max_slippage_bps"`
	MaxImpactBps   int    `mapstructure:"max_impact_bps"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RiskConfig holds the admission, sizing and exit-ladder tunables.
type RiskConfig struct {
	BasePositionSizeUSD      float64        `mapstructure:"base_position_size_usd"`
	StopLossBasePct          float64        `mapstructure:"stop_loss_base_pct"`
	DailyLossLimitPct        float64        `mapstructure:"daily_loss_limit_pct"`
	ConsecutiveLossLimit     int            `mapstructure:"consecutive_loss_limit"`
	DisasterStopPct          float64        `mapstructure:"disaster_stop_pct"`
	TimeStopMinutes          float64        `mapstructure:"time_stop_minutes"`
	TimeStopProfitTargetPct  float64        `mapstructure:"time_stop_profit_target_pct"`
	DeriskingMultiple        float64        `mapstructure:"derisking_multiple"`
	DeriskingSellPct         float64        `mapstructure:"derisking_sell_pct"`
	RunnerTrailingStopPct    float64        `mapstructure:"runner_trailing_stop_pct"`
	ProfitTiers              []TierConfig   `mapstructure:"profit_tiers"`
	TrailingZones            []ZoneConfig   `mapstructure:"trailing_zones"`
	MinRunnerPct             float64        `mapstructure:"min_runner_pct"`
	PartialSellCooldownSec   float64        `mapstructure:"partial_sell_cooldown_sec"`
	MaxConcurrentPositions   int            `mapstructure:"max_concurrent_positions"`
	QualityScoreFloor        float64        `mapstructure:"quality_score_floor"`
	EstimatedAccountValueUSD float64        `mapstructure:"estimated_account_value_usd"`
}

type TierConfig struct {
	Multiple float64 `mapstructure:"multiple"`
	Fraction float64 `mapstructure:"fraction"`
}

type ZoneConfig struct {
	MultipleThreshold float64 `mapstructure:"multiple_threshold"`
	Pct               float64 `mapstructure:"pct"`
}

type FeesConfig struct {
	PriorityFeeLamports uint64 `mapstructure:"priority_fee_lamports"`
}

type QueueConfig struct {
	RedisAddr       string `mapstructure:"redis_addr"`
	Stream          string `mapstructure:"stream"`
	ConsumerGroup   string `mapstructure:"consumer_group"`
	ConsumerName    string `mapstructure:"consumer_name"`
	BatchSize       int64  `mapstructure:"batch_size"`
	BlockMs         int    `mapstructure:"block_ms"`
	TrimMaxLen      int64  `mapstructure:"trim_max_len"`
	TrimIntervalSec int    `mapstructure:"trim_interval_sec"`
}

type LockConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
	TTLMs     int    `mapstructure:"ttl_ms"`
}

type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type EngineConfig struct {
	PriceCheckIntervalMs int     `mapstructure:"price_check_interval_ms"`
	NearStopDeltaPct     float64 `mapstructure:"near_stop_delta_pct"`
	NearStopCheckMs      int     `mapstructure:"near_stop_check_ms"`
	HotPathBudgetMs      int     `mapstructure:"hot_path_budget_ms"`
	ConfirmDeadlineSec   int     `mapstructure:"confirm_deadline_sec"`
	MaintenanceEveryMin  int     `mapstructure:"maintenance_every_min"`
	MaxConcurrentChecks  int     `mapstructure:"max_concurrent_checks"`
	SimulationMode       bool    `mapstructure:"simulation_mode"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// PreTradeConfig configures the optional on-chain concentration micro-guard.
type PreTradeConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	BudgetMs      int     `mapstructure:"budget_ms"`
	Top1MaxPct    float64 `mapstructure:"top1_max_pct"`
	Top10MaxPct   float64 `mapstructure:"top10_max_pct"`
	FailMode      string  `mapstructure:"fail_mode"` // "soft" | "hard"
}

// Manager handles config loading and hot-reload: a viper.Viper guarded by
// a RWMutex, with a registered OnConfigChange callback.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager loads configPath and starts watching it for changes.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("wallet.private_key_env", "EXECUTOR_WALLET_PRIVATE_KEY")
	v.SetDefault("rpc.primary_api_key_env", "RPC_PRIMARY_API_KEY")
	v.SetDefault("rpc.fallback_api_key_env", "RPC_FALLBACK_API_KEY")
	v.SetDefault("rpc.fallback_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.blockhash_refresh_ms", 100)
	v.SetDefault("rpc.blockhash_ttl_seconds", 60)
	v.SetDefault("rpc.confirm_timeout_sec", 30)
	v.SetDefault("rpc.bundle_api_key_env", "RPC_BUNDLE_API_KEY")

	v.SetDefault("router.quote_api_url", "https://quote-api.jup.ag/v6/quote")
	v.SetDefault("router.swap_api_url", "https://quote-api.jup.ag/v6/swap")
	v.SetDefault("router.price_api_url", "https://price.jup.ag/v2/price")
	v.SetDefault("router.max_slippage_bps", 150)
	v.SetDefault("router.max_impact_bps", 250)
	v.SetDefault("router.timeout_seconds", 10)

	v.SetDefault("risk.base_position_size_usd", 10.0)
	v.SetDefault("risk.stop_loss_base_pct", 0.50)
	v.SetDefault("risk.daily_loss_limit_pct", 0.04)
	v.SetDefault("risk.consecutive_loss_limit", 4)
	v.SetDefault("risk.disaster_stop_pct", 0.80)
	v.SetDefault("risk.time_stop_minutes", 60)
	v.SetDefault("risk.time_stop_profit_target_pct", 0.50)
	v.SetDefault("risk.derisking_multiple", 3.0)
	v.SetDefault("risk.derisking_sell_pct", 0.33)
	v.SetDefault("risk.runner_trailing_stop_pct", 0.30)
	v.SetDefault("risk.min_runner_pct", 0.07)
	v.SetDefault("risk.partial_sell_cooldown_sec", 180)
	v.SetDefault("risk.max_concurrent_positions", 8)
	v.SetDefault("risk.quality_score_floor", 0.6)
	v.SetDefault("risk.estimated_account_value_usd", 1000.0)

	v.SetDefault("fees.priority_fee_lamports", 1000)

	v.SetDefault("queue.stream", "signals")
	v.SetDefault("queue.consumer_group", "executor")
	v.SetDefault("queue.consumer_name", "executor-1")
	v.SetDefault("queue.batch_size", 64)
	v.SetDefault("queue.block_ms", 50)
	v.SetDefault("queue.trim_max_len", 5000)
	v.SetDefault("queue.trim_interval_sec", 300)

	v.SetDefault("lock.ttl_ms", 120000)

	v.SetDefault("store.sqlite_path", "./data/executor_state.db")

	v.SetDefault("engine.price_check_interval_ms", 5000)
	v.SetDefault("engine.near_stop_delta_pct", 0.03)
	v.SetDefault("engine.near_stop_check_ms", 150)
	v.SetDefault("engine.hot_path_budget_ms", 100)
	v.SetDefault("engine.confirm_deadline_sec", 30)
	v.SetDefault("engine.maintenance_every_min", 5)
	v.SetDefault("engine.max_concurrent_checks", 5)

	v.SetDefault("metrics.listen_addr", ":9109")

	v.SetDefault("pretrade.budget_ms", 150)
	v.SetDefault("pretrade.fail_mode", "soft")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Risk.ProfitTiers) == 0 {
		cfg.Risk.ProfitTiers = []TierConfig{
			{Multiple: 5, Fraction: 0.15},
			{Multiple: 8, Fraction: 0.15},
			{Multiple: 13, Fraction: 0.15},
			{Multiple: 21, Fraction: 0.15},
			{Multiple: 34, Fraction: 0.15},
			{Multiple: 55, Fraction: 0.15},
		}
	}
	if len(cfg.Risk.TrailingZones) == 0 {
		cfg.Risk.TrailingZones = []ZoneConfig{
			{MultipleThreshold: 3, Pct: 0.40},
			{MultipleThreshold: 8, Pct: 0.30},
			{MultipleThreshold: 20, Pct: 0.20},
		}
	}

	m := &Manager{config: &cfg, viper: v}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config (thread-safe).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback invoked after every successful reload.
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetPrivateKey loads the signing key from environment.
func (m *Manager) GetPrivateKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Wallet.PrivateKeyEnv)
}

// GetPrimaryRPCURL returns the primary RPC URL with its API key injected.
func (m *Manager) GetPrimaryRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return injectKey(m.config.RPC.PrimaryURL, os.Getenv(m.config.RPC.PrimaryAPIKeyEnv), "api_key")
}

// GetFallbackRPCURL returns the fallback RPC URL with its API key injected.
func (m *Manager) GetFallbackRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.config.RPC.FallbackURL
	param := "api_key"
	if strings.Contains(url, "helius") {
		param = "api-key"
	}
	return injectKey(url, os.Getenv(m.config.RPC.FallbackAPIKeyEnv), param)
}

func injectKey(url, key, param string) string {
	if key == "" {
		return url
	}
	if strings.Contains(url, "?") {
		return url + "&" + param + "=" + key
	}
	return url + "?" + param + "=" + key
}

// GetBundleAPIKey loads the bundle relay auth header value from environment.
func (m *Manager) GetBundleAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.RPC.BundleAPIKeyEnv)
}

// GetBlockhashRefresh returns the blockhash prefetch interval.
func (m *Manager) GetBlockhashRefresh() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.RPC.BlockhashRefreshMs) * time.Millisecond
}
