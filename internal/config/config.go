package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rewired-gh/geupmae/internal/models"
)

// Config represents the complete application configuration
type Config struct {
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Governor GovernorConfig `mapstructure:"governor"`
	Differ   DifferConfig   `mapstructure:"differ"`
	Scorer   ScorerConfig   `mapstructure:"scorer"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// UpstreamConfig holds listings API client configuration
type UpstreamConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	EstateType      string        `mapstructure:"estate_type"`
	Referer         string        `mapstructure:"referer"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelayBase  time.Duration `mapstructure:"retry_delay_base"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
	UserAgents      []string      `mapstructure:"user_agents"`
}

// CrawlConfig holds tiling and pagination configuration
type CrawlConfig struct {
	Region            string                   `mapstructure:"region"`
	Mode              string                   `mapstructure:"mode"`
	Regions           map[string]models.Bounds `mapstructure:"regions"`
	TileLatStep       float64                  `mapstructure:"tile_lat_step"`
	TileLngStep       float64                  `mapstructure:"tile_lng_step"`
	TradeTypes        []string                 `mapstructure:"trade_types"`
	MaxPages          int                      `mapstructure:"max_pages"`
	IncrementalWindow time.Duration            `mapstructure:"incremental_window"`
}

// GovernorConfig holds rate governor tuning
type GovernorConfig struct {
	StartDelay    time.Duration `mapstructure:"start_delay"`
	MinDelay      time.Duration `mapstructure:"min_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	Step          time.Duration `mapstructure:"step"`
	Jitter        float64       `mapstructure:"jitter"`
	SuccessStreak int           `mapstructure:"success_streak"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchRest     time.Duration `mapstructure:"batch_rest"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	MaxBlockWait  time.Duration `mapstructure:"max_block_wait"`
	CoolDown      time.Duration `mapstructure:"cool_down"`
	MaxOverruns   int           `mapstructure:"max_overruns"`
}

// DifferConfig holds snapshot reconciliation policy
type DifferConfig struct {
	SeedHistoryAtCreation bool `mapstructure:"seed_history_at_creation"`
}

// ScorerConfig holds bargain scoring configuration
type ScorerConfig struct {
	WeightTable          string        `mapstructure:"weight_table"`
	Threshold            float64       `mapstructure:"threshold"` // 0 = weight table default
	AreaBucket           float64       `mapstructure:"area_bucket"`
	TxLimit              int           `mapstructure:"tx_limit"`
	TxWindow             time.Duration `mapstructure:"tx_window"`
	RentConversionMonths int           `mapstructure:"rent_conversion_months"`
	Keywords             []string      `mapstructure:"keywords"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	DBPath      string `mapstructure:"db_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int    `mapstructure:"max_conns"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	TopK           int           `mapstructure:"top_k"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultKeywords are the urgent-sale terms matched in listing descriptions.
var DefaultKeywords = []string{"급매", "급급매", "초급매", "급처분", "급처", "급전", "마피", "마이너스피", "손절"}

// DefaultRegions are approximate bounding boxes for the built-in region names.
var DefaultRegions = map[string]models.Bounds{
	"korea":    {South: 33.0, West: 124.5, North: 38.7, East: 131.0},
	"seoul":    {South: 37.41, West: 126.76, North: 37.72, East: 127.19},
	"gyeonggi": {South: 36.89, West: 126.37, North: 38.30, East: 127.86},
	"incheon":  {South: 37.35, West: 126.35, North: 37.62, East: 126.80},
	"busan":    {South: 34.99, West: 128.76, North: 35.40, East: 129.31},
	"daegu":    {South: 35.60, West: 128.35, North: 36.02, East: 128.77},
	"daejeon":  {South: 36.18, West: 127.25, North: 36.50, East: 127.56},
	"gwangju":  {South: 35.05, West: 126.64, North: 35.26, East: 127.02},
	"ulsan":    {South: 35.32, West: 128.96, North: 35.73, East: 129.47},
	"sejong":   {South: 36.42, West: 127.13, North: 36.73, East: 127.40},
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; SM-S921N) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:131.0) Gecko/20100101 Firefox/131.0",
}

// Load reads configuration from an optional .env file, the config file, and
// environment variables (GEUPMAE_ prefix, dots replaced by underscores).
// An empty path loads defaults only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GEUPMAE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// configured regions extend the built-in table
	regions := make(map[string]models.Bounds, len(DefaultRegions)+len(cfg.Crawl.Regions))
	for name, b := range DefaultRegions {
		regions[name] = b
	}
	for name, b := range cfg.Crawl.Regions {
		regions[strings.ToLower(name)] = b
	}
	cfg.Crawl.Regions = regions

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Upstream defaults
	v.SetDefault("upstream.base_url", "https://m.land.naver.com")
	v.SetDefault("upstream.estate_type", "APT")
	v.SetDefault("upstream.referer", "https://m.land.naver.com/")
	v.SetDefault("upstream.timeout", "15s")
	v.SetDefault("upstream.max_retries", 3)
	v.SetDefault("upstream.retry_delay_base", "1s")
	v.SetDefault("upstream.max_idle_conns", 4)
	v.SetDefault("upstream.idle_conn_timeout", "90s")
	v.SetDefault("upstream.user_agents", defaultUserAgents)

	// Crawl defaults
	v.SetDefault("crawl.region", "seoul")
	v.SetDefault("crawl.mode", string(models.ModeFull))
	v.SetDefault("crawl.tile_lat_step", 0.02)
	v.SetDefault("crawl.tile_lng_step", 0.025)
	v.SetDefault("crawl.trade_types", []string{"sale", "lease", "rent"})
	v.SetDefault("crawl.max_pages", 100)
	v.SetDefault("crawl.incremental_window", "72h")

	// Governor defaults
	v.SetDefault("governor.start_delay", "2s")
	v.SetDefault("governor.min_delay", "800ms")
	v.SetDefault("governor.max_delay", "30s")
	v.SetDefault("governor.step", "500ms")
	v.SetDefault("governor.jitter", 0.15)
	v.SetDefault("governor.success_streak", 20)
	v.SetDefault("governor.batch_size", 50)
	v.SetDefault("governor.batch_rest", "20s")
	v.SetDefault("governor.probe_interval", "30s")
	v.SetDefault("governor.max_block_wait", "10m")
	v.SetDefault("governor.cool_down", "5m")
	v.SetDefault("governor.max_overruns", 3)

	// Differ defaults
	v.SetDefault("differ.seed_history_at_creation", false)

	// Scorer defaults
	v.SetDefault("scorer.weight_table", "price_score")
	v.SetDefault("scorer.threshold", 0.0) // 0 = weight table default
	v.SetDefault("scorer.area_bucket", 3.0)
	v.SetDefault("scorer.tx_limit", 5)
	v.SetDefault("scorer.tx_window", "4380h") // 6 months
	v.SetDefault("scorer.rent_conversion_months", 100)
	v.SetDefault("scorer.keywords", DefaultKeywords)

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.db_path", "./data/geupmae.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.max_conns", 4)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	v.SetDefault("telegram.top_k", 10)

	// Metrics defaults
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.namespace", "geupmae")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Upstream config
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.MaxRetries < 0 || c.Upstream.MaxRetries > 10 {
		return fmt.Errorf("upstream.max_retries must be between 0 and 10")
	}
	if len(c.Upstream.UserAgents) == 0 {
		return fmt.Errorf("upstream.user_agents must contain at least one user agent")
	}

	// Validate Crawl config
	b, ok := c.Crawl.Regions[strings.ToLower(c.Crawl.Region)]
	if !ok {
		return fmt.Errorf("crawl.region %q is not a known region", c.Crawl.Region)
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("crawl.regions.%s: %w", c.Crawl.Region, err)
	}
	switch models.RunMode(c.Crawl.Mode) {
	case models.ModeFull, models.ModeIncremental, models.ModeScore:
	default:
		return fmt.Errorf("crawl.mode must be one of: full, incremental, score")
	}
	if c.Crawl.TileLatStep <= 0 || c.Crawl.TileLngStep <= 0 {
		return fmt.Errorf("crawl.tile_lat_step and crawl.tile_lng_step must be positive")
	}
	if len(c.Crawl.TradeTypes) == 0 {
		return fmt.Errorf("crawl.trade_types must contain at least one trade type")
	}
	for _, tt := range c.Crawl.TradeTypes {
		if _, err := models.ParseTradeType(tt); err != nil {
			return fmt.Errorf("crawl.trade_types: %w", err)
		}
	}
	if c.Crawl.MaxPages < 1 {
		return fmt.Errorf("crawl.max_pages must be at least 1")
	}
	if c.Crawl.IncrementalWindow < time.Hour {
		return fmt.Errorf("crawl.incremental_window must be at least 1 hour")
	}

	// Validate Governor config
	g := c.Governor
	if g.MinDelay <= 0 || g.StartDelay < g.MinDelay || g.MaxDelay < g.StartDelay {
		return fmt.Errorf("governor delays must satisfy 0 < min_delay <= start_delay <= max_delay")
	}
	if g.Step <= 0 {
		return fmt.Errorf("governor.step must be positive")
	}
	if g.Jitter < 0 || g.Jitter >= 1 {
		return fmt.Errorf("governor.jitter must be in [0, 1)")
	}
	if g.SuccessStreak < 1 {
		return fmt.Errorf("governor.success_streak must be at least 1")
	}
	if g.BatchSize < 0 {
		return fmt.Errorf("governor.batch_size must not be negative")
	}
	if g.ProbeInterval <= 0 || g.MaxBlockWait < g.ProbeInterval {
		return fmt.Errorf("governor.max_block_wait must be >= governor.probe_interval > 0")
	}
	if g.MaxOverruns < 1 {
		return fmt.Errorf("governor.max_overruns must be at least 1")
	}

	// Validate Scorer config
	switch c.Scorer.WeightTable {
	case "price_score", "legacy":
	default:
		return fmt.Errorf("scorer.weight_table must be one of: price_score, legacy")
	}
	if c.Scorer.Threshold < 0 || c.Scorer.Threshold > 100 {
		return fmt.Errorf("scorer.threshold must be between 0 and 100")
	}
	if c.Scorer.AreaBucket <= 0 {
		return fmt.Errorf("scorer.area_bucket must be positive")
	}
	if c.Scorer.TxLimit < 1 {
		return fmt.Errorf("scorer.tx_limit must be at least 1")
	}
	if c.Scorer.TxWindow < 24*time.Hour {
		return fmt.Errorf("scorer.tx_window must be at least 24h")
	}
	if c.Scorer.RentConversionMonths < 0 {
		return fmt.Errorf("scorer.rent_conversion_months must not be negative")
	}

	// Validate Storage config
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of: sqlite, postgres")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Telegram.TopK < 1 {
		return fmt.Errorf("telegram.top_k must be at least 1")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// RegionBounds returns the bounding box of the configured region.
func (c *Config) RegionBounds(name string) (models.Bounds, error) {
	b, ok := c.Crawl.Regions[strings.ToLower(name)]
	if !ok {
		return models.Bounds{}, fmt.Errorf("unknown region %q", name)
	}
	return b, nil
}

// TradeTypes returns the parsed crawl trade types in configured order.
func (c *Config) TradeTypes() []models.TradeType {
	out := make([]models.TradeType, 0, len(c.Crawl.TradeTypes))
	for _, s := range c.Crawl.TradeTypes {
		if tt, err := models.ParseTradeType(s); err == nil {
			out = append(out, tt)
		}
	}
	return out
}
