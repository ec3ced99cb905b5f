package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// QuoteConfig 报价引擎配置
type QuoteConfig struct {
	SpreadBase         decimal.Decimal `yaml:"spread_base"`
	SpreadSkewFactor   decimal.Decimal `yaml:"spread_skew_factor"`
	SkewShiftFactor    decimal.Decimal `yaml:"skew_shift_factor"`    // 价格平移系数，默认 0.5
	SkewShiftThreshold decimal.Decimal `yaml:"skew_shift_threshold"` // |仓位| 超过该值才平移
	MaxInventory       decimal.Decimal `yaml:"max_inventory"`
	QuoteSize          decimal.Decimal `yaml:"quote_size"`
	MinQuoteSize       decimal.Decimal `yaml:"min_quote_size"`
	SizeTaper          bool            `yaml:"size_taper"` // 接近库存上限时线性缩小挂单量
	MinPriceDelta      decimal.Decimal `yaml:"min_price_delta"`
	MinSizeDelta       decimal.Decimal `yaml:"min_size_delta"`
	PriceTick          decimal.Decimal `yaml:"price_tick"`
	SizeStep           decimal.Decimal `yaml:"size_step"`
	TickInterval       time.Duration   `yaml:"tick_interval"`
	RepriceThreshold   decimal.Decimal `yaml:"reprice_threshold"` // 公允价相对变化超过该值立即重新报价
	MaxPriceAge        time.Duration   `yaml:"max_price_age"`
	DriftCheckInterval time.Duration   `yaml:"drift_check_interval"`
	HedgeDownPolicy    string          `yaml:"hedge_down_policy"` // widen | pause
	HedgeDownMultiple  decimal.Decimal `yaml:"hedge_down_spread_multiplier"`
	MaxUnhedged        decimal.Decimal `yaml:"max_unhedged"`
}

// HedgeConfig 对冲引擎配置
type HedgeConfig struct {
	SlippageTolerance     decimal.Decimal `yaml:"hedge_slippage_tolerance"`
	TimeInForce           string          `yaml:"time_in_force"` // ioc | gtc
	MaxSubmitRounds       int             `yaml:"max_submit_rounds"`
	PollInterval          time.Duration   `yaml:"poll_interval"`
	StatusPollInterval    time.Duration   `yaml:"status_poll_interval"`
	FillTimeout           time.Duration   `yaml:"fill_timeout"`
	SizeDecimals          int32           `yaml:"size_decimals"`
	PriceSigFigs          int32           `yaml:"price_sig_figs"`
	MaxQueueDepth         int             `yaml:"max_queue_depth"`
	MaxHedgeAge           time.Duration   `yaml:"max_hedge_age"`
	AutoRequeueAfter      time.Duration   `yaml:"auto_requeue_after"`
	PositionCheckInterval time.Duration   `yaml:"position_check_interval"`
}

// ReconcileConfig 成交对账配置
type ReconcileConfig struct {
	PollInterval   time.Duration   `yaml:"poll_interval"`
	Retention      time.Duration   `yaml:"retention"`
	MakerFeeBps    decimal.Decimal `yaml:"maker_fee_bps"`
	SkipHistorical bool            `yaml:"skip_historical"` // 忽略启动前的成交（已体现在余额中）
}

// RetryConfig 重试/退避策略
type RetryConfig struct {
	MaxAttempts    int           `yaml:"retry_max_attempts"`
	BackoffBase    time.Duration `yaml:"retry_backoff_base"`
	BackoffMax     time.Duration `yaml:"retry_backoff_max"`
	MaxWait        time.Duration `yaml:"retry_max_wait"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         float64       `yaml:"jitter"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	RateLimit      float64       `yaml:"rate_limit_per_sec"`
	RateBurst      int           `yaml:"rate_burst"`
}

// VenueConfig 交易所连接（凭证只从环境变量读取）
type VenueConfig struct {
	Endpoint            string          `yaml:"endpoint"`
	Symbol              string          `yaml:"symbol"`
	BaseInventoryTarget decimal.Decimal `yaml:"base_inventory_target"`
	APIKey              string          `yaml:"-"`
	APISecret           string          `yaml:"-"`
}

// PriceSourceConfig 单个价格源
type PriceSourceConfig struct {
	Kind      string        `yaml:"kind"` // http | ws | hedge_mid | random_walk
	Name      string        `yaml:"name"`
	URL       string        `yaml:"url"`
	Path      string        `yaml:"path"`
	Match     string        `yaml:"match"`
	Subscribe string        `yaml:"subscribe"`
	Interval  time.Duration `yaml:"interval"`
}

// PriceConfig 公允价配置
type PriceConfig struct {
	MaxAge       time.Duration       `yaml:"max_age"`
	PollInterval time.Duration       `yaml:"poll_interval"`
	Sources      []PriceSourceConfig `yaml:"sources"`
}

// PaperConfig dry-run 模拟交易所
type PaperConfig struct {
	StartPrice   decimal.Decimal `yaml:"start_price"`
	Volatility   float64         `yaml:"volatility"`
	Seed         uint64          `yaml:"seed"`
	BaseBalance  decimal.Decimal `yaml:"base_balance"`
	QuoteBalance decimal.Decimal `yaml:"quote_balance"`
}

// StorageConfig 本地状态
type StorageConfig struct {
	StateDir    string `yaml:"state_dir"`    // Badger（成交 cursor 与已处理成交）；为空时仅内存
	JournalPath string `yaml:"journal_path"` // SQLite 交易日志；为空时不记录
	// EncryptionKey 32 字节（hex），仅从环境变量 STATE_ENCRYPTION_KEY 读取
	EncryptionKey string `yaml:"-"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // 天
	Compress   bool   `yaml:"compress"`
	PerRun     bool   `yaml:"per_run"` // 每次启动使用带时间戳的日志文件
}

// BreakerConfig 熔断配置
type BreakerConfig struct {
	MaxConsecutiveErrors int64           `yaml:"max_consecutive_errors"`
	DailyLossLimit       decimal.Decimal `yaml:"daily_loss_limit"`
}

// AlertConfig 告警分发
type AlertConfig struct {
	Buffer   int           `yaml:"buffer"`
	Cooldown time.Duration `yaml:"cooldown"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Config 应用配置
type Config struct {
	DryRun          bool          `yaml:"dry_run"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	ControlAddr     string        `yaml:"control_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Quote      QuoteConfig     `yaml:"quote"`
	Hedge      HedgeConfig     `yaml:"hedge"`
	Reconcile  ReconcileConfig `yaml:"reconcile"`
	Retry      RetryConfig     `yaml:"retry"`
	Maker      VenueConfig     `yaml:"maker"`
	HedgeVenue VenueConfig     `yaml:"hedge_venue"`
	Price      PriceConfig     `yaml:"price"`
	Paper      PaperConfig     `yaml:"paper"`
	Storage    StorageConfig   `yaml:"storage"`
	Log        LogConfig       `yaml:"log"`
	Breaker    BreakerConfig   `yaml:"breaker"`
	Alert      AlertConfig     `yaml:"alert"`
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Default 默认配置（参考线性偏斜模型的参数）
func Default() *Config {
	return &Config{
		DryRun:          true,
		MetricsAddr:     ":9108",
		ControlAddr:     "127.0.0.1:8088",
		ShutdownTimeout: 15 * time.Second,
		Quote: QuoteConfig{
			SpreadBase:         dec("0.2"),
			SpreadSkewFactor:   dec("0.01"),
			SkewShiftFactor:    dec("0.5"),
			SkewShiftThreshold: decimal.Zero,
			MaxInventory:       dec("100"),
			QuoteSize:          dec("10"),
			MinQuoteSize:       dec("0.01"),
			MinPriceDelta:      dec("0.01"),
			MinSizeDelta:       dec("0.01"),
			PriceTick:          dec("0.01"),
			SizeStep:           dec("0.0001"),
			TickInterval:       5 * time.Second,
			RepriceThreshold:   dec("0.001"),
			MaxPriceAge:        30 * time.Second,
			DriftCheckInterval: 30 * time.Second,
			HedgeDownPolicy:    "widen",
			HedgeDownMultiple:  dec("2"),
			MaxUnhedged:        dec("50"),
		},
		Hedge: HedgeConfig{
			SlippageTolerance:     dec("0.002"),
			TimeInForce:           "ioc",
			MaxSubmitRounds:       3,
			PollInterval:          time.Second,
			StatusPollInterval:    500 * time.Millisecond,
			FillTimeout:           10 * time.Second,
			SizeDecimals:          4,
			PriceSigFigs:          5,
			MaxQueueDepth:         20,
			MaxHedgeAge:           30 * time.Second,
			PositionCheckInterval: time.Minute,
		},
		Reconcile: ReconcileConfig{
			PollInterval:   time.Second,
			Retention:      24 * time.Hour,
			MakerFeeBps:    dec("5"),
			SkipHistorical: true,
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			BackoffBase:    200 * time.Millisecond,
			BackoffMax:     5 * time.Second,
			MaxWait:        30 * time.Second,
			Multiplier:     2,
			Jitter:         0.3,
			AttemptTimeout: 10 * time.Second,
			RateLimit:      10,
			RateBurst:      20,
		},
		Price: PriceConfig{
			MaxAge:       10 * time.Second,
			PollInterval: time.Second,
		},
		Paper: PaperConfig{
			StartPrice:   dec("100"),
			Volatility:   0.0005,
			Seed:         1,
			BaseBalance:  dec("0"),
			QuoteBalance: dec("100000"),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     14,
			Compress:   true,
		},
		Breaker: BreakerConfig{MaxConsecutiveErrors: 5},
		Alert:   AlertConfig{Buffer: 256, Cooldown: time.Minute, Timeout: 5 * time.Second},
	}
}

// Load 默认值 → 配置文件（可选）→ 环境变量覆盖 → 校验
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败 %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败 %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 环境变量覆盖（优先级最高）
func applyEnv(c *Config) error {
	var errs []string
	decEnv := func(key string, dst *decimal.Decimal) {
		if v := os.Getenv(key); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q", key, v))
				return
			}
			*dst = d
		}
	}
	durEnv := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q", key, v))
				return
			}
			*dst = d
		}
	}

	decEnv("SPREAD_BASE", &c.Quote.SpreadBase)
	decEnv("SPREAD_SKEW_FACTOR", &c.Quote.SpreadSkewFactor)
	decEnv("MAX_INVENTORY", &c.Quote.MaxInventory)
	decEnv("QUOTE_SIZE", &c.Quote.QuoteSize)
	decEnv("HEDGE_SLIPPAGE_TOLERANCE", &c.Hedge.SlippageTolerance)
	durEnv("RETRY_BACKOFF_BASE", &c.Retry.BackoffBase)
	durEnv("TICK_INTERVAL", &c.Quote.TickInterval)
	c.Retry.MaxAttempts = parseIntEnv("RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.DryRun = parseBoolEnv("DRY_RUN", c.DryRun)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.ControlAddr = getEnv("CONTROL_ADDR", c.ControlAddr)

	c.Maker.APIKey = getEnv("MAKER_API_KEY", c.Maker.APIKey)
	c.HedgeVenue.APIKey = getEnv("HEDGE_API_KEY", c.HedgeVenue.APIKey)
	c.HedgeVenue.APISecret = getEnv("HEDGE_API_SECRET", c.HedgeVenue.APISecret)
	c.Storage.EncryptionKey = getEnv("STATE_ENCRYPTION_KEY", c.Storage.EncryptionKey)

	if len(errs) > 0 {
		return fmt.Errorf("环境变量格式错误: %s", strings.Join(errs, ", "))
	}
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	q := c.Quote
	if !q.SpreadBase.IsPositive() {
		return fmt.Errorf("spread_base 必须大于 0")
	}
	if q.SpreadSkewFactor.IsNegative() {
		return fmt.Errorf("spread_skew_factor 不能为负数")
	}
	if !q.QuoteSize.IsPositive() {
		return fmt.Errorf("quote_size 必须大于 0")
	}
	if !q.MaxInventory.IsPositive() {
		return fmt.Errorf("max_inventory 必须大于 0")
	}
	if q.QuoteSize.GreaterThan(q.MaxInventory) {
		return fmt.Errorf("quote_size (%s) 不能大于 max_inventory (%s)", q.QuoteSize, q.MaxInventory)
	}
	if q.TickInterval <= 0 {
		return fmt.Errorf("tick_interval 必须大于 0")
	}
	switch q.HedgeDownPolicy {
	case "widen", "pause":
	default:
		return fmt.Errorf("未知的 hedge_down_policy: %s", q.HedgeDownPolicy)
	}
	if q.HedgeDownPolicy == "widen" && q.HedgeDownMultiple.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("hedge_down_spread_multiplier 必须 >= 1")
	}

	h := c.Hedge
	if h.SlippageTolerance.IsNegative() || h.SlippageTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("hedge_slippage_tolerance 必须在 [0, 1) 之间")
	}
	switch h.TimeInForce {
	case "ioc", "gtc":
	default:
		return fmt.Errorf("未知的 time_in_force: %s", h.TimeInForce)
	}
	if h.SizeDecimals < 0 {
		return fmt.Errorf("size_decimals 不能为负数")
	}

	r := c.Retry
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("retry_max_attempts 必须大于 0")
	}
	if r.BackoffBase <= 0 {
		return fmt.Errorf("retry_backoff_base 必须大于 0")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("jitter 必须在 0 到 1 之间")
	}

	if c.Reconcile.MakerFeeBps.IsNegative() {
		return fmt.Errorf("maker_fee_bps 不能为负数")
	}
	for i, s := range c.Price.Sources {
		switch s.Kind {
		case "http", "ws":
			if s.URL == "" {
				return fmt.Errorf("price.sources[%d]: %s 需要 url", i, s.Kind)
			}
		case "hedge_mid", "random_walk":
		default:
			return fmt.Errorf("price.sources[%d]: 未知的 kind %q", i, s.Kind)
		}
	}
	if !c.DryRun && (c.Maker.Endpoint == "" || c.HedgeVenue.Endpoint == "") {
		return fmt.Errorf("实盘模式需要配置 maker.endpoint 与 hedge_venue.endpoint")
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
