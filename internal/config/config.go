package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Exchange   ExchangeConfig
	Runtime    RuntimeConfig
	Control    ControlConfig
	Journal    JournalConfig
	Paper      PaperConfig
	Strategies []StrategyConfig
}

type ExchangeConfig struct {
	RestURL   string
	WSURL     string
	AccountID string
	RateLimit float64
}

type RuntimeConfig struct {
	Log             LogConfig
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

type ControlConfig struct {
	Listen string
}

type JournalConfig struct {
	Path string
}

type PaperConfig struct {
	FillOnTradeThrough bool
}

// StrategyConfig is immutable for the lifetime of a run; one per traded symbol.
type StrategyConfig struct {
	Symbol                  string        `mapstructure:"symbol"`
	PricePrecision          int32         `mapstructure:"price_precision"`
	BaseOrderQty            float64       `mapstructure:"base_order_qty"`
	TradePeriod             time.Duration `mapstructure:"trade_period"`
	VolatilityWindowSize    int           `mapstructure:"volatility_window_size"`
	OrderLevels             int           `mapstructure:"order_levels"`
	LevelSpacingRatio       float64       `mapstructure:"level_spacing_ratio"`
	TakeProfitPct           float64       `mapstructure:"take_profit_pct"`
	StopLossPct             float64       `mapstructure:"stop_loss_pct"`
	Gamma                   float64       `mapstructure:"gamma"`
	K                       float64       `mapstructure:"k"`
	VolatilityThreshold     float64       `mapstructure:"volatility_threshold"`
	DirectionalThresholdPct float64       `mapstructure:"directional_threshold_pct"`

	CollectDuration time.Duration `mapstructure:"collect_duration"`
	BookInterval    time.Duration `mapstructure:"book_interval"`
	TradeInterval   time.Duration `mapstructure:"trade_interval"`
	TradesLimit     int           `mapstructure:"trades_limit"`
	BookDepth       int           `mapstructure:"book_depth"`
	BookDecay       float64       `mapstructure:"book_decay"`
	RiskInterval    time.Duration `mapstructure:"risk_interval"`
	CycleDelay      time.Duration `mapstructure:"cycle_delay"`
	DustNotional    float64       `mapstructure:"dust_notional"`
	MinNotional     float64       `mapstructure:"min_notional"`
}

var defaultStrategy = StrategyConfig{
	CollectDuration: 15 * time.Second,
	BookInterval:    200 * time.Millisecond,
	TradeInterval:   time.Second,
	TradesLimit:     15,
	BookDepth:       15,
	BookDecay:       0.85,
	RiskInterval:    2 * time.Second,
	CycleDelay:      5 * time.Second,
	DustNotional:    10,
	MinNotional:     10,
}

const envConfigPath = "MMBOT_CONFIG"

// Load reads configs/config.* or the file named by MMBOT_CONFIG.
func Load() (*Config, error) {
	v := viper.New()
	if path := os.Getenv(envConfigPath); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}
	return load(v)
}

func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetDefault("exchange.rest_url", "https://api-evm.orderly.org")
	v.SetDefault("exchange.ws_url", "wss://ws-evm.orderly.org/ws/stream")
	v.SetDefault("exchange.rate_limit", 10)
	v.SetDefault("runtime.log.level", "info")
	v.SetDefault("runtime.log.format", "text")
	v.SetDefault("runtime.log.max_size", 50)
	v.SetDefault("runtime.log.max_backups", 5)
	v.SetDefault("runtime.log.max_age", 14)
	v.SetDefault("runtime.shutdown_timeout", 20*time.Second)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("Не удалось прочитать конфиг: %w", err)
	}

	cfg := &Config{}

	cfg.Exchange = ExchangeConfig{
		RestURL:   envSub(v, "exchange.rest_url"),
		WSURL:     envSub(v, "exchange.ws_url"),
		AccountID: envSub(v, "exchange.account_id"),
		RateLimit: v.GetFloat64("exchange.rate_limit"),
	}

	cfg.Runtime = RuntimeConfig{
		Log: LogConfig{
			Level:      v.GetString("runtime.log.level"),
			Format:     v.GetString("runtime.log.format"),
			File:       v.GetString("runtime.log.file"),
			MaxSize:    v.GetInt("runtime.log.max_size"),
			MaxBackups: v.GetInt("runtime.log.max_backups"),
			MaxAge:     v.GetInt("runtime.log.max_age"),
			Compress:   v.GetBool("runtime.log.compress"),
		},
		ShutdownTimeout: v.GetDuration("runtime.shutdown_timeout"),
	}

	cfg.Control = ControlConfig{Listen: v.GetString("control.listen")}
	cfg.Journal = JournalConfig{Path: envSub(v, "journal.path")}
	cfg.Paper = PaperConfig{FillOnTradeThrough: v.GetBool("paper.fill_on_trade_through")}

	defaults := defaultStrategy
	if v.IsSet("defaults") {
		var override StrategyConfig
		if err := v.UnmarshalKey("defaults", &override); err != nil {
			return nil, fmt.Errorf("Некорректная секция defaults: %w", err)
		}
		defaults = override.withDefaults(defaultStrategy)
	}

	if err := v.UnmarshalKey("strategies", &cfg.Strategies); err != nil {
		return nil, fmt.Errorf("Некорректная секция strategies: %w", err)
	}
	for i := range cfg.Strategies {
		cfg.Strategies[i] = cfg.Strategies[i].withDefaults(defaults)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s StrategyConfig) withDefaults(d StrategyConfig) StrategyConfig {
	if s.CollectDuration == 0 {
		s.CollectDuration = d.CollectDuration
	}
	if s.BookInterval == 0 {
		s.BookInterval = d.BookInterval
	}
	if s.TradeInterval == 0 {
		s.TradeInterval = d.TradeInterval
	}
	if s.TradesLimit == 0 {
		s.TradesLimit = d.TradesLimit
	}
	if s.BookDepth == 0 {
		s.BookDepth = d.BookDepth
	}
	if s.BookDecay == 0 {
		s.BookDecay = d.BookDecay
	}
	if s.RiskInterval == 0 {
		s.RiskInterval = d.RiskInterval
	}
	if s.CycleDelay == 0 {
		s.CycleDelay = d.CycleDelay
	}
	if s.DustNotional == 0 {
		s.DustNotional = d.DustNotional
	}
	if s.MinNotional == 0 {
		s.MinNotional = d.MinNotional
	}
	return s
}

func (c *Config) Validate() error {
	if len(c.Strategies) == 0 {
		return errors.New("Не задано ни одной стратегии.")
	}
	if c.Runtime.ShutdownTimeout <= 0 {
		return fmt.Errorf("runtime.shutdown_timeout должен быть положительным: %s", c.Runtime.ShutdownTimeout)
	}
	seen := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if seen[s.Symbol] {
			return fmt.Errorf("Символ %s указан дважды.", s.Symbol)
		}
		seen[s.Symbol] = true
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s StrategyConfig) Validate() error {
	switch {
	case strings.TrimSpace(s.Symbol) == "":
		return errors.New("Пустой символ стратегии.")
	case s.PricePrecision < 0:
		return fmt.Errorf("%s: price_precision не может быть отрицательным", s.Symbol)
	case s.BaseOrderQty <= 0:
		return fmt.Errorf("%s: base_order_qty должен быть положительным", s.Symbol)
	case s.TradePeriod <= 0:
		return fmt.Errorf("%s: trade_period должен быть положительным", s.Symbol)
	case s.OrderLevels < 0:
		return fmt.Errorf("%s: order_levels не может быть отрицательным", s.Symbol)
	case s.Gamma <= 0:
		return fmt.Errorf("%s: gamma должна быть положительной", s.Symbol)
	case s.K <= 0:
		return fmt.Errorf("%s: k должен быть положительным", s.Symbol)
	case s.TakeProfitPct <= 0 || s.StopLossPct <= 0:
		return fmt.Errorf("%s: take_profit_pct и stop_loss_pct должны быть положительными", s.Symbol)
	case s.DirectionalThresholdPct <= 50 || s.DirectionalThresholdPct > 100:
		return fmt.Errorf("%s: directional_threshold_pct должен быть в диапазоне (50, 100]", s.Symbol)
	case s.BookDecay <= 0 || s.BookDecay > 1:
		return fmt.Errorf("%s: book_decay должен быть в диапазоне (0, 1]", s.Symbol)
	case s.CollectDuration <= 0 || s.BookInterval <= 0 || s.TradeInterval <= 0 || s.RiskInterval <= 0:
		return fmt.Errorf("%s: интервалы должны быть положительными", s.Symbol)
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

func envSub(v *viper.Viper, key string) string {
	val := v.GetString(key)
	if val == "" {
		return ""
	}

	return envPattern.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
