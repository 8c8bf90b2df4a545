package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Kafka     KafkaConfig
	Poloniex  PoloniexConfig
	Scheduler SchedulerConfig
	Session   SessionConfig
	Backtest  BacktestConfig
	Lifecycle LifecycleConfig
	Execution ExecutionConfig
}

type ServerConfig struct {
	Port    string `default:":8080" validate:"required"`
	AppName string `mapstructure:"app_name" default:"polytrade"`
}

// DatabaseConfig Driver 为 sqlite 时仅使用 Path，用于本地开发与单机部署
type DatabaseConfig struct {
	Driver      string `default:"postgres" validate:"oneof=postgres sqlite"`
	Path        string `default:"polytrade.db"`
	Host        string `default:"localhost"`
	Port        int    `default:"5432" validate:"gt=0"`
	User        string `default:"postgres"`
	Password    string
	DBName      string `default:"polytrade"`
	SSLMode     string `default:"disable"`
	TimeZone    string `default:"UTC"`
	TablePrefix string `mapstructure:"table_prefix" default:"pt_"`
}

type RedisConfig struct {
	Addr     string `default:"localhost:6379" validate:"required"`
	Password string
	DB       int
}

type LogConfig struct {
	Level  string `default:"info" validate:"oneof=debug info warn error"`
	Format string `default:"json" validate:"oneof=json console"`
	Output string `default:"stdout"`
}

// KafkaConfig 生命周期与成交事件的外发通道，关闭时事件只在进程内流转
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string `default:"polytrade.events"`
}

type PoloniexConfig struct {
	BaseURL string        `mapstructure:"base_url" default:"https://api.poloniex.com" validate:"url"`
	Timeout time.Duration `default:"10s"`
}

// SchedulerConfig 会话调度器参数
type SchedulerConfig struct {
	Tick               time.Duration `default:"1m" validate:"gt=0"`
	StallAfter         time.Duration `mapstructure:"stall_after" default:"3m" validate:"gt=0"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout" default:"10s"`
	MaxSessionsGlobal  int           `mapstructure:"max_sessions_global" default:"200" validate:"gte=0"`
	MaxSessionsPerUser int           `mapstructure:"max_sessions_per_user" default:"10" validate:"gte=0"`
	RestartInitial     time.Duration `mapstructure:"restart_initial" default:"1s"`
	RestartMax         time.Duration `mapstructure:"restart_max" default:"10m"`
}

// SessionConfig 单个模拟/实盘会话的运行参数
type SessionConfig struct {
	StaleAfter     time.Duration `mapstructure:"stale_after" default:"30s" validate:"gt=0"`
	Heartbeat      time.Duration `default:"10s" validate:"gt=0"`
	FeeBps         float64       `mapstructure:"fee_bps" default:"5" validate:"gte=0"`
	DefaultCapital float64       `mapstructure:"default_capital" default:"10000" validate:"gt=0"`
	WarmupBars     int           `mapstructure:"warmup_bars" default:"300" validate:"gte=0"`
}

type BacktestConfig struct {
	MaxConcurrent int64   `mapstructure:"max_concurrent" default:"4" validate:"gt=0"`
	ProgressEvery int     `mapstructure:"progress_every" default:"500" validate:"gt=0"`
	FeeBps        float64 `mapstructure:"fee_bps" default:"5" validate:"gte=0"`
	SlippageBps   float64 `mapstructure:"slippage_bps" default:"2" validate:"gte=0"`
}

// Thresholds 晋级/淘汰的量化门槛
type Thresholds struct {
	MinTrades       int     `mapstructure:"min_trades" validate:"gte=0"`
	MinWinRate      float64 `mapstructure:"min_win_rate" validate:"gte=0,lte=1"`
	MinProfitFactor float64 `mapstructure:"min_profit_factor" validate:"gte=0"`
	MinSharpe       float64 `mapstructure:"min_sharpe"`
	MaxDrawdown     float64 `mapstructure:"max_drawdown" validate:"gte=0,lte=1"`
}

type LifecycleConfig struct {
	Backtest Thresholds `default:"{\"MinTrades\":30,\"MinWinRate\":0.45,\"MinProfitFactor\":1.2,\"MinSharpe\":0.5,\"MaxDrawdown\":0.25}"`
	Live     Thresholds `default:"{\"MinTrades\":50,\"MinWinRate\":0.5,\"MinProfitFactor\":1.5,\"MinSharpe\":1.0,\"MaxDrawdown\":0.15}"`
	Retire   Thresholds `default:"{\"MinTrades\":20,\"MinWinRate\":0.3,\"MinProfitFactor\":0.8,\"MaxDrawdown\":0.3}"`

	LiveEnabled        bool            `mapstructure:"live_enabled"`
	MinPaperDuration   time.Duration   `mapstructure:"min_paper_duration" default:"336h"`
	BacktestLookback   time.Duration   `mapstructure:"backtest_lookback" default:"2160h"`
	BacktestCapital    float64         `mapstructure:"backtest_capital" default:"10000" validate:"gt=0"`
	PaperCapital       float64         `mapstructure:"paper_capital" default:"10000" validate:"gt=0"`
	LiveCapital        float64         `mapstructure:"live_capital" default:"1000" validate:"gt=0"`
	MaxConsecutiveLoss int             `mapstructure:"max_consecutive_loss" default:"5" validate:"gt=0"`
	BacktestRetry      time.Duration   `mapstructure:"backtest_retry" default:"6h"`
	EvalConcurrency    int             `mapstructure:"eval_concurrency" default:"8" validate:"gt=0"`
	Universe           []UniverseEntry `validate:"dive"`
}

// UniverseEntry 自动生成策略时使用的标的/周期组合
type UniverseEntry struct {
	UserID    string `mapstructure:"user_id" validate:"required"`
	Symbol    string `validate:"required"`
	Timeframe string `validate:"required"`
}

// ExecutionConfig 实盘下单重试与熔断
type ExecutionConfig struct {
	Timeout        time.Duration `default:"5s"`
	MaxRetries     uint          `mapstructure:"max_retries" default:"3"`
	RetryInitial   time.Duration `mapstructure:"retry_initial" default:"200ms"`
	RetryMax       time.Duration `mapstructure:"retry_max" default:"2s"`
	BreakerFailure uint32        `mapstructure:"breaker_failures" default:"5"`
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout" default:"30s"`
}

func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")        // 在当前目录中查找配置
	v.AddConfigPath("./config") // 在 config 目录中查找配置

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回仅包含默认值的配置，测试与工具命令使用
func Default() *Config {
	var cfg Config
	_ = defaults.Set(&cfg)
	return &cfg
}

func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
