package service

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	SierraChart SierraChartConfig `mapstructure:"SierraChart"`
	Files       FilesConfig       `mapstructure:"Files"`
	MarketData  MarketDataConfig  `mapstructure:"MarketData"`
	Trading     TradingConfig     `mapstructure:"Trading"`
	Server      ServerConfig      `mapstructure:"Server"`
	Log         LogConfig         `mapstructure:"Log"`
}

// SierraChartConfig describes the DTC connection.
type SierraChartConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	AutoReconnect     bool
	HeartbeatInterval time.Duration
	// HeartbeatTimeout closes a connection that has been silent this long.
	// Zero disables the check.
	HeartbeatTimeout time.Duration
	Timeout          time.Duration
}

type FilesConfig struct {
	DataPath     string
	PollInterval time.Duration
	Monitor      []string
}

type SubscriptionConfig struct {
	Symbol   string
	Exchange string
	Interval string
}

type MarketDataConfig struct {
	HistoryCap      int
	DefaultInterval string
	Subscriptions   []SubscriptionConfig
}

// TradingConfig holds order routing and risk parameters.
type TradingConfig struct {
	Enabled             bool
	EnforceRiskChecks   bool
	MarginRate          float64
	MaxPositionFraction float64
	ReferencePrice      float64 // used when an order carries no price
	AccountTimeout      time.Duration
	Simulator           SimulatorConfig
}

// SimulatorConfig routes orders to an in-process paper exchange instead of
// the DTC server.
type SimulatorConfig struct {
	Enabled        bool
	Account        string
	InitialBalance float64
	FeeRate        float64
	MarginRate     float64
}

type ServerConfig struct {
	Enabled bool
	Addr    string
}

type LogConfig struct {
	Level       string
	Development bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SierraChart.Host", "127.0.0.1")
	v.SetDefault("SierraChart.Port", 11099)
	v.SetDefault("SierraChart.Username", "")
	v.SetDefault("SierraChart.Password", "")
	v.SetDefault("SierraChart.AutoReconnect", true)
	v.SetDefault("SierraChart.HeartbeatInterval", "10s")
	v.SetDefault("SierraChart.HeartbeatTimeout", "30s")
	v.SetDefault("SierraChart.Timeout", "10s")

	v.SetDefault("Files.DataPath", "/SierraChart/Data")
	v.SetDefault("Files.PollInterval", "5s")

	v.SetDefault("MarketData.HistoryCap", 1000)
	v.SetDefault("MarketData.DefaultInterval", "1s")

	v.SetDefault("Trading.Enabled", true)
	v.SetDefault("Trading.EnforceRiskChecks", false)
	v.SetDefault("Trading.MarginRate", 0.10)
	v.SetDefault("Trading.MaxPositionFraction", 0.10)
	v.SetDefault("Trading.ReferencePrice", 100.0)
	v.SetDefault("Trading.AccountTimeout", "10s")
	v.SetDefault("Trading.Simulator.Enabled", false)
	v.SetDefault("Trading.Simulator.Account", "PAPER")
	v.SetDefault("Trading.Simulator.InitialBalance", 100000.0)
	v.SetDefault("Trading.Simulator.FeeRate", 0.0005)
	v.SetDefault("Trading.Simulator.MarginRate", 0.10)

	v.SetDefault("Server.Enabled", true)
	v.SetDefault("Server.Addr", ":8080")

	v.SetDefault("Log.Level", "info")
}

// LoadConfig reads config.yaml from configPath. A missing file is not an
// error: defaults and SIERRA_* environment variables still apply.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("SIERRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return &cfg, nil
}
