// Package config loads layered runtime configuration via viper: environment
// variables prefixed OIE_, with an optional config.yaml override.
package config

import (
	"fmt"
	"strings"

	"github.com/oie-systems/stream-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// StreamSpec is one entry of the auto-start symbol×timeframe matrix.
type StreamSpec struct {
	Symbol    string `mapstructure:"symbol"`
	Timeframe string `mapstructure:"timeframe"`
}

// Config is the fully resolved process configuration.
type Config struct {
	LogLevel      string          `mapstructure:"logLevel"`
	DataDir       string          `mapstructure:"dataDir"`
	HTTPAddr      string          `mapstructure:"httpAddr"`
	MetricsAddr   string          `mapstructure:"metricsAddr"`
	WSBaseURL     string          `mapstructure:"wsBaseUrl"`
	BrokerBaseURL string          `mapstructure:"brokerBaseUrl"`
	BrokerAPIKey  string          `mapstructure:"brokerApiKey"`
	BrokerSecret  string          `mapstructure:"brokerApiSecret"`
	AutoStart     []StreamSpec    `mapstructure:"autoStart"`
	Risk          RiskLimits      `mapstructure:"risk"`
	Trading       TradingDefaults `mapstructure:"trading"`
}

// RiskLimits feeds internal/execution.RiskConfig.
type RiskLimits struct {
	MaxDailyLossPct   float64 `mapstructure:"maxDailyLossPct"`
	MaxPositionSizePct float64 `mapstructure:"maxPositionSizePct"`
	MaxOpenPositions  int     `mapstructure:"maxOpenPositions"`
}

// TradingDefaults overrides the domain-level defaults produced by
// types.DefaultTradingConfig for every auto-started stream.
type TradingDefaults struct {
	Leverage                   int     `mapstructure:"leverage"`
	MaxPositionValue           float64 `mapstructure:"maxPositionValue"`
	RiskPerTrade               float64 `mapstructure:"riskPerTrade"`
	StopLossPct                float64 `mapstructure:"stopLossPct"`
	TakeProfitPct              float64 `mapstructure:"takeProfitPct"`
	MinConfidence              float64 `mapstructure:"minConfidence"`
	MinReversalConfidence      float64 `mapstructure:"minReversalConfidence"`
	ReversalCooldownMinutes    float64 `mapstructure:"reversalCooldownMinutes"`
	ProtectProfitablePositions bool    `mapstructure:"protectProfitablePositions"`
	NeverReverseInProfit       bool    `mapstructure:"neverReverseInProfit"`
	MinLossBeforeReversalPct   float64 `mapstructure:"minLossBeforeReversalPct"`
	TradingEnabled             bool    `mapstructure:"tradingEnabled"`
}

// Load reads environment variables prefixed OIE_ and, if present, a
// config.yaml in the working directory or configPath.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OIE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("logLevel", "info")
	v.SetDefault("dataDir", "./data")
	v.SetDefault("httpAddr", ":8080")
	v.SetDefault("metricsAddr", ":9090")
	v.SetDefault("wsBaseUrl", "wss://fstream.binance.com/ws")
	v.SetDefault("brokerBaseUrl", "https://fapi.binance.com")
	v.SetDefault("risk.maxDailyLossPct", 5.0)
	v.SetDefault("risk.maxPositionSizePct", 20.0)
	v.SetDefault("risk.maxOpenPositions", 5)
	v.SetDefault("trading.tradingEnabled", true)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// TradingConfigFor builds a types.TradingConfig for one stream, starting
// from the domain defaults and applying any config.yaml/env overrides.
func (c Config) TradingConfigFor(symbol, timeframe string) types.TradingConfig {
	tc := types.DefaultTradingConfig(symbol, timeframe)
	td := c.Trading

	if td.Leverage > 0 {
		tc.Leverage = td.Leverage
	}
	if td.MaxPositionValue > 0 {
		tc.MaxPositionValue = decimal.NewFromFloat(td.MaxPositionValue)
	}
	if td.RiskPerTrade > 0 {
		tc.RiskPerTrade = decimal.NewFromFloat(td.RiskPerTrade)
	}
	if td.StopLossPct > 0 {
		tc.StopLossPct = decimal.NewFromFloat(td.StopLossPct)
	}
	if td.TakeProfitPct > 0 {
		tc.TakeProfitPct = decimal.NewFromFloat(td.TakeProfitPct)
	}
	if td.MinConfidence > 0 {
		tc.MinConfidence = td.MinConfidence
	}
	if td.MinReversalConfidence > 0 {
		tc.MinReversalConfidence = td.MinReversalConfidence
	}
	if td.ReversalCooldownMinutes > 0 {
		tc.ReversalCooldownMinutes = td.ReversalCooldownMinutes
	}
	if td.MinLossBeforeReversalPct > 0 {
		tc.MinLossBeforeReversalPct = decimal.NewFromFloat(td.MinLossBeforeReversalPct)
	}
	tc.ProtectProfitablePositions = td.ProtectProfitablePositions
	tc.NeverReverseInProfit = td.NeverReverseInProfit
	tc.TradingEnabled = td.TradingEnabled
	return tc
}
