// Package main provides the entry point for the stream engine: a real-time
// topology/predictive/signal pipeline driving automated futures execution.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oie-systems/stream-engine/internal/api"
	"github.com/oie-systems/stream-engine/internal/broker"
	"github.com/oie-systems/stream-engine/internal/config"
	"github.com/oie-systems/stream-engine/internal/eventlog"
	"github.com/oie-systems/stream-engine/internal/events"
	"github.com/oie-systems/stream-engine/internal/execution"
	"github.com/oie-systems/stream-engine/internal/health"
	"github.com/oie-systems/stream-engine/internal/metrics"
	"github.com/oie-systems/stream-engine/internal/orchestrator"
	"github.com/oie-systems/stream-engine/internal/predictive"
	"github.com/oie-systems/stream-engine/internal/runner"
	"github.com/oie-systems/stream-engine/internal/signals"
	"github.com/oie-systems/stream-engine/internal/topology"
	"github.com/oie-systems/stream-engine/internal/workers"
	"github.com/oie-systems/stream-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Directory holding config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting stream engine",
		zap.String("httpAddr", cfg.HTTPAddr),
		zap.String("metricsAddr", cfg.MetricsAddr),
		zap.Int("autoStartStreams", len(cfg.AutoStart)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	eventBus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	defer eventBus.Stop()

	brokerClient := broker.NewClient(logger, broker.Config{
		APIKey:    cfg.BrokerAPIKey,
		APISecret: cfg.BrokerSecret,
		BaseURL:   cfg.BrokerBaseURL,
	})

	riskConfig := execution.DefaultRiskConfig()
	riskConfig.MaxDailyTrades = cfg.Risk.MaxOpenPositions * 10
	if cfg.Risk.MaxPositionSizePct > 0 {
		riskConfig.MaxPositionSize = decimal.NewFromFloat(cfg.Risk.MaxPositionSizePct / 100)
	}
	if balance, err := brokerClient.GetBalance(ctx, "USDT"); err == nil && !balance.IsZero() {
		riskConfig.MaxDailyLoss = balance.Mul(decimal.NewFromFloat(cfg.Risk.MaxDailyLossPct / 100))
	} else {
		logger.Warn("using default max daily loss; account balance unavailable at startup", zap.Error(err))
	}
	riskManager := execution.NewRiskManager(logger, riskConfig)

	signalLog, err := eventlog.NewSignalLogger(logger, cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to open signal log", zap.Error(err))
	}
	tradeLog, err := eventlog.NewTradeLogger(logger, cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to open trade log", zap.Error(err))
	}

	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	workerPool := workers.NewPool(logger, workers.DefaultPoolConfig("predictive"))
	workerPool.Start()
	defer func() {
		if err := workerPool.Stop(); err != nil {
			logger.Warn("worker pool stop error", zap.Error(err))
		}
	}()

	orch := orchestrator.New(logger, eventBus)

	for _, spec := range cfg.AutoStart {
		runnerConfig := runner.Config{
			Symbol:    spec.Symbol,
			Timeframe: spec.Timeframe,
			WSBaseURL: cfg.WSBaseURL,
			Trading:   cfg.TradingConfigFor(spec.Symbol, spec.Timeframe),
			Window:    topology.DefaultConfig(),
			Predict:   predictive.DefaultConfig(),
			Signal:    signals.DefaultConfig(),
		}
		deps := runner.Deps{
			BrokerClient: brokerClient,
			RiskManager:  riskManager,
			SignalLog:    signalLog,
			TradeLog:     tradeLog,
			Metrics:      metricsRegistry,
			WorkerPool:   workerPool,
		}

		symbol, timeframe := spec.Symbol, spec.Timeframe
		factory := func() *runner.Runner { return runner.New(logger, runnerConfig, deps) }
		if err := orch.Start(ctx, symbol, timeframe, factory); err != nil {
			logger.Error("failed to auto-start stream",
				zap.String("symbol", symbol), zap.String("timeframe", timeframe), zap.Error(err))
		}
	}

	serverConfig := &types.ServerConfig{
		Host:           hostFromAddr(cfg.HTTPAddr),
		Port:           portFromAddr(cfg.HTTPAddr),
		WebSocketPath:  "/ws",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxConnections: 100,
		EnableMetrics:  true,
	}
	server := api.NewServer(logger, serverConfig, orch, signalLog, tradeLog)

	monitor := health.NewMonitor(logger, brokerClient, func() map[string]health.Target {
		out := make(map[string]health.Target)
		for _, r := range orch.Runners() {
			st := r.Status()
			out[st.Symbol+"/"+st.Timeframe] = r
		}
		return out
	})
	go monitor.Run(ctx)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("presentation server error", zap.Error(err))
		}
	}()

	logger.Info("stream engine started",
		zap.String("http", fmt.Sprintf("http://%s/api/v1", cfg.HTTPAddr)),
		zap.String("ws", fmt.Sprintf("ws://%s/ws", cfg.HTTPAddr)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	orch.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("stream engine stopped")
}

// hostFromAddr and portFromAddr split a "host:port" listen address; an empty
// host (":8080") binds all interfaces.
func hostFromAddr(addr string) string {
	for i := 0; i < len(addr); i++ {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

func portFromAddr(addr string) int {
	var port int
	for i := 0; i < len(addr); i++ {
		if addr[i] == ':' {
			fmt.Sscanf(addr[i+1:], "%d", &port)
			break
		}
	}
	return port
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
