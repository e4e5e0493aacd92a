// Package runner drives one (symbol, timeframe) analytic-and-execution pipeline.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oie-systems/stream-engine/internal/broker"
	"github.com/oie-systems/stream-engine/internal/eventlog"
	"github.com/oie-systems/stream-engine/internal/execution"
	"github.com/oie-systems/stream-engine/internal/feed"
	"github.com/oie-systems/stream-engine/internal/metrics"
	"github.com/oie-systems/stream-engine/internal/predictive"
	"github.com/oie-systems/stream-engine/internal/signals"
	"github.com/oie-systems/stream-engine/internal/topology"
	"github.com/oie-systems/stream-engine/internal/workers"
	"github.com/oie-systems/stream-engine/pkg/types"
	"go.uber.org/zap"
)

const (
	minBarsForAnalytics = 5
	neutralLogEvery      = 10
	statusLogEvery       = 10
	barChannelCapacity   = 1
)

// Frame is the broadcast payload pushed to subscribers after every bar.
type Frame struct {
	Symbol     string                   `json:"symbol"`
	Timeframe  string                   `json:"timeframe"`
	Bar        types.Bar                `json:"bar"`
	Topology   types.TopologySnapshot   `json:"topology"`
	Predictive types.PredictiveSnapshot `json:"predictive"`
	Signal     types.StreamSignal      `json:"signal"`
	Stats      Stats                   `json:"stats"`
}

// Stats is the counter block reported in every broadcast Frame.
type Stats struct {
	BarsProcessed    int64 `json:"barsProcessed"`
	SignalsGenerated int64 `json:"signalsGenerated"`
	TradesExecuted   int64 `json:"tradesExecuted"`
	LagCount         int64 `json:"lagCount"`
}

// Subscriber receives best-effort broadcast frames; a send that would block
// is dropped for that frame, and the subscriber stays registered until
// Unsubscribe.
type Subscriber chan<- Frame

// Config parameterizes one StreamRunner.
type Config struct {
	Symbol    string
	Timeframe string
	WSBaseURL string
	Trading   types.TradingConfig
	Window    topology.Config
	Predict   predictive.Config
	Signal    signals.Config
}

// Runner owns one MarketDataFeed, one SignalEngine state, one
// ExecutionManager, and the window of bars those feed from.
type Runner struct {
	logger *zap.Logger
	config Config

	feedClient *feed.Feed
	topo       *topology.Engine
	pred       *predictive.Engine
	sig        *signals.Engine
	sigState   *signals.State
	exec       *execution.Manager
	signalLog  *eventlog.SignalLogger
	metricsReg *metrics.Registry

	mu         sync.Mutex
	window     []types.Bar
	barsSeen   int64

	statsMu sync.Mutex
	stats   Stats

	subMu sync.Mutex
	subs  map[chan Frame]struct{}

	barCh  chan types.Bar
	cancel context.CancelFunc
}

// Deps bundles the process-wide collaborators a Runner needs.
type Deps struct {
	BrokerClient *broker.Client
	RiskManager  *execution.RiskManager
	SignalLog    *eventlog.SignalLogger
	TradeLog     *eventlog.TradeLogger
	Metrics      *metrics.Registry
	WorkerPool   *workers.Pool
}

// New builds a Runner for one (symbol, timeframe) pair.
func New(logger *zap.Logger, config Config, deps Deps) *Runner {
	name := config.Symbol + "/" + config.Timeframe
	log := logger.Named("runner").With(zap.String("stream", name))

	return &Runner{
		logger:     log,
		config:     config,
		feedClient: feed.NewFeed(log, feed.Config{WSBaseURL: config.WSBaseURL, Symbol: config.Symbol, Interval: config.Timeframe}),
		topo:       topology.NewEngine(log, config.Window),
		pred:       predictive.NewEngine(log, config.Predict, deps.WorkerPool),
		sig:        signals.NewEngine(log, config.Signal),
		sigState:   signals.NewState(),
		exec:       execution.NewManager(log, config.Trading, deps.BrokerClient, deps.RiskManager, deps.TradeLog),
		signalLog:  deps.SignalLog,
		metricsReg: deps.Metrics,
		subs:       make(map[chan Frame]struct{}),
		barCh:      make(chan types.Bar, barChannelCapacity),
	}
}

// Subscribe registers a channel for broadcast frames. Callers must drain it
// promptly; a full channel causes the frame to be dropped for that
// subscriber, not buffered.
func (r *Runner) Subscribe() chan Frame {
	ch := make(chan Frame, 1)
	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()
	return ch
}

// Unsubscribe removes a previously registered channel.
func (r *Runner) Unsubscribe(ch chan Frame) {
	r.subMu.Lock()
	delete(r.subs, ch)
	r.subMu.Unlock()
	close(ch)
}

// Start connects the execution manager, wires the feed's bar callback, and
// launches the bar-consumer goroutine and the feed's reconnect loop. Health
// checks are not started here.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.exec.Start(ctx); err != nil {
		r.logger.Warn("execution manager start failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.feedClient.OnBar(func(bar types.Bar) {
		select {
		case r.barCh <- bar:
		default:
			r.statsMu.Lock()
			r.stats.LagCount++
			r.statsMu.Unlock()
			select {
			case <-r.barCh:
			default:
			}
			select {
			case r.barCh <- bar:
			default:
			}
		}
	})

	go r.consumeBars(runCtx)
	r.feedClient.Start(runCtx)
	return nil
}

// Stop halts the feed and bar consumer; broker-side positions are left open
// for reconciliation on the next Start.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.feedClient.Stop()
	r.exec.Stop()

	total, wins, pnl := r.exec.Stats()
	r.logger.Info("runner stopped",
		zap.Int64("barsProcessed", r.stats.BarsProcessed),
		zap.Int64("signalsGenerated", r.stats.SignalsGenerated),
		zap.Int("totalTrades", total), zap.Int("wins", wins), zap.String("pnl", pnl.String()))
}

func (r *Runner) consumeBars(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar := <-r.barCh:
			r.handleBar(ctx, bar)
		}
	}
}

func (r *Runner) handleBar(ctx context.Context, bar types.Bar) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("recovered panic in bar handler, bar skipped", zap.Any("panic", rec))
		}
	}()
	start := time.Now()

	r.mu.Lock()
	r.window = append(r.window, bar)
	if len(r.window) > r.config.Window.WindowSize*2 {
		r.window = r.window[len(r.window)-r.config.Window.WindowSize*2:]
	}
	window := append([]types.Bar(nil), r.window...)
	r.mu.Unlock()

	r.barsSeen++
	r.statsMu.Lock()
	r.stats.BarsProcessed++
	r.statsMu.Unlock()
	if r.metricsReg != nil {
		r.metricsReg.BarsProcessed.WithLabelValues(r.config.Symbol, r.config.Timeframe).Inc()
	}

	if len(window) < minBarsForAnalytics {
		return
	}

	topoSnap := r.topo.Compute(r.config.Symbol, window)
	predSnap := r.pred.Simulate(r.config.Symbol, window, bar.Timestamp.UnixNano())
	signal := r.sig.Compute(r.config.Symbol, predSnap, r.sigState)

	r.processSignal(ctx, signal, topoSnap)

	if r.barsSeen%statusLogEvery == 0 {
		r.logger.Info("status",
			zap.Int64("barsProcessed", r.stats.BarsProcessed),
			zap.Int64("signalsGenerated", r.stats.SignalsGenerated),
			zap.String("close", bar.Close.String()))
		if r.metricsReg != nil {
			_, open := r.exec.CurrentTrade()
			val := 0.0
			if open {
				val = 1.0
			}
			r.metricsReg.OpenPositions.WithLabelValues(r.config.Symbol, r.config.Timeframe).Set(val)
		}
	}

	r.exec.CheckPositionStatus(ctx)

	if r.metricsReg != nil {
		r.metricsReg.HandlerLatency.WithLabelValues(r.config.Symbol, r.config.Timeframe).Observe(time.Since(start).Seconds())
	}

	r.broadcast(Frame{
		Symbol: r.config.Symbol, Timeframe: r.config.Timeframe,
		Bar: bar, Topology: topoSnap, Predictive: predSnap, Signal: signal,
		Stats: r.snapshotStats(),
	})
}

func (r *Runner) processSignal(ctx context.Context, signal types.StreamSignal, topoSnap types.TopologySnapshot) {
	if signal.Type == types.StreamSignalNeutral {
		if r.barsSeen%neutralLogEvery == 0 && r.signalLog != nil {
			_ = r.signalLog.Log(types.SignalEvent{
				ID: uuid.New().String(), Timestamp: time.Now(),
				Symbol: r.config.Symbol, Timeframe: r.config.Timeframe,
				SignalType: signal.Type, IFI: signal.IFI, Vortex: len(topoSnap.Vortexes) > 0,
				Decision: types.DecisionIgnored, Reason: "neutral",
			})
		}
		return
	}

	r.statsMu.Lock()
	r.stats.SignalsGenerated++
	r.statsMu.Unlock()
	if r.metricsReg != nil {
		r.metricsReg.SignalsGenerated.WithLabelValues(r.config.Symbol, r.config.Timeframe).Inc()
	}

	signalID := uuid.New().String()
	result := r.exec.ProcessSignal(ctx, signal, signalID)

	if result.Decision == types.DecisionExecuted {
		r.statsMu.Lock()
		r.stats.TradesExecuted++
		r.statsMu.Unlock()
		if r.metricsReg != nil {
			r.metricsReg.TradesExecuted.WithLabelValues(r.config.Symbol, r.config.Timeframe, "open").Inc()
		}
	}

	if r.signalLog != nil {
		ev := types.SignalEvent{
			ID: signalID, Timestamp: time.Now(),
			Symbol: r.config.Symbol, Timeframe: r.config.Timeframe,
			SignalType: signal.Type, IFI: signal.IFI, Vortex: len(topoSnap.Vortexes) > 0,
			Decision: result.Decision, Reason: result.Reason,
		}
		if result.Decision == types.DecisionExecuted {
			ev.LinkedTradeID = signalID
		}
		_ = r.signalLog.Log(ev)
	}
}

func (r *Runner) broadcast(frame Frame) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (r *Runner) snapshotStats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// Status is a presentation-layer snapshot of one runner.
type Status struct {
	Symbol      string          `json:"symbol"`
	Timeframe   string          `json:"timeframe"`
	FeedState   feed.State      `json:"feedState"`
	Stats       Stats           `json:"stats"`
	OpenTrade   *types.OpenTrade `json:"openTrade,omitempty"`
}

// Status returns the runner's current snapshot.
func (r *Runner) Status() Status {
	trade, open := r.exec.CurrentTrade()
	st := Status{
		Symbol: r.config.Symbol, Timeframe: r.config.Timeframe,
		FeedState: r.feedClient.State(), Stats: r.snapshotStats(),
	}
	if open {
		st.OpenTrade = &trade
	}
	return st
}

// LastMessageTime reports when the feed last received any frame, used by HealthMonitor.
func (r *Runner) LastMessageTime() time.Time {
	return r.feedClient.LastMessageTime()
}

// FeedState reports the feed's connection state, used by HealthMonitor.
func (r *Runner) FeedState() feed.State {
	return r.feedClient.State()
}
