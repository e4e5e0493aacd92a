package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oie-systems/stream-engine/internal/broker"
	"github.com/oie-systems/stream-engine/internal/eventlog"
	"github.com/oie-systems/stream-engine/internal/execution"
	"github.com/oie-systems/stream-engine/internal/predictive"
	"github.com/oie-systems/stream-engine/internal/signals"
	"github.com/oie-systems/stream-engine/internal/topology"
	"github.com/oie-systems/stream-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// flatBrokerServer stands in for the exchange REST surface; the book is
// always flat, at a constant price, which keeps the signal engine neutral
// for the whole test (IFI never rises above its own baseline).
func flatBrokerServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v2/positionRisk":
			json.NewEncoder(w).Encode([]map[string]string{
				{"symbol": "BTCUSDT", "positionAmt": "0", "entryPrice": "0", "unRealizedProfit": "0"},
			})
		case "/fapi/v1/ticker/price":
			json.NewEncoder(w).Encode(map[string]string{"price": "100"})
		case "/fapi/v2/balance":
			json.NewEncoder(w).Encode([]map[string]string{{"asset": "USDT", "availableBalance": "100000"}})
		case "/fapi/v1/allOpenOrders", "/fapi/v1/openOrders":
			json.NewEncoder(w).Encode([]map[string]string{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestRunner(t *testing.T, windowSize int) *Runner {
	t.Helper()
	ts := flatBrokerServer()
	t.Cleanup(ts.Close)

	client := broker.NewClient(zap.NewNop(), broker.Config{BaseURL: ts.URL})
	risk := execution.NewRiskManager(zap.NewNop(), execution.DefaultRiskConfig())
	signalLog, err := eventlog.NewSignalLogger(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewSignalLogger: %v", err)
	}
	tradeLog, err := eventlog.NewTradeLogger(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewTradeLogger: %v", err)
	}

	cfg := Config{
		Symbol: "BTCUSDT", Timeframe: "1m", WSBaseURL: "ws://example.invalid",
		Trading: types.DefaultTradingConfig("BTCUSDT", "1m"),
		Window:  topology.Config{WindowSize: windowSize},
		Predict: predictive.DefaultConfig(),
		Signal:  signals.DefaultConfig(),
	}
	deps := Deps{BrokerClient: client, RiskManager: risk, SignalLog: signalLog, TradeLog: tradeLog}
	return New(zap.NewNop(), cfg, deps)
}

func flatBar(i int, price float64) types.Bar {
	p := decimal.NewFromFloat(price)
	return types.Bar{
		Timestamp: time.Unix(int64(i)*60, 0),
		Open:      p, High: p, Low: p, Close: p,
		Volume: decimal.NewFromFloat(10),
	}
}

func TestHandleBarBelowAnalyticsThresholdProducesNoFrame(t *testing.T) {
	r := newTestRunner(t, 50)
	sub := r.Subscribe()
	defer r.Unsubscribe(sub)

	for i := 0; i < minBarsForAnalytics-1; i++ {
		r.handleBar(context.Background(), flatBar(i, 100))
	}

	select {
	case f := <-sub:
		t.Fatalf("expected no broadcast frame below analytics threshold, got %+v", f)
	default:
	}

	if got := r.snapshotStats().BarsProcessed; got != minBarsForAnalytics-1 {
		t.Errorf("expected %d bars processed, got %d", minBarsForAnalytics-1, got)
	}
}

func TestHandleBarBroadcastsFrameOnceThresholdReached(t *testing.T) {
	r := newTestRunner(t, 50)
	sub := r.Subscribe()
	defer r.Unsubscribe(sub)

	for i := 0; i < minBarsForAnalytics; i++ {
		r.handleBar(context.Background(), flatBar(i, 100))
	}

	select {
	case f := <-sub:
		if f.Symbol != "BTCUSDT" || f.Timeframe != "1m" {
			t.Errorf("expected frame tagged with runner's stream, got %s/%s", f.Symbol, f.Timeframe)
		}
		if f.Stats.BarsProcessed != minBarsForAnalytics {
			t.Errorf("expected BarsProcessed=%d, got %d", minBarsForAnalytics, f.Stats.BarsProcessed)
		}
		if f.Signal.Type != types.StreamSignalNeutral {
			t.Errorf("expected neutral signal on a flat price series, got %s", f.Signal.Type)
		}
	default:
		t.Fatalf("expected a broadcast frame once the analytics threshold is reached")
	}
}

func TestHandleBarWindowTruncatesToDoubleWindowSize(t *testing.T) {
	windowSize := 5
	r := newTestRunner(t, windowSize)

	for i := 0; i < windowSize*4; i++ {
		r.handleBar(context.Background(), flatBar(i, 100))
	}

	r.mu.Lock()
	got := len(r.window)
	r.mu.Unlock()
	if got > windowSize*2 {
		t.Errorf("expected window truncated to at most %d bars, got %d", windowSize*2, got)
	}
}

func TestStatusReportsDisconnectedFeedBeforeStart(t *testing.T) {
	r := newTestRunner(t, 50)
	st := r.Status()
	if st.Symbol != "BTCUSDT" || st.Timeframe != "1m" {
		t.Errorf("expected status tagged with runner's stream, got %+v", st)
	}
	if st.OpenTrade != nil {
		t.Errorf("expected no open trade before any signal executes")
	}
	if r.FeedState() == "" {
		t.Errorf("expected a non-empty feed state")
	}
	if !r.LastMessageTime().IsZero() {
		t.Errorf("expected zero LastMessageTime before the feed ever connects")
	}
}
