// Package api_test provides tests for the presentation server.
package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oie-systems/stream-engine/internal/api"
	"github.com/oie-systems/stream-engine/internal/eventlog"
	"github.com/oie-systems/stream-engine/internal/events"
	"github.com/oie-systems/stream-engine/internal/orchestrator"
	"github.com/oie-systems/stream-engine/pkg/types"
	"go.uber.org/zap"
)

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	signalLog, err := eventlog.NewSignalLogger(logger, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create signal logger: %v", err)
	}
	tradeLog, err := eventlog.NewTradeLogger(logger, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create trade logger: %v", err)
	}

	orch := orchestrator.New(logger, events.NewEventBus(logger, events.DefaultEventBusConfig()))

	config := &types.ServerConfig{
		Host: "127.0.0.1", Port: 0, WebSocketPath: "/ws",
		ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second,
	}

	server := api.NewServer(logger, config, orch, signalLog, tradeLog)
	ts := httptest.NewServer(server.Router())
	return server, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", result["status"])
	}
}

func TestListRunnersEmpty(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/runners")
	if err != nil {
		t.Fatalf("runners request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var result struct {
		Runners []interface{} `json:"runners"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(result.Runners) != 0 {
		t.Errorf("expected no runners, got %d", len(result.Runners))
	}
}

func TestRunnerStatusNotFound(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/runners/BTCUSDT/1m")
	if err != nil {
		t.Fatalf("runner status request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.StatusCode)
	}
}

func TestSignalHistoryEmpty(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/signals/BTCUSDT")
	if err != nil {
		t.Fatalf("signal history request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var result struct {
		Symbol  string        `json:"symbol"`
		Signals []interface{} `json:"signals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.Symbol != "BTCUSDT" {
		t.Errorf("expected symbol BTCUSDT, got %s", result.Symbol)
	}
	if len(result.Signals) != 0 {
		t.Errorf("expected no signals, got %d", len(result.Signals))
	}
}

func TestTradeHistoryEmpty(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/trades/BTCUSDT")
	if err != nil {
		t.Fatalf("trade history request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}
