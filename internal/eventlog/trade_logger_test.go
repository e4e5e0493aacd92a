package eventlog

import (
	"testing"

	"github.com/oie-systems/stream-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestTradeLoggerAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()

	tl, err := NewTradeLogger(logger, dir)
	if err != nil {
		t.Fatalf("NewTradeLogger: %v", err)
	}

	_ = tl.Log(types.TradeEvent{ID: "1", Symbol: "BTCUSDT", Action: types.ActionOpen, PnL: decimal.Zero})
	_ = tl.Log(types.TradeEvent{ID: "2", Symbol: "BTCUSDT", Action: types.ActionTakeProfit, PnL: decimal.NewFromFloat(12.5)})
	_ = tl.Log(types.TradeEvent{ID: "3", Symbol: "ETHUSDT", Action: types.ActionStopLoss, PnL: decimal.NewFromFloat(-4)})

	reloaded, err := NewTradeLogger(logger, dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	all := reloaded.Trades("", 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 reloaded trades, got %d", len(all))
	}
	if all[0].ID != "3" {
		t.Errorf("expected newest-first order, got first ID %s", all[0].ID)
	}
}

func TestTradeLoggerStatsExcludesOpens(t *testing.T) {
	tl, err := NewTradeLogger(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewTradeLogger: %v", err)
	}

	_ = tl.Log(types.TradeEvent{ID: "1", Symbol: "BTCUSDT", Action: types.ActionOpen, PnL: decimal.Zero})
	_ = tl.Log(types.TradeEvent{ID: "2", Symbol: "BTCUSDT", Action: types.ActionTakeProfit, PnL: decimal.NewFromFloat(10)})
	_ = tl.Log(types.TradeEvent{ID: "3", Symbol: "BTCUSDT", Action: types.ActionStopLoss, PnL: decimal.NewFromFloat(-3)})

	stats := tl.GetStats("BTCUSDT")
	if stats.TotalTrades != 2 {
		t.Fatalf("expected open events excluded from count, got %d", stats.TotalTrades)
	}
	if stats.Wins != 1 || stats.Losses != 1 {
		t.Errorf("expected 1 win and 1 loss, got wins=%d losses=%d", stats.Wins, stats.Losses)
	}
	if !stats.TotalPnL.Equal(decimal.NewFromFloat(7)) {
		t.Errorf("expected total pnl 7, got %s", stats.TotalPnL.String())
	}
}

func TestTradeLoggerResetScoped(t *testing.T) {
	dir := t.TempDir()
	tl, err := NewTradeLogger(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("NewTradeLogger: %v", err)
	}

	_ = tl.Log(types.TradeEvent{ID: "1", Symbol: "BTCUSDT", Action: types.ActionClose, PnL: decimal.Zero})
	_ = tl.Log(types.TradeEvent{ID: "2", Symbol: "ETHUSDT", Action: types.ActionClose, PnL: decimal.Zero})

	if err := tl.Reset("BTCUSDT"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	remaining := tl.Trades("", 0)
	if len(remaining) != 1 || remaining[0].Symbol != "ETHUSDT" {
		t.Fatalf("expected only ETHUSDT to remain, got %+v", remaining)
	}
}
