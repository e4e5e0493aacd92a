package execution

import (
	"context"
	"testing"

	"github.com/oie-systems/stream-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestCheckOrderApprovesWithinLimits(t *testing.T) {
	rm := NewRiskManager(zap.NewNop(), DefaultRiskConfig())
	order := &types.Order{
		Symbol: "BTCUSDT", Side: types.OrderSideBuy, Type: types.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(0.01), Price: decimal.NewFromFloat(100),
	}
	result := rm.CheckOrder(context.Background(), order, decimal.NewFromInt(100000))
	if !result.Approved {
		t.Fatalf("expected a modest order within every limit to be approved, got %+v", result.Violations)
	}
}

func TestCheckOrderRejectsBelowMinOrderSize(t *testing.T) {
	cfg := DefaultRiskConfig()
	rm := NewRiskManager(zap.NewNop(), cfg)
	order := &types.Order{
		Symbol: "BTCUSDT", Side: types.OrderSideBuy, Type: types.OrderTypeMarket,
		Quantity: cfg.MinOrderSize.Div(decimal.NewFromInt(2)), Price: decimal.NewFromFloat(100),
	}
	result := rm.CheckOrder(context.Background(), order, decimal.NewFromInt(100000))
	if result.Approved {
		t.Fatalf("expected order below MinOrderSize to be rejected")
	}
}

func TestCheckOrderSuggestsClampedQuantityWhenOverPositionSize(t *testing.T) {
	cfg := DefaultRiskConfig()
	rm := NewRiskManager(zap.NewNop(), cfg)
	portfolioValue := decimal.NewFromInt(10000)
	price := decimal.NewFromFloat(100)
	// Quantity whose value is well beyond MaxPositionSize (10%) of the portfolio.
	order := &types.Order{
		Symbol: "BTCUSDT", Side: types.OrderSideBuy, Type: types.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(50), Price: price,
	}
	result := rm.CheckOrder(context.Background(), order, portfolioValue)
	if result.Approved {
		t.Fatalf("expected oversized order to be rejected")
	}
	if result.Adjustments == nil {
		t.Fatalf("expected suggested adjustments for a rejected oversized order")
	}
	maxQty := portfolioValue.Mul(cfg.MaxPositionSize).Div(price)
	if result.Adjustments.AdjustedQuantity.GreaterThan(maxQty) {
		t.Errorf("expected adjusted quantity clamped to %s, got %s", maxQty, result.Adjustments.AdjustedQuantity)
	}
}

func TestCalculatePositionSizeClampsToMaxPositionSize(t *testing.T) {
	cfg := DefaultRiskConfig()
	rm := NewRiskManager(zap.NewNop(), cfg)

	portfolioValue := decimal.NewFromInt(10000)
	entryPrice := decimal.NewFromFloat(100)
	// A stop loss close enough to entry that the risk-based size alone would
	// exceed MaxPositionSize, forcing the clamp to take effect.
	stopLoss := decimal.NewFromFloat(99.9)

	size := rm.CalculatePositionSize(portfolioValue, entryPrice, stopLoss)
	maxPosition := portfolioValue.Mul(cfg.MaxPositionSize).Div(entryPrice)
	if size.GreaterThan(maxPosition) {
		t.Errorf("expected position size clamped to %s, got %s", maxPosition, size)
	}
}

func TestCalculatePositionSizeZeroWhenStopLossMissing(t *testing.T) {
	rm := NewRiskManager(zap.NewNop(), DefaultRiskConfig())
	size := rm.CalculatePositionSize(decimal.NewFromInt(10000), decimal.NewFromFloat(100), decimal.Zero)
	if !size.IsZero() {
		t.Errorf("expected zero position size without a stop loss, got %s", size)
	}
}

func TestRecordTradeAccumulatesDailyPnLAndConsecutiveLosses(t *testing.T) {
	rm := NewRiskManager(zap.NewNop(), DefaultRiskConfig())

	rm.RecordTrade(&TradeRecord{Symbol: "BTCUSDT", Side: types.OrderSideSell, Value: decimal.NewFromInt(100), PnL: decimal.NewFromInt(-50)})
	rm.RecordTrade(&TradeRecord{Symbol: "BTCUSDT", Side: types.OrderSideSell, Value: decimal.NewFromInt(100), PnL: decimal.NewFromInt(-50)})

	stats := rm.GetStats()
	if !stats.DailyPnL.Equal(decimal.NewFromInt(-100)) {
		t.Errorf("expected dailyPnL -100, got %s", stats.DailyPnL)
	}
	if stats.ConsecutiveLosses != 2 {
		t.Errorf("expected 2 consecutive losses, got %d", stats.ConsecutiveLosses)
	}
	if stats.DailyTrades != 2 {
		t.Errorf("expected 2 daily trades recorded, got %d", stats.DailyTrades)
	}

	rm.RecordTrade(&TradeRecord{Symbol: "BTCUSDT", Side: types.OrderSideSell, Value: decimal.NewFromInt(100), PnL: decimal.NewFromInt(25)})
	if rm.GetStats().ConsecutiveLosses != 0 {
		t.Errorf("expected a winning trade to reset consecutive losses")
	}
}

func TestRecordTradeTriggersKillSwitchBeyondThreshold(t *testing.T) {
	cfg := DefaultRiskConfig()
	cfg.KillSwitchThreshold = decimal.NewFromInt(100)
	rm := NewRiskManager(zap.NewNop(), cfg)

	rm.RecordTrade(&TradeRecord{Symbol: "BTCUSDT", Side: types.OrderSideSell, Value: decimal.NewFromInt(500), PnL: decimal.NewFromInt(-150)})

	if !rm.IsDisabled() {
		t.Fatalf("expected kill switch to disable trading once daily loss exceeds the threshold")
	}

	order := &types.Order{Symbol: "BTCUSDT", Side: types.OrderSideBuy, Type: types.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(0.01), Price: decimal.NewFromFloat(100)}
	result := rm.CheckOrder(context.Background(), order, decimal.NewFromInt(100000))
	if result.Approved {
		t.Errorf("expected CheckOrder to reject while the kill switch is active")
	}
}
