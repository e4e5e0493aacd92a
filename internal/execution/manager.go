package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oie-systems/stream-engine/internal/broker"
	"github.com/oie-systems/stream-engine/internal/eventlog"
	"github.com/oie-systems/stream-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// hundred is reused for every percent-to-fraction conversion.
var hundred = decimal.NewFromInt(100)

// Manager owns at most one OpenTrade for a single (symbol, timeframe) and
// drives process_signal / check_position_status against a BrokerClient,
// layering a shared RiskManager's portfolio-wide checks on top of its own
// per-symbol validation.
type Manager struct {
	logger *zap.Logger
	config types.TradingConfig
	broker *broker.Client
	risk   *RiskManager
	trades *eventlog.TradeLogger

	mu            sync.Mutex
	trade         *types.OpenTrade
	tpOrderPlaced bool

	totalTrades int
	wins        int
	totalPnL    decimal.Decimal
}

// NewManager builds an ExecutionManager for one symbol/timeframe pair.
func NewManager(logger *zap.Logger, config types.TradingConfig, client *broker.Client, risk *RiskManager, trades *eventlog.TradeLogger) *Manager {
	return &Manager{
		logger:   logger.Named("execution_manager").With(zap.String("symbol", config.Symbol)),
		config:   config,
		broker:   client,
		risk:     risk,
		trades:   trades,
		totalPnL: decimal.Zero,
	}
}

// Start connects the broker, sets leverage, and reconciles any pre-existing
// broker-side position into local state.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.broker.LoadSymbolInfo(ctx, m.config.Symbol); err != nil {
		m.logger.Warn("symbol info load failed", zap.Error(err))
	}
	if m.config.Leverage > 0 {
		if err := m.broker.SetLeverage(ctx, m.config.Symbol, m.config.Leverage); err != nil {
			m.logger.Warn("set leverage failed", zap.Error(err))
		}
	}
	return m.syncExistingPosition(ctx)
}

// Stop performs no broker-side action; open positions are intentionally
// left on the exchange and reconciled on next Start.
func (m *Manager) Stop() {
	m.logger.Info("execution manager stopped",
		zap.Int("totalTrades", m.totalTrades),
		zap.Int("wins", m.wins),
		zap.String("totalPnL", m.totalPnL.String()))
}

func (m *Manager) syncExistingPosition(ctx context.Context) error {
	pos, err := m.broker.GetPosition(ctx, m.config.Symbol)
	if err != nil {
		return fmt.Errorf("sync existing position: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos.Side == "" {
		m.trade = nil
		return nil
	}

	direction := types.TradeDirectionLong
	if pos.Side == "SHORT" {
		direction = types.TradeDirectionShort
	}
	sl, tp := m.deriveStopLossTakeProfit(direction, pos.EntryPrice)
	m.trade = &types.OpenTrade{
		Timestamp:  time.Now(),
		Direction:  direction,
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Quantity,
		StopLoss:   sl,
		TakeProfit: tp,
		Status:     types.TradeStatusOpen,
	}
	m.logger.Info("reconciled existing broker position",
		zap.String("direction", string(direction)), zap.String("qty", pos.Quantity.String()))
	return nil
}

// ProcessResult reports what process_signal actually did.
type ProcessResult struct {
	Decision types.SignalDecision
	Reason   string
}

// ProcessSignal evaluates a fresh analytic signal against current broker and
// local state and, subject to the reversal guard and risk checks, may open
// a new position or close-then-reverse an existing one.
func (m *Manager) ProcessSignal(ctx context.Context, signal types.StreamSignal, signalID string) ProcessResult {
	if !m.config.TradingEnabled || signal.Type == types.StreamSignalNeutral {
		return ProcessResult{Decision: types.DecisionIgnored, Reason: "trading_disabled_or_neutral"}
	}
	if signal.Confidence < m.config.MinConfidence {
		return ProcessResult{Decision: types.DecisionIgnored, Reason: "below_min_confidence"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, err := m.broker.GetPosition(ctx, m.config.Symbol)
	if err != nil {
		return ProcessResult{Decision: types.DecisionIgnored, Reason: fmt.Sprintf("broker_error:%v", err)}
	}

	if pos.Side == "" {
		if m.trade != nil {
			m.logger.Info("clearing stale local trade: broker reports flat")
			m.trade = nil
		}
		if orders, err := m.broker.GetOpenOrders(ctx, m.config.Symbol); err == nil && len(orders) > 0 {
			if err := m.broker.CancelAllOrders(ctx, m.config.Symbol); err != nil {
				m.logger.Warn("orphan order cleanup failed", zap.Error(err))
			}
		}
	} else {
		signalDir := directionFromSignal(signal.Type)
		posDir := types.TradeDirectionLong
		if pos.Side == "SHORT" {
			posDir = types.TradeDirectionShort
		}
		if signalDir == posDir {
			return ProcessResult{Decision: types.DecisionBlocked, Reason: "same_direction_position_open"}
		}

		allowed, reason := m.checkReversalAllowed(ctx, pos, posDir, signal.Confidence)
		if !allowed {
			return ProcessResult{Decision: types.DecisionBlocked, Reason: reason}
		}
		if err := m.closeLocked(ctx, pos, posDir, "signal_reversal", signalID); err != nil {
			return ProcessResult{Decision: types.DecisionIgnored, Reason: fmt.Sprintf("reversal_close_failed:%v", err)}
		}
	}

	return m.openPosition(ctx, signal, signalID)
}

func directionFromSignal(t types.StreamSignalType) types.TradeDirection {
	if t == types.StreamSignalShort {
		return types.TradeDirectionShort
	}
	return types.TradeDirectionLong
}

func (m *Manager) openPosition(ctx context.Context, signal types.StreamSignal, signalID string) ProcessResult {
	price, err := m.broker.GetPrice(ctx, m.config.Symbol)
	if err != nil || price.IsZero() {
		return ProcessResult{Decision: types.DecisionIgnored, Reason: "price_unavailable"}
	}

	balance, err := m.broker.GetBalance(ctx, "USDT")
	if err != nil {
		return ProcessResult{Decision: types.DecisionIgnored, Reason: fmt.Sprintf("balance_error:%v", err)}
	}

	stopLossFraction := m.config.StopLossPct.Div(hundred)
	denom := price.Mul(stopLossFraction)
	if denom.IsZero() {
		return ProcessResult{Decision: types.DecisionIgnored, Reason: "invalid_stop_loss_pct"}
	}
	riskBasedQty := balance.Mul(m.config.RiskPerTrade).Div(denom)
	maxQty := m.config.MaxPositionValue.Div(price)
	qty := decimal.Min(riskBasedQty, maxQty)
	qty = m.broker.RoundQuantity(m.config.Symbol, qty)

	if qty.LessThan(m.broker.MinQuantity(m.config.Symbol)) {
		return ProcessResult{Decision: types.DecisionIgnored, Reason: "quantity_below_exchange_minimum"}
	}

	direction := directionFromSignal(signal.Type)
	side := broker.SideBuy
	if direction == types.TradeDirectionShort {
		side = broker.SideSell
	}

	if m.risk != nil {
		order := &types.Order{
			Symbol:   m.config.Symbol,
			Side:     types.OrderSide(side),
			Type:     types.OrderTypeMarket,
			Quantity: qty,
			Price:    price,
		}
		result := m.risk.CheckOrder(ctx, order, balance)
		if !result.Approved {
			return ProcessResult{Decision: types.DecisionBlocked, Reason: "risk_manager_rejected"}
		}
	}

	stopLoss, takeProfit := m.deriveStopLossTakeProfit(direction, price)
	stopLoss = m.broker.RoundPrice(m.config.Symbol, stopLoss)
	takeProfit = m.broker.RoundPrice(m.config.Symbol, takeProfit)

	result, err := m.broker.PlaceMarketOrder(ctx, m.config.Symbol, side, qty, stopLoss, takeProfit)
	if err != nil {
		return ProcessResult{Decision: types.DecisionIgnored, Reason: fmt.Sprintf("order_failed:%v", err)}
	}

	entryPrice, err := m.broker.ResolveExecutionPrice(ctx, m.config.Symbol, result)
	if err != nil || entryPrice.IsZero() {
		entryPrice = price
	}

	m.trade = &types.OpenTrade{
		Timestamp:  time.Now(),
		SignalType: signal.Type,
		Confidence: signal.Confidence,
		Direction:  direction,
		EntryPrice: entryPrice,
		Quantity:   qty,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		OrderID:    result.OrderID,
		Status:     types.TradeStatusOpen,
	}
	m.tpOrderPlaced = true

	if m.trades != nil {
		tradeSide := types.TradeSideBuy
		if side == broker.SideSell {
			tradeSide = types.TradeSideSell
		}
		_ = m.trades.Log(types.TradeEvent{
			ID:         signalID,
			Timestamp:  time.Now(),
			Symbol:     m.config.Symbol,
			Timeframe:  m.config.Timeframe,
			Side:       tradeSide,
			Action:     types.ActionOpen,
			Quantity:   qty,
			EntryPrice: entryPrice,
			PnL:        decimal.Zero,
			Fees:       decimal.Zero,
			SignalID:   signalID,
		})
	}

	m.logger.Info("position opened",
		zap.String("direction", string(direction)), zap.String("qty", qty.String()), zap.String("entry", entryPrice.String()))

	return ProcessResult{Decision: types.DecisionExecuted, Reason: "opened"}
}

func (m *Manager) deriveStopLossTakeProfit(direction types.TradeDirection, entry decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	slFrac := m.config.StopLossPct.Div(hundred)
	tpFrac := m.config.TakeProfitPct.Div(hundred)
	one := decimal.NewFromInt(1)
	if direction == types.TradeDirectionLong {
		return entry.Mul(one.Sub(slFrac)), entry.Mul(one.Add(tpFrac))
	}
	return entry.Mul(one.Add(slFrac)), entry.Mul(one.Sub(tpFrac))
}

// checkReversalAllowed implements the cascading reversal guard: the first
// failing rule blocks, carrying a human-readable reason.
func (m *Manager) checkReversalAllowed(ctx context.Context, pos broker.Position, posDir types.TradeDirection, newConfidence float64) (bool, string) {
	if newConfidence < m.config.MinReversalConfidence {
		return false, "reversal_confidence_too_low"
	}
	if m.trade != nil {
		minutesSinceOpen := time.Since(m.trade.Timestamp).Minutes()
		if minutesSinceOpen < m.config.ReversalCooldownMinutes {
			return false, "reversal_cooldown_active"
		}
	}

	price, err := m.broker.GetPrice(ctx, m.config.Symbol)
	if err != nil || price.IsZero() || pos.EntryPrice.IsZero() {
		return false, "price_unavailable_for_reversal_check"
	}
	pnlPct := pnlPercent(posDir, pos.EntryPrice, price)
	minLoss, _ := m.config.MinLossBeforeReversalPct.Float64()

	if pnlPct > 0 && m.config.NeverReverseInProfit {
		return false, "never_reverse_in_profit"
	}
	if pnlPct > 0.5 && m.config.ProtectProfitablePositions {
		return false, "protect_profitable_position"
	}
	if pnlPct > -minLoss && pnlPct < 0 {
		return false, "insufficient_loss_before_reversal"
	}
	return true, ""
}

func pnlPercent(direction types.TradeDirection, entry, current decimal.Decimal) float64 {
	if entry.IsZero() {
		return 0
	}
	diff := current.Sub(entry)
	if direction == types.TradeDirectionShort {
		diff = diff.Neg()
	}
	pct, _ := diff.Div(entry).Mul(hundred).Float64()
	return pct
}

// CheckPositionStatus is called once per bar to reconcile local state
// against the broker's reported position and enforce SL/TP that the
// exchange-side protective orders may have missed.
func (m *Manager) CheckPositionStatus(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.trade == nil {
		if orders, err := m.broker.GetOpenOrders(ctx, m.config.Symbol); err == nil && len(orders) > 0 {
			if err := m.broker.CancelAllOrders(ctx, m.config.Symbol); err != nil {
				m.logger.Warn("orphan order cleanup failed", zap.Error(err))
			}
		}
		return
	}

	pos, err := m.broker.GetPosition(ctx, m.config.Symbol)
	if err != nil {
		m.logger.Warn("position status check failed", zap.Error(err))
		return
	}

	if pos.Side == "" {
		// Broker reports flat but we still held a local trade: it closed
		// exchange-side (SL/TP order filled). GetPosition returns a zero
		// value once flat, so UnrealizedPnL is never populated here --
		// fetch a fresh price and compute realized pnl the same way
		// closeLocked does for a locally-initiated close.
		exitPrice, err := m.broker.GetPrice(ctx, m.config.Symbol)
		if err != nil || exitPrice.IsZero() {
			exitPrice = m.trade.EntryPrice
		}
		diff := exitPrice.Sub(m.trade.EntryPrice)
		if m.trade.Direction == types.TradeDirectionShort {
			diff = diff.Neg()
		}
		pnl := diff.Mul(m.trade.Quantity)

		reason := "stop_loss"
		if pnl.GreaterThan(decimal.Zero) {
			reason = "take_profit"
		}

		if m.trades != nil {
			tradeSide := types.TradeSideSell
			action := types.ActionStopLoss
			if m.trade.Direction == types.TradeDirectionShort {
				tradeSide = types.TradeSideBuy
			}
			if reason == "take_profit" {
				action = types.ActionTakeProfit
			}
			_ = m.trades.Log(types.TradeEvent{
				ID:         m.trade.OrderID,
				Timestamp:  time.Now(),
				Symbol:     m.config.Symbol,
				Timeframe:  m.config.Timeframe,
				Side:       tradeSide,
				Action:     action,
				Quantity:   m.trade.Quantity,
				EntryPrice: m.trade.EntryPrice,
				ExitPrice:  exitPrice,
				PnL:        pnl,
				Fees:       decimal.Zero,
				Reason:     reason,
			})
		}

		m.recordRiskTrade(m.trade.Direction, m.trade.Quantity, exitPrice, pnl)
		m.finalizeClosedTrade(reason, pnl, "")
		if err := m.broker.CancelAllOrders(ctx, m.config.Symbol); err != nil {
			m.logger.Warn("protective order cleanup failed", zap.Error(err))
		}
		return
	}

	price, err := m.broker.GetPrice(ctx, m.config.Symbol)
	if err != nil || price.IsZero() {
		return
	}
	takeProfitPct, _ := m.config.TakeProfitPct.Float64()
	stopLossPct, _ := m.config.StopLossPct.Float64()
	pnlPct := pnlPercent(m.trade.Direction, m.trade.EntryPrice, price)

	if !m.tpOrderPlaced && pnlPct >= takeProfitPct {
		_ = m.closeLocked(ctx, pos, m.trade.Direction, "take_profit_manual", "")
		return
	}
	if pnlPct <= -stopLossPct {
		_ = m.closeLocked(ctx, pos, m.trade.Direction, "stop_loss_manual", "")
	}
}

func (m *Manager) closeLocked(ctx context.Context, pos broker.Position, direction types.TradeDirection, reason, signalID string) error {
	side := broker.SideSell
	if direction == types.TradeDirectionShort {
		side = broker.SideBuy
	}
	order, err := m.broker.PlaceMarketOrder(ctx, m.config.Symbol, side, pos.Quantity, decimal.Zero, decimal.Zero)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	exitPrice, err := m.broker.ResolveExecutionPrice(ctx, m.config.Symbol, order)
	if err != nil || exitPrice.IsZero() {
		exitPrice, _ = m.broker.GetPrice(ctx, m.config.Symbol)
	}

	pnl := decimal.Zero
	entryPrice := pos.EntryPrice
	qty := pos.Quantity
	if m.trade != nil {
		diff := exitPrice.Sub(m.trade.EntryPrice)
		if direction == types.TradeDirectionShort {
			diff = diff.Neg()
		}
		pnl = diff.Mul(pos.Quantity)
		entryPrice = m.trade.EntryPrice
		qty = m.trade.Quantity
	}

	if m.trades != nil {
		tradeSide := types.TradeSideSell
		if side == broker.SideBuy {
			tradeSide = types.TradeSideBuy
		}
		action := types.ActionClose
		switch reason {
		case "stop_loss", "stop_loss_manual":
			action = types.ActionStopLoss
		case "take_profit", "take_profit_manual":
			action = types.ActionTakeProfit
		}
		_ = m.trades.Log(types.TradeEvent{
			ID:         signalID,
			Timestamp:  time.Now(),
			Symbol:     m.config.Symbol,
			Timeframe:  m.config.Timeframe,
			Side:       tradeSide,
			Action:     action,
			Quantity:   qty,
			EntryPrice: entryPrice,
			ExitPrice:  exitPrice,
			PnL:        pnl,
			Fees:       decimal.Zero,
			Reason:     reason,
			SignalID:   signalID,
		})
	}

	m.recordRiskTrade(direction, qty, exitPrice, pnl)
	m.finalizeClosedTrade(reason, pnl, signalID)

	if err := m.broker.CancelAllOrders(ctx, m.config.Symbol); err != nil {
		m.logger.Warn("post-close order cleanup failed", zap.Error(err))
	}
	return nil
}

// recordRiskTrade feeds a closed trade's symbol, notional value, and realized
// pnl into the shared RiskManager so its daily-loss, consecutive-loss, and
// exposure tracking (and kill switch) reflect what this Manager actually did.
func (m *Manager) recordRiskTrade(direction types.TradeDirection, qty, exitPrice, pnl decimal.Decimal) {
	if m.risk == nil {
		return
	}
	side := types.OrderSideSell
	if direction == types.TradeDirectionShort {
		side = types.OrderSideBuy
	}
	m.risk.RecordTrade(&TradeRecord{
		Symbol: m.config.Symbol,
		Side:   side,
		Value:  qty.Mul(exitPrice),
		PnL:    pnl,
	})
}

func (m *Manager) finalizeClosedTrade(reason string, pnl decimal.Decimal, _ string) {
	m.totalTrades++
	m.totalPnL = m.totalPnL.Add(pnl)
	if pnl.GreaterThan(decimal.Zero) {
		m.wins++
	}
	m.logger.Info("position closed", zap.String("reason", reason), zap.String("pnl", pnl.String()))
	m.trade = nil
	m.tpOrderPlaced = false
}

// CurrentTrade returns a snapshot of the open trade, if any.
func (m *Manager) CurrentTrade() (types.OpenTrade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trade == nil {
		return types.OpenTrade{}, false
	}
	return *m.trade, true
}

// Stats returns cumulative trade counters.
func (m *Manager) Stats() (total, wins int, pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalTrades, m.wins, m.totalPnL
}
