// Package types provides shared type definitions for the stream engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is a single closed candle for one (symbol, timeframe) stream.
type Bar struct {
	Timestamp  time.Time       `json:"timestamp"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	BuyVolume  decimal.Decimal `json:"buyVolume,omitempty"`
	SellVolume decimal.Decimal `json:"sellVolume,omitempty"`
	HasDelta   bool            `json:"-"`
}

// Delta returns buy volume minus sell volume when both are present.
func (b Bar) Delta() decimal.Decimal {
	if !b.HasDelta {
		return decimal.Zero
	}
	return b.BuyVolume.Sub(b.SellVolume)
}

// Direction of a detected rotation.
type Direction string

const (
	DirectionClockwise        Direction = "clockwise"
	DirectionCounterclockwise Direction = "counterclockwise"
)

// VortexMarker flags a bar index where rotation and energy both exceeded threshold.
type VortexMarker struct {
	Index     int             `json:"index"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Strength  float64         `json:"strength"`
	Direction Direction       `json:"direction"`
}

// TopologySnapshot is the output of one TopologyEngine.Compute call.
type TopologySnapshot struct {
	Symbol    string         `json:"symbol"`
	Timestamp time.Time      `json:"timestamp"`
	Coherence float64        `json:"coherence"`
	Energy    float64        `json:"energy"`
	Vortexes  []VortexMarker `json:"vortexes"`
}

// PredictiveSnapshot is the output of one PredictiveEngine.Simulate call.
type PredictiveSnapshot struct {
	Symbol             string            `json:"symbol"`
	Timestamp          time.Time         `json:"timestamp"`
	HorizonBars        int               `json:"horizonBars"`
	NumScenarios       int               `json:"numScenarios"`
	IFI                float64           `json:"ifi"`
	BreakoutProbUp     float64           `json:"breakoutProbabilityUp"`
	BreakoutProbDown   float64           `json:"breakoutProbabilityDown"`
	EnergyCollapseRisk float64           `json:"energyCollapseRisk"`
	ConeUpper          []decimal.Decimal `json:"coneUpper"`
	ConeLower          []decimal.Decimal `json:"coneLower"`
}

// StreamSignalType is the direction a SignalEngine concludes for a bar.
type StreamSignalType string

const (
	StreamSignalLong    StreamSignalType = "LONG"
	StreamSignalShort   StreamSignalType = "SHORT"
	StreamSignalNeutral StreamSignalType = "NEUTRAL"
)

// StreamSignal is the fused output of one SignalEngine.Compute call.
type StreamSignal struct {
	Symbol              string           `json:"symbol"`
	Timestamp           time.Time        `json:"timestamp"`
	Type                StreamSignalType `json:"type"`
	Confidence          float64          `json:"confidence"`
	BreakoutProbability float64          `json:"breakoutProbability"`
	IFI                 float64          `json:"ifi"`
	CollapseRisk        float64          `json:"collapseRisk"`
	Description         string           `json:"description"`
}

// SignalDecision records what the execution layer did with a signal.
type SignalDecision string

const (
	DecisionExecuted SignalDecision = "EXECUTED"
	DecisionIgnored  SignalDecision = "IGNORED"
	DecisionBlocked  SignalDecision = "BLOCKED"
)

// Regime is a coarse label persisted alongside a SignalEvent.
type Regime string

const (
	RegimeBullish Regime = "BULLISH"
	RegimeBearish Regime = "BEARISH"
	RegimeNeutral Regime = "NEUTRAL"
)

// SignalEvent is one persisted line of signals.jsonl.
type SignalEvent struct {
	ID            string           `json:"id"`
	Timestamp     time.Time        `json:"ts"`
	Symbol        string           `json:"symbol"`
	Timeframe     string           `json:"timeframe"`
	SignalType    StreamSignalType `json:"signalType"`
	Strength      float64          `json:"strength"`
	Delta         float64          `json:"delta"`
	IFI           float64          `json:"ifi"`
	Vortex        bool             `json:"vortex"`
	Regime        Regime           `json:"regime"`
	Decision      SignalDecision   `json:"decision"`
	Reason        string           `json:"reason,omitempty"`
	LinkedTradeID string           `json:"linkedTradeId,omitempty"`
	Meta          map[string]any   `json:"meta,omitempty"`
}

// TradeSide mirrors the order side taken to realize a TradeEvent.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// TradeAction classifies why a TradeEvent was recorded.
type TradeAction string

const (
	ActionOpen       TradeAction = "OPEN"
	ActionClose      TradeAction = "CLOSE"
	ActionStopLoss   TradeAction = "STOP_LOSS"
	ActionTakeProfit TradeAction = "TAKE_PROFIT"
)

// TradeEvent is one persisted line of trades.jsonl.
type TradeEvent struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"ts"`
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	Side       TradeSide       `json:"side"`
	Action     TradeAction     `json:"action"`
	Quantity   decimal.Decimal `json:"qty"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice,omitempty"`
	PnL        decimal.Decimal `json:"pnl"`
	Fees       decimal.Decimal `json:"fees"`
	Reason     string          `json:"reason,omitempty"`
	SignalID   string          `json:"signalId,omitempty"`
	Meta       map[string]any  `json:"meta,omitempty"`
}

// TradeDirection is the runtime direction of an OpenTrade.
type TradeDirection string

const (
	TradeDirectionLong  TradeDirection = "LONG"
	TradeDirectionShort TradeDirection = "SHORT"
)

// TradeStatus is the runtime lifecycle state of an OpenTrade.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "OPEN"
	TradeStatusClosed TradeStatus = "CLOSED"
)

// OpenTrade is the in-memory record of the single position a runner may hold.
type OpenTrade struct {
	Timestamp  time.Time        `json:"timestamp"`
	SignalType StreamSignalType `json:"signalType"`
	Confidence float64          `json:"confidence"`
	Direction  TradeDirection   `json:"direction"`
	EntryPrice decimal.Decimal  `json:"entryPrice"`
	Quantity   decimal.Decimal  `json:"quantity"`
	StopLoss   decimal.Decimal  `json:"stopLoss"`
	TakeProfit decimal.Decimal  `json:"takeProfit"`
	OrderID    string           `json:"orderId"`
	Status     TradeStatus      `json:"status"`
}

// TradingConfig parameterizes one ExecutionManager.
type TradingConfig struct {
	Symbol                    string          `json:"symbol"`
	Timeframe                 string          `json:"timeframe"`
	Leverage                  int             `json:"leverage"`
	MaxPositionValue          decimal.Decimal `json:"maxPositionValue"`
	RiskPerTrade              decimal.Decimal `json:"riskPerTrade"`
	StopLossPct               decimal.Decimal `json:"stopLossPct"`
	TakeProfitPct             decimal.Decimal `json:"takeProfitPct"`
	MinConfidence             float64         `json:"minConfidence"`
	MinReversalConfidence     float64         `json:"minReversalConfidence"`
	ReversalCooldownMinutes   float64         `json:"reversalCooldownMinutes"`
	ProtectProfitablePositions bool           `json:"protectProfitablePositions"`
	NeverReverseInProfit      bool            `json:"neverReverseInProfit"`
	MinLossBeforeReversalPct  decimal.Decimal `json:"minLossBeforeReversalPct"`
	TradingEnabled            bool            `json:"tradingEnabled"`
}

// DefaultTradingConfig mirrors the defaults the original live trading manager shipped with.
func DefaultTradingConfig(symbol, timeframe string) TradingConfig {
	return TradingConfig{
		Symbol:                     symbol,
		Timeframe:                  timeframe,
		Leverage:                   1,
		MaxPositionValue:           decimal.NewFromInt(1000),
		RiskPerTrade:               decimal.NewFromFloat(0.01),
		StopLossPct:                decimal.NewFromFloat(1.0),
		TakeProfitPct:              decimal.NewFromFloat(2.0),
		MinConfidence:              0.55,
		MinReversalConfidence:      0.70,
		ReversalCooldownMinutes:    25.0,
		ProtectProfitablePositions: true,
		NeverReverseInProfit:       false,
		MinLossBeforeReversalPct:   decimal.NewFromFloat(0.3),
		TradingEnabled:             true,
	}
}
