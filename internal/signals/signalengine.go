// Package signals fuses predictive and delta-trend features into a directional signal.
package signals

import (
	"fmt"

	"github.com/oie-systems/stream-engine/pkg/types"
	"go.uber.org/zap"
)

const (
	thresholdLong  = 0.60
	thresholdShort = 0.65
)

// Config tunes one Engine.
type Config struct {
	DeltaLookback    int
	DeltaThreshold   float64
	MinDeltaStrength float64
	BlockContratrend bool
}

// DefaultConfig mirrors the original engine's defaults.
func DefaultConfig() Config {
	return Config{
		DeltaLookback:    10,
		DeltaThreshold:   0.6,
		MinDeltaStrength: 0.30,
		BlockContratrend: true,
	}
}

// DeltaTrend is the classification of recent order-flow delta.
type DeltaTrend string

const (
	DeltaBullish DeltaTrend = "BULLISH"
	DeltaBearish DeltaTrend = "BEARISH"
	DeltaNeutral DeltaTrend = "NEUTRAL"
)

// State is the per-(symbol,timeframe) memory a caller threads explicitly
// across Compute calls — there is no package-level or engine-level map.
type State struct {
	LastIFI    *float64
	barHistory []types.Bar
}

// NewState builds empty per-stream state.
func NewState() *State {
	return &State{}
}

// Engine computes StreamSignal values given a snapshot pair and mutable state.
type Engine struct {
	logger *zap.Logger
	config Config
}

// NewEngine builds a signal fusion Engine.
func NewEngine(logger *zap.Logger, config Config) *Engine {
	return &Engine{logger: logger.Named("signals"), config: config}
}

// UpdateBars replaces the delta-trend lookback ring with the given bars.
func (e *Engine) UpdateBars(state *State, bars []types.Bar) {
	n := len(bars)
	lookback := e.config.DeltaLookback
	if n > lookback {
		bars = bars[n-lookback:]
	}
	state.barHistory = append([]types.Bar(nil), bars...)
}

func (e *Engine) deltaTrend(state *State) (DeltaTrend, float64) {
	if len(state.barHistory) < 3 {
		return DeltaNeutral, 0
	}

	cumDelta := 0.0
	totalVolume := 0.0
	for _, bar := range state.barHistory {
		delta, _ := bar.Delta().Float64()
		vol, _ := bar.Volume.Float64()
		cumDelta += delta
		totalVolume += vol
	}

	if totalVolume == 0 {
		return DeltaNeutral, 0
	}

	ratio := abs(cumDelta) / totalVolume
	strength := ratio / e.config.DeltaThreshold
	if strength > 1.0 {
		strength = 1.0
	}

	if cumDelta > 0 && ratio > 0.1 {
		return DeltaBullish, strength
	}
	if cumDelta < 0 && ratio > 0.1 {
		return DeltaBearish, strength
	}
	return DeltaNeutral, strength
}

// Compute fuses the predictive snapshot and delta-trend state into a
// StreamSignal, updating state.LastIFI as a side effect.
func (e *Engine) Compute(symbol string, pred types.PredictiveSnapshot, state *State) types.StreamSignal {
	ifiRising := state.LastIFI != nil && pred.IFI > *state.LastIFI
	ifi := pred.IFI
	state.LastIFI = &ifi

	trend, strength := e.deltaTrend(state)

	contraLong := e.config.BlockContratrend && trend == DeltaBearish && strength >= 0.5
	contraShort := e.config.BlockContratrend && trend == DeltaBullish && strength >= 0.5

	longOK := !contraLong && pred.BreakoutProbUp >= thresholdLong && ifiRising &&
		(trend == DeltaNeutral || strength >= e.config.MinDeltaStrength)
	shortOK := !contraShort && pred.BreakoutProbDown >= thresholdShort && ifiRising &&
		(trend == DeltaNeutral || strength >= e.config.MinDeltaStrength)

	if longOK {
		base := 0.5 + (pred.BreakoutProbUp - thresholdLong)
		var confidence float64
		switch trend {
		case DeltaBullish:
			confidence = min1(base + 0.25*strength)
		case DeltaBearish:
			confidence = max0(base - 0.5*strength)
		default:
			confidence = base
		}
		return types.StreamSignal{
			Symbol:              symbol,
			Timestamp:           pred.Timestamp,
			Type:                types.StreamSignalLong,
			Confidence:          confidence,
			BreakoutProbability: pred.BreakoutProbUp,
			IFI:                 pred.IFI,
			CollapseRisk:        pred.EnergyCollapseRisk,
			Description:         fmt.Sprintf("predictive_breakout_long delta=%s", trend),
		}
	}

	if shortOK {
		base := 0.5 + (pred.BreakoutProbDown - thresholdShort)
		var confidence float64
		switch trend {
		case DeltaBearish:
			confidence = min1(base + 0.25*strength)
		case DeltaBullish:
			confidence = max0(base - 0.5*strength)
		default:
			confidence = base
		}
		return types.StreamSignal{
			Symbol:              symbol,
			Timestamp:           pred.Timestamp,
			Type:                types.StreamSignalShort,
			Confidence:          confidence,
			BreakoutProbability: pred.BreakoutProbDown,
			IFI:                 pred.IFI,
			CollapseRisk:        pred.EnergyCollapseRisk,
			Description:         fmt.Sprintf("predictive_breakout_short delta=%s", trend),
		}
	}

	maxProb := pred.BreakoutProbUp
	if pred.BreakoutProbDown > maxProb {
		maxProb = pred.BreakoutProbDown
	}
	confidence := 1 - maxProb
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return types.StreamSignal{
		Symbol:              symbol,
		Timestamp:           pred.Timestamp,
		Type:                types.StreamSignalNeutral,
		Confidence:          confidence,
		BreakoutProbability: maxProb,
		IFI:                 pred.IFI,
		CollapseRisk:        pred.EnergyCollapseRisk,
		Description:         "flow_neutral_watch",
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
