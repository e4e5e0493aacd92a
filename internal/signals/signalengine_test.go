package signals

import (
	"testing"
	"time"

	"github.com/oie-systems/stream-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func zapNop() *zap.Logger { return zap.NewNop() }

func strongBullishBars() []types.Bar {
	now := time.Now()
	bars := make([]types.Bar, 10)
	for i := range bars {
		bars[i] = types.Bar{
			Timestamp:  now.Add(time.Duration(i) * time.Minute),
			Close:      decimal.NewFromFloat(100),
			Volume:     decimal.NewFromFloat(100),
			BuyVolume:  decimal.NewFromFloat(90),
			SellVolume: decimal.NewFromFloat(10),
			HasDelta:   true,
		}
	}
	return bars
}

func predSnap(ifi, up, down float64) types.PredictiveSnapshot {
	return types.PredictiveSnapshot{
		Timestamp:          time.Now(),
		IFI:                ifi,
		BreakoutProbUp:     up,
		BreakoutProbDown:   down,
		EnergyCollapseRisk: 0.1,
	}
}

func TestComputeFirstCallIsNeverDirectionalSinceIFIHasNoBaseline(t *testing.T) {
	e := NewEngine(zapNop(), DefaultConfig())
	state := NewState()
	sig := e.Compute("BTCUSDT", predSnap(50, 0.9, 0.1), state)
	if sig.Type != types.StreamSignalNeutral {
		t.Fatalf("expected neutral on first call (no IFI baseline), got %s", sig.Type)
	}
}

func TestComputeLongRequiresRisingIFIAndThreshold(t *testing.T) {
	e := NewEngine(zapNop(), DefaultConfig())
	state := NewState()
	e.Compute("BTCUSDT", predSnap(10, 0.9, 0.1), state) // establishes baseline

	sig := e.Compute("BTCUSDT", predSnap(20, 0.9, 0.1), state)
	if sig.Type != types.StreamSignalLong {
		t.Fatalf("expected LONG with rising IFI and breakout prob above threshold, got %s", sig.Type)
	}
}

func TestComputeBlocksContratrendShort(t *testing.T) {
	e := NewEngine(zapNop(), DefaultConfig())
	state := NewState()
	e.UpdateBars(state, strongBullishBars())
	e.Compute("BTCUSDT", predSnap(10, 0.1, 0.9), state)

	sig := e.Compute("BTCUSDT", predSnap(20, 0.1, 0.9), state)
	if sig.Type == types.StreamSignalShort {
		t.Fatalf("expected contra-trend short to be blocked against bullish delta trend, got SHORT")
	}
}

func TestComputeLongWinsTieWithShort(t *testing.T) {
	e := NewEngine(zapNop(), DefaultConfig())
	state := NewState()
	// Both long and short thresholds clear with no delta trend to disambiguate;
	// the engine must pick LONG since it is evaluated first.
	e.Compute("BTCUSDT", predSnap(10, 0.9, 0.9), state)
	sig := e.Compute("BTCUSDT", predSnap(20, 0.9, 0.9), state)
	if sig.Type != types.StreamSignalLong {
		t.Fatalf("expected LONG to win the tie against SHORT, got %s", sig.Type)
	}
}

func TestComputeConfidenceBoostedByAlignedDeltaTrend(t *testing.T) {
	e := NewEngine(zapNop(), DefaultConfig())
	state := NewState()
	e.UpdateBars(state, strongBullishBars())
	e.Compute("BTCUSDT", predSnap(10, 0.9, 0.1), state)
	sig := e.Compute("BTCUSDT", predSnap(20, 0.9, 0.1), state)

	if sig.Type != types.StreamSignalLong {
		t.Fatalf("expected LONG, got %s", sig.Type)
	}
	base := 0.5 + (0.9 - thresholdLong)
	if sig.Confidence <= base {
		t.Errorf("expected bullish-aligned delta trend to boost confidence above base %f, got %f", base, sig.Confidence)
	}
}
