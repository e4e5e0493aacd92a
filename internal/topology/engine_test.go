package topology

import (
	"testing"
	"time"

	"github.com/oie-systems/stream-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func bar(t time.Time, close float64, volume float64) types.Bar {
	return types.Bar{
		Timestamp: t,
		Open:      decimal.NewFromFloat(close),
		High:      decimal.NewFromFloat(close),
		Low:       decimal.NewFromFloat(close),
		Close:     decimal.NewFromFloat(close),
		Volume:    decimal.NewFromFloat(volume),
	}
}

func TestComputeTooFewBarsReturnsEmptySnapshot(t *testing.T) {
	e := NewEngine(zap.NewNop(), DefaultConfig())
	now := time.Now()
	snap := e.Compute("BTCUSDT", []types.Bar{bar(now, 100, 1), bar(now, 101, 1)})
	if snap.Symbol != "BTCUSDT" {
		t.Errorf("expected symbol preserved, got %s", snap.Symbol)
	}
	if len(snap.Vortexes) != 0 || snap.Coherence != 0 || snap.Energy != 0 {
		t.Errorf("expected zero-value snapshot for <3 bars, got %+v", snap)
	}
}

func TestComputeTruncatesToWindowSize(t *testing.T) {
	e := NewEngine(zap.NewNop(), Config{WindowSize: 5})
	now := time.Now()
	var bars []types.Bar
	for i := 0; i < 20; i++ {
		bars = append(bars, bar(now.Add(time.Duration(i)*time.Minute), 100+float64(i), 1))
	}
	snap := e.Compute("BTCUSDT", bars)
	// The snapshot's timestamp must be the last bar's, regardless of truncation.
	if !snap.Timestamp.Equal(bars[len(bars)-1].Timestamp) {
		t.Errorf("expected snapshot timestamp to match last bar")
	}
}

func TestComputeFlatPriceSeriesHasNoVortexes(t *testing.T) {
	e := NewEngine(zap.NewNop(), DefaultConfig())
	now := time.Now()
	var bars []types.Bar
	for i := 0; i < 10; i++ {
		bars = append(bars, bar(now.Add(time.Duration(i)*time.Minute), 100, 1))
	}
	snap := e.Compute("BTCUSDT", bars)
	if len(snap.Vortexes) != 0 {
		t.Errorf("expected no vortexes for a perfectly flat series, got %d", len(snap.Vortexes))
	}
	if snap.Coherence != 0 {
		t.Errorf("expected zero coherence for zero rotation, got %f", snap.Coherence)
	}
}

func TestComputeDetectsVortexOnSharpReversal(t *testing.T) {
	e := NewEngine(zap.NewNop(), DefaultConfig())
	now := time.Now()
	prices := []float64{100, 101, 102, 90, 103, 104, 105, 106}
	var bars []types.Bar
	for i, p := range prices {
		b := bar(now.Add(time.Duration(i)*time.Minute), p, 1000)
		// A steady buy-side imbalance (flow 0.2): without delta every flow
		// is 0 and the (return, flow) vectors can never rotate.
		b.BuyVolume = decimal.NewFromFloat(600)
		b.SellVolume = decimal.NewFromFloat(400)
		b.HasDelta = true
		bars = append(bars, b)
	}
	snap := e.Compute("BTCUSDT", bars)
	if len(snap.Vortexes) == 0 {
		t.Errorf("expected at least one vortex around the sharp reversal, got none")
	}
}
