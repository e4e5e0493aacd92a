// Package topology computes rotation/energy/vortex features over a bar window.
package topology

import (
	"math"
	"sort"

	"github.com/oie-systems/stream-engine/pkg/types"
	"go.uber.org/zap"
)

const (
	vortexCompositeThreshold = 0.08
	energyPercentile         = 0.70
)

// Config tunes the window an Engine considers; the math itself carries no
// tunable thresholds beyond the constants above.
type Config struct {
	WindowSize int
}

// DefaultConfig matches the original window of 100 bars.
func DefaultConfig() Config {
	return Config{WindowSize: 100}
}

// Engine computes TopologySnapshot values. It is stateless across calls;
// callers pass the full bar window each time.
type Engine struct {
	logger *zap.Logger
	config Config
}

// NewEngine builds a topology Engine.
func NewEngine(logger *zap.Logger, config Config) *Engine {
	return &Engine{logger: logger.Named("topology"), config: config}
}

type vec2 struct{ x, y float64 }

func (v vec2) norm() float64 {
	return math.Sqrt(v.x*v.x + v.y*v.y)
}

// Compute derives a TopologySnapshot from the trailing bars in window.
// Bars beyond the engine's configured window size are ignored (the caller
// is expected to pass at most WindowSize bars, but Compute tolerates more).
func (e *Engine) Compute(symbol string, window []types.Bar) types.TopologySnapshot {
	bars := window
	if e.config.WindowSize > 0 && len(bars) > e.config.WindowSize {
		bars = bars[len(bars)-e.config.WindowSize:]
	}

	n := len(bars)
	if n < 3 {
		return types.TopologySnapshot{Symbol: symbol}
	}

	rets := make([]float64, n)
	flows := make([]float64, n)
	for i, bar := range bars {
		if i == 0 {
			rets[i] = 0
		} else {
			prevClose, _ := bars[i-1].Close.Float64()
			close_, _ := bar.Close.Float64()
			if prevClose == 0 {
				rets[i] = 0
			} else {
				rets[i] = (close_ - prevClose) / math.Abs(prevClose)
			}
		}
		vol, _ := bar.Volume.Float64()
		if bar.HasDelta && vol > 0 {
			delta, _ := bar.Delta().Float64()
			flows[i] = delta / vol
		} else {
			flows[i] = 0
		}
	}

	var rotations []float64
	var energies []float64
	type vortexCandidate struct {
		index     int
		energy    float64
		composite float64
		rot       float64
	}
	var candidates []vortexCandidate

	for k := 1; k < n-1; k++ {
		vPrev := vec2{rets[k-1], flows[k-1]}
		vNext := vec2{rets[k+1], flows[k+1]}
		cross := vPrev.x*vNext.y - vPrev.y*vNext.x
		denom := vPrev.norm() * vNext.norm()

		var rot float64
		if denom < 1e-9 {
			rot = 0
		} else {
			rot = cross / denom
		}
		rotations = append(rotations, rot)

		vol, _ := bars[k].Volume.Float64()
		energy := math.Abs(rets[k]) * vol
		energies = append(energies, energy)

		// Incremental median over the energies accumulated so far,
		// recomputed on every step — not a whole-window median.
		sorted := append([]float64(nil), energies...)
		sort.Float64s(sorted)
		medianEnergy := 1.0
		if len(sorted) > 0 {
			medianEnergy = sorted[len(sorted)/2]
		}

		var normalizedEnergy float64
		if medianEnergy > 0 {
			normalizedEnergy = math.Sqrt(energy / medianEnergy)
		}

		composite := math.Abs(rot) * normalizedEnergy
		candidates = append(candidates, vortexCandidate{index: k, energy: energy, composite: composite, rot: rot})
	}

	coherence := 0.0
	if len(rotations) > 0 {
		sum := 0.0
		for _, r := range rotations {
			sum += math.Abs(r)
		}
		coherence = sum / float64(len(rotations))
	}

	sortedEnergies := append([]float64(nil), energies...)
	sort.Float64s(sortedEnergies)
	energyThreshold := 0.0
	if len(sortedEnergies) > 0 {
		idx := int(energyPercentile * float64(len(sortedEnergies)))
		if idx < 0 {
			idx = 0
		}
		if idx > len(sortedEnergies)-1 {
			idx = len(sortedEnergies) - 1
		}
		energyThreshold = sortedEnergies[idx]
	}

	var vortexes []types.VortexMarker
	for _, c := range candidates {
		if c.composite >= vortexCompositeThreshold && c.energy >= energyThreshold {
			direction := types.DirectionCounterclockwise
			if c.rot < 0 {
				direction = types.DirectionClockwise
			}
			vortexes = append(vortexes, types.VortexMarker{
				Index:     c.index,
				Timestamp: bars[c.index].Timestamp,
				Price:     bars[c.index].Close,
				Strength:  math.Abs(c.rot),
				Direction: direction,
			})
		}
	}

	snapshotEnergy := 0.0
	if len(energies) > 0 {
		snapshotEnergy = energies[len(energies)-1]
	}

	return types.TopologySnapshot{
		Symbol:    symbol,
		Timestamp: bars[n-1].Timestamp,
		Coherence: coherence,
		Energy:    snapshotEnergy,
		Vortexes:  vortexes,
	}
}
