// Package predictive runs Monte Carlo horizon simulations over a bar window.
package predictive

import (
	"math"
	"math/rand"
	"sync"

	"github.com/oie-systems/stream-engine/internal/workers"
	"github.com/oie-systems/stream-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config tunes one PredictiveEngine.
type Config struct {
	WindowSize       int
	HorizonBars      int
	NumScenarios     int
	BreakoutATRMult  float64
	CollapseATRMult  float64
}

// DefaultConfig mirrors the original engine's defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:      200,
		HorizonBars:     20,
		NumScenarios:    20,
		BreakoutATRMult: 1.0,
		CollapseATRMult: 0.5,
	}
}

// Engine simulates forward price paths to estimate breakout/collapse
// probabilities and an instability-flow index (IFI).
type Engine struct {
	logger *zap.Logger
	config Config
	pool   *workers.Pool
}

// NewEngine builds a predictive Engine. The worker pool, if non-nil, is used
// to parallelize per-scenario simulation; a nil pool runs scenarios inline
// (useful in tests).
func NewEngine(logger *zap.Logger, config Config, pool *workers.Pool) *Engine {
	return &Engine{logger: logger.Named("predictive"), config: config, pool: pool}
}

// Simulate derives a PredictiveSnapshot from the trailing bars in window.
// seed makes scenario generation reproducible; worker assignment under the
// pool never changes the aggregate statistics for a fixed seed and
// scenario count.
func (e *Engine) Simulate(symbol string, window []types.Bar, seed int64) types.PredictiveSnapshot {
	bars := window
	if e.config.WindowSize > 0 && len(bars) > e.config.WindowSize {
		bars = bars[len(bars)-e.config.WindowSize:]
	}

	n := len(bars)
	lastClose := 0.0
	if n > 0 {
		lastClose, _ = bars[n-1].Close.Float64()
	}
	flatSnapshot := func() types.PredictiveSnapshot {
		coneUpper := make([]decimal.Decimal, e.config.HorizonBars)
		coneLower := make([]decimal.Decimal, e.config.HorizonBars)
		price := decimal.NewFromFloat(lastClose)
		for h := 0; h < e.config.HorizonBars; h++ {
			coneUpper[h] = price
			coneLower[h] = price
		}
		return types.PredictiveSnapshot{
			Symbol:       symbol,
			HorizonBars:  e.config.HorizonBars,
			NumScenarios: e.config.NumScenarios,
			ConeUpper:    coneUpper,
			ConeLower:    coneLower,
		}
	}

	if n < 2 {
		return flatSnapshot()
	}

	closes := make([]float64, n)
	for i, bar := range bars {
		closes[i], _ = bar.Close.Float64()
	}

	returns := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	if len(returns) < 2 {
		return flatSnapshot()
	}

	sigma := stdev(returns)

	atrWindow := bars
	if n > 20 {
		atrWindow = bars[n-20:]
	}
	atr := 0.0
	for _, bar := range atrWindow {
		high, _ := bar.High.Float64()
		low, _ := bar.Low.Float64()
		atr += high - low
	}
	atr /= float64(len(atrWindow))
	if atr < 1e-6 {
		atr = 1e-6
	}

	recentHigh := math.Inf(-1)
	recentLow := math.Inf(1)
	for _, bar := range atrWindow {
		high, _ := bar.High.Float64()
		low, _ := bar.Low.Float64()
		recentHigh = math.Max(recentHigh, high)
		recentLow = math.Min(recentLow, low)
	}
	breakoutUp := recentHigh + e.config.BreakoutATRMult*atr
	breakoutDown := recentLow - e.config.BreakoutATRMult*atr

	H := e.config.HorizonBars
	S := e.config.NumScenarios
	paths := make([][]float64, S)

	runScenario := func(scenarioIdx int) {
		rng := rand.New(rand.NewSource(seed + int64(scenarioIdx)))
		path := make([]float64, H)
		price := lastClose
		for h := 0; h < H; h++ {
			shock := 1 + sigma*rng.NormFloat64()
			price *= shock
			path[h] = price
		}
		paths[scenarioIdx] = path
	}

	if e.pool != nil {
		var wg sync.WaitGroup
		for s := 0; s < S; s++ {
			wg.Add(1)
			idx := s
			if err := e.pool.SubmitFunc(func() error {
				defer wg.Done()
				runScenario(idx)
				return nil
			}); err != nil {
				wg.Done()
				runScenario(idx)
			}
		}
		wg.Wait()
	} else {
		for s := 0; s < S; s++ {
			runScenario(s)
		}
	}

	coneUpper := make([]decimal.Decimal, H)
	coneLower := make([]decimal.Decimal, H)
	var hitUp, hitDown, collapsed int
	crossedUp := make([]bool, S)
	crossedDown := make([]bool, S)

	for h := 0; h < H; h++ {
		values := make([]float64, S)
		for s := 0; s < S; s++ {
			values[s] = paths[s][h]
			if values[s] >= breakoutUp {
				crossedUp[s] = true
			}
			if values[s] <= breakoutDown {
				crossedDown[s] = true
			}
		}
		mean := meanOf(values)
		std := stdev(values)
		coneUpper[h] = decimal.NewFromFloat(mean + std)
		coneLower[h] = decimal.NewFromFloat(mean - std)
	}

	stdPerHorizon := make([]float64, H)
	for h := 0; h < H; h++ {
		values := make([]float64, S)
		for s := 0; s < S; s++ {
			values[s] = paths[s][h]
		}
		stdPerHorizon[h] = stdev(values)
	}

	for s := 0; s < S; s++ {
		if crossedUp[s] {
			hitUp++
		}
		if crossedDown[s] {
			hitDown++
		}
		final := paths[s][H-1]
		if math.Abs(final-lastClose) <= e.config.CollapseATRMult*atr {
			collapsed++
		}
	}

	ifi := 0.0
	if lastClose != 0 {
		ifi = clamp(meanOf(stdPerHorizon)/math.Abs(lastClose)*10000, 0, 100)
	}

	return types.PredictiveSnapshot{
		Symbol:             symbol,
		Timestamp:          bars[n-1].Timestamp,
		HorizonBars:        H,
		NumScenarios:        S,
		IFI:                ifi,
		BreakoutProbUp:     float64(hitUp) / float64(S),
		BreakoutProbDown:   float64(hitDown) / float64(S),
		EnergyCollapseRisk: float64(collapsed) / float64(S),
		ConeUpper:          coneUpper,
		ConeLower:          coneLower,
	}
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := meanOf(values)
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
