package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oie-systems/stream-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TradeLogger persists TradeEvent records to trades.jsonl and keeps the
// full history in memory (trade volume is orders of magnitude lower than
// signal volume, so no truncation is applied).
type TradeLogger struct {
	mu      sync.Mutex
	logger  *zap.Logger
	path    string
	records []types.TradeEvent
}

// NewTradeLogger opens (or creates) trades.jsonl under dataDir.
func NewTradeLogger(logger *zap.Logger, dataDir string) (*TradeLogger, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	tl := &TradeLogger{
		logger: logger.Named("trade_logger"),
		path:   filepath.Join(dataDir, "trades.jsonl"),
	}
	tl.loadFromDisk()
	return tl, nil
}

func (tl *TradeLogger) loadFromDisk() {
	f, err := os.Open(tl.path)
	if err != nil {
		if !os.IsNotExist(err) {
			tl.logger.Warn("failed to open trades.jsonl", zap.Error(err))
		}
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev types.TradeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			tl.logger.Warn("skipping invalid trade line", zap.Error(err))
			continue
		}
		tl.records = append(tl.records, ev)
	}
}

// Log appends a TradeEvent to memory and disk.
func (tl *TradeLogger) Log(ev types.TradeEvent) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.records = append(tl.records, ev)

	f, err := os.OpenFile(tl.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		tl.logger.Error("failed to open trades.jsonl for append", zap.Error(err))
		return fmt.Errorf("open trades.jsonl: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trade event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		tl.logger.Error("failed to append trade event", zap.Error(err))
		return fmt.Errorf("append trade event: %w", err)
	}
	return nil
}

// Trades returns events for symbol (empty = all), newest first.
func (tl *TradeLogger) Trades(symbol string, limit int) []types.TradeEvent {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	var out []types.TradeEvent
	for i := len(tl.records) - 1; i >= 0; i-- {
		ev := tl.records[i]
		if symbol != "" && ev.Symbol != symbol {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// TradeStats summarizes realized performance for one symbol.
type TradeStats struct {
	TotalTrades int             `json:"totalTrades"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	TotalPnL    decimal.Decimal `json:"totalPnl"`
}

// GetStats computes rollup statistics for symbol (empty = all).
func (tl *TradeLogger) GetStats(symbol string) TradeStats {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	stats := TradeStats{TotalPnL: decimal.Zero}
	for _, ev := range tl.records {
		if symbol != "" && ev.Symbol != symbol {
			continue
		}
		if ev.Action == types.ActionOpen {
			continue
		}
		stats.TotalTrades++
		stats.TotalPnL = stats.TotalPnL.Add(ev.PnL)
		if ev.PnL.GreaterThan(decimal.Zero) {
			stats.Wins++
		} else if ev.PnL.LessThan(decimal.Zero) {
			stats.Losses++
		}
	}
	return stats
}

// Reset atomically rewrites trades.jsonl, optionally restricted to symbol.
func (tl *TradeLogger) Reset(symbol string) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	var kept []types.TradeEvent
	if symbol != "" {
		for _, ev := range tl.records {
			if ev.Symbol != symbol {
				kept = append(kept, ev)
			}
		}
	}
	tl.records = kept

	tmp, err := os.CreateTemp(filepath.Dir(tl.path), "trades-*.jsonl.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, ev := range kept {
		data, err := json.Marshal(ev)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("marshal trade event: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("write trade event: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return os.Rename(tmpName, tl.path)
}
