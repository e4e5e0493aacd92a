// Package eventlog provides append-only JSONL persistence for signal and trade events.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oie-systems/stream-engine/pkg/types"
	"go.uber.org/zap"
)

const (
	signalMemoryHighWater = 5000
	signalMemoryKeep      = 3000
	signalLoadLimit       = 1000
)

// SignalLogger persists SignalEvent records to signals.jsonl and keeps a
// bounded in-memory index for fast queries.
type SignalLogger struct {
	mu      sync.Mutex
	logger  *zap.Logger
	path    string
	records []types.SignalEvent
}

// NewSignalLogger opens (or creates) signals.jsonl under dataDir and loads
// the most recent records into memory.
func NewSignalLogger(logger *zap.Logger, dataDir string) (*SignalLogger, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	sl := &SignalLogger{
		logger: logger.Named("signal_logger"),
		path:   filepath.Join(dataDir, "signals.jsonl"),
	}
	sl.loadFromDisk(signalLoadLimit)
	return sl, nil
}

func (sl *SignalLogger) loadFromDisk(limit int) {
	f, err := os.Open(sl.path)
	if err != nil {
		if !os.IsNotExist(err) {
			sl.logger.Warn("failed to open signals.jsonl", zap.Error(err))
		}
		return
	}
	defer f.Close()

	var records []types.SignalEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev types.SignalEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			sl.logger.Warn("skipping invalid signal line", zap.Error(err))
			continue
		}
		records = append(records, ev)
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	sl.records = records
}

// Log appends a SignalEvent to memory and disk.
func (sl *SignalLogger) Log(ev types.SignalEvent) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	sl.records = append(sl.records, ev)
	if len(sl.records) > signalMemoryHighWater {
		sl.records = sl.records[len(sl.records)-signalMemoryKeep:]
	}

	f, err := os.OpenFile(sl.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		sl.logger.Error("failed to open signals.jsonl for append", zap.Error(err))
		return fmt.Errorf("open signals.jsonl: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal signal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		sl.logger.Error("failed to append signal event", zap.Error(err))
		return fmt.Errorf("append signal event: %w", err)
	}
	return nil
}

// Signals returns events matching symbol (empty = all), newest first,
// capped at limit (0 = unbounded).
func (sl *SignalLogger) Signals(symbol string, limit int) []types.SignalEvent {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	var out []types.SignalEvent
	for i := len(sl.records) - 1; i >= 0; i-- {
		ev := sl.records[i]
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

// LastSignal returns the most recent event for symbol, if any.
func (sl *SignalLogger) LastSignal(symbol string) (types.SignalEvent, bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	for i := len(sl.records) - 1; i >= 0; i-- {
		if sl.records[i].Symbol == symbol {
			return sl.records[i], true
		}
	}
	return types.SignalEvent{}, false
}

// Stats summarizes the in-memory signal index.
type Stats struct {
	Total         int                    `json:"total"`
	Executed      int                    `json:"executed"`
	Ignored       int                    `json:"ignored"`
	Blocked       int                    `json:"blocked"`
	PerSymbol     map[string]SymbolStats `json:"perSymbol"`
}

// SymbolStats is the per-symbol rollup within Stats.
type SymbolStats struct {
	Total    int `json:"total"`
	Executed int `json:"executed"`
}

// GetStats computes rollup statistics over the in-memory index.
func (sl *SignalLogger) GetStats() Stats {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	stats := Stats{PerSymbol: make(map[string]SymbolStats)}
	for _, ev := range sl.records {
		stats.Total++
		switch ev.Decision {
		case types.DecisionExecuted:
			stats.Executed++
		case types.DecisionIgnored:
			stats.Ignored++
		case types.DecisionBlocked:
			stats.Blocked++
		}
		s := stats.PerSymbol[ev.Symbol]
		s.Total++
		if ev.Decision == types.DecisionExecuted {
			s.Executed++
		}
		stats.PerSymbol[ev.Symbol] = s
	}
	return stats
}

// Reset drops in-memory and on-disk records, optionally restricted to one
// symbol, and atomically rewrites the file — unlike the original, which
// rewrote signals.jsonl in place, this writes to a temp file and renames it
// so a crash mid-reset cannot leave a truncated file.
func (sl *SignalLogger) Reset(symbol string) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	var kept []types.SignalEvent
	if symbol != "" {
		for _, ev := range sl.records {
			if ev.Symbol != symbol {
				kept = append(kept, ev)
			}
		}
	}
	sl.records = kept

	tmp, err := os.CreateTemp(filepath.Dir(sl.path), "signals-*.jsonl.tmp")
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
			return fmt.Errorf("marshal signal event: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("write signal event: %w", err)
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
	if err := os.Rename(tmpName, sl.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
