package eventlog

import (
	"testing"
	"time"

	"github.com/oie-systems/stream-engine/pkg/types"
	"go.uber.org/zap"
)

func TestSignalLoggerAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()

	sl, err := NewSignalLogger(logger, dir)
	if err != nil {
		t.Fatalf("NewSignalLogger: %v", err)
	}

	events := []types.SignalEvent{
		{ID: "1", Timestamp: time.Now(), Symbol: "BTCUSDT", Timeframe: "1m", SignalType: types.StreamSignalLong, Decision: types.DecisionExecuted},
		{ID: "2", Timestamp: time.Now(), Symbol: "ETHUSDT", Timeframe: "1m", SignalType: types.StreamSignalNeutral, Decision: types.DecisionIgnored},
		{ID: "3", Timestamp: time.Now(), Symbol: "BTCUSDT", Timeframe: "1m", SignalType: types.StreamSignalShort, Decision: types.DecisionBlocked},
	}
	for _, ev := range events {
		if err := sl.Log(ev); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	reloaded, err := NewSignalLogger(logger, dir)
	if err != nil {
		t.Fatalf("reload NewSignalLogger: %v", err)
	}
	all := reloaded.Signals("", 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 reloaded signals, got %d", len(all))
	}
	if all[0].ID != "3" {
		t.Errorf("expected newest-first order, got first ID %s", all[0].ID)
	}

	btc := reloaded.Signals("BTCUSDT", 0)
	if len(btc) != 2 {
		t.Fatalf("expected 2 BTCUSDT signals, got %d", len(btc))
	}

	last, ok := reloaded.LastSignal("ETHUSDT")
	if !ok || last.ID != "2" {
		t.Errorf("expected last ETHUSDT signal to be ID 2, got %+v ok=%v", last, ok)
	}
}

func TestSignalLoggerStats(t *testing.T) {
	dir := t.TempDir()
	sl, err := NewSignalLogger(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("NewSignalLogger: %v", err)
	}

	_ = sl.Log(types.SignalEvent{ID: "1", Symbol: "BTCUSDT", Decision: types.DecisionExecuted})
	_ = sl.Log(types.SignalEvent{ID: "2", Symbol: "BTCUSDT", Decision: types.DecisionIgnored})
	_ = sl.Log(types.SignalEvent{ID: "3", Symbol: "ETHUSDT", Decision: types.DecisionBlocked})

	stats := sl.GetStats()
	if stats.Total != 3 || stats.Executed != 1 || stats.Ignored != 1 || stats.Blocked != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.PerSymbol["BTCUSDT"].Total != 2 || stats.PerSymbol["BTCUSDT"].Executed != 1 {
		t.Errorf("unexpected per-symbol stats: %+v", stats.PerSymbol["BTCUSDT"])
	}
}

func TestSignalLoggerResetIsAtomicAndScoped(t *testing.T) {
	dir := t.TempDir()
	sl, err := NewSignalLogger(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("NewSignalLogger: %v", err)
	}

	_ = sl.Log(types.SignalEvent{ID: "1", Symbol: "BTCUSDT"})
	_ = sl.Log(types.SignalEvent{ID: "2", Symbol: "ETHUSDT"})

	if err := sl.Reset("BTCUSDT"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	remaining := sl.Signals("", 0)
	if len(remaining) != 1 || remaining[0].Symbol != "ETHUSDT" {
		t.Fatalf("expected only ETHUSDT to remain, got %+v", remaining)
	}

	reloaded, err := NewSignalLogger(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Signals("", 0)) != 1 {
		t.Fatalf("reset did not persist to disk")
	}

	if err := sl.Reset(""); err != nil {
		t.Fatalf("full Reset: %v", err)
	}
	if len(sl.Signals("", 0)) != 0 {
		t.Fatalf("expected empty index after full reset")
	}
}
