package workers

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testConfig(name string) *PoolConfig {
	cfg := DefaultPoolConfig(name)
	cfg.NumWorkers = 2
	cfg.QueueSize = 8
	cfg.TaskTimeout = time.Second
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestSubmitFuncExecutesTask(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig("submit"))
	p.Start()
	defer func() { _ = p.Stop() }()

	done := make(chan struct{})
	if err := p.SubmitFunc(func() error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("SubmitFunc: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}

	// Give the worker a moment to record completion before checking stats.
	time.Sleep(50 * time.Millisecond)
	if got := p.Stats().TasksCompleted; got < 1 {
		t.Errorf("expected at least one completed task, got %d", got)
	}
}

func TestSubmitBeforeStartReturnsErrPoolStopped(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig("not-started"))
	if err := p.SubmitFunc(func() error { return nil }); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
}

func TestSubmitAfterStopReturnsErrPoolStopped(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig("stopped"))
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.SubmitFunc(func() error { return nil }); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped after Stop, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig("idempotent"))
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}
}

func TestExecuteTaskRecoversFromPanic(t *testing.T) {
	cfg := testConfig("panic")
	cfg.PanicRecovery = true
	p := NewPool(zap.NewNop(), cfg)
	p.Start()
	defer func() { _ = p.Stop() }()

	if err := p.SubmitFunc(func() error {
		panic("boom")
	}); err != nil {
		t.Fatalf("SubmitFunc: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := p.Stats().PanicRecovered; got < 1 {
		t.Errorf("expected panic to be recorded as recovered, got %d", got)
	}
}

func TestIsRunningReflectsLifecycle(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig("lifecycle"))
	if p.IsRunning() {
		t.Fatal("expected pool not running before Start")
	}
	p.Start()
	if !p.IsRunning() {
		t.Fatal("expected pool running after Start")
	}
	_ = p.Stop()
	if p.IsRunning() {
		t.Fatal("expected pool not running after Stop")
	}
}
