// Package orchestrator manages the set of active StreamRunners, one per
// (symbol, timeframe) pair.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/oie-systems/stream-engine/internal/events"
	"github.com/oie-systems/stream-engine/internal/runner"
	"go.uber.org/zap"
)

// key identifies a single runner slot.
type key struct {
	symbol    string
	timeframe string
}

// Orchestrator is a keyed registry of running StreamRunners. It fans every
// active runner's broadcast frames into a shared EventBus so a cross-runner
// subscriber only has to register once, rather than per runner.
type Orchestrator struct {
	logger   *zap.Logger
	eventBus *events.EventBus

	mu      sync.RWMutex
	runners map[key]*runner.Runner
	cancels map[key]context.CancelFunc
}

// New builds an empty Orchestrator.
func New(logger *zap.Logger, eventBus *events.EventBus) *Orchestrator {
	return &Orchestrator{
		logger:   logger.Named("orchestrator"),
		eventBus: eventBus,
		runners:  make(map[key]*runner.Runner),
		cancels:  make(map[key]context.CancelFunc),
	}
}

// GetOrCreate returns the runner for (symbol, timeframe), building it via
// factory if it doesn't exist yet.
func (o *Orchestrator) GetOrCreate(symbol, timeframe string, factory func() *runner.Runner) *runner.Runner {
	k := key{symbol, timeframe}

	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runners[k]; ok {
		return r
	}
	r := factory()
	o.runners[k] = r
	return r
}

// Start starts the runner for (symbol, timeframe), creating it first if
// needed, and begins forwarding its broadcast frames onto the shared
// EventBus for cross-runner subscribers.
func (o *Orchestrator) Start(ctx context.Context, symbol, timeframe string, factory func() *runner.Runner) error {
	r := o.GetOrCreate(symbol, timeframe, factory)
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("start runner %s/%s: %w", symbol, timeframe, err)
	}

	forwardCtx, cancel := context.WithCancel(ctx)
	k := key{symbol, timeframe}
	o.mu.Lock()
	o.cancels[k] = cancel
	o.mu.Unlock()
	go o.forwardFrames(forwardCtx, symbol, timeframe, r)

	o.logger.Info("runner started", zap.String("symbol", symbol), zap.String("timeframe", timeframe))
	return nil
}

// forwardFrames republishes one runner's broadcast frames onto the shared
// EventBus until ctx is cancelled, tagging each with its (symbol, timeframe).
func (o *Orchestrator) forwardFrames(ctx context.Context, symbol, timeframe string, r *runner.Runner) {
	if o.eventBus == nil {
		return
	}
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			o.eventBus.Publish(events.NewRunnerUpdateEvent(symbol, timeframe, frame))
		}
	}
}

// SubscribeAll registers handler to receive every runner's forwarded frames
// across the whole registry, without the caller tracking individual runners.
func (o *Orchestrator) SubscribeAll(handler events.EventHandler) *events.Subscription {
	return o.eventBus.SubscribeAll(handler)
}

// Unsubscribe removes a subscription registered via SubscribeAll.
func (o *Orchestrator) Unsubscribe(sub *events.Subscription) {
	o.eventBus.Unsubscribe(sub)
}

// Stop stops and removes the runner for (symbol, timeframe), along with its
// frame-forwarding goroutine.
func (o *Orchestrator) Stop(symbol, timeframe string) {
	k := key{symbol, timeframe}
	o.mu.Lock()
	r, ok := o.runners[k]
	if ok {
		delete(o.runners, k)
	}
	if cancel, ok := o.cancels[k]; ok {
		cancel()
		delete(o.cancels, k)
	}
	o.mu.Unlock()

	if ok {
		r.Stop()
		o.logger.Info("runner stopped", zap.String("symbol", symbol), zap.String("timeframe", timeframe))
	}
}

// StopAll stops every active runner in parallel, cancels their frame
// forwarders, and clears the registry.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	runners := make(map[key]*runner.Runner, len(o.runners))
	for k, r := range o.runners {
		runners[k] = r
	}
	for _, cancel := range o.cancels {
		cancel()
	}
	o.runners = make(map[key]*runner.Runner)
	o.cancels = make(map[key]context.CancelFunc)
	o.mu.Unlock()

	var wg sync.WaitGroup
	for k, r := range runners {
		wg.Add(1)
		go func(k key, r *runner.Runner) {
			defer wg.Done()
			r.Stop()
			o.logger.Info("runner stopped", zap.String("symbol", k.symbol), zap.String("timeframe", k.timeframe))
		}(k, r)
	}
	wg.Wait()
}

// Runner returns the runner for (symbol, timeframe), if active.
func (o *Orchestrator) Runner(symbol, timeframe string) (*runner.Runner, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runners[key{symbol, timeframe}]
	return r, ok
}

// Statuses returns a status snapshot for every active runner.
func (o *Orchestrator) Statuses() []runner.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]runner.Status, 0, len(o.runners))
	for _, r := range o.runners {
		out = append(out, r.Status())
	}
	return out
}

// Runners returns all active runners, for fan-out operations like
// subscriber registration or health checks.
func (o *Orchestrator) Runners() []*runner.Runner {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*runner.Runner, 0, len(o.runners))
	for _, r := range o.runners {
		out = append(out, r)
	}
	return out
}
