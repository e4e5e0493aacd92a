// Package health periodically checks runner and broker liveness.
package health

import (
	"context"
	"time"

	"github.com/oie-systems/stream-engine/internal/broker"
	"github.com/oie-systems/stream-engine/internal/feed"
	"go.uber.org/zap"
)

const (
	checkInterval = 30 * time.Second
	dataTimeout   = 120 * time.Second
)

// Target is anything a Monitor can check, such as a runner, which reports
// its feed's last-message time and connection state.
type Target interface {
	LastMessageTime() time.Time
	FeedState() feed.State
}

// Monitor runs a periodic liveness check across a set of targets and the
// shared broker connection.
type Monitor struct {
	logger  *zap.Logger
	broker  *broker.Client
	targets func() map[string]Target
}

// NewMonitor builds a Monitor. targets is invoked fresh on every tick so the
// orchestrator's current runner set is always reflected.
func NewMonitor(logger *zap.Logger, brokerClient *broker.Client, targets func() map[string]Target) *Monitor {
	return &Monitor{
		logger:  logger.Named("health"),
		broker:  brokerClient,
		targets: targets,
	}
}

// Run loops until ctx is cancelled, checking every checkInterval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

func (m *Monitor) checkOnce(ctx context.Context) {
	for name, target := range m.targets() {
		m.checkDataHealth(name, target)
	}
	m.checkBrokerHealth(ctx)
}

// checkDataHealth logs a disconnected or stale feed. It only reports; it
// does not change the feed's state or trigger a reconnect.
func (m *Monitor) checkDataHealth(name string, target Target) {
	state := target.FeedState()
	age := time.Since(target.LastMessageTime())

	if state != feed.StateConnected {
		m.logger.Warn("feed not connected", zap.String("stream", name), zap.String("state", string(state)))
		return
	}
	if age > dataTimeout {
		m.logger.Warn("feed data stale",
			zap.String("stream", name), zap.Duration("age", age))
	}
}

// checkBrokerHealth probes the broker with a balance call and logs a
// failure; no reconnect is attempted.
func (m *Monitor) checkBrokerHealth(ctx context.Context) {
	if m.broker == nil {
		return
	}
	if _, err := m.broker.GetBalance(ctx, "USDT"); err != nil {
		m.logger.Warn("broker health check failed", zap.Error(err))
	}
}
