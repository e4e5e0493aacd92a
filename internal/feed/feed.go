// Package feed implements a live kline-stream client with auto-reconnect.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oie-systems/stream-engine/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	reconnectDelay    = 5 * time.Second
	maxReconnectDelay = 60 * time.Second
	handshakeTimeout  = 30 * time.Second
	idleTimeout       = 30 * time.Second
	heartbeatInterval = 20 * time.Second
)

// State is the connection lifecycle of a Feed.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateClosing      State = "CLOSING"
)

// BarCallback is invoked once per closed bar.
type BarCallback func(bar types.Bar)

// Config parameterizes one Feed.
type Config struct {
	WSBaseURL string
	Symbol    string
	Interval  string
}

// Feed streams closed klines for one (symbol, interval) pair, reconnecting
// with a linearly growing backoff (5s per attempt, capped at 60s) on any
// read or dial error.
type Feed struct {
	logger *zap.Logger
	config Config

	mu              sync.RWMutex
	state           State
	conn            *websocket.Conn
	lastMessageTime time.Time
	reconnectCount  int

	callbacks []BarCallback

	runningMu sync.Mutex
	running   bool
	cancel    context.CancelFunc
}

// NewFeed builds a Feed for the given config.
func NewFeed(logger *zap.Logger, config Config) *Feed {
	return &Feed{
		logger: logger.Named("feed").With(zap.String("symbol", config.Symbol)),
		config: config,
		state:  StateDisconnected,
	}
}

// OnBar registers a callback invoked for every closed bar. Must be called
// before Start.
func (f *Feed) OnBar(cb BarCallback) {
	f.callbacks = append(f.callbacks, cb)
}

// State returns the current connection state.
func (f *Feed) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// LastMessageTime returns when the last frame (of any kind) arrived.
func (f *Feed) LastMessageTime() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastMessageTime
}

// Start runs the reconnect loop until ctx is cancelled or Stop is called.
func (f *Feed) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.runningMu.Lock()
	f.running = true
	f.cancel = cancel
	f.runningMu.Unlock()

	go f.reconnectLoop(ctx)
}

// Stop halts the reconnect loop and closes any live connection.
func (f *Feed) Stop() {
	f.runningMu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.running = false
	f.runningMu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateClosing
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.state = StateDisconnected
}

func (f *Feed) reconnectLoop(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f.setState(StateConnecting)
		if err := f.connectAndRead(ctx, &attempt); err != nil {
			attempt++
			f.mu.Lock()
			f.reconnectCount = attempt
			f.mu.Unlock()
			f.logger.Warn("feed disconnected", zap.Error(err), zap.Int("attempt", attempt))
			f.setState(StateDisconnected)

			delay := time.Duration(attempt) * reconnectDelay
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
	}
}

// ReconnectCount returns the number of consecutive failed reconnect attempts
// since the last successful connect.
func (f *Feed) ReconnectCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.reconnectCount
}

func (f *Feed) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Feed) connectAndRead(ctx context.Context, attempt *int) error {
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(f.config.Symbol), f.config.Interval)
	u := strings.TrimSuffix(f.config.WSBaseURL, "/") + "/" + url.PathEscape(stream)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.lastMessageTime = time.Now()
	f.reconnectCount = 0
	f.mu.Unlock()

	if *attempt > 0 {
		f.logger.Info("feed reconnected", zap.Int("attempts", *attempt))
	} else {
		f.logger.Info("feed connected")
	}
	*attempt = 0

	f.setState(StateConnected)

	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	go f.heartbeat(ctx, conn)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		f.mu.Lock()
		f.lastMessageTime = time.Now()
		f.mu.Unlock()

		f.handleMessage(message)
	}
}

func (f *Feed) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type klineFrame struct {
	EventType string `json:"e"`
	Kline     struct {
		IsClosed   bool   `json:"x"`
		Open       string `json:"o"`
		High       string `json:"h"`
		Low        string `json:"l"`
		Close      string `json:"c"`
		Volume     string `json:"v"`
		CloseTime  int64  `json:"T"`
		TakerVol   string `json:"V"`
	} `json:"k"`
}

func (f *Feed) handleMessage(message []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			f.logger.Error("recovered panic while handling frame, bar skipped", zap.Any("panic", rec))
		}
	}()

	var frame klineFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		return
	}
	if frame.EventType != "kline" || !frame.Kline.IsClosed {
		return
	}

	open, _ := decimal.NewFromString(frame.Kline.Open)
	high, _ := decimal.NewFromString(frame.Kline.High)
	low, _ := decimal.NewFromString(frame.Kline.Low)
	closePrice, _ := decimal.NewFromString(frame.Kline.Close)
	volume, _ := decimal.NewFromString(frame.Kline.Volume)
	buyVolume, _ := decimal.NewFromString(frame.Kline.TakerVol)
	sellVolume := volume.Sub(buyVolume)

	bar := types.Bar{
		Timestamp:  time.UnixMilli(frame.Kline.CloseTime),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePrice,
		Volume:     volume,
		BuyVolume:  buyVolume,
		SellVolume: sellVolume,
		HasDelta:   true,
	}

	for _, cb := range f.callbacks {
		cb(bar)
	}
}
