// Package api provides the HTTP and WebSocket presentation surface over the
// active set of StreamRunners.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/oie-systems/stream-engine/internal/events"
	"github.com/oie-systems/stream-engine/internal/eventlog"
	"github.com/oie-systems/stream-engine/internal/orchestrator"
	"github.com/oie-systems/stream-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket presentation server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client

	orch      *orchestrator.Orchestrator
	signalLog *eventlog.SignalLogger
	tradeLog  *eventlog.TradeLogger
}

// Client represents a WebSocket client.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Subs map[string]bool

	frameSub *events.Subscription
}

// Message is the envelope for both request/response and pushed events.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewServer builds the presentation server over the given collaborators.
func NewServer(logger *zap.Logger, config *types.ServerConfig, orch *orchestrator.Orchestrator, signalLog *eventlog.SignalLogger, tradeLog *eventlog.TradeLogger) *Server {
	server := &Server{
		logger:    logger.Named("api"),
		config:    config,
		router:    mux.NewRouter(),
		clients:   make(map[string]*Client),
		orch:      orch,
		signalLog: signalLog,
		tradeLog:  tradeLog,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/runners", s.handleListRunners).Methods("GET")
	s.router.HandleFunc("/api/v1/runners/{symbol}/{timeframe}", s.handleRunnerStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/signals/{symbol}", s.handleSignalHistory).Methods("GET")
	s.router.HandleFunc("/api/v1/signals/{symbol}/reset", s.handleSignalReset).Methods("POST")
	s.router.HandleFunc("/api/v1/trades/{symbol}", s.handleTradeHistory).Methods("GET")
	s.router.HandleFunc("/api/v1/trades/{symbol}/reset", s.handleTradeReset).Methods("POST")
	s.router.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Router exposes the underlying mux.Router, chiefly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start runs the HTTP server until it errors or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting presentation server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop closes all WebSocket connections and shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runners": s.orch.Statuses(),
	})
}

func (s *Server) handleRunnerStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rn, ok := s.orch.Runner(vars["symbol"], vars["timeframe"])
	if !ok {
		http.Error(w, "runner not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(rn.Status())
}

func (s *Server) handleSignalHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	limit := parseLimit(r, 100)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"symbol":  symbol,
		"signals": s.signalLog.Signals(symbol, limit),
	})
}

func (s *Server) handleSignalReset(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.signalLog.Reset(symbol); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}

func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	limit := parseLimit(r, 100)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"symbol": symbol,
		"trades": s.tradeLog.Trades(symbol, limit),
		"stats":  s.tradeLog.GetStats(symbol),
	})
}

func (s *Server) handleTradeReset(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if err := s.tradeLog.Reset(symbol); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"signals": s.signalLog.GetStats(),
		"runners": s.orch.Statuses(),
	})
}

func parseLimit(r *http.Request, def int) int {
	q := r.URL.Query().Get("limit")
	if q == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(q, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, 256),
		Subs: make(map[string]bool),
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.logger.Info("websocket client connected", zap.String("id", client.ID))

	go s.readPump(client)
	go s.writePump(client)
	go s.pumpRunnerFrames(client)
}

// pumpRunnerFrames subscribes the client to the orchestrator's single
// cross-runner event stream, forwarding frames the client is subscribed to
// by symbol (or all of them, if it hasn't filtered).
func (s *Server) pumpRunnerFrames(client *Client) {
	sub := s.orch.SubscribeAll(func(event events.Event) error {
		update, ok := event.(*events.RunnerUpdateEvent)
		if !ok {
			return nil
		}

		s.mu.RLock()
		_, alive := s.clients[client.ID]
		s.mu.RUnlock()
		if !alive {
			return nil
		}
		if !client.Subs[update.Symbol] && len(client.Subs) > 0 {
			return nil
		}

		msgBytes, err := json.Marshal(&Message{
			Type: "event", Method: "frame", Payload: update.Frame, Timestamp: time.Now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		select {
		case client.Send <- msgBytes:
		default:
		}
		return nil
	})

	s.mu.Lock()
	client.frameSub = sub
	s.mu.Unlock()
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		sub := client.frameSub
		s.mu.Unlock()
		if sub != nil {
			s.orch.Unsubscribe(sub)
		}
		client.Conn.Close()
		s.logger.Info("websocket client disconnected", zap.String("id", client.ID))
	}()

	client.Conn.SetReadLimit(512 * 1024)
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			s.logger.Warn("invalid websocket message", zap.Error(err))
			continue
		}
		s.handleMessage(client, &msg)
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(client *Client, msg *Message) {
	response := &Message{ID: msg.ID, Type: "response", Method: msg.Method, Timestamp: time.Now().UnixMilli()}

	switch msg.Method {
	case "ping":
		response.Payload = map[string]string{"pong": "ok"}

	case "subscribe":
		payload, _ := msg.Payload.(map[string]interface{})
		symbol, _ := payload["symbol"].(string)
		client.Subs[symbol] = true
		response.Payload = map[string]string{"subscribed": symbol}

	case "unsubscribe":
		payload, _ := msg.Payload.(map[string]interface{})
		symbol, _ := payload["symbol"].(string)
		delete(client.Subs, symbol)
		response.Payload = map[string]string{"unsubscribed": symbol}

	default:
		response.Error = "unknown method"
	}

	responseBytes, _ := json.Marshal(response)
	client.Send <- responseBytes
}
