// Package broker wraps a signed REST surface against an exchange compatible
// with the Binance futures API shape.
package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oie-systems/stream-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config carries credentials and connection settings for a Client.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// symbolInfo caches precision and step/tick filters for one symbol.
type symbolInfo struct {
	qtyPrecision   int32
	minQty         decimal.Decimal
	stepSize       decimal.Decimal
	pricePrecision int32
	tickSize       decimal.Decimal
}

// Client is a shared, mutex-guarded wrapper around the exchange REST API.
type Client struct {
	logger      *zap.Logger
	config      Config
	httpClient  *http.Client
	rateLimiter *RateLimiter

	mu          sync.RWMutex
	symbolCache map[string]symbolInfo
}

// NewClient builds a broker Client.
func NewClient(logger *zap.Logger, config Config) *Client {
	return &Client{
		logger:      logger.Named("broker"),
		config:      config,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		rateLimiter: NewRateLimiter(1200, time.Minute),
		symbolCache: make(map[string]symbolInfo),
	}
}

// RateLimiter is a simple token-bucket limiter guarding outbound request rate.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewRateLimiter builds a token bucket with maxTokens capacity refilled one
// token per refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{tokens: maxTokens, maxTokens: maxTokens, refillRate: refillRate, lastRefill: time.Now()}
}

// Acquire blocks until a token is available.
func (rl *RateLimiter) Acquire() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	refills := int(elapsed / rl.refillRate)
	if refills > 0 {
		rl.tokens = minInt(rl.maxTokens, rl.tokens+refills)
		rl.lastRefill = now
	}

	for rl.tokens <= 0 {
		rl.mu.Unlock()
		time.Sleep(rl.refillRate)
		rl.mu.Lock()
		rl.tokens++
	}
	rl.tokens--
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// OrderSide is the side of a placed order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the type of order the broker supports for entries and
// protective exits.
type OrderType string

const (
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeStopMarket      OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMkt   OrderType = "TAKE_PROFIT_MARKET"
)

// OrderResult is the broker's response to a placed order.
type OrderResult struct {
	OrderID   string
	Symbol    string
	Side      OrderSide
	Status    string
	AvgPrice  decimal.Decimal
	ExecQty   decimal.Decimal
	Raw       json.RawMessage
}

// Position is the broker's reported open position for a symbol.
type Position struct {
	Symbol        string
	Side          string // "LONG", "SHORT", or "" if flat
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

func (c *Client) sign(query string) string {
	h := hmac.New(sha256.New, []byte(c.config.APISecret))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) signedRequest(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	c.rateLimiter.Acquire()

	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()
	params.Set("signature", c.sign(query))

	reqURL := strings.TrimSuffix(c.config.BaseURL, "/") + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("broker request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// LoadSymbolInfo populates the symbol-filter cache from exchangeInfo.
func (c *Client) LoadSymbolInfo(ctx context.Context, symbol string) error {
	c.rateLimiter.Acquire()
	reqURL := fmt.Sprintf("%s/fapi/v1/exchangeInfo", strings.TrimSuffix(c.config.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize,omitempty"`
				StepSize    string `json:"stepSize,omitempty"`
				MinQty      string `json:"minQty,omitempty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("parse exchange info: %w", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		si := symbolInfo{qtyPrecision: 3, pricePrecision: 2}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "LOT_SIZE":
				si.stepSize, _ = decimal.NewFromString(flt.StepSize)
				si.minQty, _ = decimal.NewFromString(flt.MinQty)
				si.qtyPrecision = decimalPlaces(si.stepSize)
			case "PRICE_FILTER":
				si.tickSize, _ = decimal.NewFromString(flt.TickSize)
				si.pricePrecision = decimalPlaces(si.tickSize)
			}
		}
		c.mu.Lock()
		c.symbolCache[symbol] = si
		c.mu.Unlock()
		return nil
	}
	return fmt.Errorf("symbol %s not found in exchange info", symbol)
}

func decimalPlaces(step decimal.Decimal) int32 {
	if step.IsZero() {
		return 8
	}
	s := step.String()
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return int32(len(s) - i - 1)
	}
	return 0
}

// RoundQuantity rounds q to symbol's step size and precision.
func (c *Client) RoundQuantity(symbol string, q decimal.Decimal) decimal.Decimal {
	c.mu.RLock()
	si, ok := c.symbolCache[symbol]
	c.mu.RUnlock()
	if !ok || si.stepSize.IsZero() {
		return q.Round(3)
	}
	return utils.RoundToStepSize(q, si.stepSize).Round(si.qtyPrecision)
}

// RoundPrice rounds p to symbol's tick size and precision.
func (c *Client) RoundPrice(symbol string, p decimal.Decimal) decimal.Decimal {
	c.mu.RLock()
	si, ok := c.symbolCache[symbol]
	c.mu.RUnlock()
	if !ok || si.tickSize.IsZero() {
		return p.Round(2)
	}
	return utils.RoundToTickSize(p, si.tickSize).Round(si.pricePrecision)
}

// MinQuantity returns the minimum tradable quantity for symbol.
func (c *Client) MinQuantity(symbol string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.symbolCache[symbol].minQty
}

// GetBalance returns the available quote balance.
func (c *Client) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	var balances []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	for _, b := range balances {
		if b.Asset == asset {
			v, _ := decimal.NewFromString(b.AvailableBalance)
			return v, nil
		}
	}
	return decimal.Zero, nil
}

// GetPrice returns the current mark price for symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.rateLimiter.Acquire()
	reqURL := fmt.Sprintf("%s/fapi/v1/ticker/price?symbol=%s", strings.TrimSuffix(c.config.BaseURL, "/"), symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read response: %w", err)
	}
	var out struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, fmt.Errorf("parse price: %w", err)
	}
	return decimal.NewFromString(out.Price)
}

// GetPosition returns the broker's current position for symbol, or a zero
// position (Side == "") if flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (Position, error) {
	params := url.Values{"symbol": {symbol}}
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return Position{}, fmt.Errorf("get position: %w", err)
	}
	var rows []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return Position{}, fmt.Errorf("parse position: %w", err)
	}
	for _, r := range rows {
		if r.Symbol != symbol {
			continue
		}
		qty, _ := decimal.NewFromString(r.PositionAmt)
		if qty.IsZero() {
			return Position{Symbol: symbol}, nil
		}
		entry, _ := decimal.NewFromString(r.EntryPrice)
		pnl, _ := decimal.NewFromString(r.UnRealizedProfit)
		side := "LONG"
		if qty.IsNegative() {
			side = "SHORT"
			qty = qty.Abs()
		}
		return Position{Symbol: symbol, Side: side, Quantity: qty, EntryPrice: entry, UnrealizedPnL: pnl}, nil
	}
	return Position{Symbol: symbol}, nil
}

// SetLeverage sets leverage for symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{"symbol": {symbol}, "leverage": {strconv.Itoa(leverage)}}
	_, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	if err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	return nil
}

// PlaceMarketOrder places a MARKET order, optionally with STOP_MARKET and
// TAKE_PROFIT_MARKET protective orders (closePosition=true, best-effort).
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side OrderSide, qty decimal.Decimal, stopLoss, takeProfit decimal.Decimal) (OrderResult, error) {
	params := url.Values{
		"symbol":   {symbol},
		"side":     {string(side)},
		"type":     {string(OrderTypeMarket)},
		"quantity": {qty.String()},
	}
	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return OrderResult{}, fmt.Errorf("place market order: %w", err)
	}

	var resp struct {
		OrderID  int64  `json:"orderId"`
		Status   string `json:"status"`
		AvgPrice string `json:"avgPrice"`
		ExecQty  string `json:"executedQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderResult{}, fmt.Errorf("parse order response: %w", err)
	}

	avgPrice, _ := decimal.NewFromString(resp.AvgPrice)
	execQty, _ := decimal.NewFromString(resp.ExecQty)
	result := OrderResult{
		OrderID:  strconv.FormatInt(resp.OrderID, 10),
		Symbol:   symbol,
		Side:     side,
		Status:   resp.Status,
		AvgPrice: avgPrice,
		ExecQty:  execQty,
		Raw:      body,
	}

	protectSide := SideSell
	if side == SideSell {
		protectSide = SideBuy
	}
	if !stopLoss.IsZero() {
		c.placeProtectiveOrder(ctx, symbol, protectSide, OrderTypeStopMarket, stopLoss)
	}
	if !takeProfit.IsZero() {
		c.placeProtectiveOrder(ctx, symbol, protectSide, OrderTypeTakeProfitMkt, takeProfit)
	}

	return result, nil
}

func (c *Client) placeProtectiveOrder(ctx context.Context, symbol string, side OrderSide, orderType OrderType, stopPrice decimal.Decimal) {
	params := url.Values{
		"symbol":        {symbol},
		"side":          {string(side)},
		"type":          {string(orderType)},
		"stopPrice":     {stopPrice.String()},
		"closePosition": {"true"},
	}
	if _, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params); err != nil {
		c.logger.Warn("protective order failed", zap.String("symbol", symbol), zap.String("type", string(orderType)), zap.Error(err))
	}
}

// ResolveExecutionPrice implements the four-step fallback ladder: order
// response average (VWAP of fills, already folded into AvgPrice by the
// exchange for market orders), an order-status query retried up to three
// times, the position's entry price, then the current ticker price.
func (c *Client) ResolveExecutionPrice(ctx context.Context, symbol string, order OrderResult) (decimal.Decimal, error) {
	if !order.AvgPrice.IsZero() {
		return order.AvgPrice, nil
	}

	for attempt := 1; attempt <= 3; attempt++ {
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		params := url.Values{"symbol": {symbol}, "orderId": {order.OrderID}}
		body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", params)
		if err != nil {
			continue
		}
		var resp struct {
			AvgPrice string `json:"avgPrice"`
		}
		if err := json.Unmarshal(body, &resp); err == nil {
			if price, err := decimal.NewFromString(resp.AvgPrice); err == nil && !price.IsZero() {
				return price, nil
			}
		}
	}

	pos, err := c.GetPosition(ctx, symbol)
	if err == nil && !pos.EntryPrice.IsZero() {
		return pos.EntryPrice, nil
	}

	return c.GetPrice(ctx, symbol)
}

// CancelAllOrders cancels all open orders for symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{"symbol": {symbol}}
	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params)
	if err != nil {
		return fmt.Errorf("cancel all orders: %w", err)
	}
	return nil
}

// GetOpenOrders lists open orders for symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	params := url.Values{"symbol": {symbol}}
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	var rows []struct {
		OrderID int64  `json:"orderId"`
		Symbol  string `json:"symbol"`
		Side    string `json:"side"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse open orders: %w", err)
	}
	out := make([]OrderResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, OrderResult{OrderID: strconv.FormatInt(r.OrderID, 10), Symbol: r.Symbol, Side: OrderSide(r.Side), Status: r.Status})
	}
	return out, nil
}
