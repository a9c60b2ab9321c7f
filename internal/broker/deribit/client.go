// Package deribit implements the broker port against the Deribit JSON-RPC v2
// websocket API.
package deribit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/derivlab/perpengine/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	// tickerInterval is the ticker channel notification interval.
	tickerInterval = "100ms"
)

// Config holds the per-user connection parameters.
type Config struct {
	URL          string
	ClientID     string
	ClientSecret string
	PlaceTimeout time.Duration
	QueryTimeout time.Duration
}

// Client speaks JSON-RPC v2 to Deribit over a websocket. One Client serves
// all of a user's executors; it is safe for concurrent use.
type Client struct {
	cfg     Config
	limiter domain.RateLimiter
	logger  *slog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	writeMu sync.Mutex

	nextID  atomic.Uint64
	pending map[uint64]chan rpcFrame
	pendMu  sync.Mutex

	// Subscribed channels and their handlers, restored on reconnect.
	subs   map[string][]domain.TickerHandler
	subsMu sync.RWMutex

	done chan struct{}
}

// NewClient returns an unconnected client. Call Connect before use.
func NewClient(cfg Config, limiter domain.RateLimiter, logger *slog.Logger) *Client {
	if cfg.PlaceTimeout == 0 {
		cfg.PlaceTimeout = 5 * time.Second
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 3 * time.Second
	}
	return &Client{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "deribit")),
		pending: make(map[uint64]chan rpcFrame),
		subs:    make(map[string][]domain.TickerHandler),
		done:    make(chan struct{}),
	}
}

// Connect dials the websocket, authenticates, and starts the read and ping
// loops. Previously subscribed channels are restored.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("deribit: connect: %w", domain.ErrNotConnected)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.mu.Unlock()
		return domain.NewBrokerError(domain.BrokerDisconnected, "connect", err.Error(), err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)

	if err := c.authenticate(ctx); err != nil {
		c.markDisconnected()
		return err
	}

	// Restore any previous subscriptions after reconnect.
	c.subsMu.RLock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.subsMu.RUnlock()
	if len(channels) > 0 {
		if _, err := c.call(ctx, "public/subscribe", map[string]any{"channels": channels}); err != nil {
			return fmt.Errorf("deribit: restore subscriptions: %w", err)
		}
	}

	return nil
}

// Close shuts the connection down permanently.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return c.conn.Close()
	}
	return nil
}

// IsConnected reports the transport state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && !c.closed
}

// SupportsOTOCO reports that Deribit honours linked OTOCO attachments.
func (c *Client) SupportsOTOCO() bool { return true }

// PlaceOrder submits an order via private/buy or private/sell, including the
// OTOCO attachment when present.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	method := "private/buy"
	if req.Side == domain.SideSell {
		method = "private/sell"
	}

	params := map[string]any{
		"instrument_name": req.Instrument,
		"amount":          req.Amount,
		"type":            string(req.Type),
	}
	if req.Price != 0 {
		params["price"] = req.Price
	}
	if req.TriggerPrice != 0 {
		params["trigger_price"] = req.TriggerPrice
	}
	if req.Trigger != "" {
		params["trigger"] = req.Trigger
	}
	if req.ReduceOnly {
		params["reduce_only"] = true
	}
	if req.Label != "" {
		params["label"] = req.Label
	}
	if len(req.OTOCO) > 0 {
		children := make([]otocoChild, 0, len(req.OTOCO))
		for _, ch := range req.OTOCO {
			children = append(children, otocoChild{
				Amount:       ch.Amount,
				Direction:    string(ch.Side),
				Type:         string(ch.Type),
				Price:        ch.Price,
				TriggerPrice: ch.TriggerPrice,
				Trigger:      ch.Trigger,
				ReduceOnly:   ch.ReduceOnly,
				Label:        ch.Label,
			})
		}
		params["otoco_config"] = children
		params["linked_order_type"] = domain.LinkedOTOCO
		params["trigger_fill_condition"] = domain.TriggerFillConditionFirstHit
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.PlaceTimeout)
	defer cancel()

	raw, err := c.call(callCtx, method, params)
	if err != nil {
		return domain.OrderResult{}, brokerErr("place_order", err)
	}

	var res placeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.OrderResult{}, domain.NewBrokerError(domain.BrokerUnknown, "place_order", "decode response", err)
	}
	return domain.OrderResult{
		OrderID:      res.Order.OrderID,
		Status:       res.Order.OrderState,
		FilledPrice:  res.Order.AveragePrice,
		FilledAmount: res.Order.FilledAmount,
	}, nil
}

// CancelOrder cancels by ID. An order Deribit no longer knows maps to
// domain.ErrNotFound, which callers treat as success.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.PlaceTimeout)
	defer cancel()

	_, err := c.call(callCtx, "private/cancel", map[string]any{"order_id": orderID})
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && isOrderNotFound(rpcErr) {
			return domain.ErrNotFound
		}
		return brokerErr("cancel_order", err)
	}
	return nil
}

// CancelAllByInstrument cancels every open order on the instrument.
func (c *Client) CancelAllByInstrument(ctx context.Context, instrument string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.PlaceTimeout)
	defer cancel()

	_, err := c.call(callCtx, "private/cancel_all_by_instrument", map[string]any{
		"instrument_name": instrument,
	})
	if err != nil {
		return brokerErr("cancel_all", err)
	}
	return nil
}

// OpenOrders lists open orders for the instrument, untriggered stops included.
func (c *Client) OpenOrders(ctx context.Context, instrument string) ([]domain.OrderSummary, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	raw, err := c.call(callCtx, "private/get_open_orders_by_instrument", map[string]any{
		"instrument_name": instrument,
	})
	if err != nil {
		return nil, brokerErr("open_orders", err)
	}

	var orders []orderPayload
	if err := json.Unmarshal(raw, &orders); err != nil {
		return nil, domain.NewBrokerError(domain.BrokerUnknown, "open_orders", "decode response", err)
	}

	out := make([]domain.OrderSummary, 0, len(orders))
	for _, o := range orders {
		out = append(out, domain.OrderSummary{
			OrderID:      o.OrderID,
			Instrument:   o.Instrument,
			Side:         domain.OrderSide(o.Direction),
			Type:         domain.OrderType(o.OrderType),
			Amount:       o.Amount,
			Price:        o.Price,
			TriggerPrice: o.TriggerPrice,
			ReduceOnly:   o.ReduceOnly,
			Label:        o.Label,
		})
	}
	return out, nil
}

// Positions lists futures positions for the settlement currency.
func (c *Client) Positions(ctx context.Context, currency string) ([]domain.Position, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	raw, err := c.call(callCtx, "private/get_positions", map[string]any{
		"currency": currency,
		"kind":     "future",
	})
	if err != nil {
		return nil, brokerErr("positions", err)
	}

	var positions []positionPayload
	if err := json.Unmarshal(raw, &positions); err != nil {
		return nil, domain.NewBrokerError(domain.BrokerUnknown, "positions", "decode response", err)
	}

	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, domain.Position{
			Instrument:   p.Instrument,
			Size:         p.Size,
			AveragePrice: p.AveragePrice,
			MarkPrice:    p.MarkPrice,
		})
	}
	return out, nil
}

// Instrument fetches contract parameters for rounding.
func (c *Client) Instrument(ctx context.Context, name string) (domain.Instrument, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	raw, err := c.call(callCtx, "public/get_instrument", map[string]any{
		"instrument_name": name,
	})
	if err != nil {
		return domain.Instrument{}, brokerErr("instrument", err)
	}

	var ins instrumentPayload
	if err := json.Unmarshal(raw, &ins); err != nil {
		return domain.Instrument{}, domain.NewBrokerError(domain.BrokerUnknown, "instrument", "decode response", err)
	}
	return domain.Instrument{
		Name:           ins.Instrument,
		Currency:       ins.QuoteCurrency,
		TickSize:       ins.TickSize,
		MinTradeAmount: ins.MinTradeAmount,
		ContractSize:   ins.ContractSize,
	}, nil
}

// SubscribeTicker registers a handler for ticker updates on the instrument.
// The returned function unsubscribes the handler.
func (c *Client) SubscribeTicker(ctx context.Context, instrument string, h domain.TickerHandler) (func(), error) {
	channel := fmt.Sprintf("ticker.%s.%s", instrument, tickerInterval)

	c.subsMu.Lock()
	existing := len(c.subs[channel])
	c.subs[channel] = append(c.subs[channel], h)
	idx := len(c.subs[channel]) - 1
	c.subsMu.Unlock()

	if existing == 0 {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
		defer cancel()
		if _, err := c.call(callCtx, "public/subscribe", map[string]any{"channels": []string{channel}}); err != nil {
			c.subsMu.Lock()
			c.subs[channel] = c.subs[channel][:idx]
			c.subsMu.Unlock()
			return nil, brokerErr("subscribe_ticker", err)
		}
	}

	unsub := func() {
		c.subsMu.Lock()
		handlers := c.subs[channel]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
		live := 0
		for _, hh := range handlers {
			if hh != nil {
				live++
			}
		}
		last := live == 0
		if last {
			delete(c.subs, channel)
		}
		c.subsMu.Unlock()

		if last {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout)
			defer cancel()
			_, _ = c.call(ctx, "public/unsubscribe", map[string]any{"channels": []string{channel}})
		}
	}
	return unsub, nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (c *Client) authenticate(ctx context.Context) error {
	raw, err := c.call(ctx, "public/auth", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
	})
	if err != nil {
		return brokerErr("auth", err)
	}
	var res authResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.NewBrokerError(domain.BrokerUnknown, "auth", "decode response", err)
	}
	c.logger.Info("authenticated", slog.Int64("expires_in", res.ExpiresIn))
	return nil
}

// call performs one JSON-RPC round trip, applying the request-rate budget
// first.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "deribit:"+c.cfg.ClientID); err != nil {
			return nil, domain.NewBrokerError(domain.BrokerRateLimited, method, "rate budget", err)
		}
	}

	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()
	if conn == nil || !connected {
		return nil, domain.ErrNotConnected
	}

	id := c.nextID.Add(1)
	ch := make(chan rpcFrame, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("deribit: marshal %s: %w", method, err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, domain.NewBrokerError(domain.BrokerDisconnected, method, "write", err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.NewBrokerError(domain.BrokerTimeout, method, "timeout", ctx.Err())
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, domain.ErrNotConnected
	case frame := <-ch:
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Result, nil
	}
}

// readLoop reads frames until the connection dies, dispatching responses to
// pending calls and notifications to subscription handlers.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.markDisconnected()
			go c.reconnect()
			return
		}

		var frame rpcFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue // drop unparseable frames
		}

		if frame.Method == "subscription" {
			c.dispatch(frame)
			continue
		}

		c.pendMu.Lock()
		ch, ok := c.pending[frame.ID]
		c.pendMu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

// dispatch fans a ticker notification out to the channel's handlers.
func (c *Client) dispatch(frame rpcFrame) {
	if !strings.HasPrefix(frame.Params.Channel, "ticker.") {
		return
	}
	var tick tickerPayload
	if err := json.Unmarshal(frame.Params.Data, &tick); err != nil {
		return
	}
	ev := domain.TickerEvent{
		Instrument: tick.Instrument,
		LastPrice:  tick.LastPrice,
		MarkPrice:  tick.MarkPrice,
		Timestamp:  time.UnixMilli(tick.Timestamp),
	}

	c.subsMu.RLock()
	handlers := append([]domain.TickerHandler(nil), c.subs[frame.Params.Channel]...)
	c.subsMu.RUnlock()

	for _, h := range handlers {
		if h != nil {
			h(ev)
		}
	}
}

// pingLoop sends periodic pings to keep the websocket alive.
func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// reconnect re-establishes the connection with exponential backoff. Auth and
// subscriptions are restored by Connect.
func (c *Client) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-c.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.logger.Info("reconnected")
			return
		}
		c.logger.Warn("reconnect failed", slog.String("error", err.Error()))

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Error implements error for rpcError so call sites can errors.As on it.
func (e *rpcError) Error() string {
	return fmt.Sprintf("deribit rpc %d: %s", e.Code, e.Message)
}

func isOrderNotFound(e *rpcError) bool {
	return e.Code == 11044 || strings.Contains(strings.ToLower(e.Message), "not_open") ||
		strings.Contains(strings.ToLower(e.Message), "order_not_found")
}

// brokerErr maps transport and RPC failures onto the broker error taxonomy.
func brokerErr(op string, err error) error {
	var be *domain.BrokerError
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, domain.ErrNotConnected) {
		return domain.NewBrokerError(domain.BrokerDisconnected, op, "not connected", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewBrokerError(domain.BrokerTimeout, op, "timeout", err)
	}

	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		switch {
		case rpcErr.Code == 10028 || strings.Contains(msg, "too_many_requests"):
			return domain.NewBrokerError(domain.BrokerRateLimited, op, rpcErr.Message, err)
		case strings.Contains(msg, "funds") || strings.Contains(msg, "margin"):
			return domain.NewBrokerError(domain.BrokerInsufficientFunds, op, rpcErr.Message, err)
		default:
			return domain.NewBrokerError(domain.BrokerRejected, op, rpcErr.Message, err)
		}
	}
	return domain.NewBrokerError(domain.BrokerUnknown, op, err.Error(), err)
}
