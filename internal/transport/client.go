// Package transport carries history requests to the server over a
// WebSocket and feeds results and live messages back to a Handler.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/timeline-sync/internal/errors"
	"github.com/alexjbarnes/timeline-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 2 * time.Second
	reconnectMax = 2 * time.Minute
)

const (
	// wsReadLimit bounds a single inbound frame. A forced delta page of
	// 2000 rows with attachment metadata fits comfortably.
	wsReadLimit = 16 * 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying
	// frames from the reader goroutine to the event loop.
	inboundChanSize = 64

	// outboundChanSize is the buffer size for requests waiting to be
	// written by the event loop.
	outboundChanSize = 128

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2
)

// Inbound frame types.
const (
	frameMessage = "message"
	framePing    = "ping"
	framePong    = "pong"
)

// Handler receives everything the server sends.
type Handler interface {
	HandleHistoryResult(res models.HistoryResult) error
	HandleLiveMessage(msg models.LiveMessage) error
}

// inboundMsg wraps a frame read by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// wsConn abstracts the WebSocket connection so Client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc opens a connection. Replaced in tests.
type dialFunc func(ctx context.Context) (wsConn, error)

// Config holds the parameters needed to reach the history server.
type Config struct {
	URL     string
	Token   string
	Handler Handler

	// OnReconnect runs after a dropped connection is re-established and
	// its reader is running. Requests sent from it go out on the new
	// connection.
	OnReconnect func()
}

// Client manages the WebSocket connection to the history server.
//
// A reader goroutine feeds inboundCh with raw frames. A single event
// loop goroutine (Listen) dispatches inbound frames, writes queued
// requests, and drives the heartbeat. All writes to the connection
// happen from the event loop, so Send never blocks on the network.
type Client struct {
	logger *slog.Logger

	url     string
	token   string
	handler Handler
	dial    dialFunc

	onReconnect func()

	// conn and connCancel are swapped on reconnect and read by Close.
	conn       wsConn
	connCancel context.CancelFunc
	connMu     sync.Mutex

	// outCh holds requests queued by Send until the event loop writes
	// them.
	outCh chan models.HistoryRequest

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	connected   bool
	connectedMu sync.RWMutex
}

// New creates a Client. Call Connect before Listen.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		logger:      logger,
		url:         cfg.URL,
		token:       cfg.Token,
		handler:     cfg.Handler,
		onReconnect: cfg.OnReconnect,
		outCh:       make(chan models.HistoryRequest, outboundChanSize),
	}
	c.dial = c.dialWebsocket

	return c
}

// SetHandler replaces the inbound handler. Must be called before Listen.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// SetOnReconnect replaces the reconnect callback. Must be called before
// Listen.
func (c *Client) SetOnReconnect(fn func()) {
	c.onReconnect = fn
}

func (c *Client) dialWebsocket(ctx context.Context) (wsConn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("auth failed (%d): %w", resp.StatusCode, err)
		}

		return nil, err
	}

	return conn, nil
}

// Connect dials the history server.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Debug("connecting", slog.String("url", c.url))

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(wsReadLimit)

	c.connMu.Lock()
	// Cancel any previous reader goroutine from a prior connection.
	if c.connCancel != nil {
		c.connCancel()
	}

	c.conn = conn
	c.connMu.Unlock()

	c.touchLastMessage()
	c.setConnected(true)

	return nil
}

// Send queues req for the event loop. Implements history.Sender. A
// request that cannot be queued is dropped and logged; the router's
// request timeout takes care of it.
func (c *Client) Send(req models.HistoryRequest) {
	if err := c.Enqueue(req); err != nil {
		c.logger.Debug("history request dropped",
			slog.String("peer", req.Peer),
			slog.String("room", req.Room),
			slog.String("error", err.Error()),
		)
	}
}

// Enqueue queues req without blocking. It fails when the connection is
// down or the outbound queue is full.
func (c *Client) Enqueue(req models.HistoryRequest) error {
	if !c.Connected() {
		return apperrors.ErrNotConnected
	}

	select {
	case c.outCh <- req:
		return nil
	default:
		return fmt.Errorf("outbound queue full (%d)", outboundChanSize)
	}
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures ch and conn by value so a reader left over
// from a previous connection cannot deliver into the new channel.
func (c *Client) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	c.inboundCh = ch

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// newConnContext replaces the per-connection context and starts a
// reader bound to it.
func (c *Client) newConnContext(ctx context.Context) context.Context {
	connCtx, connCancel := context.WithCancel(ctx)

	c.connMu.Lock()
	c.connCancel = connCancel
	c.connMu.Unlock()

	c.startReader(connCtx)

	return connCtx
}

func (c *Client) cancelConn() {
	c.connMu.Lock()
	if c.connCancel != nil {
		c.connCancel()
	}
	c.connMu.Unlock()
}

// Listen is the event loop with automatic reconnection. Returns only on
// permanent errors or context cancellation.
func (c *Client) Listen(ctx context.Context) error {
	backoff := reconnectMin

	connCtx := c.newConnContext(ctx)

	for {
		err := c.eventLoop(ctx, connCtx)
		if err == nil {
			return nil
		}

		c.setConnected(false)
		c.cancelConn()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isPermanentError(err) {
			return fmt.Errorf("permanent error: %w", err)
		}

		c.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		for {
			jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter

			timer := time.NewTimer(backoff + jitter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}

			err := c.reconnect(ctx)
			if err == nil {
				break
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			if isPermanentError(err) {
				return fmt.Errorf("permanent reconnect error: %w", err)
			}

			c.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
		}

		connCtx = c.newConnContext(ctx)
		backoff = reconnectMin

		c.logger.Info("reconnected")

		if c.onReconnect != nil {
			c.onReconnect()
		}
	}
}

// reconnect drops requests queued for the old connection and dials a
// fresh one. The reconnect callback re-issues whatever is still needed.
func (c *Client) reconnect(ctx context.Context) error {
	dropped := c.drainOutbound()
	if dropped > 0 {
		c.logger.Debug("dropped stale requests", slog.Int("count", dropped))
	}

	return c.Connect(ctx)
}

func (c *Client) drainOutbound() int {
	n := 0

	for {
		select {
		case <-c.outCh:
			n++
		default:
			return n
		}
	}
}

// eventLoop is the single event loop for one connection. Returns on
// read or write error, heartbeat timeout, or context cancellation.
func (c *Client) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			c.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			c.handleInbound(msg.data)

		case req := <-c.outCh:
			if err := c.writeJSON(ctx, req); err != nil {
				return fmt.Errorf("sending history request: %w", err)
			}

		case <-ticker.C:
			c.lastMsgMu.Lock()
			elapsed := time.Since(c.lastMessage)
			c.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				c.logger.Warn("connection timed out, closing")
				c.closeConn(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := c.writeJSON(ctx, map[string]string{"type": framePing}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound classifies one text frame and hands it to the Handler.
// Frames that do not parse are logged and skipped; they never take the
// connection down.
func (c *Client) handleInbound(data []byte) {
	if !gjson.ValidBytes(data) {
		c.logger.Debug("unparseable text frame", slog.Int("bytes", len(data)))
		return
	}

	typ := gjson.GetBytes(data, "type").String()

	switch {
	case typ == framePong:
		return

	case typ == frameMessage:
		var msg models.LiveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("failed to decode live message", slog.String("error", err.Error()))
			return
		}

		if err := c.handler.HandleLiveMessage(msg); err != nil {
			c.logger.Debug("live message skipped", slog.String("error", err.Error()))
		}

	case gjson.GetBytes(data, "rows").Exists():
		var res models.HistoryResult
		if err := json.Unmarshal(data, &res); err != nil {
			c.logger.Warn("failed to decode history result", slog.String("error", err.Error()))
			return
		}

		if err := c.handler.HandleHistoryResult(res); err != nil {
			c.logger.Debug("history result skipped", slog.String("error", err.Error()))
		}

	default:
		c.logger.Debug("unexpected frame", slog.String("type", typ))
	}
}

func (c *Client) setConnected(v bool) {
	c.connectedMu.Lock()
	c.connected = v
	c.connectedMu.Unlock()
}

// Connected reports whether the WebSocket connection is live.
func (c *Client) Connected() bool {
	c.connectedMu.RLock()
	v := c.connected
	c.connectedMu.RUnlock()

	return v
}

// Close cleanly shuts down the WebSocket connection.
func (c *Client) Close() error {
	c.setConnected(false)
	c.cancelConn()

	return c.closeConn(websocket.StatusNormalClosure, "bye")
}

func (c *Client) closeConn(code websocket.StatusCode, reason string) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return nil
	}

	return conn.Close(code, reason)
}

// isPermanentError returns true for errors that won't resolve on retry.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	return strings.Contains(msg, "auth failed")
}

func (c *Client) touchLastMessage() {
	c.lastMsgMu.Lock()
	c.lastMessage = time.Now()
	c.lastMsgMu.Unlock()
}

// writeJSON marshals v to JSON and writes it as a text frame. Only
// called from the event loop.
func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	return conn.Write(ctx, websocket.MessageText, data)
}
