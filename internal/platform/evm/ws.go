package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 1 << 20
)

// LogHandler receives decoded subscription logs in connection order.
type LogHandler func(types.Log)

// LogFilter is the eth_subscribe("logs", ...) filter.
type LogFilter struct {
	Addresses []common.Address `json:"address,omitempty"`
	Topics    [][]common.Hash  `json:"topics,omitempty"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// WSClient is a websocket JSON-RPC client for eth_subscribe log streams.
// One client holds one connection; the feed adapter owns reconnection and
// backoff, so a read failure here surfaces once on Done and the client is
// discarded.
type WSClient struct {
	url    string
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler LogHandler
	filters []LogFilter
	pending map[uint64]chan rpcResponse
	nextID  atomic.Uint64

	done     chan struct{}
	closeErr error
	once     sync.Once
}

// NewWSClient creates a client for the given websocket RPC endpoint.
func NewWSClient(url string, logger *slog.Logger) *WSClient {
	return &WSClient{
		url:     url,
		logger:  logger.With(slog.String("component", "evm_ws")),
		pending: make(map[uint64]chan rpcResponse),
		done:    make(chan struct{}),
	}
}

// OnLog registers the handler invoked for every subscription log. Must be
// called before Connect.
func (c *WSClient) OnLog(h LogHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect dials the endpoint and starts the read and keepalive loops.
func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}
	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop()
	go c.pingLoop()

	c.logger.Info("connected", slog.String("url", c.url))
	return nil
}

// SubscribeLogs opens a log subscription for the filter. Filters are
// remembered so Resubscribe can restore them on a fresh connection.
func (c *WSClient) SubscribeLogs(ctx context.Context, f LogFilter) error {
	if err := c.subscribe(ctx, f); err != nil {
		return err
	}
	c.mu.Lock()
	c.filters = append(c.filters, f)
	c.mu.Unlock()
	return nil
}

// Resubscribe replays all remembered filters. Called by the feed adapter
// after reconnecting.
func (c *WSClient) Resubscribe(ctx context.Context) error {
	c.mu.Lock()
	filters := make([]LogFilter, len(c.filters))
	copy(filters, c.filters)
	c.mu.Unlock()
	for _, f := range filters {
		if err := c.subscribe(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (c *WSClient) subscribe(ctx context.Context, f LogFilter) error {
	resp, err := c.call(ctx, "eth_subscribe", []any{"logs", f})
	if err != nil {
		return fmt.Errorf("eth_subscribe: %w", err)
	}
	var subID string
	if err := json.Unmarshal(resp, &subID); err != nil {
		return fmt.Errorf("decoding subscription id: %w", err)
	}
	c.logger.Debug("subscribed", slog.String("subscription", subID), slog.Int("addresses", len(f.Addresses)))
	return nil
}

func (c *WSClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.writeJSON(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, fmt.Errorf("connection closed: %w", c.closeErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *WSClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *WSClient) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			c.shutdown(fmt.Errorf("connection gone"))
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}

		if resp.Method == "eth_subscription" {
			var lg types.Log
			if err := json.Unmarshal(resp.Params.Result, &lg); err != nil {
				c.logger.Warn("dropping undecodable log", slog.String("error", err.Error()))
				continue
			}
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h(lg)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *WSClient) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) shutdown(err error) {
	c.once.Do(func() {
		c.closeErr = err
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		close(c.done)
	})
}

// Done is closed when the connection fails or Close is called. Err reports
// the cause afterward.
func (c *WSClient) Done() <-chan struct{} { return c.done }

// Err returns the terminal connection error. Valid only after Done closes.
func (c *WSClient) Err() error { return c.closeErr }

// Close tears down the connection.
func (c *WSClient) Close() {
	c.shutdown(fmt.Errorf("closed"))
}
