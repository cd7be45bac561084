// Package gateway implements the persistent WebSocket RPC client for the
// agent execution gateway.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrConnectTimeout is returned when the handshake does not complete in time.
	ErrConnectTimeout = errors.New("gateway: connect timeout")
	// ErrClientStopped fails in-flight calls when Disconnect is called.
	ErrClientStopped = errors.New("gateway: client stopped")
	// ErrConnectionClosed fails in-flight calls when the socket drops.
	ErrConnectionClosed = errors.New("gateway: connection closed")
	// ErrRequestTimeout is returned when no final response arrives in time.
	ErrRequestTimeout = errors.New("gateway: request timeout")
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 10 * time.Minute
	writeTimeout          = 10 * time.Second
	maxMessageSize        = 16 << 20
)

// Options configures a Client.
type Options struct {
	URL            string
	Token          string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	// OnDisconnect fires when the socket closes without Disconnect being called.
	OnDisconnect func(err error)
	Dialer       *websocket.Dialer
	Logger       zerolog.Logger
}

type pendingCall struct {
	method string
	ch     chan callResult
}

type callResult struct {
	payload json.RawMessage
	err     error
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// Client is a goroutine-safe RPC client. It holds at most one socket and
// never reconnects on its own; the next Connect or Request dials again.
type Client struct {
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	ready      bool
	connecting *connectAttempt
	pending    map[string]*pendingCall

	writeMu sync.Mutex
}

// NewClient creates a client. It does not dial until Connect or Request.
func NewClient(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ClientName == "" {
		opts.ClientName = "workloop"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "gateway").Logger(),
		pending: make(map[string]*pendingCall),
	}
}

// Connected reports whether the handshake has completed on the current socket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.ready
}

// Connect dials the gateway and performs the handshake. Concurrent callers
// share one attempt; calling it while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil && c.ready {
		c.mu.Unlock()
		return nil
	}
	if a := c.connecting; a != nil {
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	c.connecting = attempt
	c.mu.Unlock()

	err := c.dialAndHandshake(ctx)

	c.mu.Lock()
	c.connecting = nil
	c.mu.Unlock()

	attempt.err = err
	close(attempt.done)
	return err
}

func (c *Client) dialAndHandshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: dial %s", ErrConnectTimeout, c.opts.URL)
		}
		return fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c.mu.Lock()
	c.conn = conn
	c.ready = false
	c.mu.Unlock()

	go c.readLoop(conn)

	params := ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client: ClientInfo{
			Name:    c.opts.ClientName,
			Version: c.opts.ClientVersion,
			Mode:    "backend",
		},
		Caps: []string{},
	}
	if c.opts.Token != "" {
		params.Auth = &AuthInfo{Token: c.opts.Token}
	}

	payload, err := c.call(ctx, conn, "connect", params, c.opts.ConnectTimeout)
	if err != nil {
		c.dropConn(conn)
		if errors.Is(err, ErrRequestTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return ErrConnectTimeout
		}
		return fmt.Errorf("gateway handshake: %w", err)
	}

	var hello HelloPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &hello); err != nil {
			c.logger.Warn().Err(err).Msg("unparseable handshake payload")
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.ready = true
	}
	c.mu.Unlock()

	c.logger.Info().
		Str("url", c.opts.URL).
		Int("protocol", hello.Protocol).
		Str("server_version", hello.Server.Version).
		Msg("gateway connected")
	return nil
}

// Request sends a correlated request and waits for its final response. A zero
// timeout uses the client default.
func (c *Client) Request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrConnectionClosed
	}

	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}
	return c.call(ctx, conn, method, params, timeout)
}

func (c *Client) call(ctx context.Context, conn *websocket.Conn, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.New().String()
	pc := &pendingCall{method: method, ch: make(chan callResult, 1)}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = pc
	c.mu.Unlock()

	frame := RequestFrame{Type: FrameTypeRequest, ID: id, Method: method, Params: params}
	if err := c.writeJSON(conn, frame); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.ch:
		return res.payload, res.err
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) writeJSON(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop delivers response frames until the socket fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		var frame ResponseFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed gateway frame")
			continue
		}
		if frame.Type != FrameTypeResponse || !frame.IsFinal() {
			continue
		}
		c.resolve(&frame)
	}
}

func (c *Client) resolve(frame *ResponseFrame) {
	c.mu.Lock()
	pc, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("id", frame.ID).Msg("response for unknown request")
		return
	}

	if frame.OK {
		pc.ch <- callResult{payload: frame.Payload}
		return
	}
	rpcErr := &RPCError{Method: pc.method, Message: "request failed"}
	if frame.Error != nil {
		rpcErr.Code = frame.Error.Code
		rpcErr.Message = frame.Error.Message
	}
	pc.ch <- callResult{err: rpcErr}
}

// handleClose fails pending calls after an unexpected socket closure.
func (c *Client) handleClose(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.ready = false
	c.failPendingLocked(fmt.Errorf("%w: %v", ErrConnectionClosed, cause))
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn().Err(cause).Msg("gateway connection lost")
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(cause)
	}
}

// dropConn tears down a socket whose handshake failed.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ready = false
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) failPendingLocked(err error) {
	for id, pc := range c.pending {
		pc.ch <- callResult{err: err}
		delete(c.pending, id)
	}
}

// Disconnect closes the socket and fails in-flight calls with ErrClientStopped.
// Safe to call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.ready = false
	c.failPendingLocked(ErrClientStopped)
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	conn.Close()
}
