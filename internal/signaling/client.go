package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TransportState describes the health of the underlying websocket. Transport
// trouble is a network-quality signal, never a call-terminating condition.
type TransportState int

const (
	TransportConnected TransportState = iota
	TransportDisconnected
	TransportReconnecting
	TransportFailed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportReconnecting:
		return "reconnecting"
	case TransportFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sender is the minimal send surface consumers hold on to.
type Sender interface {
	Send(env Envelope) error
}

// ReconnectOptions bounds the automatic reconnect loop.
type ReconnectOptions struct {
	MaxAttempts int
	MaxDelay    time.Duration
}

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("signaling: connection closed")

// Client is one live signaling connection. It reads envelopes in a background
// loop, redials with capped exponential backoff when the socket drops, and
// reports transport transitions to the registered observer.
type Client struct {
	url    string
	opts   ReconnectOptions
	logger *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	handlerMu   sync.RWMutex
	onEvent     func(Envelope)
	onTransport func(TransportState)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to url and starts the read loop.
func Dial(ctx context.Context, url string, opts ReconnectOptions, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signaling server %s: %w", url, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:    url,
		opts:   opts,
		logger: logger.Named("signaling"),
		conn:   conn,
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnEvent registers the envelope handler. Must be set before traffic is
// expected; late envelopes arriving with no handler are dropped.
func (c *Client) OnEvent(fn func(Envelope)) {
	c.handlerMu.Lock()
	c.onEvent = fn
	c.handlerMu.Unlock()
}

// OnTransportState registers the transport observer.
func (c *Client) OnTransportState(fn func(TransportState)) {
	c.handlerMu.Lock()
	c.onTransport = fn
	c.handlerMu.Unlock()
}

// Send writes one envelope to the socket.
func (c *Client) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return ErrClosed
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to write %s: %w", env.Event, err)
	}
	return nil
}

// Close tears the connection down. Only the pool should call this; session
// code releases its pool reference instead.
func (c *Client) Close() error {
	c.cancel()

	c.writeMu.Lock()
	conn := c.conn
	c.conn = nil
	c.writeMu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// Done is closed when the read loop has exited for good.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()
		if conn == nil {
			return
		}

		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("signaling read failed", zap.Error(err))
			c.notifyTransport(TransportDisconnected)
			if !c.reconnect() {
				c.notifyTransport(TransportFailed)
				return
			}
			c.notifyTransport(TransportConnected)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.handlerMu.RLock()
	fn := c.onEvent
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(env)
	}
}

func (c *Client) notifyTransport(state TransportState) {
	c.handlerMu.RLock()
	fn := c.onTransport
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(state)
	}
}

// reconnect redials with capped exponential backoff up to MaxAttempts.
// Returns false when the budget is exhausted or the client was closed.
func (c *Client) reconnect() bool {
	c.notifyTransport(TransportReconnecting)

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 250 * time.Millisecond
	ebo.MaxInterval = c.opts.MaxDelay
	ebo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(c.opts.MaxAttempts)), c.ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		conn, _, derr := websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
		if derr != nil {
			c.logger.Warn("signaling redial failed",
				zap.Int("attempt", attempt), zap.Error(derr))
			return derr
		}

		c.writeMu.Lock()
		if c.ctx.Err() != nil {
			c.writeMu.Unlock()
			conn.Close()
			return backoff.Permanent(c.ctx.Err())
		}
		c.conn = conn
		c.writeMu.Unlock()
		return nil
	}, bo)

	if err != nil {
		c.logger.Error("signaling reconnect exhausted", zap.Error(err))
		return false
	}
	c.logger.Info("signaling reconnected", zap.Int("attempts", attempt))
	return true
}
