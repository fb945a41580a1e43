// Package ws implements the signal relay transport over a websocket
// connection to the chat backend. Inbound signals arrive as pushed
// batches from a server-side live query; outbound operations are JSON
// frames, correlated by request ID where a reply is expected.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/solidchat/talks-rtc/pkg/signaling"
)

var (
	// ErrClientClosed is returned after Close has been called.
	ErrClientClosed = errors.New("ws: client closed")
	// ErrDisconnected is returned when a request is in flight while the
	// connection drops. The caller decides whether to retry.
	ErrDisconnected = errors.New("ws: connection lost")
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	initialBackoff      = time.Second
	maxBackoff          = 30 * time.Second
	batchBuffer         = 16
)

// Config configures a relay client.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://chat.example.com/rtc.
	URL string

	// Token is the bearer token presented on dial. If it is a JWT with
	// an exp claim that already passed, Connect logs a warning but
	// still dials, since the server is the authority on validity.
	Token string

	DialTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

// Client is a signaling.Transport backed by a single websocket
// connection with automatic reconnect. All exported methods are safe
// for concurrent use.
type Client struct {
	mu sync.Mutex

	cfg  Config
	log  logging.LeveledLogger
	dial func(ctx context.Context) (*websocket.Conn, error)

	conn    *websocket.Conn
	pending map[string]chan response
	batches chan []signaling.Signal

	closed  bool
	done    chan struct{}
	readers sync.WaitGroup
}

var _ signaling.Transport = (*Client)(nil)

// NewClient creates a relay client. It does not dial; call Connect.
func NewClient(cfg Config) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	c := &Client{
		cfg:     cfg,
		log:     lf.NewLogger("ws"),
		pending: make(map[string]chan response),
		batches: make(chan []signaling.Signal, batchBuffer),
		done:    make(chan struct{}),
	}
	c.dial = c.dialOnce
	return c
}

// Connect dials the relay and starts the read loop. The read loop
// reconnects with capped exponential backoff until Close is called.
func (c *Client) Connect(ctx context.Context) error {
	c.warnIfTokenExpired()

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("ws: dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.readers.Add(1)
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// warnIfTokenExpired decodes the token without verifying the signature.
// Verification is the server's job; this only surfaces the common
// failure of reusing a stale token from a saved session.
func (c *Client) warnIfTokenExpired() {
	if c.cfg.Token == "" {
		return
	}
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(c.cfg.Token, &claims); err != nil {
		return
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		c.log.Warnf("auth token expired at %s, server will likely reject the dial", claims.ExpiresAt)
	}
}

// Batches delivers pushed signal batches. The channel is closed by
// Close. A batch preserves the order the server pushed it in; ordering
// across batches is the consumer's problem.
func (c *Client) Batches() <-chan []signaling.Signal {
	return c.batches
}

// Send implements signaling.Transport. It is fire-and-forget: delivery
// is confirmed by the remote side acting on the signal, not by an ack.
func (c *Client) Send(ctx context.Context, to string, typ signaling.SignalType, payload any) error {
	params, err := json.Marshal(sendSignalParams{To: to, Type: typ, Payload: payload})
	if err != nil {
		return fmt.Errorf("ws: marshal signal payload: %w", err)
	}
	return c.write(ctx, request{Action: actionSendSignal, Params: params})
}

// Delete implements signaling.Transport.
func (c *Client) Delete(ctx context.Context, signalID string) error {
	params, err := json.Marshal(deleteSignalParams{SignalID: signalID})
	if err != nil {
		return err
	}
	return c.write(ctx, request{Action: actionDeleteSignal, Params: params})
}

// JoinCallRoster implements signaling.Transport.
func (c *Client) JoinCallRoster(ctx context.Context, channelID string) ([]string, error) {
	var out rosterResult
	if err := c.call(ctx, actionCallJoin, channelParams{ChannelID: channelID}, &out); err != nil {
		return nil, err
	}
	return out.Participants, nil
}

// LeaveCallRoster implements signaling.Transport.
func (c *Client) LeaveCallRoster(ctx context.Context, channelID string) error {
	return c.call(ctx, actionCallLeave, channelParams{ChannelID: channelID}, nil)
}

// Roster implements signaling.Transport.
func (c *Client) Roster(ctx context.Context, channelID string) ([]string, error) {
	var out rosterResult
	if err := c.call(ctx, actionCallRoster, channelParams{ChannelID: channelID}, &out); err != nil {
		return nil, err
	}
	return out.Participants, nil
}

// Close tears down the connection and fails all in-flight requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	close(c.done)
	c.failPendingLocked(ErrClientClosed)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	go func() {
		c.readers.Wait()
		close(c.batches)
	}()
	return nil
}

// call sends a correlated request and waits for its response frame.
func (c *Client) call(ctx context.Context, action string, params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ctx, request{ID: id, Action: action, Params: raw}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case resp := <-ch:
		if resp.Type == responseError {
			return fmt.Errorf("ws: %s: %s", action, resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

// write serializes a frame on the live connection. gorilla allows only
// one concurrent writer, so writes go through the client mutex.
func (c *Client) write(ctx context.Context, req request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.conn == nil {
		return ErrDisconnected
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(req)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.readers.Done()
	for {
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			c.onConnLost(conn, err)
			return
		}

		switch resp.Type {
		case responseSignals:
			if len(resp.Signals) == 0 {
				continue
			}
			select {
			case c.batches <- resp.Signals:
			case <-c.done:
				return
			}
		case responseResult, responseError:
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- resp
			} else {
				c.log.Debugf("response for unknown request id %s", resp.ID)
			}
		default:
			c.log.Debugf("unknown frame type %q", resp.Type)
		}
	}
}

// onConnLost fails in-flight requests and starts the reconnect loop.
func (c *Client) onConnLost(conn *websocket.Conn, err error) {
	conn.Close()

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.failPendingLocked(ErrDisconnected)
	c.mu.Unlock()

	c.log.Warnf("connection lost: %v, reconnecting", err)
	go c.reconnectLoop()
}

func (c *Client) failPendingLocked(err error) {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- response{Type: responseError, Error: err.Error()}
	}
}

func (c *Client) reconnectLoop() {
	backoff := initialBackoff
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.log.Warnf("redial failed: %v, next attempt in %s", err, backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.readers.Add(1)
		c.mu.Unlock()

		c.log.Infof("reconnected to %s", c.cfg.URL)
		go c.readLoop(conn)
		return
	}
}
