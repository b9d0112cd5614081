// Package websocket implements the event transport over a JSON-framed websocket.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"eventbot/pkg/transport"

	"github.com/gorilla/websocket"
)

const (
	// DefaultPath is used when the address carries no path.
	DefaultPath = "/ws"

	ackEvent          = "ack"
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	dialTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	Path string
	// Reconnect re-dials after the connection drops.
	Reconnect bool
	// ReconnectAttempts bounds re-dials per outage. Zero means unlimited.
	ReconnectAttempts int
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	Logger            *slog.Logger
}

// frame is the wire unit in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    uint64          `json:"id,omitempty"`
}

// Client is a reconnecting websocket transport.
type Client struct {
	opts      Options
	log       *slog.Logger
	dialer    websocket.Dialer
	callbacks transport.Callbacks

	mu      sync.Mutex
	conn    *websocket.Conn
	url     string
	started bool

	writeMu sync.Mutex

	ackMu  sync.Mutex
	acks   map[uint64]transport.AckFunc
	nextID atomic.Uint64

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

var _ transport.Transport = (*Client)(nil)

// New creates an unconnected client.
func New(opts Options) *Client {
	if strings.TrimSpace(opts.Path) == "" {
		opts.Path = DefaultPath
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	if opts.ReconnectAttempts < 0 {
		opts.ReconnectAttempts = 0
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		opts:    opts,
		log:     log.With("component", "transport.websocket"),
		dialer:  *websocket.DefaultDialer,
		acks:    make(map[uint64]transport.AckFunc),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// On registers fn for an inbound event name.
func (c *Client) On(event string, fn transport.Callback) {
	c.callbacks.On(event, fn)
}

// Connect dials address once. Failures here are returned, later drops are retried in the background.
func (c *Client) Connect(ctx context.Context, address string) error {
	target, err := websocketURL(address, c.opts.Path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		return errors.New("websocket client already connected")
	}

	conn, err := c.dial(ctx, target)
	if err != nil {
		return fmt.Errorf("connect %s: %w", target, err)
	}

	c.mu.Lock()
	if c.isClosing() {
		c.mu.Unlock()
		_ = conn.Close()
		return transport.ErrClosed
	}
	c.started = true
	c.url = target
	c.conn = conn
	c.mu.Unlock()

	go c.run(conn)
	return nil
}

// Emit writes one event frame. With a non-nil ack the frame carries an id the remote echoes back.
func (c *Client) Emit(ctx context.Context, event string, payload any, ack transport.AckFunc) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	out := frame{Event: event, Data: data}
	if ack != nil {
		out.ID = c.nextID.Add(1)
		c.ackMu.Lock()
		c.acks[out.ID] = ack
		c.ackMu.Unlock()
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		c.dropAck(out.ID)
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.dropAck(out.ID)
		return transport.ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		c.dropAck(out.ID)
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() { close(c.closing) })

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
	return nil
}

// Wait blocks until the client stops. It returns nil after Disconnect or a
// clean remote close, and an error when reconnecting gave up.
func (c *Client) Wait() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return transport.ErrNotConnected
	}

	<-c.done
	return c.err
}

func (c *Client) run(conn *websocket.Conn) {
	for {
		c.log.Info("Connected", "url", c.url)
		c.callbacks.Fire(transport.EventConnect, nil)

		readErr := c.read(conn)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.dropPendingAcks()

		c.callbacks.Fire(transport.EventDisconnect, nil)

		if c.isClosing() {
			c.log.Info("Disconnected")
			c.finish(nil)
			return
		}
		if !c.opts.Reconnect {
			c.log.Info("Connection closed by remote", "error", readErr)
			c.finish(nil)
			return
		}

		c.log.Warn("Connection lost, reconnecting", "error", readErr)
		next, err := c.reconnect()
		if err != nil {
			c.log.Error("Reconnect gave up", "error", err)
			c.finish(err)
			return
		}
		if next == nil {
			c.finish(nil)
			return
		}
		conn = next
	}
}

func (c *Client) read(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var in frame
		if err := json.Unmarshal(data, &in); err != nil {
			c.log.Warn("Ignoring invalid frame", "error", err)
			continue
		}

		if in.Event == ackEvent {
			c.ack(in.ID, in.Data)
			continue
		}
		if !c.callbacks.Fire(in.Event, in.Data) {
			c.log.Debug("Unhandled event", "event", in.Event)
		}
	}
}

// reconnect re-dials with capped exponential backoff. A nil conn with a nil
// error means Disconnect was requested meanwhile.
func (c *Client) reconnect() (*websocket.Conn, error) {
	backoff := c.opts.MinBackoff
	for attempt := 1; c.opts.ReconnectAttempts == 0 || attempt <= c.opts.ReconnectAttempts; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-c.closing:
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, err := c.dial(ctx, c.url)
		cancel()
		if err == nil {
			c.mu.Lock()
			if c.isClosing() {
				c.mu.Unlock()
				_ = conn.Close()
				return nil, nil
			}
			c.conn = conn
			c.mu.Unlock()
			return conn, nil
		}

		c.log.Warn("Reconnect failed", "attempt", attempt, "backoff", backoff, "error", err)
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}

	return nil, fmt.Errorf("reconnect to %s: gave up after %d attempts", c.url, c.opts.ReconnectAttempts)
}

func (c *Client) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	return conn, err
}

func (c *Client) ack(id uint64, data []byte) {
	c.ackMu.Lock()
	fn, ok := c.acks[id]
	delete(c.acks, id)
	c.ackMu.Unlock()

	if !ok {
		c.log.Debug("Ack for unknown frame", "id", id)
		return
	}
	fn(data)
}

func (c *Client) dropAck(id uint64) {
	if id == 0 {
		return
	}
	c.ackMu.Lock()
	delete(c.acks, id)
	c.ackMu.Unlock()
}

func (c *Client) dropPendingAcks() {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if len(c.acks) > 0 {
		c.log.Debug("Dropping unanswered acks", "count", len(c.acks))
		clear(c.acks)
	}
}

func (c *Client) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Client) finish(err error) {
	c.err = err
	close(c.done)
}

// websocketURL maps http(s) addresses to ws(s) and fills in the default path.
func websocketURL(address string, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(address))
	if err != nil {
		return "", fmt.Errorf("parse address %q: %w", address, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported address scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("address %q has no host", address)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = path
	}

	return u.String(), nil
}
