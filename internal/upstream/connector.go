// Package upstream owns one outbound connection to the tier above
// (exchange feed or a lower proxy tier) and keeps it alive forever.
package upstream

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"feedproxy/internal/obs"
	"feedproxy/internal/proto"
	"feedproxy/pkg/scanner"
)

var (
	ErrNotConnected = errors.New("upstream: not connected")
	ErrAuthRejected = errors.New("upstream: authentication rejected")
)

const (
	authTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
	defaultQueueSize = 256
	defaultBackoff   = time.Second
	defaultKeepAlive = 30 * time.Second
)

// Config defines one upstream link.
type Config struct {
	// URL of the upstream websocket endpoint.
	URL string
	// Credential sent in the auth handshake.
	Credential string
	// Backoff is the fixed wait between reconnect attempts.
	Backoff time.Duration
	// KeepAlive is the ping interval; a failed ping counts as loss.
	KeepAlive time.Duration
	// QueueSize bounds the outbound command queue.
	QueueSize int
	// CurrentSet returns the subscription set to issue after auth.
	// Called on every (re)connect so churn during an outage is
	// respected; never a stale snapshot.
	CurrentSet func() []proto.Key
	// Handler receives every inbound payload unmodified.
	Handler func(payload []byte)
}

// Connector maintains the connection, retrying forever on loss.
type Connector struct {
	name      string
	cfg       Config
	metrics   *obs.Metrics
	outbound  chan []byte
	connected atomic.Bool
}

// New creates a connector. name labels log lines only.
func New(name string, cfg Config, metrics *obs.Metrics) *Connector {
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Connector{
		name:     name,
		cfg:      cfg,
		metrics:  metrics,
		outbound: make(chan []byte, cfg.QueueSize),
	}
}

// Connected reports whether a session is currently established.
func (c *Connector) Connected() bool {
	return c.connected.Load()
}

// Subscribe sends a subscribe command for the keys. A send while
// disconnected is dropped: the reconnect path re-issues the full
// current set anyway.
func (c *Connector) Subscribe(keys []proto.Key) error {
	return c.sendCommand(proto.ActionSubscribe, keys)
}

// Unsubscribe sends an unsubscribe command for the keys.
func (c *Connector) Unsubscribe(keys []proto.Key) error {
	return c.sendCommand(proto.ActionUnsubscribe, keys)
}

func (c *Connector) sendCommand(action string, keys []proto.Key) error {
	if len(keys) == 0 {
		return nil
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(proto.Command{Action: action, Params: proto.FormatKeyList(keys)})
	if err != nil {
		return errors.Wrap(err, "marshal command")
	}
	select {
	case c.outbound <- payload:
		return nil
	default:
		return errors.Errorf("upstream %s: command queue full", c.name)
	}
}

// Run drives the connection lifecycle until ctx is done. Connection
// loss of any kind waits the fixed backoff and retries indefinitely.
func (c *Connector) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.runOnce(ctx)
		c.connected.Store(false)
		c.drainOutbound()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.metrics.IncReconnect()
		logs.Warnf("upstream %s disconnected: %v, reconnecting in %s", c.name, err, c.cfg.Backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.Backoff):
		}
	}
}

func (c *Connector) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, authTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()

	if err := c.authenticate(conn); err != nil {
		return err
	}
	logs.Infof("upstream %s connected: %s", c.name, c.cfg.URL)

	if c.cfg.CurrentSet != nil {
		if keys := c.cfg.CurrentSet(); len(keys) > 0 {
			if err := writeCommand(conn, proto.ActionSubscribe, keys); err != nil {
				return errors.Wrap(err, "issue subscription set")
			}
			logs.Infof("upstream %s re-subscribed %d keys", c.name, len(keys))
		}
	}
	c.connected.Store(true)

	return c.session(ctx, conn)
}

func (c *Connector) authenticate(conn *websocket.Conn) error {
	payload, err := json.Marshal(proto.Command{Action: proto.ActionAuth, Params: c.cfg.Credential})
	if err != nil {
		return errors.Wrap(err, "marshal auth")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(authTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrap(err, "write auth")
	}
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read auth response")
		}
		status, ok := scanner.ScanStringField(frame, []byte(`"status"`))
		if !ok {
			continue
		}
		switch string(status) {
		case proto.StatusAuthSuccess:
			return nil
		case proto.StatusAuthFailed:
			return ErrAuthRejected
		}
	}
}

func (c *Connector) session(ctx context.Context, conn *websocket.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go c.readLoop(sessionCtx, conn, errCh)

	keepAlive := time.NewTicker(c.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case payload := <-c.outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return errors.Wrap(err, "write command")
			}
		case <-keepAlive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return errors.Wrap(err, "keep-alive")
			}
		}
	}
}

func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if c.cfg.Handler != nil {
			c.cfg.Handler(payload)
		}
	}
}

func (c *Connector) drainOutbound() {
	for {
		select {
		case <-c.outbound:
		default:
			return
		}
	}
}

func writeCommand(conn *websocket.Conn, action string, keys []proto.Key) error {
	payload, err := json.Marshal(proto.Command{Action: action, Params: proto.FormatKeyList(keys)})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
