// Package wsclient is the exchange-agnostic WebSocket layer: one
// managed connection with ping/pong keepalive, exponential-backoff
// reconnect, and a raw-frame receive channel. Both Binance streams and
// the OKX public endpoint run through the same Client; only the
// subscribe frame and the heartbeat style differ per exchange.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrClientClosed is returned by Send/Recv once Close has been called.
var ErrClientClosed = errors.New("wsclient: client closed")

// ErrReconnectExhausted is reported on Fatal once the configured
// reconnect attempt budget is spent without a successful dial.
var ErrReconnectExhausted = errors.New("wsclient: reconnect attempts exhausted")

// Config parametrizes one connection. Subscribe, if non-nil, is sent
// immediately after every successful dial (initial and reconnect), so a
// reconnect transparently re-establishes the subscription; the owner
// hears about it on Resubscribed and can rebuild its book from scratch.
type Config struct {
	URL           string
	Subscribe     []byte
	PingInterval  time.Duration
	PongTimeout   time.Duration
	DialTimeout   time.Duration
	BackoffBase   time.Duration
	MaxBackoff    time.Duration
	HandshakeOnly bool // OKX sends its own app-level ping text frame instead of control pings

	// MaxReconnectAttempts bounds consecutive failed reconnect dials
	// before the client gives up and reports on Fatal. 0 means retry
	// forever.
	MaxReconnectAttempts int
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 65 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 1 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 300 * time.Second
	}
}

// Client is one managed WebSocket connection. The manager dials one
// Client per symbol worker, so every frame a Client delivers belongs to
// that worker's symbol.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	dialer websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	recvCh       chan []byte
	resubscribed chan struct{}
	fatalCh      chan error
	closed       bool
	closedMu     sync.RWMutex
}

// Dial opens the connection, sends the initial subscribe frame, and
// starts the background ping and read loops.
func Dial(cfg Config, logger zerolog.Logger) (*Client, error) {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		cfg:          cfg,
		logger:       logger,
		dialer:       websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		ctx:          ctx,
		cancel:       cancel,
		recvCh:       make(chan []byte, 256),
		resubscribed: make(chan struct{}, 1),
		fatalCh:      make(chan error, 1),
	}

	if err := c.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("wsclient: initial dial: %w", err)
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

func (c *Client) connect() error {
	dialCtx, dialCancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer dialCancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if len(c.cfg.Subscribe) > 0 {
		if err := c.Send(c.cfg.Subscribe); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	select {
	case c.resubscribed <- struct{}{}:
	default:
	}

	return nil
}

// Recv returns the channel of raw text frames read off the wire.
func (c *Client) Recv() <-chan []byte { return c.recvCh }

// Resubscribed fires once per successful (re)connect, after the
// subscribe frame has been sent. The owning worker listens on this to
// know its subscription was re-established and its local book must be
// rebuilt.
func (c *Client) Resubscribed() <-chan struct{} { return c.resubscribed }

// Fatal reports the unrecoverable failure, if any, that stopped this
// client's read loop (reconnect budget exhausted). The owner should
// tear the client down and build a fresh one.
func (c *Client) Fatal() <-chan error { return c.fatalCh }

// Send writes a frame to the current connection.
func (c *Client) Send(msg []byte) error {
	c.closedMu.RLock()
	closed := c.closed
	c.closedMu.RUnlock()
	if closed {
		return ErrClientClosed
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrClientClosed
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close tears down the connection and stops every background
// goroutine. Idempotent. The socket is closed before waiting so a read
// loop blocked in ReadMessage unblocks immediately instead of riding
// out its read deadline.
func (c *Client) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	c.cancel()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.wg.Wait()
	return err
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.closedMu.RLock()
			closed := c.closed
			c.closedMu.RUnlock()
			if closed {
				return
			}

			c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("wsclient read error, reconnecting")
			if rerr := c.reconnectWithBackoff(); rerr != nil {
				if errors.Is(rerr, ErrClientClosed) {
					return
				}
				c.logger.Error().Err(rerr).Msg("wsclient giving up on reconnect")
				select {
				case c.fatalCh <- rerr:
				default:
				}
				return
			}
			continue
		}

		select {
		case c.recvCh <- msg:
		case <-c.ctx.Done():
			return
		default:
			// Consumer is behind; drop the oldest frame rather than
			// stalling the read loop and letting the socket buffer grow.
			select {
			case <-c.recvCh:
			default:
			}
			select {
			case c.recvCh <- msg:
			default:
			}
			c.logger.Warn().Msg("wsclient receive queue full, dropped oldest frame")
		}
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				continue
			}
			if c.cfg.HandshakeOnly {
				// OKX expects a literal "ping" text frame and replies with
				// a literal "pong" text frame, not control frames.
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					c.logger.Warn().Err(err).Msg("wsclient text ping write failed")
				}
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.logger.Warn().Err(err).Msg("wsclient ping write failed")
			}
		}
	}
}

func (c *Client) reconnectWithBackoff() error {
	backoff := c.cfg.BackoffBase
	attempts := 0
	for {
		select {
		case <-c.ctx.Done():
			return ErrClientClosed
		case <-time.After(backoff):
		}

		if err := c.connect(); err != nil {
			attempts++
			if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
				return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, err)
			}
			c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("wsclient reconnect attempt failed")
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}

		c.logger.Info().Str("url", c.cfg.URL).Msg("wsclient reconnected")
		return nil
	}
}
