// Package feed implements the inbound trade-feed collaborator: a WebSocket
// client that receives normalized trade messages and hands the controller
// batches of model.Trade records.
//
// The core assumes trades arrive already normalized and priced in the
// instrument's quote currency; this package is the reference implementation
// of the transport edge, not part of the aggregation contract.
package feed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"barstream/internal/model"
)

const (
	// defaultPingPeriod defines the interval for WebSocket ping messages.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout bounds WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit caps incoming WebSocket message size.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout bounds the WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second
)

// ErrClientShuttingDown indicates the client is in the process of shutting down.
var ErrClientShuttingDown = errors.New("client is shutting down")

// ClientConfig defines settings for the feed client.
type ClientConfig struct {
	// Endpoint is the WebSocket URL to connect to. Required.
	Endpoint string

	// Handler is called for each incoming message and pushes decoded trade
	// batches onto the batch channel. Required.
	Handler func([]byte, chan<- []model.Trade) error

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between WebSocket pings.
	PingPeriod time.Duration

	// SendTimeout bounds WebSocket write operations.
	SendTimeout time.Duration

	// SubscriptionMessages are sent immediately after connecting.
	SubscriptionMessages [][]byte
}

// Client wraps a websocket.Conn with lifecycle and message handling logic,
// delivering decoded trade batches to consumers.
type Client struct {
	conn atomic.Value // stores *websocket.Conn

	// BatchChan delivers decoded trade batches to the consumer.
	BatchChan chan []model.Trade

	disconnect chan struct{}
	errChan    chan error
	cfg        *ClientConfig
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
	wg         sync.WaitGroup
}

// NewClient returns a connected feed client with its read, ping, and
// shutdown goroutines running.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
		BatchChan:  make(chan []model.Trade, 1000),
	}

	if err := client.run(cfg.SubscriptionMessages); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start feed client: %w", err)
	}
	return client, nil
}

// run establishes the connection, sends subscription messages, and starts
// the background goroutines.
func (c *Client) run(subMsgs [][]byte) error {
	logger := log.With().Str("endpoint", c.cfg.Endpoint).Logger()
	logger.Info().Msg("starting feed client")

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}

	c.conn.Store(conn)
	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(appData string) error {
		deadline := time.Now().Add(c.cfg.PingPeriod * 2)
		if err := conn.SetReadDeadline(deadline); err != nil {
			logger.Warn().Err(err).Msg("failed to set read deadline in pong handler")
		}
		return nil
	})

	for _, msg := range subMsgs {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Error().Err(err).Msg("subscription error")
			return err
		}
	}

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	go func() {
		defer c.wg.Done()
		<-c.ctx.Done()
		c.Close()
	}()

	return nil
}

// readLoop reads messages and delegates decoding to the configured handler.
func (c *Client) readLoop() {
	conn := c.conn.Load().(*websocket.Conn)
	logger := log.With().Str("endpoint", c.cfg.Endpoint).Str("component", "readLoop").Logger()

	defer func() {
		logger.Info().Msg("read loop exiting")
		close(c.disconnect)
		close(c.BatchChan)
		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info().Err(err).Msg("websocket closed normally")
				} else if websocket.IsUnexpectedCloseError(err) {
					logger.Warn().Err(err).Msg("unexpected websocket closure")
				} else {
					logger.Error().Err(err).Msg("read error")
				}
				select {
				case c.errChan <- err:
				default:
				}
				return
			}

			func() {
				// A panicking handler must not take the client down.
				defer func() {
					if r := recover(); r != nil {
						logger.Error().Any("recover", r).Msg("panic in message handler")
					}
				}()
				if err := c.cfg.Handler(data, c.BatchChan); err != nil {
					logger.Error().Err(err).Msg("error handling feed message")
				}
			}()
		}
	}
}

// pingLoop keeps the connection alive with periodic pings.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := log.With().Str("endpoint", c.cfg.Endpoint).Str("component", "pingLoop").Logger()

	for {
		select {
		case <-ticker.C:
			connVal := c.conn.Load()
			if connVal == nil {
				continue
			}
			conn := connVal.(*websocket.Conn)
			if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
				logger.Warn().Err(err).Msg("failed to set write deadline")
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn().Err(err).Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close gracefully shuts down the client. Safe to call multiple times.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().Str("endpoint", c.cfg.Endpoint).Logger()
		logger.Info().Msg("shutting down feed client")

		c.cancel()

		if conn := c.conn.Load(); conn != nil {
			if ws, isConn := conn.(*websocket.Conn); isConn {
				if err := ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				); err != nil {
					logger.Warn().Err(err).Msg("failed to send close frame")
				}
				if err := ws.Close(); err != nil {
					logger.Warn().Err(err).Msg("error closing websocket connection")
				}
			}
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}
	})
}

// dial establishes the WebSocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := log.With().Str("endpoint", c.cfg.Endpoint).Logger()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			logger.Error().Err(err).Int("statusCode", resp.StatusCode).Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("feed connection established")
	return conn, nil
}

// DisconnectChan returns a channel closed when the connection is lost.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel emitting terminal read errors.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
