package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// authMessage carries the credential. Socket clients cannot set auth headers,
// so it must be the first message on the connection.
type authMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// SocketChannel is a Channel over a websocket with a single writer goroutine
type SocketChannel struct {
	url       string
	dialer    *websocket.Dialer
	queueSize int
	logger    zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	open      bool
	out       chan []byte
	done      chan struct{}
	onMessage func([]byte)
	onClose   func(int, string)
	onError   func(error)

	closeOnce sync.Once
}

// NewSocketChannel creates an unopened socket channel
func NewSocketChannel(url string, queueSize int, logger zerolog.Logger) *SocketChannel {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &SocketChannel{
		url:       url,
		dialer:    websocket.DefaultDialer,
		queueSize: queueSize,
		logger:    logger.With().Str("transport", string(ModeSocket)).Logger(),
	}
}

func (c *SocketChannel) Mode() Mode { return ModeSocket }

// ReusesCredential is true: the socket keeps the first credential for its lifetime
func (c *SocketChannel) ReusesCredential() bool { return true }

func (c *SocketChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *SocketChannel) OnClose(fn func(int, string)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *SocketChannel) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Open dials the endpoint and sends the credential as the first message
func (c *SocketChannel) Open(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.conn != nil || c.done != nil {
		c.mu.Unlock()
		return &Error{Mode: ModeSocket, Op: "open", Err: ErrAlreadyOpened}
	}
	c.done = make(chan struct{})
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return &Error{Mode: ModeSocket, Op: "dial", Err: err}
	}

	auth, err := json.Marshal(authMessage{Type: "session.authenticate", Token: token})
	if err != nil {
		conn.Close()
		return &Error{Mode: ModeSocket, Op: "authenticate", Err: err}
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		conn.Close()
		return &Error{Mode: ModeSocket, Op: "authenticate", Err: err}
	}

	if err := ctx.Err(); err != nil {
		conn.Close()
		return &Error{Mode: ModeSocket, Op: "open", Err: err}
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	c.mu.Lock()
	select {
	case <-c.done:
		// Closed while dialing
		c.mu.Unlock()
		conn.Close()
		return &Error{Mode: ModeSocket, Op: "open", Err: ErrNotOpen}
	default:
	}
	c.conn = conn
	c.out = make(chan []byte, c.queueSize)
	c.open = true
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.writeLoop(conn)

	c.logger.Info().Str("url", c.url).Msg("Socket channel open")
	return nil
}

// Send queues a message for the writer goroutine; it never blocks
func (c *SocketChannel) Send(message []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.open {
		return ErrNotOpen
	}
	select {
	case c.out <- message:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *SocketChannel) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// Close sends a normal close frame and releases the connection
func (c *SocketChannel) Close() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil {
		// WriteControl is safe alongside the writer goroutine
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	c.shutdown(CloseNormal, "client closed", false)
	return nil
}

func (c *SocketChannel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeCode(err)
			if code != CloseNormal {
				c.logger.Warn().Err(err).Int("code", code).Msg("Socket closed unexpectedly")
			}
			c.shutdown(code, reason, true)
			return
		}

		c.mu.RLock()
		fn := c.onMessage
		c.mu.RUnlock()
		if fn != nil {
			fn(data)
		}
	}
}

func (c *SocketChannel) writeLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	c.mu.RLock()
	out, done := c.out, c.done
	c.mu.RUnlock()

	for {
		select {
		case <-done:
			return

		case msg := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.reportError(&Error{Mode: ModeSocket, Op: "send", Err: err})
				c.shutdown(CloseAbnormal, err.Error(), true)
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send ping")
			}
		}
	}
}

func (c *SocketChannel) reportError(err error) {
	c.mu.RLock()
	fn := c.onError
	c.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// shutdown runs once; notify is false for locally requested closes.
// OnClose runs after the once so the handler may call Close.
func (c *SocketChannel) shutdown(code int, reason string, notify bool) {
	var fn func(int, string)
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.open = false
		if c.done == nil {
			c.done = make(chan struct{})
		}
		close(c.done)
		conn := c.conn
		if notify {
			fn = c.onClose
		}
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
	})
	if fn != nil {
		fn(code, reason)
	}
}

func closeCode(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return CloseAbnormal, err.Error()
}
