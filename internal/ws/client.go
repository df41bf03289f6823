package ws

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"warfront/client/internal/logging"
)

// AuthTokenHeader carries the session token during the control channel handshake.
const AuthTokenHeader = "X-Auth-Token"

var errClientClosed = errors.New("control channel closed")

type frameKind int

const (
	frameText frameKind = iota
	frameBinary
	frameLost
)

type inboundFrame struct {
	kind    frameKind
	payload []byte
	reason  string
}

// Handlers receive fully-reassembled frames on the main thread during Tick.
// OnLost is invoked exactly once per connection, whether the link died from a
// read error, a write error, or a ping timeout.
type Handlers struct {
	OnText   func(payload []byte)
	OnBinary func(payload []byte)
	OnLost   func(reason string)
}

// Client wraps one control-channel WebSocket connection: a single reader
// goroutine buffers inbound frames, a pinger enforces liveness, and Tick
// dispatches everything on the main thread.
type Client struct {
	conn     *websocket.Conn
	logger   *logging.Logger
	handlers Handlers

	pingInterval time.Duration
	pongWait     time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	inbound []inboundFrame

	lostOnce  sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the control channel and starts the reader and pinger.
func Dial(url, authToken string, pingInterval time.Duration, handlers Handlers, logger *logging.Logger) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("control channel url must be provided")
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = logging.L()
	}
	header := http.Header{}
	if authToken != "" {
		header.Set(AuthTokenHeader, authToken)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:         conn,
		logger:       logger,
		handlers:     handlers,
		pingInterval: pingInterval,
		pongWait:     pingInterval * 2,
		closed:       make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		//1.- Every pong extends the read deadline, so a stalled server surfaces as a timeout.
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	go c.reader()
	go c.pinger()
	return c, nil
}

// Send writes one JSON text frame. Safe to call from the main thread only.
func (c *Client) Send(jsonText []byte) error {
	if c == nil || c.conn == nil {
		return errClientClosed
	}
	select {
	case <-c.closed:
		return errClientClosed
	default:
	}
	c.writeMu.Lock()
	err := c.conn.WriteMessage(websocket.TextMessage, jsonText)
	c.writeMu.Unlock()
	if err != nil {
		c.markLost("write failed: " + err.Error())
	}
	return err
}

// Tick dispatches buffered inbound frames to the handlers on the calling
// goroutine.
func (c *Client) Tick() {
	if c == nil {
		return
	}
	c.mu.Lock()
	pending := c.inbound
	c.inbound = nil
	c.mu.Unlock()
	for _, frame := range pending {
		switch frame.kind {
		case frameText:
			if c.handlers.OnText != nil {
				c.handlers.OnText(frame.payload)
			}
		case frameBinary:
			if c.handlers.OnBinary != nil {
				c.handlers.OnBinary(frame.payload)
			}
		case frameLost:
			if c.handlers.OnLost != nil {
				c.handlers.OnLost(frame.reason)
			}
		}
	}
}

// Close tears the connection down without firing the lost-connection signal.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = c.conn.Close()
		}
	})
}

func (c *Client) reader() {
	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.markLost("read failed: " + err.Error())
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			c.enqueue(inboundFrame{kind: frameText, payload: payload})
		case websocket.BinaryMessage:
			c.enqueue(inboundFrame{kind: frameBinary, payload: payload})
		}
	}
}

func (c *Client) pinger() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.markLost("ping failed: " + err.Error())
				return
			}
		}
	}
}

// markLost queues the lost-connection signal exactly once and closes the
// socket so the reader unblocks.
func (c *Client) markLost(reason string) {
	c.lostOnce.Do(func() {
		c.logger.Warn("control channel lost", logging.String("reason", reason))
		c.enqueue(inboundFrame{kind: frameLost, reason: reason})
		_ = c.conn.Close()
	})
}

func (c *Client) enqueue(frame inboundFrame) {
	c.mu.Lock()
	c.inbound = append(c.inbound, frame)
	c.mu.Unlock()
}
