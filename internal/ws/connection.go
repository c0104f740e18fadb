package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	heartbeatInterval time.Duration
	sendBufferSize    int
	writeTimeout      time.Duration
}

// Connection is one status stream client. Clients only listen; anything they
// send other than control frames is ignored.
type Connection struct {
	conn      *websocket.Conn
	logger    zerolog.Logger
	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
	opts      connectionOptions
	onClose   func()
}

func newConnection(conn *websocket.Conn, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	return &Connection{
		conn:    conn,
		logger:  logger,
		send:    make(chan []byte, opts.sendBufferSize),
		closed:  make(chan struct{}),
		opts:    opts,
		onClose: onClose,
	}
}

// Send enqueues a text frame for the writer goroutine. A client whose buffer
// is full is disconnected; it gets a fresh snapshot when it reconnects.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		gatewayDroppedFrames.Inc()
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.Close()
		return errSendBufferFull
	}
}

// Run pumps frames until the client goes away.
func (c *Connection) Run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if err := c.readLoop(); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close tears the connection down once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop() error {
	tolerance := 2 * c.opts.heartbeatInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(tolerance))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(tolerance))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		}
	}
}
