package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errSlowConsumer = errors.New("ws: subscriber buffer full")

const (
	defaultSendBuffer = 16
	writeTimeout      = 10 * time.Second
	pingInterval      = 30 * time.Second
)

// Client streams one deployment's status events over a websocket. Writes
// go through a buffered queue so a stalled peer never blocks the hub; a
// peer that falls behind the buffer is dropped.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewClient wraps conn and starts its write pump. buffer is the number
// of undelivered events held before the peer is considered stalled.
func NewClient(conn *websocket.Conn, logger *slog.Logger, buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	c := &Client{
		conn: conn,
		log:  logger,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send queues a status event for delivery. It never blocks; a full
// queue closes the connection and reports the consumer as too slow.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("websocket subscriber too slow, dropping", "buffered", cap(c.send))
		c.Close()
		return errSlowConsumer
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close stops the write pump and terminates the connection.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
