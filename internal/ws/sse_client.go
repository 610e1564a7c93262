package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Reconnect delay suggested to EventSource consumers on connect.
const sseRetryMillis = 3000

// SSEClient delivers deployment status events as Server-Sent Events.
// Every event carries an incrementing id and the "status" event type,
// so EventSource listeners can bind a handler and resume after drops.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
	nextID  int
	last    time.Time
}

// NewSSEClient starts a stream on w, emitting the retry hint first.
func NewSSEClient(w io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	c := &SSEClient{writer: w, flusher: flusher, log: logger, last: time.Now().UTC()}
	_ = c.writeFrame(fmt.Sprintf("retry: %d\n\n", sseRetryMillis))
	return c
}

// Send emits one status event.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	c.nextID++
	frame := fmt.Sprintf("id: %d\nevent: status\ndata: %s\n\n", c.nextID, payload)
	c.mu.Unlock()
	return c.writeFrame(frame)
}

// Heartbeat emits a comment frame to keep intermediaries from timing
// out an idle stream.
func (c *SSEClient) Heartbeat() error {
	return c.writeFrame(": keepalive\n\n")
}

func (c *SSEClient) writeFrame(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := io.WriteString(c.writer, frame); err != nil {
		c.closed = true
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Close marks the stream as closed; later writes report io.EOF.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
