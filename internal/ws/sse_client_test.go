package ws

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

type nopFlusher struct{}

func (nopFlusher) Flush() {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSSEClientFrames(t *testing.T) {
	var buf bytes.Buffer
	client := NewSSEClient(&buf, nopFlusher{}, discardLogger())

	if err := client.Send([]byte(`{"status":"pending"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := client.Send([]byte(`{"status":"succeeded"}`)); err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "retry: 3000\n\n") {
		t.Fatalf("stream must open with a retry hint, got %q", out)
	}
	for _, frame := range []string{
		"id: 1\nevent: status\ndata: {\"status\":\"pending\"}\n\n",
		"id: 2\nevent: status\ndata: {\"status\":\"succeeded\"}\n\n",
		": keepalive\n\n",
	} {
		if !strings.Contains(out, frame) {
			t.Fatalf("missing frame %q in %q", frame, out)
		}
	}
}

func TestSSEClientClosed(t *testing.T) {
	var buf bytes.Buffer
	client := NewSSEClient(&buf, nopFlusher{}, discardLogger())
	client.Close()

	if err := client.Send([]byte("{}")); err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
	if err := client.Heartbeat(); err != io.EOF {
		t.Fatalf("expected io.EOF heartbeat after close, got %v", err)
	}
}

// failWriter errors after n successful writes.
type failWriter struct {
	n int
}

func (w *failWriter) Write(p []byte) (int, error) {
	if w.n <= 0 {
		return 0, io.ErrClosedPipe
	}
	w.n--
	return len(p), nil
}

func TestSSEClientWriteFailureClosesStream(t *testing.T) {
	client := NewSSEClient(&failWriter{n: 1}, nopFlusher{}, discardLogger())

	if err := client.Send([]byte("{}")); err == nil {
		t.Fatal("expected write failure")
	}
	if err := client.Send([]byte("{}")); err != io.EOF {
		t.Fatalf("stream must stay closed after a failed write, got %v", err)
	}
}
