// Package sse streams turn events to HTTP clients as server-sent events.
//
// A Writer owns its ResponseWriter through a single goroutine, so frames go
// out in enqueue order. Slow or vanished clients are detected two ways: a
// write deadline armed before every write where the connection supports it,
// and a bounded frame buffer whose backpressure declares the client dead
// after the same timeout. Either way the stream closes and the caller keeps
// running the turn without a sink.
package sse

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	ginsse "github.com/gin-contrib/sse"

	"github.com/ashstack/ash/internal/metrics"
)

// ErrClientGone reports that the client stopped reading. The stream is
// closed; the turn itself is unaffected.
var ErrClientGone = errors.New("sse client gone")

// frameBuffer bounds queued frames per stream. A buffer that stays full for
// a whole write-timeout window means the client is not draining it.
const frameBuffer = 64

const defaultWriteTimeout = 30 * time.Second

// Writer streams frames to one client.
type Writer struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration

	frames chan ginsse.Event
	done   chan struct{} // closed when the writer goroutine exits
	dead   chan struct{} // closed once the client is declared gone

	deadOnce sync.Once
}

// NewWriter sends the SSE response headers and starts the writer goroutine.
// timeout is the per-write client deadline; zero or negative selects the
// default.
func NewWriter(w http.ResponseWriter, timeout time.Duration) *Writer {
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &Writer{
		w:       w,
		rc:      http.NewResponseController(w),
		timeout: timeout,
		frames:  make(chan ginsse.Event, frameBuffer),
		done:    make(chan struct{}),
		dead:    make(chan struct{}),
	}
	// Push the headers out so the client sees the stream before the first
	// event arrives.
	_ = sw.rc.Flush()

	go sw.run()
	return sw
}

// Message forwards one bridge message payload verbatim.
func (sw *Writer) Message(payload json.RawMessage) error {
	return sw.enqueue(ginsse.Event{Event: "message", Data: payload})
}

// Error sends a non-fatal error frame.
func (sw *Writer) Error(message string) error {
	return sw.enqueue(ginsse.Event{Event: "error", Data: map[string]string{"error": message}})
}

// Done terminates the stream's event sequence.
func (sw *Writer) Done(sessionID string) error {
	return sw.enqueue(ginsse.Event{Event: "done", Data: map[string]string{"sessionId": sessionID}})
}

// Event streams an arbitrary named frame. The runner API uses it to relay
// bridge events to the coordinator without reframing them.
func (sw *Writer) Event(name string, data any) error {
	return sw.enqueue(ginsse.Event{Event: name, Data: data})
}

// Close drains the queued frames and stops the writer goroutine. It must not
// race the write methods; the turn pump owns the Writer until it returns.
func (sw *Writer) Close() {
	close(sw.frames)
	<-sw.done
}

func (sw *Writer) enqueue(f ginsse.Event) error {
	select {
	case <-sw.dead:
		return ErrClientGone
	default:
	}

	t := time.NewTimer(sw.timeout)
	defer t.Stop()
	select {
	case sw.frames <- f:
		return nil
	case <-sw.dead:
		return ErrClientGone
	case <-t.C:
		sw.markDead()
		return ErrClientGone
	}
}

func (sw *Writer) run() {
	defer close(sw.done)
	for f := range sw.frames {
		if sw.isDead() {
			continue
		}
		// Best effort: most ResponseWriters in the chain do not support
		// per-write deadlines, and the frame buffer covers that case.
		_ = sw.rc.SetWriteDeadline(time.Now().Add(sw.timeout))
		if err := ginsse.Encode(sw.w, f); err != nil {
			sw.markDead()
			continue
		}
		if err := sw.rc.Flush(); err != nil {
			sw.markDead()
		}
	}
}

func (sw *Writer) markDead() {
	sw.deadOnce.Do(func() {
		close(sw.dead)
		metrics.SSEClientTimeoutsTotal.Inc()
	})
}

func (sw *Writer) isDead() bool {
	select {
	case <-sw.dead:
		return true
	default:
		return false
	}
}
