package sse

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterStreamsFramesInOrder(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, time.Second)

	require.NoError(t, w.Message(json.RawMessage(`{"text":"hi"}`)))
	require.NoError(t, w.Error("oops"))
	require.NoError(t, w.Event("ping", map[string]int{"n": 1}))
	require.NoError(t, w.Done("sess-1"))
	w.Close()

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)

	want := "event:message\ndata:{\"text\":\"hi\"}\n\n" +
		"event:error\ndata:{\"error\":\"oops\"}\n\n" +
		"event:ping\ndata:{\"n\":1}\n\n" +
		"event:done\ndata:{\"sessionId\":\"sess-1\"}\n\n"
	assert.Equal(t, want, rec.Body.String())
}

// blockingWriter stalls every write until release is closed. It supports
// neither flushing nor write deadlines, leaving backpressure as the only
// dead-client signal.
type blockingWriter struct {
	header  http.Header
	release chan struct{}
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{header: http.Header{}, release: make(chan struct{})}
}

func (b *blockingWriter) Header() http.Header { return b.header }

func (b *blockingWriter) WriteHeader(status int) {}

func (b *blockingWriter) Write(p []byte) (int, error) {
	<-b.release
	return len(p), nil
}

func TestWriterDeclaresClientDeadOnBackpressure(t *testing.T) {
	bw := newBlockingWriter()
	w := NewWriter(bw, 50*time.Millisecond)

	var err error
	for i := 0; i < frameBuffer+3; i++ {
		if err = w.Message(json.RawMessage(`{"n":1}`)); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrClientGone)

	// Dead is sticky: later writes fail immediately.
	start := time.Now()
	assert.ErrorIs(t, w.Message(json.RawMessage(`{}`)), ErrClientGone)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	close(bw.release)
	w.Close()
}

// failingWriter rejects every write, like a connection reset mid-stream.
type failingWriter struct {
	header http.Header
}

func (f *failingWriter) Header() http.Header { return f.header }

func (f *failingWriter) WriteHeader(status int) {}

func (f *failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestWriterMarksClientDeadOnWriteError(t *testing.T) {
	w := NewWriter(&failingWriter{header: http.Header{}}, time.Second)

	require.Eventually(t, func() bool {
		return errors.Is(w.Message(json.RawMessage(`{"n":1}`)), ErrClientGone)
	}, 2*time.Second, 5*time.Millisecond)

	w.Close()
}
