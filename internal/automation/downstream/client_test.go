package downstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// TestCall_200WithoutTerminalEventNeverResolvesSuccess proves the
// load-bearing SSE contract: an HTTP 200 alone is never success. A
// server that streams a log line, then closes the connection without a
// "result"/"error" event, must surface an error, never a successful
// Result.
func TestCall_200WithoutTerminalEventNeverResolvesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"log\",\"level\":\"info\",\"message\":\"starting\"}\n\n")
		flush(w)
	}))
	defer srv.Close()

	c := New(zap.NewNop())
	res, err := c.Call(context.Background(), srv.URL, ModeLiveSend, "a1", 2*time.Second, nil)
	assert.Error(t, err)
	assert.False(t, res.Success)
}

// TestCall_ResultEventResolvesSuccess proves a terminal "result" event
// with success:true is what actually resolves the call, carrying
// failedCount through to the returned Result.
func TestCall_ResultEventResolvesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"log\",\"level\":\"info\",\"message\":\"sending\"}\n\n")
		flush(w)
		fmt.Fprint(w, "data: {\"type\":\"result\",\"success\":true,\"message\":\"done\",\"failedCount\":2}\n\n")
		flush(w)
	}))
	defer srv.Close()

	var logs []LogEvent
	c := New(zap.NewNop())
	res, err := c.Call(context.Background(), srv.URL, ModeLiveSend, "a1", 2*time.Second, func(ev LogEvent) {
		logs = append(logs, ev)
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Message)
	assert.Equal(t, 2, res.FailedCount)
	require.Len(t, logs, 1)
	assert.Equal(t, "sending", logs[0].Message)
}

// TestCall_ErrorEventResolvesFailure proves a terminal "error" event
// resolves as a failed Result rather than a transport error.
func TestCall_ErrorEventResolvesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"error\",\"message\":\"downstream rejected the send\"}\n\n")
		flush(w)
	}))
	defer srv.Close()

	c := New(zap.NewNop())
	res, err := c.Call(context.Background(), srv.URL, ModeLiveSend, "a1", 2*time.Second, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "downstream rejected the send", res.Message)
}

// TestCall_StalledStreamTimesOut proves a connection that never sends a
// terminal event, and never closes, fails with the exact timeout
// message spec.md §4.4 step 5 names rather than hanging forever.
func TestCall_StalledStreamTimesOut(t *testing.T) {
	unblock := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flush(w)
		<-unblock
	}))
	defer func() {
		close(unblock)
		srv.Close()
	}()

	c := New(zap.NewNop())
	timeout := 100 * time.Millisecond
	res, err := c.Call(context.Background(), srv.URL, ModeLiveSend, "a1", timeout, nil)
	require.Error(t, err)
	assert.Equal(t, fmt.Sprintf("SSE stream timeout after %dms", timeout.Milliseconds()), err.Error())
	assert.False(t, res.Success)
}

// TestCall_RetriesOn5xxThenSucceeds proves the connect-retry loop
// recovers from transient 5xx responses before the terminal event ever
// has a chance to matter.
func TestCall_RetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"result\",\"success\":true,\"message\":\"done\"}\n\n")
		flush(w)
	}))
	defer srv.Close()

	c := New(zap.NewNop())
	res, err := c.Call(context.Background(), srv.URL, ModeLiveSend, "a1", 5*time.Second, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, attempts)
}
