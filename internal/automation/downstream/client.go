// Package downstream implements the Downstream Client (spec.md §4.4):
// a retrying SSE consumer for the push-send endpoint. The retry loop is
// grounded on internal/reports/scheduler.DeliveryManager.DeliverByWebhook
// (fixed backoff, bounded attempts, *http.Client with explicit timeout);
// the SSE framing is new, since the teacher never streams a response body.
package downstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Mode is the push-send mode requested from the downstream endpoint
// (spec.md §6).
type Mode string

const (
	ModeTestLiveSend Mode = "test-live-send"
	ModeRealDryRun   Mode = "real-dry-run"
	ModeLiveSend     Mode = "live-send"
)

const (
	maxAttempts       = 3
	retryBackoff      = 2 * time.Second
	DefaultTimeout    = 5 * time.Minute
	LiveExecutionTimeout = 10 * time.Minute
)

// LogEvent is one "log" SSE event, forwarded to the Timeline Executor so
// it can append it to the Progress Store.
type LogEvent struct {
	Level   string `json:"level"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Result is the terminal outcome of a call: either a "result" or an
// "error" SSE event (spec.md §4.4 step 4). FailedCount is the number of
// individual pushes the downstream endpoint reported as failed within
// an otherwise-successful send; it feeds HistoryRecord.pushesFailed
// (spec.md §3) and defaults to zero for an "error" event, which fails
// the whole call rather than a subset of it.
type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	FailedCount int    `json:"failedCount"`
}

// OnLog is invoked synchronously for every "log" event read from the
// stream, in order, before the terminal event arrives.
type OnLog func(LogEvent)

// sseEvent is the wire shape of each event's data line.
type sseEvent struct {
	Type        string `json:"type"`
	Level       string `json:"level"`
	Stage       string `json:"stage"`
	Message     string `json:"message"`
	Success     bool   `json:"success"`
	FailedCount int    `json:"failedCount"`
}

// Client performs one push-send SSE call per invocation. It is stateless
// and safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// New builds a Client. The *http.Client it builds has no request
// timeout of its own; the per-call context deadline (derived
// from timeout) governs both connect and stream read, same as the
// teacher's context-scoped DeliverByWebhook calls.
func New(logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Call performs the SSE GET, retrying transport errors and 5xx
// responses up to maxAttempts times with a fixed backoff, then streams
// the body until a terminal "result"/"error" event or the timeout
// elapses. When the timeout elapses while the stream is being read, the
// returned error's message is exactly "SSE stream timeout after <N>ms";
// when it elapses during the connect/retry loop, the context error is
// returned instead.
func (c *Client) Call(ctx context.Context, url string, mode Mode, automationID string, timeout time.Duration, onLog OnLog) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.connectWithRetry(callCtx, url, mode, automationID)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)

	go c.readStream(resp.Body, onLog, resultCh, errCh)

	select {
	case res := <-resultCh:
		return res, nil
	case err := <-errCh:
		return Result{}, err
	case <-callCtx.Done():
		return Result{}, fmt.Errorf("SSE stream timeout after %dms", timeout.Milliseconds())
	}
}

func (c *Client) connectWithRetry(ctx context.Context, url string, mode Mode, automationID string) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s?mode=%s", url, mode), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build SSE request: %w", err)
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("SSE connection failed, retrying",
				zap.String("automation_id", automationID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if !sleepOrDone(ctx, retryBackoff) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("downstream returned status %d", resp.StatusCode)
			resp.Body.Close()
			c.logger.Warn("SSE endpoint returned 5xx, retrying",
				zap.String("automation_id", automationID),
				zap.Int("attempt", attempt),
				zap.Int("status_code", resp.StatusCode))
			if !sleepOrDone(ctx, retryBackoff) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, fmt.Errorf("downstream rejected request: status %d", resp.StatusCode)
		}

		return resp, nil
	}
	return nil, fmt.Errorf("SSE connection failed after %d attempts: %w", maxAttempts, lastErr)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// readStream parses data: lines grouped by blank-line event boundaries.
// Parse errors on a single event (e.g. a heartbeat with no JSON body)
// are swallowed, per spec.md §4.4 step 4 ("ignore parse errors").
func (c *Client) readStream(body io.Reader, onLog OnLog, resultCh chan<- Result, errCh chan<- error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	flush := func() bool {
		if len(dataLines) == 0 {
			return false
		}
		raw := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]

		var ev sseEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return false
		}
		switch ev.Type {
		case "log":
			if onLog != nil {
				onLog(LogEvent{Level: ev.Level, Stage: ev.Stage, Message: ev.Message})
			}
		case "result":
			resultCh <- Result{Success: ev.Success, Message: ev.Message, FailedCount: ev.FailedCount}
			return true
		case "error":
			resultCh <- Result{Success: false, Message: ev.Message}
			return true
		}
		return false
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if flush() {
				return
			}
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(after, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		errCh <- fmt.Errorf("SSE stream read error: %w", err)
		return
	}
	if flush() {
		return
	}
	errCh <- fmt.Errorf("SSE stream closed before a terminal event was received")
}
