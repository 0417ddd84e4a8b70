// Package stream consumes the live status stream of a batch run and folds
// its events into the caller's transcript via callbacks.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"UserBot/internal/auth"
	"UserBot/internal/transcript"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// EventFunc receives each decoded event of a run, terminal one included.
type EventFunc func(runID string, ev transcript.ProcessEvent)

// CompleteFunc is invoked exactly once, on the terminal event of a run.
// It is not invoked when the stream dies before the terminal event.
type CompleteFunc func(runID string)

// Consumer opens status-stream subscriptions. One live subscription per
// Open call; the workflow state machine guarantees one run at a time.
type Consumer struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
}

// New creates a Consumer. The client should carry a timeout generous
// enough for a whole batch run.
func New(baseURL string, client *http.Client, logger *slog.Logger) *Consumer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Consumer{
		baseURL:    baseURL,
		httpClient: client,
		logger:     logger,
		tracer:     otel.Tracer("userbot"),
		meter:      otel.Meter("userbot"),
	}
}

// Handle is one live subscription.
type Handle struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	completed bool
}

// Done is closed when the subscription goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Close tears the subscription down without completion. Used by a full
// workflow reset; the normal path closes on the terminal event.
func (h *Handle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// markCompleted closes the handle and reports whether this call was the
// first to complete it.
func (h *Handle) markCompleted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.completed || h.closed {
		return false
	}
	h.completed = true
	h.closed = true
	return true
}

// Open subscribes to the status stream of a run. The streaming transport
// cannot carry headers, so the credential travels as the token query
// parameter, matching the EventSource contract of the service.
func (c *Consumer) Open(ctx context.Context, sessionID string, cred auth.Credential, runID string, onEvent EventFunc, onComplete CompleteFunc) (*Handle, error) {
	streamURL := fmt.Sprintf("%s/sessions/%s/process-batch/status?token=%s",
		c.baseURL, url.PathEscape(sessionID), url.QueryEscape(string(cred)))

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open status stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("status stream returned %d: %s", resp.StatusCode, string(body))
	}

	h := &Handle{runID: runID, cancel: cancel, done: make(chan struct{})}
	go c.consume(ctx, resp.Body, h, onEvent, onComplete)

	c.logger.Info("status stream opened", "session_id", sessionID, "run_id", runID)
	return h, nil
}

// consume reads the stream until the terminal event, a transport error, or
// cancellation. Events after completion are drained and dropped.
func (c *Consumer) consume(ctx context.Context, body io.ReadCloser, h *Handle, onEvent EventFunc, onComplete CompleteFunc) {
	defer close(h.done)
	defer h.cancel()
	defer body.Close()

	_, span := c.tracer.Start(ctx, "status_stream")
	defer span.End()

	counter, _ := c.meter.Int64Counter("stream.events",
		metric.WithDescription("Status stream events received"))

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		payload, ok := eventPayload(scanner.Text())
		if !ok {
			continue
		}

		var ev transcript.ProcessEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			// Decode failure is fatal to the run: close without completion.
			c.logger.Error("undecodable stream event, abandoning run",
				"run_id", h.runID, "error", err)
			h.Close()
			return
		}
		ev.Raw = json.RawMessage(payload)

		if h.isClosed() {
			c.logger.Debug("dropped event after stream close", "run_id", h.runID)
			continue
		}
		if counter != nil {
			counter.Add(ctx, 1)
		}

		onEvent(h.runID, ev)

		if ev.Terminal() && h.markCompleted() {
			c.logger.Info("status stream complete", "run_id", h.runID)
			onComplete(h.runID)
			// Keep draining so late writes are consumed and dropped
			// until the server closes the channel.
		}
	}

	if err := scanner.Err(); err != nil && !h.isClosed() {
		c.logger.Error("status stream aborted", "run_id", h.runID, "error", err)
		h.Close()
	}
}

// eventPayload extracts the JSON payload from one stream line. The service
// frames events the SSE way (data: lines, blank separators); bare NDJSON
// lines are accepted too.
func eventPayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "" || strings.HasPrefix(line, ":"):
		return "", false
	case strings.HasPrefix(line, "data:"):
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
	case strings.HasPrefix(line, "{"):
		return line, true
	default:
		return "", false
	}
}
