// Package workflow implements the batch conversation state machine:
// normal chat, awaiting-confirmation, processing, summarizing.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"UserBot/internal/api"
	"UserBot/internal/auth"
	"UserBot/internal/config"
	"UserBot/internal/session"
	"UserBot/internal/stream"
	"UserBot/internal/transcript"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// State is the workflow's explicit mode. Exactly one of a pending
// confirmation or an open status card can gate input at any time;
// free-text sending is only enabled in Idle.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateProcessing           State = "processing"
	StateSummarizing          State = "summarizing"
)

var (
	// ErrInputDisabled is returned for a free-text send outside Idle.
	ErrInputDisabled = errors.New("free-text input is disabled in the current state")

	// ErrExchangeInFlight is returned when a message exchange is already
	// outstanding. One permit per session; no queueing.
	ErrExchangeInFlight = errors.New("a message exchange is already in flight")

	// ErrNoConfirmation is returned by Confirm without a pending request.
	ErrNoConfirmation = errors.New("no confirmation is pending")

	// ErrNotSummarizing is returned by Summarize outside Summarizing.
	ErrNotSummarizing = errors.New("no summary is pending")
)

// Confirmation is the batch summary the user must approve or reject.
type Confirmation struct {
	Summary string
}

// Notifier receives assistant-visible text that arrives asynchronously:
// stream progress lines and the final summary.
type Notifier func(text string)

// Workflow drives the confirm/process/summarize lifecycle over the
// message-exchange protocol and the status stream.
type Workflow struct {
	transport  *api.Transport
	tokens     auth.Store
	sessions   *session.Manager
	transcript *transcript.Transcript
	consumer   *stream.Consumer
	logger     *slog.Logger
	tracer     trace.Tracer
	notify     Notifier

	mu           sync.Mutex
	state        State
	confirmation *Confirmation
	activeRunID  string
	handle       *stream.Handle
	sending      bool
}

// New creates a Workflow in Idle. notify may be nil.
func New(transport *api.Transport, tokens auth.Store, sessions *session.Manager, tr *transcript.Transcript, consumer *stream.Consumer, logger *slog.Logger, notify Notifier) *Workflow {
	return &Workflow{
		transport:  transport,
		tokens:     tokens,
		sessions:   sessions,
		transcript: tr,
		consumer:   consumer,
		logger:     logger,
		tracer:     otel.Tracer("userbot"),
		notify:     notify,
		state:      StateIdle,
	}
}

// State returns the current workflow state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// PendingConfirmation returns the confirmation request gating input, if any.
func (w *Workflow) PendingConfirmation() (Confirmation, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.confirmation == nil {
		return Confirmation{}, false
	}
	return *w.confirmation, true
}

// InputEnabled reports whether a free-text send would be accepted.
func (w *Workflow) InputEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateIdle && w.confirmation == nil && !w.sending
}

func (w *Workflow) acquireSend() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sending {
		return ErrExchangeInFlight
	}
	w.sending = true
	return nil
}

func (w *Workflow) releaseSend() {
	w.mu.Lock()
	w.sending = false
	w.mu.Unlock()
}

// Send exchanges one user turn in Idle. The user turn is appended
// immediately; a failed exchange leaves state unchanged and appends
// nothing further, so the user may retry by resubmitting.
func (w *Workflow) Send(ctx context.Context, text string) (string, error) {
	w.mu.Lock()
	if w.state != StateIdle || w.confirmation != nil {
		w.mu.Unlock()
		return "", ErrInputDisabled
	}
	w.mu.Unlock()

	if err := w.acquireSend(); err != nil {
		return "", err
	}
	defer w.releaseSend()

	w.transcript.Append(transcript.Turn{Role: transcript.RoleUser, Content: text})

	reply, err := w.exchange(ctx, text)
	if err != nil {
		w.logger.Error("message exchange failed", "error", err)
		return "", err
	}
	return w.applyReply(reply), nil
}

// exchange posts one message into the active session.
func (w *Workflow) exchange(ctx context.Context, text string) (*api.MessageResponse, error) {
	id, ok := w.sessions.ID()
	if !ok {
		return nil, errors.New("no active session")
	}

	ctx, span := w.tracer.Start(ctx, "message_exchange")
	defer span.End()

	var resp api.MessageResponse
	err := w.transport.DoJSON(ctx, http.MethodPost, "/sessions/"+id+"/messages",
		api.MessageRequest{Text: text}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// applyReply appends the assistant turn and enters AwaitingConfirmation
// when the reply carries the confirmation flag.
func (w *Workflow) applyReply(reply *api.MessageResponse) string {
	if reply.AIResponse != "" {
		w.transcript.Append(transcript.Turn{Role: transcript.RoleAssistant, Content: reply.AIResponse})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if reply.BatchStatus != nil && reply.BatchStatus.AwaitingBatchConfirmation {
		w.confirmation = &Confirmation{Summary: reply.ConsolidatedSummaryForConfirmation}
		w.state = StateAwaitingConfirmation
		w.logger.Info("awaiting batch confirmation", "summary", w.confirmation.Summary)
	}
	return reply.AIResponse
}

// Confirm approves the pending batch: clears the confirmation, appends the
// synthetic approval turn and a fresh status card, starts the batch, and
// opens the status stream. A batch-start or stream-open failure leaves the
// run stranded in Processing without a live stream; the only recovery is a
// full reset.
func (w *Workflow) Confirm(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateAwaitingConfirmation || w.confirmation == nil {
		w.mu.Unlock()
		return ErrNoConfirmation
	}
	w.confirmation = nil
	runID := uuid.NewString()
	w.activeRunID = runID
	w.state = StateProcessing
	w.mu.Unlock()

	w.transcript.Append(transcript.Turn{Role: transcript.RoleUser, Content: config.ConfirmText})
	w.transcript.OpenCard(runID)

	id, ok := w.sessions.ID()
	if !ok {
		return errors.New("no active session")
	}

	ctx, span := w.tracer.Start(ctx, "batch_start")
	defer span.End()

	if err := w.transport.DoJSON(ctx, http.MethodPost, "/sessions/"+id+"/process-batch", nil, nil); err != nil {
		w.logger.Error("failed to start batch", "run_id", runID, "error", err)
		return fmt.Errorf("failed to start batch: %w", err)
	}

	cred, held, err := w.tokens.Get()
	if err != nil || !held {
		w.logger.Error("no credential for status stream", "run_id", runID, "error", err)
		return auth.ErrUnauthenticated
	}

	handle, err := w.consumer.Open(ctx, id, cred, runID, w.onStreamEvent, w.onStreamComplete)
	if err != nil {
		w.logger.Error("failed to open status stream", "run_id", runID, "error", err)
		return fmt.Errorf("failed to open status stream: %w", err)
	}

	w.mu.Lock()
	w.handle = handle
	w.mu.Unlock()
	return nil
}

// Reject declines the pending batch. The rejection is a real exchange, not
// a local echo: the server acknowledges it and may re-open a different
// confirmation or reply conversationally. Rejecting with nothing pending
// is a no-op.
func (w *Workflow) Reject(ctx context.Context) (string, error) {
	w.mu.Lock()
	if w.state != StateAwaitingConfirmation || w.confirmation == nil {
		w.mu.Unlock()
		return "", nil
	}
	w.confirmation = nil
	w.state = StateIdle
	w.mu.Unlock()

	if err := w.acquireSend(); err != nil {
		return "", err
	}
	defer w.releaseSend()

	w.transcript.Append(transcript.Turn{Role: transcript.RoleUser, Content: config.RejectText})

	reply, err := w.exchange(ctx, config.RejectText)
	if err != nil {
		w.logger.Error("rejection exchange failed", "error", err)
		w.transcript.Append(transcript.Turn{Role: transcript.RoleAssistant, Content: config.ErrorReply})
		return "", err
	}
	return w.applyReply(reply), nil
}

// onStreamEvent folds one stream event into the open status card. Events
// arriving after a state transition, or for a run that is no longer
// active, are discarded rather than applied to stale state.
func (w *Workflow) onStreamEvent(runID string, ev transcript.ProcessEvent) {
	w.mu.Lock()
	if w.state != StateProcessing || runID != w.activeRunID {
		w.mu.Unlock()
		w.logger.Debug("dropped stale stream event", "run_id", runID)
		return
	}
	w.mu.Unlock()

	if !w.transcript.AppendEvent(runID, ev) {
		w.logger.Debug("dropped event without matching open card", "run_id", runID)
		return
	}
	if w.notify != nil && ev.Message != "" {
		w.notify(ev.Message)
	}
}

// onStreamComplete ends the run: closes the card and moves to Summarizing
// by issuing the sentinel exchange.
func (w *Workflow) onStreamComplete(runID string) {
	w.mu.Lock()
	if w.state != StateProcessing || runID != w.activeRunID {
		w.mu.Unlock()
		return
	}
	w.transcript.CloseCard(runID)
	w.activeRunID = ""
	w.handle = nil
	w.state = StateSummarizing
	w.mu.Unlock()

	if _, err := w.Summarize(context.Background()); err != nil {
		w.logger.Error("failed to fetch final summary", "run_id", runID, "error", err)
	}
}

// Summarize issues the sentinel exchange and returns to Idle with the
// assistant's summary appended. Runs automatically on stream completion;
// callable again if that exchange failed and the state is still
// Summarizing. The sentinel is not recorded as a user turn.
func (w *Workflow) Summarize(ctx context.Context) (string, error) {
	w.mu.Lock()
	if w.state != StateSummarizing {
		w.mu.Unlock()
		return "", ErrNotSummarizing
	}
	w.mu.Unlock()

	if err := w.acquireSend(); err != nil {
		return "", err
	}
	defer w.releaseSend()

	reply, err := w.exchange(ctx, config.SummarizeSentinel)
	if err != nil {
		return "", err
	}

	if reply.AIResponse != "" {
		w.transcript.Append(transcript.Turn{Role: transcript.RoleAssistant, Content: reply.AIResponse})
	}

	w.mu.Lock()
	w.state = StateIdle
	w.mu.Unlock()

	if w.notify != nil && reply.AIResponse != "" {
		w.notify(reply.AIResponse)
	}
	return reply.AIResponse, nil
}

// Reset forces the workflow back to Idle, closing any live stream without
// completion. Used by the full session reset.
func (w *Workflow) Reset() {
	w.mu.Lock()
	handle := w.handle
	w.handle = nil
	w.activeRunID = ""
	w.confirmation = nil
	w.state = StateIdle
	w.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
}
