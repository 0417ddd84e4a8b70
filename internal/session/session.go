// Package session owns the server-side session identity lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"UserBot/internal/api"
	"UserBot/internal/config"
	"UserBot/internal/transcript"
)

// ErrCreateInFlight is returned when a session create is already pending.
var ErrCreateInFlight = errors.New("session create already in flight")

// Manager holds at most one active session id and seeds the transcript
// when a session comes up.
type Manager struct {
	transport  *api.Transport
	transcript *transcript.Transcript
	logger     *slog.Logger

	mu       sync.Mutex
	id       string
	creating bool
}

func NewManager(transport *api.Transport, tr *transcript.Transcript, logger *slog.Logger) *Manager {
	return &Manager{transport: transport, transcript: tr, logger: logger}
}

// ID returns the active session id, if one is held.
func (m *Manager) ID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, m.id != ""
}

// Resume adopts a previously created session id without a server round
// trip. Used when a saved transcript is restored on startup.
func (m *Manager) Resume(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
}

// Create requests a new session and seeds the transcript with the
// greeting turn. On failure the id stays absent and the transcript is
// left untouched so the caller may retry.
func (m *Manager) Create(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.creating {
		m.mu.Unlock()
		return "", ErrCreateInFlight
	}
	m.creating = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.creating = false
		m.mu.Unlock()
	}()

	var resp api.SessionResponse
	if err := m.transport.DoJSON(ctx, http.MethodPost, "/sessions", nil, &resp); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	if resp.SessionID == "" {
		return "", errors.New("session response carried no id")
	}

	m.mu.Lock()
	m.id = resp.SessionID
	m.mu.Unlock()

	m.transcript.Append(transcript.Turn{Role: transcript.RoleAssistant, Content: config.Greeting})
	m.logger.Info("created new session", "session_id", resp.SessionID)
	return resp.SessionID, nil
}

// Reset tears the current session down and starts a fresh one. The delete
// is best effort: a failure is logged and ignored. The transcript is
// discarded either way; a destroyed session id is never reused.
func (m *Manager) Reset(ctx context.Context) (string, error) {
	m.mu.Lock()
	id := m.id
	m.id = ""
	m.mu.Unlock()

	if id != "" {
		resp, err := m.transport.Do(ctx, http.MethodDelete, "/sessions/"+id, nil)
		if err != nil {
			m.logger.Warn("failed to delete session", "session_id", id, "error", err)
		} else {
			resp.Body.Close()
		}
	}

	m.transcript.Reset()
	return m.Create(ctx)
}
