package session

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"UserBot/internal/api"
	"UserBot/internal/auth"
	"UserBot/internal/config"
	"UserBot/internal/transcript"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validToken(t *testing.T) auth.Credential {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "a@b.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return auth.Credential(signed)
}

func newManager(t *testing.T, srv *httptest.Server) (*Manager, *transcript.Transcript) {
	t.Helper()
	tokens := auth.NewMemoryStore()
	require.NoError(t, tokens.Set(validToken(t)))
	tr := transcript.New()
	transport := api.New(srv.URL, srv.Client(), tokens, nil, discardLogger())
	return NewManager(transport, tr, discardLogger()), tr
}

func TestCreateSeedsGreeting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sessions", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"session_id":"s1"}`))
	}))
	defer srv.Close()

	m, tr := newManager(t, srv)

	id, err := m.Create(context.Background())
	require.NoError(t, err)
	require.Equal(t, "s1", id)

	held, ok := m.ID()
	require.True(t, ok)
	require.Equal(t, "s1", held)

	entries := tr.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, transcript.Turn{Role: transcript.RoleAssistant, Content: config.Greeting}, entries[0])
}

func TestCreateFailureLeavesNothingBehind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, tr := newManager(t, srv)

	_, err := m.Create(context.Background())
	require.Error(t, err)

	_, ok := m.ID()
	require.False(t, ok, "session id must stay absent after a failed create")
	require.Zero(t, tr.Len(), "transcript must stay empty after a failed create")

	// The caller may retry; nothing is stuck.
	_, err = m.Create(context.Background())
	require.Error(t, err)
}

func TestCreateRejectsConcurrentCreate(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"session_id":"s1"}`))
	}))
	defer srv.Close()

	m, _ := newManager(t, srv)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Create(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		_, err := m.Create(context.Background())
		return err != nil && err == ErrCreateInFlight
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	require.NoError(t, <-errCh)
}

func TestResetDeletesBestEffortAndRecreates(t *testing.T) {
	var deletes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			deletes.Add(1)
			// Delete failure is non-fatal.
			http.Error(w, `{"detail":"session gone"}`, http.StatusInternalServerError)
		default:
			w.Write([]byte(`{"session_id":"s` + string(rune('0'+deletes.Load())) + `"}`))
		}
	}))
	defer srv.Close()

	m, tr := newManager(t, srv)

	first, err := m.Create(context.Background())
	require.NoError(t, err)
	tr.Append(transcript.Turn{Role: transcript.RoleUser, Content: "add user bob"})

	second, err := m.Reset(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, deletes.Load())
	require.NotEqual(t, first, second, "a destroyed session id is never reused")

	// Only the fresh greeting survives the reset.
	entries := tr.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, config.Greeting, entries[0].(transcript.Turn).Content)
}
