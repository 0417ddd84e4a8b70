package bot

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"UserBot/internal/session"
	"UserBot/internal/telemetry"
	"UserBot/internal/transcript"

	"github.com/stretchr/testify/require"
)

// newTestBot opens the database at dbPath and wires only the pieces the
// persistence paths touch.
func newTestBot(t *testing.T, dbPath string) *Bot {
	t.Helper()
	db, err := telemetry.InitDB(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := transcript.New()
	return &Bot{
		db:         db,
		logger:     logger,
		transcript: tr,
		sessions:   session.NewManager(nil, tr, logger),
	}
}

func TestTranscriptRoundTripsThroughDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bot.db")

	b1 := newTestBot(t, dbPath)
	b1.sessions.Resume("sess-1")
	b1.transcript.Append(transcript.Turn{Role: transcript.RoleUser, Content: "add bob"})
	b1.transcript.Append(transcript.Turn{Role: transcript.RoleAssistant, Content: "Confirm the batch?"})
	require.True(t, b1.transcript.OpenCard("run-1"))
	require.True(t, b1.transcript.AppendEvent("run-1", transcript.ProcessEvent{
		Type: transcript.EventUpdate, RequestID: "1", Status: "processing", Message: "Working on bob",
	}))
	require.True(t, b1.transcript.AppendEvent("run-1", transcript.ProcessEvent{
		Type: transcript.EventPhase, Status: transcript.StatusComplete, Message: "Done",
	}))
	require.True(t, b1.transcript.CloseCard("run-1"))
	require.NoError(t, b1.saveTranscript())

	// A second instance over the same database stands in for a restart.
	b2 := newTestBot(t, dbPath)
	n, err := b2.loadTranscript("sess-1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	entries := b2.transcript.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, transcript.Turn{Role: transcript.RoleUser, Content: "add bob"}, entries[0])
	require.Equal(t, transcript.Turn{Role: transcript.RoleAssistant, Content: "Confirm the batch?"}, entries[1])

	card, ok := entries[2].(*transcript.StatusCard)
	require.True(t, ok)
	require.Equal(t, "run-1", card.RunID)
	require.True(t, card.Closed, "restored cards are closed")
	require.Len(t, card.Events, 2)
	require.Equal(t, "Working on bob", card.Events[0].Message)
	require.Equal(t, "1", card.Events[0].RequestID)
	require.True(t, card.Events[1].Terminal())
}

func TestResumeSavedSessionAdoptsSavedID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bot.db")

	b1 := newTestBot(t, dbPath)
	b1.sessions.Resume("sess-9")
	b1.transcript.Append(transcript.Turn{Role: transcript.RoleAssistant, Content: "Hello again"})
	require.NoError(t, b1.saveTranscript())

	b2 := newTestBot(t, dbPath)
	require.True(t, b2.resumeSavedSession())

	id, ok := b2.sessions.ID()
	require.True(t, ok)
	require.Equal(t, "sess-9", id)
	require.Equal(t, 1, b2.transcript.Len())
}

func TestResumeSavedSessionWithEmptyTableIsRefused(t *testing.T) {
	b := newTestBot(t, filepath.Join(t.TempDir(), "bot.db"))
	require.False(t, b.resumeSavedSession())

	_, ok := b.sessions.ID()
	require.False(t, ok)
}

func TestSaveTranscriptReplacesEarlierRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "bot.db")

	b := newTestBot(t, dbPath)
	b.sessions.Resume("sess-2")
	b.transcript.Append(transcript.Turn{Role: transcript.RoleUser, Content: "first"})
	require.NoError(t, b.saveTranscript())

	b.transcript.Append(transcript.Turn{Role: transcript.RoleAssistant, Content: "second"})
	require.NoError(t, b.saveTranscript())

	b2 := newTestBot(t, dbPath)
	n, err := b2.loadTranscript("sess-2")
	require.NoError(t, err)
	require.Equal(t, 2, n, "a save overwrites the session's rows, not appends")
}
