package transcript

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendPreservesInsertionOrder(t *testing.T) {
	tr := New()
	tr.Append(Turn{Role: RoleUser, Content: "first"})
	tr.Append(Turn{Role: RoleAssistant, Content: "second"})
	tr.Append(Turn{Role: RoleUser, Content: "first"}) // duplicates are kept

	entries := tr.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, Turn{Role: RoleUser, Content: "first"}, entries[0])
	require.Equal(t, Turn{Role: RoleAssistant, Content: "second"}, entries[1])
	require.Equal(t, Turn{Role: RoleUser, Content: "first"}, entries[2])
}

func TestOpenCardRefusesSecondOpen(t *testing.T) {
	tr := New()
	require.True(t, tr.OpenCard("run-1"))
	require.False(t, tr.OpenCard("run-2"), "second open while one card is live")

	runID, ok := tr.OpenCardID()
	require.True(t, ok)
	require.Equal(t, "run-1", runID)
}

func TestAppendEventMatchesOnRunIdentity(t *testing.T) {
	tr := New()
	tr.Append(Turn{Role: RoleUser, Content: "Yes, proceed."})
	require.True(t, tr.OpenCard("run-1"))

	require.True(t, tr.AppendEvent("run-1", ProcessEvent{Type: EventUpdate, RequestID: "1", Status: "processing"}))
	require.False(t, tr.AppendEvent("run-other", ProcessEvent{Type: EventUpdate, RequestID: "2"}),
		"events for a different run must be dropped")

	card := tr.Entries()[1].(*StatusCard)
	require.Len(t, card.Events, 1)
	require.Equal(t, "1", card.Events[0].RequestID)
}

func TestClosedCardDropsLateEvents(t *testing.T) {
	tr := New()
	require.True(t, tr.OpenCard("run-1"))
	require.True(t, tr.AppendEvent("run-1", ProcessEvent{Type: EventPhase, Message: "Done", Status: StatusComplete}))
	require.True(t, tr.CloseCard("run-1"))

	require.False(t, tr.AppendEvent("run-1", ProcessEvent{Type: EventUpdate, RequestID: "late"}))
	require.False(t, tr.CloseCard("run-1"), "closing twice is not a close")

	card := tr.Entries()[0].(*StatusCard)
	require.Len(t, card.Events, 1)
	require.True(t, card.Closed)

	_, ok := tr.OpenCardID()
	require.False(t, ok)
}

func TestReopenAfterCloseStartsFreshCard(t *testing.T) {
	tr := New()
	require.True(t, tr.OpenCard("run-1"))
	require.True(t, tr.CloseCard("run-1"))
	require.True(t, tr.OpenCard("run-2"))

	// An event addressed to the first run must not land on the second card.
	require.False(t, tr.AppendEvent("run-1", ProcessEvent{Type: EventUpdate}))
	require.True(t, tr.AppendEvent("run-2", ProcessEvent{Type: EventUpdate}))
}

func TestTerminalEventDetection(t *testing.T) {
	require.True(t, ProcessEvent{Type: EventPhase, Status: StatusComplete}.Terminal())
	require.False(t, ProcessEvent{Type: EventPhase, Status: "processing"}.Terminal())
	require.False(t, ProcessEvent{Type: EventUpdate, Status: StatusComplete}.Terminal())
}

func TestResetDiscardsEverything(t *testing.T) {
	tr := New()
	tr.Append(Turn{Role: RoleAssistant, Content: "hello"})
	require.True(t, tr.OpenCard("run-1"))

	tr.Reset()
	require.Zero(t, tr.Len())
	_, ok := tr.OpenCardID()
	require.False(t, ok)
}
