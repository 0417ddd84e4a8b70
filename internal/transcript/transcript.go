// Package transcript keeps the ordered, append-only record of a
// conversation: chat turns plus the status cards of batch runs.
package transcript

import (
	"encoding/json"
	"sync"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	EventPhase  = "phase"
	EventUpdate = "update"

	// StatusComplete on a phase event is the terminal marker of a run.
	StatusComplete = "complete"
)

// ProcessEvent is one unit of progress relayed by the status stream.
// Only the discriminating tag (and the terminal status) is interpreted;
// Raw carries the payload verbatim.
type ProcessEvent struct {
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Terminal reports whether this event ends its batch run.
func (e ProcessEvent) Terminal() bool {
	return e.Type == EventPhase && e.Status == StatusComplete
}

// Turn is one immutable chat message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StatusCard is a transcript entry collecting the events of one batch run.
type StatusCard struct {
	RunID  string         `json:"run_id"`
	Events []ProcessEvent `json:"events"`
	Closed bool           `json:"closed"`
}

// Entry is either a Turn or a *StatusCard.
type Entry interface {
	entry()
}

func (Turn) entry()        {}
func (*StatusCard) entry() {}

// Transcript is the append-only sequence of entries. Entries are never
// removed except by a full Reset.
type Transcript struct {
	mu      sync.Mutex
	entries []Entry
}

func New() *Transcript {
	return &Transcript{}
}

// Append adds one turn at the end.
func (t *Transcript) Append(turn Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, turn)
}

// OpenCard appends a fresh empty status card for the given run. At most
// one card may be open; opening a second is refused.
func (t *Transcript) OpenCard(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openCardLocked() != nil {
		return false
	}
	t.entries = append(t.entries, &StatusCard{RunID: runID})
	return true
}

// AppendEvent adds one event to the open card for runID. Events matched by
// run identity only; anything arriving for a closed, missing, or different
// card is dropped and false is returned.
func (t *Transcript) AppendEvent(runID string, ev ProcessEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	card := t.openCardLocked()
	if card == nil || card.RunID != runID {
		return false
	}
	card.Events = append(card.Events, ev)
	return true
}

// CloseCard marks the open card for runID closed. Late events are dropped
// from then on.
func (t *Transcript) CloseCard(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	card := t.openCardLocked()
	if card == nil || card.RunID != runID {
		return false
	}
	card.Closed = true
	return true
}

// OpenCardID returns the run id of the open card, if any.
func (t *Transcript) OpenCardID() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if card := t.openCardLocked(); card != nil {
		return card.RunID, true
	}
	return "", false
}

func (t *Transcript) openCardLocked() *StatusCard {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if card, ok := t.entries[i].(*StatusCard); ok {
			if card.Closed {
				return nil
			}
			return card
		}
	}
	return nil
}

// Entries returns a snapshot of the transcript in insertion order.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Reset discards every entry. Only a full session reset does this.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}
