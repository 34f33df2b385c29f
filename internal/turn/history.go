// Package turn implements the turn-taking voice interaction controller:
// the state machine coordinating listening, transcript handling, reply
// generation, speaking, and safe resumption of listening.
package turn

import (
	"sync"
)

// Role tags a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message in conversation history.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// History is an append-only conversation log capped at a fixed number
// of entries. When over the cap it is truncated from the front while
// preserving the leading system turn.
type History struct {
	mu    sync.RWMutex
	turns []Turn
	limit int
}

// DefaultHistoryLimit is 1 system turn plus 9 most recent exchanges.
const DefaultHistoryLimit = 10

// NewHistory creates a history seeded with the system prompt.
func NewHistory(systemPrompt string, limit int) *History {
	if limit <= 1 {
		limit = DefaultHistoryLimit
	}
	h := &History{limit: limit}
	if systemPrompt != "" {
		h.turns = append(h.turns, Turn{Role: RoleSystem, Text: systemPrompt})
	}
	return h
}

// Append records a turn and trims to the cap.
func (h *History) Append(role Role, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.turns = append(h.turns, Turn{Role: role, Text: text})

	if len(h.turns) <= h.limit {
		return
	}
	if len(h.turns) > 0 && h.turns[0].Role == RoleSystem {
		head := h.turns[0]
		tail := h.turns[len(h.turns)-(h.limit-1):]
		trimmed := make([]Turn, 0, h.limit)
		trimmed = append(trimmed, head)
		trimmed = append(trimmed, tail...)
		h.turns = trimmed
	} else {
		h.turns = h.turns[len(h.turns)-h.limit:]
	}
}

// Turns returns a copy of the stored turns.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of stored turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Clear drops everything but the leading system turn.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.turns) > 0 && h.turns[0].Role == RoleSystem {
		h.turns = h.turns[:1]
	} else {
		h.turns = nil
	}
}
