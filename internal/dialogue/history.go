package dialogue

import (
	"sync"
	"time"

	"github.com/ent0n29/callagent/internal/llm"
)

type Role string

const (
	RoleSystem     Role = "system"
	RoleAssistant  Role = "assistant"
	RoleUser       Role = "user"
	RoleToolResult Role = "tool_result"
)

// Turn is one immutable entry of a call's conversation.
type Turn struct {
	Sequence int  `json:"sequence"`
	Role     Role `json:"role"`
	// OriginName names the capability that produced a tool_result turn.
	OriginName string         `json:"origin_name,omitempty"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	At         time.Time      `json:"at"`
}

// History is the append-only turn log of one call.
type History struct {
	mu    sync.RWMutex
	turns []Turn
	now   func() time.Time
}

func NewHistory(now func() time.Time) *History {
	if now == nil {
		now = time.Now
	}
	return &History{now: now}
}

// Append stamps the turn with the next sequence number and stores it.
func (h *History) Append(t Turn) Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	t.Sequence = len(h.turns) + 1
	if t.At.IsZero() {
		t.At = h.now().UTC()
	}
	h.turns = append(h.turns, t)
	return t
}

// Turns returns a copy of the log in append order.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Messages converts the log to the model wire format.
func (h *History) Messages() []llm.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]llm.Message, 0, len(h.turns))
	for _, t := range h.turns {
		msg := llm.Message{
			Role:       llm.Role(t.Role),
			Name:       t.OriginName,
			Content:    t.Content,
			ToolCallID: t.ToolCallID,
			ToolCalls:  t.ToolCalls,
		}
		if t.Role == RoleToolResult {
			msg.Role = llm.RoleTool
		}
		out = append(out, msg)
	}
	return out
}
