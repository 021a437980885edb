package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("call not found")

// Call is the registry's view of one live phone call.
type Call struct {
	ID             string    `json:"id"`
	CallSID        string    `json:"call_sid"`
	StreamSID      string    `json:"stream_sid"`
	Status         Status    `json:"status"`
	InteractionSeq int       `json:"interaction_seq"`
	BargeInCount   int       `json:"barge_in_count"`
	EndReason      string    `json:"end_reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Manager tracks calls for the HTTP surface and ends calls that go quiet.
type Manager struct {
	mu                sync.RWMutex
	calls             map[string]*Call
	byCallSID         map[string]string
	inactivityTimeout time.Duration
	onEnd             func(*Call)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		calls:             make(map[string]*Call),
		byCallSID:         make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// SetEndHook registers fn to run after a call is ended by End or by expiry.
func (m *Manager) SetEndHook(fn func(*Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = fn
}

func (m *Manager) Create(callSID, streamSID string) *Call {
	now := m.now()
	c := &Call{
		ID:             uuid.NewString(),
		CallSID:        callSID,
		StreamSID:      streamSID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[c.ID] = c
	if callSID != "" {
		m.byCallSID[callSID] = c.ID
	}
	return clone(c)
}

func (m *Manager) Get(id string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *Manager) GetByCallSID(callSID string) (*Call, error) {
	m.mu.RLock()
	id, ok := m.byCallSID[callSID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(id)
}

// List returns every known call, newest first.
func (m *Manager) List() []*Call {
	m.mu.RLock()
	out := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, clone(c))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) Touch(id string) error {
	return m.update(id, func(c *Call) {})
}

// RecordInteraction notes that the caller's utterance seq was queued.
func (m *Manager) RecordInteraction(id string, seq int) error {
	return m.update(id, func(c *Call) {
		if seq > c.InteractionSeq {
			c.InteractionSeq = seq
		}
	})
}

func (m *Manager) Interrupt(id string) error {
	return m.update(id, func(c *Call) { c.BargeInCount++ })
}

func (m *Manager) update(id string, fn func(*Call)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return ErrNotFound
	}
	fn(c)
	c.LastActivityAt = m.now()
	return nil
}

// End marks a call ended. Ending an ended call returns it unchanged and does
// not run the hook again.
func (m *Manager) End(id, reason string) (*Call, error) {
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if c.Status == StatusEnded {
		out := clone(c)
		m.mu.Unlock()
		return out, nil
	}
	m.endLocked(c, reason)
	out := clone(c)
	hook := m.onEnd
	m.mu.Unlock()

	if hook != nil {
		hook(out)
	}
	return out, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.calls {
		if c.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Call

	m.mu.Lock()
	for _, c := range m.calls {
		if c.Status != StatusActive || now.Sub(c.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		m.endLocked(c, "inactive")
		expired = append(expired, clone(c))
	}
	hook := m.onEnd
	m.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}

func (m *Manager) endLocked(c *Call, reason string) {
	c.Status = StatusEnded
	c.EndReason = reason
	c.LastActivityAt = m.now()
	if c.CallSID != "" {
		delete(m.byCallSID, c.CallSID)
	}
}

func clone(c *Call) *Call {
	out := *c
	return &out
}
