package stt

import (
	"context"
	"sync"
	"time"
)

// MockProvider replays a fixed script of events on every stream it opens.
// It is the local fallback when no Deepgram key is configured.
type MockProvider struct {
	script []Event
}

func NewMockProvider(script ...Event) *MockProvider {
	return &MockProvider{script: script}
}

func (p *MockProvider) Open(_ context.Context, _ string) (Stream, error) {
	s := &mockStream{events: make(chan Event, len(p.script)+1)}
	for _, ev := range p.script {
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		s.events <- ev
	}
	return s, nil
}

type mockStream struct {
	mu     sync.Mutex
	events chan Event
	bytes  int
	closed bool
}

func (s *mockStream) SendAudio(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytes += len(payload)
	return nil
}

func (s *mockStream) Events() <-chan Event { return s.events }

// BytesReceived reports how much audio the stream was sent.
func (s *mockStream) BytesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.events <- Event{Kind: EventClosed, At: time.Now()}
	close(s.events)
	return nil
}
