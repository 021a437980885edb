package conversation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/callagent/internal/dialogue"
	"github.com/ent0n29/callagent/internal/llm"
	"github.com/ent0n29/callagent/internal/segment"
	"github.com/ent0n29/callagent/internal/stt"
	"github.com/ent0n29/callagent/internal/tools"
)

// echoModel replies with the last user message, optionally blocking until released.
type echoModel struct {
	mu      sync.Mutex
	seen    []string
	release chan struct{}
}

func (m *echoModel) Complete(ctx context.Context, req llm.Request, onDelta llm.DeltaHandler) (llm.Response, error) {
	last := req.Messages[len(req.Messages)-1]
	m.mu.Lock()
	m.seen = append(m.seen, last.Content)
	release := m.release
	m.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	text := "You said " + last.Content + " •"
	if err := onDelta(text); err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Text: text}, nil
}

func (m *echoModel) inputs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.seen...)
}

type sinkRecorder struct {
	mu     sync.Mutex
	chunks []segment.Chunk
}

func (r *sinkRecorder) Deliver(c segment.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
}

func (r *sinkRecorder) snapshot() []segment.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]segment.Chunk(nil), r.chunks...)
}

func newTestSession(t *testing.T, model llm.Client, mutate func(*Config)) (*Session, *sinkRecorder) {
	t.Helper()
	defs, err := tools.DefaultDefinitions()
	require.NoError(t, err)
	sink := &sinkRecorder{}
	cfg := Config{
		CallSID:        "CA42",
		BusinessName:   "Test Parking",
		SilenceTimeout: time.Minute,
		Model:          model,
		Registry:       tools.NewRegistry(defs),
		Sink:           sink,
		Now:            func() time.Time { return time.Date(2026, 7, 1, 14, 30, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, sink
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func TestStartSeedsPromptAndGreets(t *testing.T) {
	s, sink := newTestSession(t, &echoModel{}, nil)
	require.NoError(t, s.Start(context.Background()))

	turns := s.History()
	require.Len(t, turns, 2)
	assert.Equal(t, dialogue.RoleSystem, turns[0].Role)
	assert.Contains(t, turns[0].Content, "Test Parking")
	assert.Contains(t, turns[0].Content, "CA42")
	assert.Contains(t, turns[0].Content, "2:30 PM")
	assert.Equal(t, dialogue.RoleAssistant, turns[1].Role)

	chunks := sink.snapshot()
	require.Len(t, chunks, 1)
	assert.Equal(t, "Hi! This is Test Parking. How can I help you with your booking today?", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].InteractionSeq)

	require.Error(t, s.Start(context.Background()))
}

func TestTranscriptEventsBecomeOrderedTurns(t *testing.T) {
	model := &echoModel{}
	var interactions []int
	var mu sync.Mutex
	s, sink := newTestSession(t, model, func(c *Config) {
		c.OnInteraction = func(seq int) {
			mu.Lock()
			interactions = append(interactions, seq)
			mu.Unlock()
		}
	})
	require.NoError(t, s.Start(context.Background()))

	s.HandleTranscript(stt.Event{Kind: stt.EventTranscript, Text: "my reg is", IsFinal: true})
	s.HandleTranscript(stt.Event{Kind: stt.EventTranscript, Text: "AB12 CDE", IsFinal: true, SpeechFinal: true})
	s.HandleTranscript(stt.Event{Kind: stt.EventUtteranceEnd})
	s.HandleTranscript(stt.Event{Kind: stt.EventTranscript, Text: "terminal two", IsFinal: true})
	s.HandleTranscript(stt.Event{Kind: stt.EventUtteranceEnd})
	waitIdle(t, s)

	assert.Equal(t, []string{"my reg is AB12 CDE", "terminal two"}, model.inputs())
	assert.Equal(t, 2, s.InteractionSeq())
	mu.Lock()
	assert.Equal(t, []int{1, 2}, interactions)
	mu.Unlock()

	chunks := sink.snapshot()
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.Equal(t, i, c.InteractionSeq)
	}
}

func TestUtterancesQueueWhileTurnRuns(t *testing.T) {
	model := &echoModel{release: make(chan struct{})}
	s, _ := newTestSession(t, model, nil)
	require.NoError(t, s.Start(context.Background()))

	s.HandleTranscript(stt.Event{Kind: stt.EventTranscript, Text: "first", IsFinal: true, SpeechFinal: true})
	s.HandleTranscript(stt.Event{Kind: stt.EventTranscript, Text: "second", IsFinal: true, SpeechFinal: true})
	require.Eventually(t, func() bool { return len(model.inputs()) == 1 }, time.Second, 5*time.Millisecond)

	close(model.release)
	waitIdle(t, s)
	assert.Equal(t, []string{"first", "second"}, model.inputs())

	var roles []dialogue.Role
	for _, turn := range s.History() {
		roles = append(roles, turn.Role)
	}
	assert.Equal(t, []dialogue.Role{
		dialogue.RoleSystem, dialogue.RoleAssistant,
		dialogue.RoleUser, dialogue.RoleAssistant,
		dialogue.RoleUser, dialogue.RoleAssistant,
	}, roles)
}

func TestCloseDiscardsInFlightOutput(t *testing.T) {
	model := &echoModel{release: make(chan struct{})}
	s, sink := newTestSession(t, model, nil)
	require.NoError(t, s.Start(context.Background()))

	s.HandleTranscript(stt.Event{Kind: stt.EventTranscript, Text: "hello", IsFinal: true, SpeechFinal: true})
	require.Eventually(t, func() bool { return len(model.inputs()) == 1 }, time.Second, 5*time.Millisecond)

	s.Close()
	close(model.release)

	// The detached turn still completes and lands in history.
	require.Eventually(t, func() bool { return len(s.History()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.snapshot(), 1)

	s.HandleTranscript(stt.Event{Kind: stt.EventTranscript, Text: "ignored", IsFinal: true, SpeechFinal: true})
	assert.Equal(t, 1, s.InteractionSeq())
}

func TestInterimSpeechSignalsBargeIn(t *testing.T) {
	var got []int
	var mu sync.Mutex
	s, _ := newTestSession(t, &echoModel{}, func(c *Config) {
		c.OnBargeIn = func(seq int) {
			mu.Lock()
			got = append(got, seq)
			mu.Unlock()
		}
	})
	require.NoError(t, s.Start(context.Background()))

	s.HandleTranscript(stt.Event{Kind: stt.EventTranscript, Text: "uh"})
	s.HandleTranscript(stt.Event{Kind: stt.EventTranscript, Text: "actually wait"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0}, got)
}

func TestMalformedEventsAreDropped(t *testing.T) {
	model := &echoModel{}
	s, _ := newTestSession(t, model, nil)
	require.NoError(t, s.Start(context.Background()))

	s.HandleTranscript(stt.Event{Kind: stt.EventError, Err: stt.ErrTranscriptEventMalformed})
	s.HandleTranscript(stt.Event{Kind: "bogus"})
	s.HandleTranscript(stt.Event{Kind: stt.EventClosed})
	waitIdle(t, s)
	assert.Empty(t, model.inputs())
}

func TestBuildSystemPromptUsesLocalTime(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Skip("tzdata not available")
	}
	prompt, err := BuildSystemPrompt(PromptData{
		BusinessName: "Test Parking",
		CallSID:      "CA1",
		Now:          time.Date(2026, 7, 1, 14, 30, 0, 0, time.UTC),
		Location:     london,
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "3:30 PM BST")
	assert.Contains(t, prompt, "Call SID: CA1")
	assert.True(t, strings.Contains(prompt, "'•'"))
}

func TestFirstMarkerIsThePromptedPause(t *testing.T) {
	assert.Equal(t, "•", firstMarker(""))
	assert.Equal(t, "•", firstMarker(segment.DefaultPauseMarkers))
	assert.Equal(t, "|", firstMarker("|."))
}
