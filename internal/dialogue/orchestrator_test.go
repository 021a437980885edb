package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ent0n29/callagent/internal/llm"
	"github.com/ent0n29/callagent/internal/segment"
	"github.com/ent0n29/callagent/internal/tools"
)

type scriptedReply struct {
	deltas []string
	calls  []llm.ToolCall
	err    error
}

type scriptedModel struct {
	mu       sync.Mutex
	replies  []scriptedReply
	requests []llm.Request
}

func (m *scriptedModel) Complete(_ context.Context, req llm.Request, onDelta llm.DeltaHandler) (llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if len(m.replies) == 0 {
		m.mu.Unlock()
		return llm.Response{}, errors.New("script exhausted")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	m.mu.Unlock()

	for _, d := range r.deltas {
		if err := onDelta(d); err != nil {
			return llm.Response{}, err
		}
	}
	if r.err != nil {
		return llm.Response{}, r.err
	}
	return llm.Response{Text: strings.Join(r.deltas, ""), ToolCalls: r.calls}, nil
}

type chunkRecorder struct {
	mu     sync.Mutex
	chunks []segment.Chunk
}

func (r *chunkRecorder) Deliver(c segment.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
}

func (r *chunkRecorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.chunks))
	for i, c := range r.chunks {
		out[i] = c.Text
	}
	return out
}

func (r *chunkRecorder) all() []segment.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]segment.Chunk(nil), r.chunks...)
}

type harness struct {
	orch  *Orchestrator
	model *scriptedModel
	sink  *chunkRecorder
	calls map[string]int
}

func newHarness(t *testing.T, replies []scriptedReply, mutate func(*Config)) *harness {
	t.Helper()
	defs, err := tools.DefaultDefinitions()
	require.NoError(t, err)
	reg := tools.NewRegistry(defs)

	h := &harness{
		model: &scriptedModel{replies: replies},
		sink:  &chunkRecorder{},
		calls: map[string]int{},
	}
	var mu sync.Mutex
	record := func(name string, out any) tools.Capability {
		return func(_ context.Context, _ map[string]any) (any, error) {
			mu.Lock()
			h.calls[name]++
			mu.Unlock()
			return out, nil
		}
	}
	require.NoError(t, reg.Register("findBooking", record("findBooking", map[string]any{"customerName": "Sam", "registration": "AB12CDE"})))
	require.NoError(t, reg.Register("updateETA", record("updateETA", map[string]any{"success": "ETA updated successfully."})))
	require.NoError(t, reg.Register("whatsappMessage", record("whatsappMessage", map[string]any{"success": "Manager notified successfully."})))
	require.NoError(t, reg.Register("transferCall", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("twilio unavailable")
	}))

	cfg := Config{
		Model:    h.model,
		Registry: reg,
		Sink:     h.sink,
		Counter:  segment.NewCounter(),
		CallSID:  "CA123",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.orch, err = New(cfg)
	require.NoError(t, err)
	h.orch.Seed(RoleSystem, "You are a booking assistant.")
	return h
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestPlainReplyIsSegmentedAndRecorded(t *testing.T) {
	h := newHarness(t, []scriptedReply{
		{deltas: []string{"Hello there • ", "how can I ", "help? •", " Bye"}},
	}, nil)

	out, err := h.orch.HandleUtterance(context.Background(), Input{Text: "hi", InteractionSeq: 1})
	require.NoError(t, err)
	assert.Equal(t, "Hello there • how can I help? • Bye", out.Reply)
	assert.Equal(t, []string{"Hello there • ", "how can I help? •", " Bye"}, h.sink.texts())
	assert.Equal(t, "Hello there • how can I help? • Bye", strings.Join(h.sink.texts(), ""))

	chunks := h.sink.all()
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.Equal(t, 1, c.InteractionSeq)
		assert.Equal(t, i == len(chunks)-1, c.IsFinal)
	}

	turns := h.orch.History()
	require.Len(t, turns, 3)
	assert.Equal(t, RoleUser, turns[1].Role)
	assert.Equal(t, "hi", turns[1].Content)
	assert.Equal(t, RoleAssistant, turns[2].Role)
	assert.Equal(t, out.Reply, turns[2].Content)
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.Sequence)
	}
}

func TestToolRoundRecordsRequestAndResultThenRequeries(t *testing.T) {
	h := newHarness(t, []scriptedReply{
		{calls: []llm.ToolCall{toolCall("call_1", "findBooking", `{"registration":"AB12CDE"}`)}},
		{deltas: []string{"Thanks Sam •"}},
	}, nil)

	out, err := h.orch.HandleUtterance(context.Background(), Input{Text: "my reg is AB12CDE", InteractionSeq: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Rounds)
	assert.False(t, out.Terminal)
	assert.Equal(t, 1, h.calls["findBooking"])
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, tools.CallCompleted, out.ToolCalls[0].State)

	assert.Equal(t, []string{"Give me a moment while I find your booking details.", "Thanks Sam •"}, h.sink.texts())

	turns := h.orch.History()
	require.Len(t, turns, 5)
	assert.Equal(t, RoleAssistant, turns[2].Role)
	require.Len(t, turns[2].ToolCalls, 1)
	assert.Equal(t, "call_1", turns[2].ToolCalls[0].ID)
	assert.Equal(t, RoleToolResult, turns[3].Role)
	assert.Equal(t, "findBooking", turns[3].OriginName)
	assert.Equal(t, "call_1", turns[3].ToolCallID)
	assert.JSONEq(t, `{"customerName":"Sam","registration":"AB12CDE"}`, turns[3].Content)
	assert.Equal(t, RoleAssistant, turns[4].Role)

	// The re-query carries the tool result once, as a tool message, not as a new user turn.
	require.Len(t, h.model.requests, 2)
	second := h.model.requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, llm.RoleTool, second[3].Role)
	assert.Equal(t, "call_1", second[3].ToolCallID)
	assert.NotEmpty(t, h.model.requests[0].Tools)
}

func TestToolCallsInOneResponseRunInOrder(t *testing.T) {
	h := newHarness(t, []scriptedReply{
		{calls: []llm.ToolCall{
			toolCall("a", "findBooking", `{"registration":"AB12CDE"}`),
			toolCall("b", "updateETA", `{"registration":"AB12CDE"}{"customerETA":"20 minutes"}`),
		}},
		{deltas: []string{"Done."}},
	}, nil)

	_, err := h.orch.HandleUtterance(context.Background(), Input{Text: "update my eta", InteractionSeq: 1})
	require.NoError(t, err)

	turns := h.orch.History()
	require.Len(t, turns, 6)
	assert.Equal(t, "a", turns[3].ToolCallID)
	assert.Equal(t, "b", turns[4].ToolCallID)
	assert.JSONEq(t, `{"success":"ETA updated successfully."}`, turns[4].Content)
}

func TestTerminalCapabilityStopsLoop(t *testing.T) {
	h := newHarness(t, []scriptedReply{
		{calls: []llm.ToolCall{toolCall("w1", "whatsappMessage", `{"registration":"AB12CDE"}`)}},
	}, nil)

	out, err := h.orch.HandleUtterance(context.Background(), Input{Text: "please confirm", InteractionSeq: 2})
	require.NoError(t, err)
	assert.True(t, out.Terminal)
	assert.Len(t, h.model.requests, 1)
	assert.Equal(t, 1, h.orch.InvocationCount("whatsappMessage"))
	assert.Equal(t, []string{"A driver will be assigned soon."}, h.sink.texts())
	assert.True(t, h.sink.all()[0].IsFinal, "terminal narration closes the interaction")
}

func TestTerminalNarrationIsFinalOnlyWhenItEndsTheBatch(t *testing.T) {
	h := newHarness(t, []scriptedReply{
		{calls: []llm.ToolCall{
			toolCall("w1", "whatsappMessage", `{"registration":"AB12CDE"}`),
			toolCall("f1", "findBooking", `{"registration":"AB12CDE"}`),
		}},
	}, nil)

	out, err := h.orch.HandleUtterance(context.Background(), Input{Text: "confirm and check", InteractionSeq: 1})
	require.NoError(t, err)
	assert.True(t, out.Terminal)

	chunks := h.sink.all()
	require.Len(t, chunks, 2)
	assert.Equal(t, "A driver will be assigned soon.", chunks[0].Text)
	assert.False(t, chunks[0].IsFinal)
	assert.False(t, chunks[1].IsFinal)
}

func TestFailedTerminalCapabilityRequeries(t *testing.T) {
	h := newHarness(t, []scriptedReply{
		{calls: []llm.ToolCall{toolCall("w1", "whatsappMessage", `{}`)}},
		{deltas: []string{"Could you give me the registration?"}},
	}, nil)

	out, err := h.orch.HandleUtterance(context.Background(), Input{Text: "notify them", InteractionSeq: 1})
	require.NoError(t, err)
	assert.False(t, out.Terminal)
	assert.Len(t, h.model.requests, 2)
	assert.Zero(t, h.calls["whatsappMessage"])
	assert.Equal(t, tools.CallFailed, out.ToolCalls[0].State)

	chunks := h.sink.all()
	require.NotEmpty(t, chunks)
	assert.Equal(t, "A driver will be assigned soon.", chunks[0].Text)
	assert.False(t, chunks[0].IsFinal, "narration for a call that cannot run stays open")
}

func TestRoundLimitStopsWithoutDanglingRequest(t *testing.T) {
	replies := make([]scriptedReply, 0, 3)
	for i := 0; i < 3; i++ {
		replies = append(replies, scriptedReply{calls: []llm.ToolCall{toolCall("", "findBooking", `{"registration":"AB12CDE"}`)}})
	}
	h := newHarness(t, replies, func(c *Config) { c.MaxToolRounds = 2 })

	out, err := h.orch.HandleUtterance(context.Background(), Input{Text: "loop", InteractionSeq: 1})
	require.ErrorIs(t, err, ErrToolRecursionLimitExceeded)
	assert.Equal(t, 2, out.Rounds)
	assert.Equal(t, 2, h.calls["findBooking"])
	assert.Len(t, h.model.requests, 3)

	turns := h.orch.History()
	// system, user, then two (request, result) pairs; the third request is not recorded.
	require.Len(t, turns, 6)
	last := turns[len(turns)-1]
	assert.Equal(t, RoleToolResult, last.Role)

	texts := h.sink.texts()
	require.NotEmpty(t, texts)
	assert.Equal(t, defaultLimitText, texts[len(texts)-1])
	assert.True(t, h.sink.all()[len(texts)-1].IsFinal)
}

func TestDefaultRoundLimitAllowsFiveRounds(t *testing.T) {
	replies := make([]scriptedReply, 0, 6)
	for i := 0; i < 6; i++ {
		replies = append(replies, scriptedReply{calls: []llm.ToolCall{toolCall("", "findBooking", `{"registration":"AB12CDE"}`)}})
	}
	h := newHarness(t, replies, nil)

	out, err := h.orch.HandleUtterance(context.Background(), Input{Text: "keep looking", InteractionSeq: 1})
	require.ErrorIs(t, err, ErrToolRecursionLimitExceeded)
	assert.Equal(t, DefaultMaxToolRounds, out.Rounds)
	assert.Equal(t, 5, h.calls["findBooking"])
	assert.Len(t, h.model.requests, 6)

	turns := h.orch.History()
	require.Len(t, turns, 2+2*5)
	for i := 2; i < len(turns); i += 2 {
		assert.Equal(t, RoleAssistant, turns[i].Role)
		require.Len(t, turns[i].ToolCalls, 1)
		assert.Equal(t, RoleToolResult, turns[i+1].Role)
	}

	chunks := h.sink.all()
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.Equal(t, defaultLimitText, last.Text)
	assert.True(t, last.IsFinal)
}

func TestModelFailureLeavesHistoryIntact(t *testing.T) {
	h := newHarness(t, []scriptedReply{
		{deltas: []string{"Let me "}, err: errors.New("connection reset")},
	}, nil)

	_, err := h.orch.HandleUtterance(context.Background(), Input{Text: "hello", InteractionSeq: 4})
	require.ErrorIs(t, err, ErrModelRequestFailed)

	turns := h.orch.History()
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[1].Role)

	texts := h.sink.texts()
	require.Len(t, texts, 2)
	assert.Equal(t, "Let me ", texts[0])
	assert.Equal(t, defaultModelFailureText, texts[1])
}

func TestUnknownAndMalformedCallsBecomeToolResults(t *testing.T) {
	h := newHarness(t, []scriptedReply{
		{calls: []llm.ToolCall{
			toolCall("u", "launchRocket", `{}`),
			toolCall("m", "findBooking", `{"registration":`),
			toolCall("f", "transferCall", `{"callSid":"CA123"}`),
		}},
		{deltas: []string{"Sorry about that."}},
	}, nil)

	out, err := h.orch.HandleUtterance(context.Background(), Input{Text: "do things", InteractionSeq: 1})
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 3)

	turns := h.orch.History()
	results := turns[3:6]
	wantErrors := []string{"Unknown capability.", "Invalid arguments.", "The action failed."}
	for i, r := range results {
		assert.Equal(t, RoleToolResult, r.Role)
		var payload map[string]string
		require.NoError(t, json.Unmarshal([]byte(r.Content), &payload))
		assert.Equal(t, wantErrors[i], payload["error"])
		assert.NotEmpty(t, payload["details"])
	}
	assert.Equal(t, 1, h.orch.InvocationCount("transferCall"))
	assert.Zero(t, h.orch.InvocationCount("findBooking"))
}

func TestEmbeddedMarkupIsExecutedAndNeverSpoken(t *testing.T) {
	h := newHarness(t, []scriptedReply{
		{deltas: []string{"One moment • <tool", `_call>{"name":"findBooking","arguments":{"registration":"AB12CDE"}}</tool`, "_call>"}},
		{deltas: []string{"Found it."}},
	}, nil)

	_, err := h.orch.HandleUtterance(context.Background(), Input{Text: "AB12CDE", InteractionSeq: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, h.calls["findBooking"])
	for _, text := range h.sink.texts() {
		assert.NotContains(t, text, "tool_call")
	}

	turns := h.orch.History()
	assert.Equal(t, "One moment •", turns[2].Content)
	require.Len(t, turns[2].ToolCalls, 1)
	assert.Equal(t, "findBooking", turns[2].ToolCalls[0].Name)
}

func TestOrdinalsContinueAcrossInteractions(t *testing.T) {
	h := newHarness(t, []scriptedReply{
		{deltas: []string{"First •", " reply"}},
		{deltas: []string{"Second reply"}},
	}, nil)
	h.orch.Greet("Hello, thanks for calling.", 0)

	_, err := h.orch.HandleUtterance(context.Background(), Input{Text: "one", InteractionSeq: 1})
	require.NoError(t, err)
	_, err = h.orch.HandleUtterance(context.Background(), Input{Text: "two", InteractionSeq: 2})
	require.NoError(t, err)

	chunks := h.sink.all()
	require.Len(t, chunks, 4)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
	}
	assert.Equal(t, 0, chunks[0].InteractionSeq)
	assert.Equal(t, 2, chunks[3].InteractionSeq)
}

func TestModelRequestsAreTraced(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	h := newHarness(t, []scriptedReply{{deltas: []string{"ok"}}}, func(c *Config) {
		c.Tracer = provider.Tracer("test")
	})
	_, err := h.orch.HandleUtterance(context.Background(), Input{Text: "hi", InteractionSeq: 1})
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "dialogue.model_request", spans[0].Name)
}

func TestMarkupGateHoldsPartialTags(t *testing.T) {
	g := &markupGate{}
	assert.Equal(t, "Hi ", g.Write("Hi <to"))
	assert.Equal(t, "", g.Write("ol_call>{}</tool_"))
	assert.Equal(t, " there", g.Write("call> there"))
	assert.Equal(t, "a < b", g.Write("a < b")+g.Close())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Model: &scriptedModel{}})
	require.Error(t, err)
}
