package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/callagent/internal/llm"
	"github.com/ent0n29/callagent/internal/observability"
	"github.com/ent0n29/callagent/internal/segment"
	"github.com/ent0n29/callagent/internal/tools"
)

var (
	ErrModelRequestFailed         = errors.New("model request failed")
	ErrToolRecursionLimitExceeded = errors.New("tool round limit exceeded")
)

const (
	DefaultMaxToolRounds = 5

	defaultModelFailureText = "I'm sorry, I'm having trouble right now. Could you say that again?"
	defaultLimitText        = "Sorry, I wasn't able to finish that. Could you ask me in a different way?"
)

// Sink receives speakable chunks in ordinal order.
type Sink interface {
	Deliver(chunk segment.Chunk)
}

type SinkFunc func(chunk segment.Chunk)

func (f SinkFunc) Deliver(chunk segment.Chunk) { f(chunk) }

// Input is one unit of work for the orchestrator, usually a caller utterance.
type Input struct {
	Text           string
	InteractionSeq int
	// Role defaults to user.
	Role       Role
	OriginName string
}

// Outcome summarizes one handled input.
type Outcome struct {
	InteractionSeq int
	Reply          string
	ToolCalls      []tools.Call
	Rounds         int
	Terminal       bool
}

type Config struct {
	Model    llm.Client
	Registry *tools.Registry
	Sink     Sink
	// Counter is shared with every segmenter of the call.
	Counter       *segment.Counter
	PauseMarkers  string
	MaxToolRounds int
	CallSID       string

	ModelFailureText string
	LimitText        string

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Orchestrator owns one call's history and runs the model/tool loop for each input.
type Orchestrator struct {
	cfg     Config
	history *History

	// turnMu serializes HandleUtterance.
	turnMu sync.Mutex

	countsMu sync.Mutex
	counts   map[string]int
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Model == nil {
		return nil, errors.New("dialogue: model client is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("dialogue: capability registry is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = SinkFunc(func(segment.Chunk) {})
	}
	if cfg.Counter == nil {
		cfg.Counter = segment.NewCounter()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if strings.TrimSpace(cfg.ModelFailureText) == "" {
		cfg.ModelFailureText = defaultModelFailureText
	}
	if strings.TrimSpace(cfg.LimitText) == "" {
		cfg.LimitText = defaultLimitText
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/ent0n29/callagent/internal/dialogue")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		cfg:     cfg,
		history: NewHistory(cfg.Now),
		counts:  make(map[string]int),
	}, nil
}

// Seed appends a turn without contacting the model, e.g. the system prompt.
func (o *Orchestrator) Seed(role Role, content string) Turn {
	return o.history.Append(Turn{Role: role, Content: content})
}

// Greet records an assistant opening line and speaks it.
func (o *Orchestrator) Greet(text string, interactionSeq int) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.history.Append(Turn{Role: RoleAssistant, Content: text})
	seg := segment.New(o.cfg.Counter, interactionSeq, o.cfg.PauseMarkers)
	o.deliver(seg.Feed(text))
	o.deliver(seg.Flush())
}

func (o *Orchestrator) History() []Turn { return o.history.Turns() }

// InvocationCount reports how many times a capability actually ran on this call.
func (o *Orchestrator) InvocationCount(name string) int {
	o.countsMu.Lock()
	defer o.countsMu.Unlock()
	return o.counts[name]
}

// HandleUtterance appends the input to the history and runs model rounds until the
// model answers in plain text, a terminal capability succeeds, or the round cap is hit.
func (o *Orchestrator) HandleUtterance(ctx context.Context, in Input) (Outcome, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	role := in.Role
	if role == "" {
		role = RoleUser
	}
	o.history.Append(Turn{Role: role, OriginName: in.OriginName, Content: in.Text})

	started := o.cfg.Now()
	out := Outcome{InteractionSeq: in.InteractionSeq}
	defer func() {
		o.cfg.Metrics.ObserveTurnStage("turn_total", o.cfg.Now().Sub(started))
	}()

	for {
		seg := segment.New(o.cfg.Counter, in.InteractionSeq, o.cfg.PauseMarkers)
		resp, err := o.requestCompletion(ctx, seg, out.Rounds, started)
		if err != nil {
			// Anything already spoken stays spoken; the history gets no partial turn.
			o.deliver(seg.Drain())
			o.deliver([]segment.Chunk{o.finalAnnouncement(seg, o.cfg.ModelFailureText)})
			o.cfg.Logger.Error("model request failed",
				"call_sid", o.cfg.CallSID,
				"interaction_seq", in.InteractionSeq,
				"round", out.Rounds,
				"error", err,
			)
			return out, fmt.Errorf("%w: %w", ErrModelRequestFailed, err)
		}

		calls, visible := collectCalls(resp)
		if len(calls) == 0 {
			o.deliver(seg.Flush())
			o.history.Append(Turn{Role: RoleAssistant, Content: visible})
			out.Reply = visible
			return out, nil
		}

		if out.Rounds >= o.cfg.MaxToolRounds {
			o.deliver(seg.Drain())
			o.deliver([]segment.Chunk{o.finalAnnouncement(seg, o.cfg.LimitText)})
			o.cfg.Logger.Warn("tool round limit reached",
				"call_sid", o.cfg.CallSID,
				"interaction_seq", in.InteractionSeq,
				"max_rounds", o.cfg.MaxToolRounds,
				"requested", callNames(calls),
			)
			return out, fmt.Errorf("%w: %d rounds", ErrToolRecursionLimitExceeded, o.cfg.MaxToolRounds)
		}

		o.deliver(seg.Drain())
		out.Rounds++
		wire := make([]llm.ToolCall, 0, len(calls))
		for _, c := range calls {
			wire = append(wire, llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.RawArguments})
		}
		o.history.Append(Turn{Role: RoleAssistant, Content: visible, ToolCalls: wire})

		terminal := false
		for i := range calls {
			if o.runCall(ctx, seg, &calls[i], i == len(calls)-1) {
				terminal = true
			}
		}
		out.ToolCalls = append(out.ToolCalls, calls...)
		if terminal {
			out.Terminal = true
			return out, nil
		}
	}
}

// requestCompletion streams one model response into seg, delivering chunks as they form.
func (o *Orchestrator) requestCompletion(ctx context.Context, seg *segment.Segmenter, round int, turnStarted time.Time) (llm.Response, error) {
	ctx, span := o.cfg.Tracer.Start(ctx, "dialogue.model_request", trace.WithAttributes(
		attribute.String("call.sid", o.cfg.CallSID),
		attribute.Int("dialogue.round", round),
	))
	defer span.End()

	req := llm.Request{Messages: o.history.Messages(), Tools: o.toolSchema()}
	gate := &markupGate{}
	start := o.cfg.Now()
	firstDelta := true
	firstChunk := round == 0

	resp, err := o.cfg.Model.Complete(ctx, req, func(delta string) error {
		if firstDelta {
			firstDelta = false
			o.cfg.Metrics.ObserveTurnStage("model_first_delta", o.cfg.Now().Sub(start))
		}
		chunks := seg.Feed(gate.Write(delta))
		if len(chunks) > 0 && firstChunk {
			firstChunk = false
			o.cfg.Metrics.ObserveTurnStage("utterance_to_first_chunk", o.cfg.Now().Sub(turnStarted))
		}
		o.deliver(chunks)
		return nil
	})
	elapsed := o.cfg.Now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.cfg.Metrics.ObserveModelRequest("error", elapsed)
		return llm.Response{}, err
	}
	if rest := gate.Close(); rest != "" {
		o.deliver(seg.Feed(rest))
	}
	o.cfg.Metrics.ObserveModelRequest("ok", elapsed)
	o.cfg.Metrics.ObserveTurnStage("model_request", elapsed)
	span.SetAttributes(
		attribute.Int("dialogue.tool_calls", len(resp.ToolCalls)),
		attribute.String("dialogue.finish_reason", resp.FinishReason),
	)
	return resp, nil
}

// runCall narrates, invokes and records one capability call. It reports whether
// a terminal capability ran successfully. When last is set and the call is a
// well-formed terminal one, its narration closes the interaction and is marked
// final; a failed invocation still re-queries the model.
func (o *Orchestrator) runCall(ctx context.Context, seg *segment.Segmenter, call *tools.Call, last bool) bool {
	def, declared := o.cfg.Registry.Definition(call.Name)
	args, err := tools.NormalizeArguments(call.RawArguments)
	if declared && strings.TrimSpace(def.Say) != "" {
		c := seg.Announce(def.Say)
		c.IsFinal = last && def.Terminal && err == nil && tools.Validate(def, args) == nil
		o.deliver([]segment.Chunk{c})
	}

	started := o.cfg.Now()
	call.State = tools.CallExecuting
	var res tools.Result
	if err != nil {
		res = tools.Failure(fmt.Errorf("%s: %w", call.Name, err))
	} else {
		call.Arguments = args
		res = o.cfg.Registry.Invoke(ctx, call.Name, args, tools.InvokeMeta{
			CallSID:          o.cfg.CallSID,
			PriorInvocations: o.InvocationCount(call.Name),
		})
	}
	o.cfg.Metrics.ObserveTurnStage("capability_invocation", o.cfg.Now().Sub(started))

	if res.Invoked {
		o.countsMu.Lock()
		o.counts[call.Name]++
		o.countsMu.Unlock()
	}
	result := "ok"
	call.State = tools.CallCompleted
	if res.Err != nil {
		call.State = tools.CallFailed
		result = failureLabel(res.Err)
	}
	o.cfg.Metrics.ObserveToolInvocation(metricName(o.cfg.Registry, call.Name), result)

	o.history.Append(Turn{
		Role:       RoleToolResult,
		OriginName: call.Name,
		Content:    res.Content,
		ToolCallID: call.ID,
	})
	return declared && def.Terminal && res.Invoked && res.Err == nil
}

func (o *Orchestrator) toolSchema() []llm.Tool {
	defs := o.cfg.Registry.Definitions()
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.Tool{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return out
}

func (o *Orchestrator) finalAnnouncement(seg *segment.Segmenter, text string) segment.Chunk {
	c := seg.Announce(text)
	c.IsFinal = true
	return c
}

func (o *Orchestrator) deliver(chunks []segment.Chunk) {
	for _, c := range chunks {
		o.cfg.Metrics.IncChunksEmitted()
		o.cfg.Sink.Deliver(c)
	}
}

// collectCalls merges native tool calls with any embedded markup in the text and
// returns the text left for the caller to hear.
func collectCalls(resp llm.Response) ([]tools.Call, string) {
	embedded, visible := tools.ParseEmbeddedCalls(resp.Text)
	calls := make([]tools.Call, 0, len(resp.ToolCalls)+len(embedded))
	for _, tc := range resp.ToolCalls {
		calls = append(calls, tools.StructuredCall(tc.ID, tc.Name, tc.Arguments))
	}
	calls = append(calls, embedded...)
	if len(embedded) == 0 {
		visible = resp.Text
	}
	return calls, visible
}

func callNames(calls []tools.Call) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, tools.ErrUnknownCapability):
		return "unknown"
	case errors.Is(err, tools.ErrMalformedArguments):
		return "malformed"
	case errors.Is(err, tools.ErrPolicyBlocked):
		return "blocked"
	default:
		return "failed"
	}
}

// metricName keeps model-invented names out of the label set.
func metricName(reg *tools.Registry, name string) string {
	if _, ok := reg.Definition(name); ok {
		return name
	}
	return "unknown"
}
