package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/callagent/internal/dialogue"
	"github.com/ent0n29/callagent/internal/llm"
	"github.com/ent0n29/callagent/internal/observability"
	"github.com/ent0n29/callagent/internal/policy"
	"github.com/ent0n29/callagent/internal/segment"
	"github.com/ent0n29/callagent/internal/stt"
	"github.com/ent0n29/callagent/internal/tools"
	"github.com/ent0n29/callagent/internal/utterance"
)

const (
	defaultTurnTimeout = 45 * time.Second
	defaultGreeting    = "Hi! This is {{business}}. How can I help you with your booking today?"

	// Interim text shorter than this is treated as noise, not barge-in.
	bargeInMinChars = 6
)

type Config struct {
	CallSID      string
	BusinessName string
	AgentName    string
	Location     *time.Location
	Greeting     string

	SilenceTimeout time.Duration
	TurnTimeout    time.Duration
	MaxToolRounds  int
	PauseMarkers   string

	Model    llm.Client
	Registry *tools.Registry
	Sink     dialogue.Sink

	// OnBargeIn runs when the caller starts talking; seq is the latest interaction.
	OnBargeIn func(seq int)
	// OnInteraction runs when a new utterance is queued with its interaction sequence.
	OnInteraction func(seq int)

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

type work struct {
	utt utterance.Utterance
	seq int
}

// Session binds one call's accumulator and orchestrator and runs utterances
// through a single worker in arrival order.
type Session struct {
	cfg  Config
	acc  *utterance.Accumulator
	orch *dialogue.Orchestrator
	sink *detachableSink

	mu      sync.Mutex
	queue   []work
	seq     int
	busy    bool
	started bool
	closed  bool
	wake    chan struct{}
	idle    chan struct{}
	done    chan struct{}

	baseCtx context.Context
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if strings.TrimSpace(cfg.Greeting) == "" {
		cfg.Greeting = defaultGreeting
	}
	cfg.Logger = cfg.Logger.With("call_sid", cfg.CallSID)

	s := &Session{
		cfg:  cfg,
		sink: &detachableSink{target: cfg.Sink},
		wake: make(chan struct{}, 1),
		idle: make(chan struct{}),
		done: make(chan struct{}),
	}
	close(s.idle)

	orch, err := dialogue.New(dialogue.Config{
		Model:         cfg.Model,
		Registry:      cfg.Registry,
		Sink:          s.sink,
		Counter:       segment.NewCounter(),
		PauseMarkers:  cfg.PauseMarkers,
		MaxToolRounds: cfg.MaxToolRounds,
		CallSID:       cfg.CallSID,
		Logger:        cfg.Logger,
		Metrics:       cfg.Metrics,
		Tracer:        cfg.Tracer,
		Now:           cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	s.orch = orch
	s.acc = utterance.New(utterance.Config{
		SilenceTimeout: cfg.SilenceTimeout,
		OnUtterance:    s.enqueue,
		OnInterim:      s.interim,
		Logger:         cfg.Logger,
		Now:            cfg.Now,
	})
	return s, nil
}

// Start seeds the system prompt, speaks the greeting and starts the worker.
// Turns run detached from ctx cancellation so a hangup never cuts a capability call short.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	prompt, err := BuildSystemPrompt(PromptData{
		BusinessName: s.cfg.BusinessName,
		AgentName:    s.cfg.AgentName,
		CallSID:      s.cfg.CallSID,
		Now:          s.cfg.Now(),
		Location:     s.cfg.Location,
		PauseMarker:  firstMarker(s.cfg.PauseMarkers),
	})
	if err != nil {
		return err
	}
	s.orch.Seed(dialogue.RoleSystem, prompt)
	s.orch.Greet(s.greeting(), 0)

	go s.run()
	s.cfg.Metrics.IncSessionEvent("started")
	s.cfg.Logger.Info("call session started")
	return nil
}

// HandleTranscript routes one speech-to-text event into the accumulator.
func (s *Session) HandleTranscript(ev stt.Event) {
	s.cfg.Metrics.IncTranscriptEvent(string(ev.Kind))
	switch ev.Kind {
	case stt.EventTranscript:
		s.acc.OnFragment(utterance.Fragment{Text: ev.Text, IsFinal: ev.IsFinal, SpeechFinal: ev.SpeechFinal})
	case stt.EventUtteranceEnd:
		s.acc.OnUtteranceBoundary()
	case stt.EventSpeechStarted:
		// Deepgram VAD fires on noise too; interim text decides barge-in.
	case stt.EventError:
		if errors.Is(ev.Err, stt.ErrTranscriptEventMalformed) {
			s.cfg.Logger.Warn("dropping malformed transcript event", "error", ev.Err)
			return
		}
		s.cfg.Metrics.IncProviderError("stt", "stream_error")
		s.cfg.Logger.Error("transcription error", "error", ev.Err, "retryable", ev.Retryable)
	case stt.EventClosed:
		if ev.Err != nil {
			s.cfg.Logger.Warn("transcription stream closed", "error", ev.Err, "retryable", ev.Retryable)
			return
		}
		s.cfg.Logger.Info("transcription stream closed")
	default:
		s.cfg.Logger.Warn("dropping transcript event", "kind", string(ev.Kind), "error", stt.ErrTranscriptEventMalformed)
	}
}

// Close stops the accumulator and detaches the sink. A turn already running
// finishes in the background and its output is discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	dropped := len(s.queue)
	s.queue = nil
	close(s.done)
	s.mu.Unlock()

	s.acc.Close()
	s.sink.Detach()
	s.cfg.Metrics.IncSessionEvent("closed")
	s.cfg.Logger.Info("call session closed", "dropped_utterances", dropped)
}

// InteractionSeq returns the sequence of the most recently queued utterance.
func (s *Session) InteractionSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Session) History() []dialogue.Turn { return s.orch.History() }

func (s *Session) CallSID() string { return s.cfg.CallSID }

// WaitIdle blocks until the queue is empty and no turn is running.
func (s *Session) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.idle
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
		s.mu.Lock()
		quiet := !s.busy && len(s.queue) == 0
		s.mu.Unlock()
		if quiet {
			return nil
		}
	}
}

// enqueue runs under the accumulator lock and must not block.
func (s *Session) enqueue(u utterance.Utterance) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.seq++
	seq := s.seq
	s.queue = append(s.queue, work{utt: u, seq: seq})
	select {
	case <-s.idle:
		s.idle = make(chan struct{})
	default:
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.cfg.Logger.Info("utterance queued",
		"interaction_seq", seq,
		"trigger", string(u.Trigger),
		"text", policy.RedactForLog(u.Text),
	)
	if s.cfg.OnInteraction != nil {
		s.cfg.OnInteraction(seq)
	}
}

func (s *Session) interim(text string) {
	if len([]rune(text)) < bargeInMinChars || s.cfg.OnBargeIn == nil {
		return
	}
	s.cfg.OnBargeIn(s.InteractionSeq())
}

func (s *Session) run() {
	for {
		s.mu.Lock()
		if s.closed {
			s.markIdleLocked()
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.markIdleLocked()
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.busy = true
		s.mu.Unlock()

		s.process(next)

		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}
}

func (s *Session) markIdleLocked() {
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}

func (s *Session) process(w work) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.TurnTimeout)
	defer cancel()

	if !w.utt.EmittedAt.IsZero() {
		s.cfg.Metrics.ObserveTurnStage("utterance_queue_wait", s.cfg.Now().Sub(w.utt.EmittedAt))
	}
	out, err := s.orch.HandleUtterance(ctx, dialogue.Input{Text: w.utt.Text, InteractionSeq: w.seq})
	switch {
	case err == nil:
		s.cfg.Logger.Info("turn complete",
			"interaction_seq", w.seq,
			"rounds", out.Rounds,
			"tool_calls", len(out.ToolCalls),
			"terminal", out.Terminal,
		)
	case errors.Is(err, dialogue.ErrToolRecursionLimitExceeded):
		s.cfg.Metrics.IncSessionEvent("tool_round_limit")
		s.cfg.Logger.Warn("turn stopped at tool round limit", "interaction_seq", w.seq, "error", err)
	default:
		s.cfg.Metrics.IncSessionEvent("turn_failed")
		s.cfg.Logger.Error("turn failed", "interaction_seq", w.seq, "error", err)
	}
}

func (s *Session) greeting() string {
	name := s.cfg.BusinessName
	if strings.TrimSpace(name) == "" {
		name = "Manchester Airport Parking"
	}
	return strings.ReplaceAll(s.cfg.Greeting, "{{business}}", name)
}

func firstMarker(markers string) string {
	if markers == "" {
		markers = segment.DefaultPauseMarkers
	}
	r, _ := utf8.DecodeRuneInString(markers)
	return string(r)
}

type detachableSink struct {
	mu     sync.RWMutex
	target dialogue.Sink
}

func (d *detachableSink) Deliver(c segment.Chunk) {
	d.mu.RLock()
	target := d.target
	d.mu.RUnlock()
	if target != nil {
		target.Deliver(c)
	}
}

func (d *detachableSink) Detach() {
	d.mu.Lock()
	d.target = nil
	d.mu.Unlock()
}
