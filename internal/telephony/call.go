package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/callagent/internal/conversation"
	"github.com/ent0n29/callagent/internal/observability"
	"github.com/ent0n29/callagent/internal/protocol"
	"github.com/ent0n29/callagent/internal/reliability"
	"github.com/ent0n29/callagent/internal/session"
	"github.com/ent0n29/callagent/internal/stt"
	"github.com/ent0n29/callagent/internal/tts"
)

const defaultSTTReconnects = 3

type CallHandlerConfig struct {
	// Session is the template for every call; CallSID, Sink and the hooks are set per call.
	Session       conversation.Config
	STT           stt.Provider
	Synthesizer   tts.Synthesizer
	Calls         *session.Manager
	STTReconnects int
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// CallHandler runs one Twilio media stream: it feeds caller audio to the
// transcriber, transcripts to the conversation session, and reply chunks to
// the player.
type CallHandler struct {
	cfg CallHandlerConfig

	mu      sync.Mutex
	hangups map[string]context.CancelFunc
}

func NewCallHandler(cfg CallHandlerConfig) (*CallHandler, error) {
	if cfg.STT == nil || cfg.Synthesizer == nil || cfg.Calls == nil {
		return nil, errors.New("call handler requires stt, synthesizer and call manager")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.STTReconnects < 0 {
		cfg.STTReconnects = 0
	} else if cfg.STTReconnects == 0 {
		cfg.STTReconnects = defaultSTTReconnects
	}
	return &CallHandler{cfg: cfg, hangups: make(map[string]context.CancelFunc)}, nil
}

// Hangup stops the media stream of call id. It is safe to call for unknown ids.
func (h *CallHandler) Hangup(id string) {
	h.mu.Lock()
	cancel, ok := h.hangups[id]
	h.mu.Unlock()
	if ok {
		cancel()
	}
}

// RunCall consumes parsed stream messages until the stream stops, inbound is
// closed or ctx ends.
func (h *CallHandler) RunCall(ctx context.Context, inbound <-chan any, outbound chan<- any) error {
	start, ok := awaitStart(ctx, inbound)
	if !ok {
		return nil
	}

	call := h.cfg.Calls.Create(start.Start.CallSID, start.StreamSID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.mu.Lock()
	h.hangups[call.ID] = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.hangups, call.ID)
		h.mu.Unlock()
	}()

	logger := h.cfg.Logger.With("call_sid", call.CallSID, "session_id", call.ID)
	h.cfg.Metrics.CallStarted()
	defer h.cfg.Metrics.CallEnded()

	player := NewPlayer(PlayerConfig{
		StreamSID:   start.StreamSID,
		Synthesizer: h.cfg.Synthesizer,
		Outbound:    outbound,
		Logger:      logger,
		Metrics:     h.cfg.Metrics,
	})
	defer player.Close()

	scfg := h.cfg.Session
	scfg.CallSID = call.CallSID
	scfg.Sink = player
	scfg.Logger = h.cfg.Logger
	scfg.Metrics = h.cfg.Metrics
	scfg.OnInteraction = func(seq int) {
		player.BeginInteraction(seq, time.Now())
		_ = h.cfg.Calls.RecordInteraction(call.ID, seq)
	}
	scfg.OnBargeIn = func(seq int) {
		if player.Interrupt(seq) {
			_ = h.cfg.Calls.Interrupt(call.ID)
		}
	}
	sess, err := conversation.NewSession(scfg)
	if err != nil {
		h.endCall(call.ID, "setup_failed")
		return fmt.Errorf("create conversation session: %w", err)
	}
	defer sess.Close()

	transcriber := &transcriber{provider: h.cfg.STT, callSID: call.CallSID}
	if err := transcriber.open(ctx); err != nil {
		h.cfg.Metrics.IncProviderError("stt", "open_failed")
		h.endCall(call.ID, "stt_unavailable")
		return err
	}
	defer transcriber.close()

	if err := sess.Start(ctx); err != nil {
		h.endCall(call.ID, "setup_failed")
		return err
	}

	sttDone := make(chan struct{})
	go func() {
		defer close(sttDone)
		h.pumpTranscripts(ctx, transcriber, sess, logger)
	}()

	reason := h.readStream(ctx, inbound, call.ID, transcriber, player, logger)
	cancel()
	transcriber.close()
	<-sttDone
	h.endCall(call.ID, reason)
	logger.Info("call finished", "reason", reason, "interactions", sess.InteractionSeq())
	return nil
}

func (h *CallHandler) readStream(ctx context.Context, inbound <-chan any, id string, tr *transcriber, player *Player, logger *slog.Logger) string {
	for {
		select {
		case <-ctx.Done():
			return "hangup"
		case msg, ok := <-inbound:
			if !ok {
				return "stream_closed"
			}
			_ = h.cfg.Calls.Touch(id)
			switch m := msg.(type) {
			case protocol.Media:
				audio, err := m.Audio()
				if err != nil {
					logger.Warn("dropping undecodable media frame", "error", err)
					continue
				}
				if err := tr.send(ctx, audio); err != nil && ctx.Err() == nil {
					logger.Debug("transcriber rejected audio", "error", err)
				}
			case protocol.Mark:
				player.OnMark(m.Mark.Name)
			case protocol.DTMF:
				logger.Info("caller pressed key", "digit", m.DTMF.Digit)
			case protocol.Stop:
				return "caller_hangup"
			}
		}
	}
}

// pumpTranscripts forwards transcriber events to the session and reopens the
// stream after a retryable close.
func (h *CallHandler) pumpTranscripts(ctx context.Context, tr *transcriber, sess *conversation.Session, logger *slog.Logger) {
	attempts := 0
	for {
		var last stt.Event
		for ev := range tr.events() {
			last = ev
			sess.HandleTranscript(ev)
		}
		if ctx.Err() != nil || !last.Retryable || attempts >= h.cfg.STTReconnects {
			return
		}
		wait := reliability.ExponentialBackoff(attempts, 250*time.Millisecond, 4*time.Second)
		attempts++
		logger.Warn("transcription stream dropped, reconnecting", "attempt", attempts, "wait", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := tr.open(ctx); err != nil {
			h.cfg.Metrics.IncProviderError("stt", "reconnect_failed")
			logger.Error("transcription reconnect failed", "error", err)
			return
		}
		h.cfg.Metrics.IncSessionEvent("stt_reconnected")
	}
}

func (h *CallHandler) endCall(id, reason string) {
	if _, err := h.cfg.Calls.End(id, reason); err != nil {
		h.cfg.Logger.Warn("end call", "session_id", id, "error", err)
	}
}

func awaitStart(ctx context.Context, inbound <-chan any) (protocol.Start, bool) {
	for {
		select {
		case <-ctx.Done():
			return protocol.Start{}, false
		case msg, ok := <-inbound:
			if !ok {
				return protocol.Start{}, false
			}
			if start, isStart := msg.(protocol.Start); isStart {
				return start, true
			}
		}
	}
}

// transcriber holds the current STT stream; it is swapped on reconnect.
type transcriber struct {
	provider stt.Provider
	callSID  string

	mu     sync.Mutex
	stream stt.Stream
}

func (t *transcriber) open(ctx context.Context) error {
	s, err := t.provider.Open(ctx, t.callSID)
	if err != nil {
		return fmt.Errorf("open transcription stream: %w", err)
	}
	t.mu.Lock()
	old := t.stream
	t.stream = s
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (t *transcriber) send(ctx context.Context, audio []byte) error {
	t.mu.Lock()
	s := t.stream
	t.mu.Unlock()
	if s == nil {
		return errors.New("transcription stream not open")
	}
	return s.SendAudio(ctx, audio)
}

func (t *transcriber) events() <-chan stt.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream.Events()
}

func (t *transcriber) close() {
	t.mu.Lock()
	s := t.stream
	t.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}
