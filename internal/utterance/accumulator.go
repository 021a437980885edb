package utterance

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultSilenceTimeout is how long a finalized but unterminated utterance may sit before it is emitted.
const DefaultSilenceTimeout = 2 * time.Second

type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateFinalizing
	StateEmitted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFinalizing:
		return "finalizing"
	case StateEmitted:
		return "emitted"
	default:
		return "unknown"
	}
}

// Trigger records which signal closed an utterance.
type Trigger string

const (
	TriggerSpeechFinal  Trigger = "speech_final"
	TriggerUtteranceEnd Trigger = "utterance_end"
	TriggerSilence      Trigger = "silence"
)

// Fragment is one recognizer hypothesis.
type Fragment struct {
	Text string
	// IsFinal marks text the recognizer will not revise.
	IsFinal bool
	// SpeechFinal marks the end of the speaker's turn as detected by the recognizer.
	SpeechFinal bool
}

// Utterance is one complete caller turn.
type Utterance struct {
	Seq       int
	Text      string
	Trigger   Trigger
	StartedAt time.Time
	EmittedAt time.Time
}

type Config struct {
	SilenceTimeout time.Duration
	// OnUtterance receives every emitted utterance exactly once. It runs with the
	// accumulator locked and must not block or call back into the accumulator.
	OnUtterance func(Utterance)
	// OnInterim receives provisional text, used to detect the caller talking over playback.
	OnInterim func(text string)
	Logger    *slog.Logger
	Now       func() time.Time
}

// Accumulator assembles recognizer fragments into utterances.
type Accumulator struct {
	mu  sync.Mutex
	cfg Config

	parts        []string
	state        State
	startedAt    time.Time
	lastActivity time.Time
	timer        *time.Timer
	timerGen     uint64
	seq          int
	closed       bool
}

func New(cfg Config) *Accumulator {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Accumulator{cfg: cfg}
}

// OnFragment accepts one recognizer fragment. Blank fragments are dropped
// without touching the silence timer.
func (a *Accumulator) OnFragment(f Fragment) {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	now := a.cfg.Now()
	a.lastActivity = now

	if !f.IsFinal && !f.SpeechFinal {
		a.armSilenceLocked()
		if a.cfg.OnInterim != nil {
			a.cfg.OnInterim(text)
		}
		return
	}

	if a.state == StateIdle {
		a.state = StateAccumulating
		a.startedAt = now
	}
	a.parts = append(a.parts, text)

	if f.SpeechFinal {
		a.emitLocked(TriggerSpeechFinal)
		return
	}
	a.armSilenceLocked()
}

// OnUtteranceBoundary emits buffered text when the recognizer reports the end of an
// utterance. It is a no-op when everything has already been emitted.
func (a *Accumulator) OnUtteranceBoundary() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.emitLocked(TriggerUtteranceEnd)
}

// OnSilenceTimeout emits buffered text after a silence deadline passes.
func (a *Accumulator) OnSilenceTimeout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.emitLocked(TriggerSilence)
}

func (a *Accumulator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Pending returns the text accumulated but not yet emitted.
func (a *Accumulator) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.parts, " ")
}

// TimerArmed reports whether a silence deadline is pending.
func (a *Accumulator) TimerArmed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

// Close cancels the silence timer. Later calls are ignored.
func (a *Accumulator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.stopTimerLocked()
	a.parts = nil
	a.state = StateIdle
}

func (a *Accumulator) emitLocked(trigger Trigger) bool {
	if len(a.parts) == 0 {
		return false
	}
	a.state = StateFinalizing
	a.stopTimerLocked()

	text := strings.Join(a.parts, " ")
	a.parts = nil
	a.seq++
	u := Utterance{
		Seq:       a.seq,
		Text:      text,
		Trigger:   trigger,
		StartedAt: a.startedAt,
		EmittedAt: a.cfg.Now(),
	}
	a.state = StateEmitted
	a.cfg.Logger.Debug("utterance emitted", "seq", u.Seq, "trigger", string(trigger), "chars", len(text))
	if a.cfg.OnUtterance != nil {
		a.cfg.OnUtterance(u)
	}
	a.state = StateIdle
	a.startedAt = time.Time{}
	return true
}

func (a *Accumulator) armSilenceLocked() {
	a.stopTimerLocked()
	gen := a.timerGen
	a.timer = time.AfterFunc(a.cfg.SilenceTimeout, func() {
		a.silenceElapsed(gen)
	})
}

func (a *Accumulator) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerGen++
}

func (a *Accumulator) silenceElapsed(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || gen != a.timerGen {
		return
	}
	a.timer = nil
	if idle := a.cfg.Now().Sub(a.lastActivity); idle < a.cfg.SilenceTimeout {
		gen := a.timerGen
		a.timer = time.AfterFunc(a.cfg.SilenceTimeout-idle, func() {
			a.silenceElapsed(gen)
		})
		return
	}
	a.emitLocked(TriggerSilence)
}
