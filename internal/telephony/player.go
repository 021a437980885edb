package telephony

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ent0n29/callagent/internal/observability"
	"github.com/ent0n29/callagent/internal/protocol"
	"github.com/ent0n29/callagent/internal/segment"
	"github.com/ent0n29/callagent/internal/tts"
)

const defaultSynthesisTimeout = 15 * time.Second

type PlayerConfig struct {
	StreamSID        string
	Synthesizer      tts.Synthesizer
	Outbound         chan<- any
	SynthesisTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *observability.Metrics
	Now              func() time.Time
}

type rendered struct {
	chunk segment.Chunk
	audio []byte
	err   error
	skip  bool
}

// Player turns reply chunks into Twilio media messages. Chunks are synthesized
// concurrently and written strictly in ordinal order; each one is followed by
// a mark so playback progress comes back on the stream.
type Player struct {
	cfg    PlayerConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	next        int
	ready       map[int]rendered
	floor       int
	outstanding map[string]int
	turnStart   map[int]time.Time
	heard       map[int]bool
	closed      bool
}

func NewPlayer(cfg PlayerConfig) *Player {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = defaultSynthesisTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Player{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		ready:       make(map[int]rendered),
		outstanding: make(map[string]int),
		turnStart:   make(map[int]time.Time),
		heard:       make(map[int]bool),
	}
}

// Deliver accepts chunks in ordinal order from the dialogue loop.
func (p *Player) Deliver(c segment.Chunk) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if !p.started {
		p.started = true
		p.next = c.Ordinal
	}
	if c.InteractionSeq < p.floor {
		p.ready[c.Ordinal] = rendered{chunk: c, skip: true}
		p.drainLocked()
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		start := p.cfg.Now()
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.SynthesisTimeout)
		audio, err := p.cfg.Synthesizer.Synthesize(ctx, c.Text)
		cancel()
		p.cfg.Metrics.ObserveTurnStage("synthesis", p.cfg.Now().Sub(start))

		p.mu.Lock()
		defer p.mu.Unlock()
		p.ready[c.Ordinal] = rendered{chunk: c, audio: audio, err: err}
		p.drainLocked()
	}()
}

// BeginInteraction starts a new caller interaction: output of older ones is
// dropped and first-audio latency is measured from at.
func (p *Player) BeginInteraction(seq int, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq > p.floor {
		p.floor = seq
	}
	p.turnStart[seq] = at
}

// Interrupt handles caller barge-in. If audio is still playing it tells
// Twilio to drop its buffer and discards the rest of interaction seq.
// It reports whether anything was cleared.
func (p *Player) Interrupt(seq int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.outstanding) == 0 {
		return false
	}
	if seq+1 > p.floor {
		p.floor = seq + 1
	}
	clear(p.outstanding)
	p.sendLocked(protocol.NewClear(p.cfg.StreamSID))
	p.cfg.Metrics.ObserveTurnIndicator("barge_in")
	p.cfg.Logger.Info("caller barge-in, playback cleared", "interaction_seq", seq)
	return true
}

// OnMark records that Twilio finished playing the chunk the mark followed.
func (p *Player) OnMark(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.outstanding, name)
}

// Playing reports how many chunks are sent but not yet played back.
func (p *Player) Playing() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}

// Close stops pending synthesis and waits for in-flight work to settle.
func (p *Player) Close() {
	// Cancel first: a drain blocked on a full outbound queue holds the lock.
	p.cancel()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Player) drainLocked() {
	for {
		r, ok := p.ready[p.next]
		if !ok {
			return
		}
		delete(p.ready, p.next)
		p.next++

		switch {
		case p.closed || r.skip:
			continue
		case r.chunk.InteractionSeq < p.floor:
			p.cfg.Logger.Debug("dropping stale chunk", "ordinal", r.chunk.Ordinal, "interaction_seq", r.chunk.InteractionSeq)
			continue
		case r.err != nil:
			p.cfg.Metrics.IncProviderError("tts", "synthesis_failed")
			p.cfg.Logger.Warn("chunk synthesis failed", "ordinal", r.chunk.Ordinal, "error", r.err)
			continue
		case len(r.audio) == 0:
			continue
		}

		name := strconv.Itoa(r.chunk.Ordinal)
		if !p.sendLocked(protocol.NewMedia(p.cfg.StreamSID, r.audio)) {
			return
		}
		p.sendLocked(protocol.NewMark(p.cfg.StreamSID, name))
		p.outstanding[name] = r.chunk.InteractionSeq
		p.observeFirstAudioLocked(r.chunk.InteractionSeq)
	}
}

func (p *Player) observeFirstAudioLocked(seq int) {
	if p.heard[seq] {
		return
	}
	p.heard[seq] = true
	if start, ok := p.turnStart[seq]; ok {
		p.cfg.Metrics.ObserveFirstAudioLatency(p.cfg.Now().Sub(start))
		delete(p.turnStart, seq)
	}
}

func (p *Player) sendLocked(msg any) bool {
	select {
	case p.cfg.Outbound <- msg:
		return true
	case <-p.ctx.Done():
		return false
	}
}
