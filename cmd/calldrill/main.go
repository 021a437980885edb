package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/ent0n29/callagent/internal/audio"
	"github.com/ent0n29/callagent/internal/bookings"
	"github.com/ent0n29/callagent/internal/capabilities"
	"github.com/ent0n29/callagent/internal/config"
	"github.com/ent0n29/callagent/internal/conversation"
	"github.com/ent0n29/callagent/internal/llm"
	"github.com/ent0n29/callagent/internal/segment"
	"github.com/ent0n29/callagent/internal/stt"
	"github.com/ent0n29/callagent/internal/tools"
	"github.com/ent0n29/callagent/internal/tts"
)

// calldrill replays a scripted caller through one conversation session in
// process and prints every chunk the agent would speak.

type options struct {
	texts       []string
	seedFile    string
	useMock     bool
	fragment    bool
	turnTimeout time.Duration
	wavPath     string
	verbose     bool
}

var defaultUtterances = []string{
	"Hi, I'm running a bit late for my parking",
	"my registration is AB12 CDE",
	"about 20 minutes",
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "calldrill: %v\n", err)
		os.Exit(2)
	}
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "calldrill: %v\n", err)
		os.Exit(2)
	}
	if err := run(context.Background(), cfg, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "calldrill: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("calldrill", flag.ContinueOnError)
	var opts options
	var textsRaw string
	fs.StringVar(&textsRaw, "texts", "", "caller utterances separated by '|'")
	fs.StringVar(&opts.seedFile, "seed", "", "YAML bookings seed file")
	fs.BoolVar(&opts.useMock, "mock", false, "use the deterministic mock model regardless of LLM_PROVIDER")
	fs.BoolVar(&opts.fragment, "fragment", true, "split each utterance into word-level transcript fragments")
	fs.DurationVar(&opts.turnTimeout, "turn-timeout", 30*time.Second, "how long to wait for each reply")
	fs.StringVar(&opts.wavPath, "wav", "", "synthesize the agent's replies and save them to this WAV file")
	fs.BoolVar(&opts.verbose, "verbose", false, "log session internals to stderr")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.turnTimeout <= 0 {
		return options{}, fmt.Errorf("turn-timeout must be > 0")
	}
	opts.texts = splitTexts(textsRaw)
	if len(opts.texts) == 0 {
		opts.texts = defaultUtterances
	}
	return opts, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// transcriptEvents turns an utterance into the events a live transcriber
// would emit: interim and final fragments, then an utterance boundary.
func transcriptEvents(text string, fragment bool) []stt.Event {
	if !fragment {
		return []stt.Event{
			{Kind: stt.EventTranscript, Text: text, IsFinal: true, SpeechFinal: true},
			{Kind: stt.EventUtteranceEnd},
		}
	}
	words := strings.Fields(text)
	events := make([]stt.Event, 0, len(words)+1)
	for i := 0; i < len(words); i += 3 {
		end := min(i+3, len(words))
		part := strings.Join(words[i:end], " ")
		events = append(events, stt.Event{Kind: stt.EventTranscript, Text: part})
		events = append(events, stt.Event{Kind: stt.EventTranscript, Text: part, IsFinal: true, SpeechFinal: end == len(words)})
	}
	return append(events, stt.Event{Kind: stt.EventUtteranceEnd})
}

type printer struct {
	mu     sync.Mutex
	out    io.Writer
	start  time.Time
	count  int
	chunks []segment.Chunk
}

func (p *printer) Deliver(c segment.Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	p.chunks = append(p.chunks, c)
	fmt.Fprintf(p.out, "[%6dms] agent #%d (interaction %d): %s\n",
		time.Since(p.start).Milliseconds(), c.Ordinal, c.InteractionSeq, c.Text)
}

func run(ctx context.Context, cfg config.Config, opts options, out io.Writer) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	var model llm.Client = llm.NewMockClient()
	if !opts.useMock {
		var err error
		model, err = llm.NewClient(llm.Config{
			Provider:      cfg.LLMProvider,
			BaseURL:       cfg.LLMBaseURL,
			APIKey:        cfg.LLMAPIKey,
			Model:         cfg.LLMModel,
			Timeout:       cfg.LLMTimeout,
			MaxRetries:    cfg.LLMMaxRetries,
			FallbackModel: cfg.LLMFallbackModel,
		})
		if err != nil {
			return err
		}
	}

	seed := []bookings.Booking{demoBooking(cfg.Location())}
	if opts.seedFile != "" {
		loaded, err := bookings.LoadSeedFile(opts.seedFile)
		if err != nil {
			return err
		}
		seed = loaded
	}

	defs, err := tools.DefaultDefinitions()
	if err != nil {
		return err
	}
	registry := tools.NewRegistry(defs, tools.WithLogger(logger))
	if err := capabilities.Register(registry, capabilities.Deps{
		Store:          bookings.NewInMemoryStore(seed...),
		Notifier:       capabilities.NewLogNotifier(logger),
		TransferNumber: cfg.TransferNumber,
		Location:       cfg.Location(),
		Logger:         logger,
	}); err != nil {
		return err
	}

	sink := &printer{out: out, start: time.Now()}
	sess, err := conversation.NewSession(conversation.Config{
		CallSID:        "CAdrill",
		BusinessName:   cfg.BusinessName,
		AgentName:      cfg.AgentName,
		Location:       cfg.Location(),
		Greeting:       cfg.Greeting,
		SilenceTimeout: cfg.UtteranceSilenceTimeout,
		TurnTimeout:    cfg.DialogueTurnTimeout,
		MaxToolRounds:  cfg.DialogueMaxToolRounds,
		PauseMarkers:   cfg.SegmentPauseMarkers,
		Model:          model,
		Registry:       registry,
		Sink:           sink,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return err
	}
	for _, text := range opts.texts {
		fmt.Fprintf(out, "[%6dms] caller: %s\n", time.Since(sink.start).Milliseconds(), text)
		for _, ev := range transcriptEvents(text, opts.fragment) {
			ev.At = time.Now()
			sess.HandleTranscript(ev)
		}
		waitCtx, cancel := context.WithTimeout(ctx, opts.turnTimeout)
		err := sess.WaitIdle(waitCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("waiting for reply to %q: %w", text, err)
		}
	}

	fmt.Fprintf(out, "\n%d interactions, %d chunks, %d history turns\n",
		sess.InteractionSeq(), sink.count, len(sess.History()))

	if opts.wavPath == "" {
		return nil
	}
	sink.mu.Lock()
	chunks := append([]segment.Chunk(nil), sink.chunks...)
	sink.mu.Unlock()
	return recordReplies(ctx, cfg, chunks, opts.wavPath, out)
}

// recordReplies synthesizes chunks in ordinal order with a short gap
// between them, the way the player would stream them.
func recordReplies(ctx context.Context, cfg config.Config, chunks []segment.Chunk, path string, out io.Writer) error {
	var synth tts.Synthesizer = tts.NewMockSynthesizer()
	if cfg.ResolvedTTSProvider() == "elevenlabs" {
		synth = tts.NewElevenLabsSynthesizer(tts.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			WSBaseURL:    cfg.ElevenLabsWSBaseURL,
			VoiceID:      cfg.ElevenLabsVoiceID,
			ModelID:      cfg.ElevenLabsModelID,
			OutputFormat: "ulaw_8000",
			PauseMarkers: cfg.SegmentPauseMarkers,
		})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })

	var recording []byte
	for _, c := range chunks {
		clip, err := synth.Synthesize(ctx, c.Text)
		if err != nil {
			return fmt.Errorf("synthesize chunk %d: %w", c.Ordinal, err)
		}
		recording = append(recording, clip...)
		recording = append(recording, audio.Silence(250)...)
	}
	if err := audio.WriteMulawWAVFile(path, recording); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s (%d ms of audio)\n", path, len(recording)*1000/audio.TelephonySampleRate)
	return nil
}

func demoBooking(loc *time.Location) bookings.Booking {
	entry := time.Now().In(loc).Add(2 * time.Hour).Truncate(time.Minute)
	return bookings.Booking{
		Registration:     "AB12CDE",
		CustomerName:     "Jane Doe",
		ContactNumber:    "07700900123",
		VehicleMake:      "Ford",
		Terminal:         "Terminal 2",
		AllocatedCarPark: "JetParks 1, level 2",
		EntryTime:        entry,
	}
}
