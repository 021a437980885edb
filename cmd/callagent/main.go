package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ent0n29/callagent/internal/bookings"
	"github.com/ent0n29/callagent/internal/capabilities"
	"github.com/ent0n29/callagent/internal/config"
	"github.com/ent0n29/callagent/internal/conversation"
	"github.com/ent0n29/callagent/internal/httpapi"
	"github.com/ent0n29/callagent/internal/llm"
	"github.com/ent0n29/callagent/internal/observability"
	"github.com/ent0n29/callagent/internal/policy"
	"github.com/ent0n29/callagent/internal/session"
	"github.com/ent0n29/callagent/internal/stt"
	"github.com/ent0n29/callagent/internal/telephony"
	"github.com/ent0n29/callagent/internal/tools"
	"github.com/ent0n29/callagent/internal/tts"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("callagent stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	tp := sdktrace.NewTracerProvider()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()
	tracer := tp.Tracer("github.com/ent0n29/callagent")

	model, err := llm.NewClient(llm.Config{
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

	var transcriber stt.Provider
	switch cfg.ResolvedSTTProvider() {
	case "deepgram":
		transcriber = stt.NewDeepgramProvider(stt.DeepgramConfig{
			APIKey:   cfg.DeepgramAPIKey,
			Model:    cfg.DeepgramModel,
			Language: cfg.DeepgramLanguage,
		})
	default:
		transcriber = stt.NewMockProvider()
	}

	var synthesizer tts.Synthesizer
	switch cfg.ResolvedTTSProvider() {
	case "elevenlabs":
		synthesizer = tts.NewElevenLabsSynthesizer(tts.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			WSBaseURL:    cfg.ElevenLabsWSBaseURL,
			VoiceID:      cfg.ElevenLabsVoiceID,
			ModelID:      cfg.ElevenLabsModelID,
			OutputFormat: cfg.ElevenLabsOutputFormat,
			PauseMarkers: cfg.SegmentPauseMarkers,
		})
	default:
		synthesizer = tts.NewMockSynthesizer()
	}
	logger.Info("providers resolved",
		"llm", cfg.ResolvedLLMProvider(),
		"stt", cfg.ResolvedSTTProvider(),
		"tts", cfg.ResolvedTTSProvider(),
		"notify", cfg.ResolvedNotifyMode(),
		"bookings", cfg.BookingsStoreMode(),
	)

	var seed []bookings.Booking
	if cfg.BookingsSeedFile != "" {
		if seed, err = bookings.LoadSeedFile(cfg.BookingsSeedFile); err != nil {
			return err
		}
	}
	store, err := bookings.NewStore(ctx, cfg.BookingsDatabaseURL, seed...)
	if err != nil {
		return err
	}
	defer store.Close()

	twilio := telephony.NewTwilioClient(telephony.TwilioConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
	})

	var notifier capabilities.Notifier
	switch cfg.ResolvedNotifyMode() {
	case "twilio":
		notifier = capabilities.NewWhatsAppNotifier(twilio, cfg.TwilioWhatsAppNumber, cfg.ManagerWhatsAppGroup)
	case "nats":
		nc, err := capabilities.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		notifier = capabilities.NewNATSNotifier(nc, cfg.NATSNotifySubject)
	default:
		notifier = capabilities.NewLogNotifier(logger)
	}

	guard, err := policy.LoadEngine(ctx, cfg.PolicyFile)
	if err != nil {
		return err
	}
	defs, err := tools.DefaultDefinitions()
	if err != nil {
		return err
	}
	registry := tools.NewRegistry(defs,
		tools.WithGuard(guard),
		tools.WithTracer(tracer),
		tools.WithLogger(logger),
	)
	var callUpdater capabilities.CallUpdater
	if cfg.TwilioConfigured() {
		callUpdater = twilio
	}
	if err := capabilities.Register(registry, capabilities.Deps{
		Store:          store,
		Notifier:       notifier,
		Calls:          callUpdater,
		TransferNumber: cfg.TransferNumber,
		Location:       cfg.Location(),
		Logger:         logger,
		Metrics:        metrics,
	}); err != nil {
		return err
	}

	calls := session.NewManager(cfg.CallInactivityTimeout)
	handler, err := telephony.NewCallHandler(telephony.CallHandlerConfig{
		Session: conversation.Config{
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
			Logger:         logger,
			Metrics:        metrics,
			Tracer:         tracer,
		},
		STT:         transcriber,
		Synthesizer: synthesizer,
		Calls:       calls,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	calls.SetEndHook(func(c *session.Call) {
		// Expired calls still hold a live media stream.
		handler.Hangup(c.ID)
	})

	api := httpapi.New(cfg, calls, handler, metrics, logger)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	calls.StartJanitor(runCtx, 5*time.Second)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	runCancel()
	for _, c := range calls.List() {
		_, _ = calls.End(c.ID, "shutdown")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
