package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config contains all runtime settings for the call agent.
type Config struct {
	BindAddr              string
	PublicHost            string
	ShutdownTimeout       time.Duration
	CallInactivityTimeout time.Duration
	MetricsNamespace      string
	LogLevel              string

	UtteranceSilenceTimeout time.Duration
	DialogueMaxToolRounds   int
	DialogueTurnTimeout     time.Duration
	SegmentPauseMarkers     string

	LLMProvider      string
	LLMBaseURL       string
	LLMAPIKey        string
	LLMModel         string
	LLMFallbackModel string
	LLMTimeout       time.Duration
	LLMMaxRetries    int

	STTProvider      string
	DeepgramAPIKey   string
	DeepgramModel    string
	DeepgramLanguage string

	TTSProvider            string
	ElevenLabsAPIKey       string
	ElevenLabsWSBaseURL    string
	ElevenLabsVoiceID      string
	ElevenLabsModelID      string
	ElevenLabsOutputFormat string

	BookingsDatabaseURL string
	BookingsSeedFile    string

	NotifyMode        string
	NATSURL           string
	NATSNotifySubject string

	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioWhatsAppNumber string
	ManagerWhatsAppGroup string
	TransferNumber       string

	PolicyFile       string
	BusinessName     string
	BusinessTimezone string
	AgentName        string
	Greeting         string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicHost:       stringsTrimSpace("APP_PUBLIC_HOST"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "callagent"),
		LogLevel:         strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),

		SegmentPauseMarkers: envOrDefault("SEGMENT_PAUSE_MARKERS", "•."),

		LLMProvider:      strings.ToLower(envOrDefault("LLM_PROVIDER", "auto")),
		LLMBaseURL:       stringsTrimSpace("LLM_BASE_URL"),
		LLMAPIKey:        stringsTrimSpace("LLM_API_KEY"),
		LLMModel:         stringsTrimSpace("LLM_MODEL"),
		LLMFallbackModel: stringsTrimSpace("LLM_FALLBACK_MODEL"),

		STTProvider:      strings.ToLower(envOrDefault("STT_PROVIDER", "auto")),
		DeepgramAPIKey:   stringsTrimSpace("DEEPGRAM_API_KEY"),
		DeepgramModel:    envOrDefault("DEEPGRAM_MODEL", "nova-2"),
		DeepgramLanguage: envOrDefault("DEEPGRAM_LANGUAGE", "en-GB"),

		TTSProvider:         strings.ToLower(envOrDefault("TTS_PROVIDER", "auto")),
		ElevenLabsAPIKey:    stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		// Default to a calm British premade voice.
		ElevenLabsVoiceID:      envOrDefault("ELEVENLABS_VOICE_ID", "onwK4e9ZLuTAKqWW03F9"),
		ElevenLabsModelID:      envOrDefault("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),
		ElevenLabsOutputFormat: envOrDefault("ELEVENLABS_OUTPUT_FORMAT", "ulaw_8000"),

		BookingsDatabaseURL: stringsTrimSpace("BOOKINGS_DATABASE_URL"),
		BookingsSeedFile:    stringsTrimSpace("BOOKINGS_SEED_FILE"),

		NotifyMode:        strings.ToLower(envOrDefault("NOTIFY_MODE", "auto")),
		NATSURL:           stringsTrimSpace("NATS_URL"),
		NATSNotifySubject: envOrDefault("NATS_NOTIFY_SUBJECT", "callagent.booking.driver_requested"),

		TwilioAccountSID:     stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioWhatsAppNumber: stringsTrimSpace("TWILIO_WHATSAPP_NUMBER"),
		ManagerWhatsAppGroup: stringsTrimSpace("MANAGER_WHATSAPP_GROUP"),
		TransferNumber:       stringsTrimSpace("TRANSFER_NUMBER"),

		PolicyFile:       stringsTrimSpace("POLICY_FILE"),
		BusinessName:     envOrDefault("BUSINESS_NAME", "Manchester Airport Parking"),
		BusinessTimezone: envOrDefault("BUSINESS_TIMEZONE", "Europe/London"),
		AgentName:        envOrDefault("AGENT_NAME", "Josh"),
		Greeting:         stringsTrimSpace("GREETING"),

		ShutdownTimeout:         15 * time.Second,
		CallInactivityTimeout:   2 * time.Minute,
		UtteranceSilenceTimeout: 2 * time.Second,
		DialogueMaxToolRounds:   5,
		DialogueTurnTimeout:     45 * time.Second,
		LLMTimeout:              30 * time.Second,
		LLMMaxRetries:           2,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_CALL_INACTIVITY_TIMEOUT", &cfg.CallInactivityTimeout},
		{"UTTERANCE_SILENCE_TIMEOUT", &cfg.UtteranceSilenceTimeout},
		{"DIALOGUE_TURN_TIMEOUT", &cfg.DialogueTurnTimeout},
		{"LLM_TIMEOUT", &cfg.LLMTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	if cfg.DialogueMaxToolRounds, err = intFromEnv("DIALOGUE_MAX_TOOL_ROUNDS", cfg.DialogueMaxToolRounds); err != nil {
		return Config{}, err
	}
	if cfg.LLMMaxRetries, err = intFromEnv("LLM_MAX_RETRIES", cfg.LLMMaxRetries); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.CallInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_CALL_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.UtteranceSilenceTimeout < 200*time.Millisecond {
		return fmt.Errorf("UTTERANCE_SILENCE_TIMEOUT must be at least 200ms")
	}
	if c.DialogueMaxToolRounds <= 0 {
		return fmt.Errorf("DIALOGUE_MAX_TOOL_ROUNDS must be positive")
	}
	if c.DialogueTurnTimeout <= 0 {
		return fmt.Errorf("DIALOGUE_TURN_TIMEOUT must be positive")
	}
	if c.LLMMaxRetries < 0 {
		return fmt.Errorf("LLM_MAX_RETRIES must be >= 0")
	}
	if strings.TrimSpace(c.SegmentPauseMarkers) == "" {
		return fmt.Errorf("SEGMENT_PAUSE_MARKERS must not be blank")
	}
	if err := oneOf("LLM_PROVIDER", c.LLMProvider, "auto", "groq", "openai", "mock"); err != nil {
		return err
	}
	if err := oneOf("STT_PROVIDER", c.STTProvider, "auto", "deepgram", "mock"); err != nil {
		return err
	}
	if err := oneOf("TTS_PROVIDER", c.TTSProvider, "auto", "elevenlabs", "mock"); err != nil {
		return err
	}
	if err := oneOf("NOTIFY_MODE", c.NotifyMode, "auto", "twilio", "nats", "log"); err != nil {
		return err
	}
	if err := oneOf("APP_LOG_LEVEL", c.LogLevel, "debug", "info", "warn", "error"); err != nil {
		return err
	}
	if c.NotifyMode == "nats" && c.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required when NOTIFY_MODE=nats")
	}
	if _, err := time.LoadLocation(c.BusinessTimezone); err != nil {
		return fmt.Errorf("BUSINESS_TIMEZONE: %w", err)
	}
	return nil
}

// Location returns the business timezone. Load has already validated it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TwilioConfigured reports whether REST credentials are present.
func (c Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

// ResolvedNotifyMode turns auto into a concrete delivery channel.
func (c Config) ResolvedNotifyMode() string {
	if c.NotifyMode != "auto" {
		return c.NotifyMode
	}
	switch {
	case c.TwilioConfigured() && c.TwilioWhatsAppNumber != "" && c.ManagerWhatsAppGroup != "":
		return "twilio"
	case c.NATSURL != "":
		return "nats"
	default:
		return "log"
	}
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

// ResolvedLLMProvider mirrors the llm client's auto rule.
func (c Config) ResolvedLLMProvider() string {
	if c.LLMProvider != "auto" {
		return c.LLMProvider
	}
	if c.LLMAPIKey != "" {
		return "groq"
	}
	return "mock"
}

func (c Config) ResolvedSTTProvider() string {
	if c.STTProvider != "auto" {
		return c.STTProvider
	}
	if c.DeepgramAPIKey != "" {
		return "deepgram"
	}
	return "mock"
}

func (c Config) ResolvedTTSProvider() string {
	if c.TTSProvider != "auto" {
		return c.TTSProvider
	}
	if c.ElevenLabsAPIKey != "" && c.ElevenLabsVoiceID != "" {
		return "elevenlabs"
	}
	return "mock"
}

// BookingsStoreMode names the backend NewStore will pick for BookingsDatabaseURL.
func (c Config) BookingsStoreMode() string {
	u := strings.ToLower(c.BookingsDatabaseURL)
	switch {
	case u == "":
		return "in-memory"
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}
