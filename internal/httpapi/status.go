package httpapi

import (
	"net/http"
	"strings"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	LLMProvider  string        `json:"llm_provider"`
	STTProvider  string        `json:"stt_provider"`
	TTSProvider  string        `json:"tts_provider"`
	NotifyMode   string        `json:"notify_mode"`
	BookingStore string        `json:"booking_store"`
	ActiveCalls  int           `json:"active_calls"`
	Checks       []statusCheck `json:"checks"`
}

// handleStatus reports which providers are wired and what is missing for a
// production call.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		LLMProvider:  s.cfg.ResolvedLLMProvider(),
		STTProvider:  s.cfg.ResolvedSTTProvider(),
		TTSProvider:  s.cfg.ResolvedTTSProvider(),
		NotifyMode:   s.cfg.ResolvedNotifyMode(),
		BookingStore: s.cfg.BookingsStoreMode(),
		ActiveCalls:  s.calls.ActiveCount(),
	}

	checks := make([]statusCheck, 0, 8)
	checks = append(checks, providerCheck("llm", "Language model", resp.LLMProvider, s.cfg.LLMAPIKey, "Set LLM_API_KEY (Groq) or LLM_PROVIDER=openai with LLM_BASE_URL."))
	checks = append(checks, providerCheck("stt", "Speech-to-text", resp.STTProvider, s.cfg.DeepgramAPIKey, "Set DEEPGRAM_API_KEY."))
	checks = append(checks, providerCheck("tts", "Text-to-speech", resp.TTSProvider, s.cfg.ElevenLabsAPIKey, "Set ELEVENLABS_API_KEY and ELEVENLABS_VOICE_ID."))

	switch resp.BookingStore {
	case "in-memory":
		checks = append(checks, statusCheck{
			ID:     "booking_store",
			Status: "warn",
			Label:  "Booking store",
			Detail: "in-memory only",
			Fix:    "Set BOOKINGS_DATABASE_URL to a postgres:// URL or SQLite path.",
		})
	default:
		checks = append(checks, statusCheck{ID: "booking_store", Status: "ok", Label: "Booking store", Detail: resp.BookingStore})
	}

	switch resp.NotifyMode {
	case "log":
		checks = append(checks, statusCheck{
			ID:     "notify",
			Status: "warn",
			Label:  "Manager notifications",
			Detail: "logged only",
			Fix:    "Set TWILIO_WHATSAPP_NUMBER and MANAGER_WHATSAPP_GROUP, or NATS_URL.",
		})
	default:
		checks = append(checks, statusCheck{ID: "notify", Status: "ok", Label: "Manager notifications", Detail: resp.NotifyMode})
	}

	if s.cfg.TwilioConfigured() {
		checks = append(checks, statusCheck{ID: "twilio", Status: "ok", Label: "Twilio REST", Detail: "credentials present"})
	} else {
		checks = append(checks, statusCheck{
			ID:     "twilio",
			Status: "warn",
			Label:  "Twilio REST",
			Detail: "transfers are unavailable",
			Fix:    "Set TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN.",
		})
	}
	if strings.TrimSpace(s.cfg.TransferNumber) == "" {
		checks = append(checks, statusCheck{
			ID:     "transfer_number",
			Status: "warn",
			Label:  "Transfer number",
			Detail: "TRANSFER_NUMBER is not set",
		})
	}
	if strings.TrimSpace(s.cfg.PublicHost) == "" {
		checks = append(checks, statusCheck{
			ID:     "public_host",
			Status: "warn",
			Label:  "Public host",
			Detail: "stream URL uses the request Host header",
			Fix:    "Set APP_PUBLIC_HOST to the hostname Twilio reaches.",
		})
	}

	resp.Checks = checks
	respondJSON(w, http.StatusOK, resp)
}

func providerCheck(id, label, provider, key, fix string) statusCheck {
	switch {
	case provider == "mock":
		return statusCheck{ID: id, Status: "warn", Label: label, Detail: "mock provider", Fix: fix}
	case strings.TrimSpace(key) == "" && provider != "openai":
		return statusCheck{ID: id, Status: "error", Label: label, Detail: provider + " selected without an API key", Fix: fix}
	default:
		return statusCheck{ID: id, Status: "ok", Label: label, Detail: provider}
	}
}
