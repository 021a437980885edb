package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callagent/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey          string
	WSBaseURL       string
	VoiceID         string
	ModelID         string
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
	Speed           float64
	PauseMarkers    string
}

// StreamError is an error message reported inside the synthesis stream.
type StreamError struct {
	Code      string
	Detail    string
	Retryable bool
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("elevenlabs %s: %s", e.Code, e.Detail)
}

// ElevenLabsSynthesizer opens one stream-input websocket per chunk and collects
// the audio frames until the final marker.
type ElevenLabsSynthesizer struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) *ElevenLabsSynthesizer {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "ulaw_8000"
	}
	cfg.Stability = clamp(orDefault(cfg.Stability, 0.45), 0, 1)
	cfg.SimilarityBoost = clamp(orDefault(cfg.SimilarityBoost, 0.8), 0, 1)
	cfg.Speed = clamp(orDefault(cfg.Speed, 1.0), 0.7, 1.2)
	return &ElevenLabsSynthesizer{cfg: cfg, dialer: websocket.DefaultDialer}
}

func (s *ElevenLabsSynthesizer) streamURL() (string, error) {
	if strings.TrimSpace(s.cfg.VoiceID) == "" {
		return "", errors.New("elevenlabs voice_id is required")
	}
	u, err := url.Parse(strings.TrimRight(s.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", s.cfg.ModelID)
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	spoken := SpeechText(text, s.cfg.PauseMarkers)
	if spoken == "" {
		return nil, nil
	}
	endpoint, err := s.streamURL()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("xi-api-key", s.cfg.APIKey)

	conn, _, err := s.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(20 * time.Second))
	}

	messages := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        s.cfg.Stability,
				"similarity_boost": s.cfg.SimilarityBoost,
				"speed":            s.cfg.Speed,
			},
		},
		{"text": spoken + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, m := range messages {
		if err := conn.WriteJSON(m); err != nil {
			return nil, fmt.Errorf("send tts text: %w", err)
		}
	}

	var audio []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(audio) > 0 {
				return audio, nil
			}
			return nil, fmt.Errorf("read tts stream: %w", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		if msg := asString(raw["error"]); msg != "" {
			code := asString(raw["message_type"])
			return nil, &StreamError{Code: code, Detail: msg, Retryable: reliability.IsRetryableStreamCode(code)}
		}
		if encoded := asString(raw["audio"]); encoded != "" {
			frame, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("decode tts audio: %w", err)
			}
			audio = append(audio, frame...)
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			return audio, nil
		}
	}
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
