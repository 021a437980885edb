package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callagent/internal/reliability"
)

type DeepgramConfig struct {
	APIKey         string
	WSBaseURL      string
	Model          string
	Language       string
	Encoding       string
	SampleRate     int
	EndpointingMS  int
	UtteranceEndMS int
	KeepAlive      time.Duration
}

// DeepgramProvider opens Deepgram live transcription sessions for 8 kHz mulaw call audio.
type DeepgramProvider struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
}

func NewDeepgramProvider(cfg DeepgramConfig) *DeepgramProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "nova-2"
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = "en-GB"
	}
	if strings.TrimSpace(cfg.Encoding) == "" {
		cfg.Encoding = "mulaw"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.EndpointingMS <= 0 {
		cfg.EndpointingMS = 200
	}
	if cfg.UtteranceEndMS <= 0 {
		cfg.UtteranceEndMS = 1000
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 8 * time.Second
	}
	return &DeepgramProvider{cfg: cfg, dialer: websocket.DefaultDialer}
}

// ListenURL builds the streaming endpoint with the call-audio parameters.
func (p *DeepgramProvider) ListenURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/listen")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("encoding", p.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(p.cfg.SampleRate))
	q.Set("model", p.cfg.Model)
	q.Set("language", p.cfg.Language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(p.cfg.EndpointingMS))
	q.Set("utterance_end_ms", strconv.Itoa(p.cfg.UtteranceEndMS))
	q.Set("vad_events", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *DeepgramProvider) Open(ctx context.Context, _ string) (Stream, error) {
	endpoint, err := p.ListenURL()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial deepgram websocket: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial deepgram websocket: %w", err)
	}

	s := &deepgramStream{
		conn:   conn,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAlive(p.cfg.KeepAlive)
	return s, nil
}

type deepgramStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
	done      chan struct{}
}

func (s *deepgramStream) SendAudio(_ context.Context, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	select {
	case <-s.done:
		return errors.New("deepgram stream closed")
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (s *deepgramStream) Events() <-chan Event { return s.events }

// Close asks Deepgram to flush pending results, then drops the connection.
func (s *deepgramStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		_ = s.writeControl(map[string]string{"type": "CloseStream"})
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *deepgramStream) writeControl(msg map[string]string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *deepgramStream) keepAlive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeControl(map[string]string{"type": "KeepAlive"}); err != nil {
				return
			}
		}
	}
}

func (s *deepgramStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			ev := Event{Kind: EventClosed, At: time.Now()}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Code != websocket.CloseNormalClosure {
					ev.Err = err
					ev.Retryable = reliability.IsRetryableCloseCode(closeErr.Code)
				}
			} else if !s.closed() {
				ev.Err = err
				ev.Retryable = true
			}
			s.emit(ev)
			return
		}
		ev, ok, err := DecodeDeepgramMessage(data)
		if err != nil {
			s.emit(Event{Kind: EventError, Err: err, At: time.Now()})
			continue
		}
		if ok {
			s.emit(ev)
		}
	}
}

func (s *deepgramStream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *deepgramStream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

type deepgramEnvelope struct {
	Type string `json:"type"`
}

type deepgramResults struct {
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
	Channel     *struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramError struct {
	Description string `json:"description"`
	Message     string `json:"message"`
	Variant     string `json:"variant"`
	ErrCode     string `json:"err_code"`
}

// DecodeDeepgramMessage maps one Deepgram text frame to an Event. ok is false for
// frames that carry nothing for the conversation (Metadata, unknown types).
func DecodeDeepgramMessage(data []byte) (ev Event, ok bool, err error) {
	var env deepgramEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, false, fmt.Errorf("%w: %v", ErrTranscriptEventMalformed, err)
	}
	now := time.Now()
	switch env.Type {
	case "Results":
		var r deepgramResults
		if err := json.Unmarshal(data, &r); err != nil {
			return Event{}, false, fmt.Errorf("%w: %v", ErrTranscriptEventMalformed, err)
		}
		if r.Channel == nil || len(r.Channel.Alternatives) == 0 {
			return Event{}, false, fmt.Errorf("%w: results without alternatives", ErrTranscriptEventMalformed)
		}
		alt := r.Channel.Alternatives[0]
		return Event{
			Kind:        EventTranscript,
			Text:        alt.Transcript,
			IsFinal:     r.IsFinal,
			SpeechFinal: r.SpeechFinal,
			Confidence:  alt.Confidence,
			At:          now,
		}, true, nil
	case "UtteranceEnd":
		return Event{Kind: EventUtteranceEnd, At: now}, true, nil
	case "SpeechStarted":
		return Event{Kind: EventSpeechStarted, At: now}, true, nil
	case "Error":
		var e deepgramError
		_ = json.Unmarshal(data, &e)
		code := e.ErrCode
		if code == "" {
			code = e.Variant
		}
		detail := strings.TrimSpace(e.Description + " " + e.Message)
		return Event{
			Kind:      EventError,
			Err:       fmt.Errorf("deepgram error %s: %s", code, detail),
			Retryable: reliability.IsRetryableStreamCode(code),
			At:        now,
		}, true, nil
	case "":
		return Event{}, false, fmt.Errorf("%w: missing type", ErrTranscriptEventMalformed)
	default:
		return Event{}, false, nil
	}
}
