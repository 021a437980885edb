package stt

import (
	"context"
	"errors"
	"time"
)

// ErrTranscriptEventMalformed marks a provider message that could not be decoded.
// Such messages are dropped; the stream keeps running.
var ErrTranscriptEventMalformed = errors.New("transcript event malformed")

type EventKind string

const (
	EventTranscript    EventKind = "transcript"
	EventUtteranceEnd  EventKind = "utterance_end"
	EventSpeechStarted EventKind = "speech_started"
	EventError         EventKind = "error"
	EventClosed        EventKind = "closed"
)

// Event is one message from a live transcription stream.
type Event struct {
	Kind EventKind
	Text string
	// IsFinal marks a finalized transcript segment; several can occur in one utterance.
	IsFinal bool
	// SpeechFinal marks the recognizer's end-of-speech decision.
	SpeechFinal bool
	Confidence  float64
	Err         error
	Retryable   bool
	At          time.Time
}

// Stream is one live transcription session. Events is closed after the
// EventClosed event is delivered.
type Stream interface {
	SendAudio(ctx context.Context, payload []byte) error
	Events() <-chan Event
	Close() error
}

type Provider interface {
	Open(ctx context.Context, callSID string) (Stream, error)
}
