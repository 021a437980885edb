package segment

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// DefaultPauseMarkers is the set of runes a chunk may end on. The first is the
// one the model is prompted to place at natural pauses; sentence stops follow.
const DefaultPauseMarkers = "•."

// Chunk is one speakable piece of assistant output.
type Chunk struct {
	Ordinal        int    `json:"ordinal"`
	Text           string `json:"text"`
	IsFinal        bool   `json:"is_final"`
	InteractionSeq int    `json:"interaction_seq"`
}

// Counter hands out chunk ordinals for one call. It is never reset while the call lives.
type Counter struct {
	mu   sync.Mutex
	next int
}

func NewCounter() *Counter { return &Counter{} }

func (c *Counter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.next
	c.next++
	return n
}

// Issued reports how many ordinals have been handed out.
func (c *Counter) Issued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Segmenter splits one streamed model response into chunks at pause markers.
// A Segmenter is used for a single response and is not safe for concurrent use.
type Segmenter struct {
	counter        *Counter
	markers        string
	interactionSeq int
	buffer         strings.Builder
}

func New(counter *Counter, interactionSeq int, markers string) *Segmenter {
	if counter == nil {
		counter = NewCounter()
	}
	if markers == "" {
		markers = DefaultPauseMarkers
	}
	return &Segmenter{
		counter:        counter,
		markers:        markers,
		interactionSeq: interactionSeq,
	}
}

// Feed appends a streamed delta and returns a chunk when the buffer now ends on a pause marker.
func (s *Segmenter) Feed(delta string) []Chunk {
	if delta == "" {
		return nil
	}
	s.buffer.WriteString(delta)
	if !s.endsOnMarker() {
		return nil
	}
	return s.flush(false)
}

// Flush emits whatever is buffered as the final chunk of the response.
func (s *Segmenter) Flush() []Chunk {
	return s.flush(true)
}

// Drain emits whatever is buffered without marking the response finished.
func (s *Segmenter) Drain() []Chunk {
	return s.flush(false)
}

// Announce builds a standalone chunk outside the streamed buffer.
func (s *Segmenter) Announce(text string) Chunk {
	return Chunk{
		Ordinal:        s.counter.Next(),
		Text:           text,
		InteractionSeq: s.interactionSeq,
	}
}

// Pending returns buffered text not yet emitted.
func (s *Segmenter) Pending() string {
	return s.buffer.String()
}

func (s *Segmenter) flush(final bool) []Chunk {
	text := s.buffer.String()
	s.buffer.Reset()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return []Chunk{{
		Ordinal:        s.counter.Next(),
		Text:           text,
		IsFinal:        final,
		InteractionSeq: s.interactionSeq,
	}}
}

func (s *Segmenter) endsOnMarker() bool {
	trimmed := strings.TrimRightFunc(s.buffer.String(), unicode.IsSpace)
	if trimmed == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	return strings.ContainsRune(s.markers, last)
}
