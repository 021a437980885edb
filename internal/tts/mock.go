package tts

import (
	"context"
	"strings"

	"github.com/ent0n29/callagent/internal/audio"
)

// MockSynthesizer produces silence sized to the text, 20 ms per character.
// It is the local fallback when no ElevenLabs key is configured.
type MockSynthesizer struct{}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return audio.Silence(20 * len([]rune(strings.TrimSpace(text)))), nil
}
