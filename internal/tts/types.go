package tts

import (
	"context"

	"github.com/mimirlabs/mimir-core/internal/voice"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	TurnID    string
	Text      string
	Profile   voice.Profile
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}
