package tts

import (
	"context"
	"strings"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	chunkMS    int
}

func NewMockSynth(sampleRate, channels, chunkDurationMS int) Synthesizer {
	if chunkDurationMS <= 0 {
		chunkDurationMS = 100
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunkMS: chunkDurationMS}
}

// Synthesize produces silent PCM sized to the text so downstream playback
// timing behaves like a real voice.
func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		words := len(strings.Fields(req.Text))
		if words == 0 {
			words = 1
		}
		totalMS := words * 80
		chunkBytes := m.sampleRate * m.channels * 2 * m.chunkMS / 1000
		remaining := m.sampleRate * m.channels * 2 * totalMS / 1000

		sequence := 0
		for remaining > 0 {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(time.Millisecond):
			}
			size := chunkBytes
			if size > remaining {
				size = remaining
			}
			remaining -= size
			select {
			case chunks <- SynthChunk{
				Sequence:   sequence,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, size),
				Final:      remaining == 0,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			sequence++
		}
	}()
	return chunks, errs
}
