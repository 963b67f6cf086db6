package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mimirlabs/mimir-core/internal/config"
	"github.com/mimirlabs/mimir-core/internal/protocol"
	"github.com/mimirlabs/mimir-core/internal/stage"
	"github.com/mimirlabs/mimir-core/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.TTSConfig {
	return config.TTSConfig{Mode: "mock", SampleRate: 22050, Channels: 1, ChunkDurationMS: 100}
}

func defaultPolicy() stage.RetryPolicy {
	return stage.RetryPolicy{MaxRetries: 2, InitialBackoff: time.Millisecond}
}

func testProfile() voice.Profile {
	return voice.Profile{ID: "default", Language: "en", Speed: 1.0}
}

func drainChunks(t *testing.T, s *stage.Stream[protocol.SynthesisChunk]) ([]protocol.SynthesisChunk, error) {
	t.Helper()
	var chunks []protocol.SynthesisChunk
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		chunk, err := s.Next(ctx)
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func TestAdapterStreamsChunksFromBaseIndex(t *testing.T) {
	cfg := testConfig()
	adapter := NewAdapter(cfg, NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.ChunkDurationMS), defaultPolicy(), newLogger())

	stream, err := adapter.Start(context.Background(), Request{
		SessionID: "sess-1",
		TurnID:    "turn-1",
		Text:      "hello there friendly voice assistant",
		Profile:   testProfile(),
		BaseIndex: 7,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	chunks, err := drainChunks(t, stream)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected synthesized chunks")
	}
	for i, chunk := range chunks {
		if chunk.Index != 7+i {
			t.Fatalf("chunk %d has index %d", i, chunk.Index)
		}
		if chunk.Final {
			t.Fatalf("chunk %d marked final without MarkFinal", i)
		}
		if len(chunk.PCM) == 0 {
			t.Fatalf("chunk %d has empty payload", i)
		}
	}
}

func TestAdapterMarksTurnFinal(t *testing.T) {
	cfg := testConfig()
	adapter := NewAdapter(cfg, NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.ChunkDurationMS), defaultPolicy(), newLogger())

	stream, err := adapter.Start(context.Background(), Request{
		SessionID: "s",
		TurnID:    "t",
		Text:      "goodbye",
		Profile:   testProfile(),
		MarkFinal: true,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	chunks, err := drainChunks(t, stream)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	last := chunks[len(chunks)-1]
	if !last.Final {
		t.Fatalf("expected final marker chunk, got %+v", last)
	}
	for _, chunk := range chunks[:len(chunks)-1] {
		if chunk.Final {
			t.Fatalf("intermediate chunk marked final: %+v", chunk)
		}
	}
}

func TestAdapterRejectsEmptyText(t *testing.T) {
	cfg := testConfig()
	adapter := NewAdapter(cfg, NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.ChunkDurationMS), defaultPolicy(), newLogger())
	if _, err := adapter.Start(context.Background(), Request{Text: "   ", Profile: testProfile()}); err == nil {
		t.Fatal("expected error for empty text")
	}
}

type flakySynth struct {
	inner    Synthesizer
	failures int
	calls    int
}

func (f *flakySynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	f.calls++
	if f.calls <= f.failures {
		chunks := make(chan SynthChunk)
		errs := make(chan error, 1)
		errs <- stage.ErrUnavailable
		close(chunks)
		close(errs)
		return chunks, errs
	}
	return f.inner.Synthesize(ctx, req)
}

func TestAdapterRetriesBeforeFirstChunk(t *testing.T) {
	cfg := testConfig()
	synth := &flakySynth{inner: NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.ChunkDurationMS), failures: 2}
	adapter := NewAdapter(cfg, synth, defaultPolicy(), newLogger())

	stream, err := adapter.Start(context.Background(), Request{
		SessionID: "s", TurnID: "t", Text: "try again", Profile: testProfile(),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	chunks, err := drainChunks(t, stream)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if synth.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", synth.calls)
	}
	if len(chunks) == 0 {
		t.Fatal("expected chunks after recovery")
	}
}

type alwaysFailSynth struct{}

func (alwaysFailSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	errs <- stage.ErrUnavailable
	close(chunks)
	close(errs)
	return chunks, errs
}

func TestAdapterSurfacesStageFailure(t *testing.T) {
	cfg := testConfig()
	adapter := NewAdapter(cfg, alwaysFailSynth{}, defaultPolicy(), newLogger())

	stream, err := adapter.Start(context.Background(), Request{
		SessionID: "s", TurnID: "t", Text: "never works", Profile: testProfile(),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = drainChunks(t, stream)
	var failure *stage.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected stage failure, got %v", err)
	}
	if failure.Stage != stage.Synthesis {
		t.Fatalf("failure attributed to %q", failure.Stage)
	}
}

func TestAdapterCancelStopsSynthesis(t *testing.T) {
	cfg := testConfig()
	adapter := NewAdapter(cfg, NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.ChunkDurationMS), defaultPolicy(), newLogger())

	stream, err := adapter.Start(context.Background(), Request{
		SessionID: "s",
		TurnID:    "t",
		Text:      "a much longer sentence that produces many chunks of audio output",
		Profile:   testProfile(),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := stream.Next(context.Background()); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	stream.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := stream.Next(ctx); !errors.Is(err, stage.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}
