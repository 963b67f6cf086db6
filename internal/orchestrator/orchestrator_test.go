package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mimirlabs/mimir-core/internal/config"
	"github.com/mimirlabs/mimir-core/internal/llm"
	"github.com/mimirlabs/mimir-core/internal/protocol"
	"github.com/mimirlabs/mimir-core/internal/stage"
	"github.com/mimirlabs/mimir-core/internal/stt"
	"github.com/mimirlabs/mimir-core/internal/tts"
	"github.com/mimirlabs/mimir-core/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubTranscriber struct{}

func (stubTranscriber) Start(ctx context.Context, req stt.Request) (*stage.Stream[protocol.TranscriptSegment], error) {
	stream := stage.NewStream[protocol.TranscriptSegment](1, nil)
	go func() {
		stream.Emit(protocol.TranscriptSegment{SessionID: req.SessionID, TurnID: req.TurnID, Text: "hi", Final: true})
		stream.Close()
	}()
	return stream, nil
}

type stubGenerator struct{}

func (stubGenerator) Start(ctx context.Context, req llm.Request) (*stage.Stream[protocol.GenerationToken], error) {
	stream := stage.NewStream[protocol.GenerationToken](2, nil)
	go func() {
		stream.Emit(protocol.GenerationToken{SessionID: req.SessionID, TurnID: req.TurnID, Index: 0, Text: "Hello."})
		stream.Emit(protocol.GenerationToken{SessionID: req.SessionID, TurnID: req.TurnID, Index: 1, Final: true})
		stream.Close()
	}()
	return stream, nil
}

type stubSpeaker struct{}

func (stubSpeaker) Start(ctx context.Context, req tts.Request) (*stage.Stream[protocol.SynthesisChunk], error) {
	stream := stage.NewStream[protocol.SynthesisChunk](2, nil)
	go func() {
		stream.Emit(protocol.SynthesisChunk{SessionID: req.SessionID, TurnID: req.TurnID, Index: req.BaseIndex, PCM: []byte{0}})
		if req.MarkFinal {
			stream.Emit(protocol.SynthesisChunk{SessionID: req.SessionID, TurnID: req.TurnID, Index: req.BaseIndex + 1, Final: true})
		}
		stream.Close()
	}()
	return stream, nil
}

func newOrchestrator(t *testing.T, mutate func(*Params)) *Orchestrator {
	t.Helper()
	logger := newLogger()
	voices, err := voice.Load(config.VoicesConfig{Directory: t.TempDir(), DefaultProfile: "default"}, logger)
	if err != nil {
		t.Fatalf("load voices: %v", err)
	}
	params := Params{
		Pipeline: config.PipelineConfig{
			StageTimeoutMS:         5000,
			MaxQueuedChunks:        16,
			IdleTimeoutMS:          600000,
			MaxConsecutiveFailures: 3,
			MaxHistoryChars:        1000,
			SynthesisSlots:         2,
			MaxSessions:            8,
		},
		Audio:       config.AudioConfig{SampleRate: 16000, Channels: 1, FrameDurationMS: 20, BufferFrames: 128},
		VAD:         config.VADConfig{EnergyThreshold: 0.02, StartFrames: 3, EndFrames: 5},
		Voices:      voices,
		Transcriber: stubTranscriber{},
		Generator:   stubGenerator{},
		Speaker:     stubSpeaker{},
		Logger:      logger,
	}
	if mutate != nil {
		mutate(&params)
	}
	o := New(context.Background(), params)
	o.Start()
	t.Cleanup(o.Close)
	return o
}

func TestOpenSessionResolvesDefaultProfile(t *testing.T) {
	o := newOrchestrator(t, nil)
	s, err := o.OpenSession("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Profile().ID != "default" {
		t.Fatalf("expected default profile, got %q", s.Profile().ID)
	}
	if o.SessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", o.SessionCount())
	}
}

func TestOpenSessionRejectsUnknownProfile(t *testing.T) {
	o := newOrchestrator(t, nil)
	if _, err := o.OpenSession("nobody"); !errors.Is(err, ErrUnknownVoiceProfile) {
		t.Fatalf("expected ErrUnknownVoiceProfile, got %v", err)
	}
}

func TestSessionLimit(t *testing.T) {
	o := newOrchestrator(t, func(p *Params) { p.Pipeline.MaxSessions = 2 })
	for i := 0; i < 2; i++ {
		if _, err := o.OpenSession(""); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	if _, err := o.OpenSession(""); !errors.Is(err, ErrSessionLimit) {
		t.Fatalf("expected ErrSessionLimit, got %v", err)
	}
}

func TestIngestUnknownSession(t *testing.T) {
	o := newOrchestrator(t, nil)
	err := o.Ingest(protocol.AudioFrame{SessionID: "missing", Timestamp: time.Now(), PCM: make([]byte, 640)})
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if err := o.Interrupt("missing"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession from interrupt, got %v", err)
	}
}

func TestCloseSessionRemovesFromRegistry(t *testing.T) {
	o := newOrchestrator(t, nil)
	s, err := o.OpenSession("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := o.CloseSession(s.ID()); err != nil {
		t.Fatalf("close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for o.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never removed, count %d", o.SessionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := o.Lookup(s.ID()); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession after close, got %v", err)
	}
}

func TestIdleSessionsAreReaped(t *testing.T) {
	o := newOrchestrator(t, func(p *Params) { p.Pipeline.IdleTimeoutMS = 150 })
	s, err := o.OpenSession("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("idle session never reaped")
	}
	if got := s.CloseReason(); got != protocol.CloseReasonIdleTimeout {
		t.Fatalf("expected idle close reason, got %q", got)
	}
}
