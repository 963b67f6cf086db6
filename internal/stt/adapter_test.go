package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mimirlabs/mimir-core/internal/audio"
	"github.com/mimirlabs/mimir-core/internal/config"
	"github.com/mimirlabs/mimir-core/internal/protocol"
	"github.com/mimirlabs/mimir-core/internal/stage"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testUtterance(frames, samplesPerFrame int) *audio.Utterance {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	out := make([]protocol.AudioFrame, 0, frames)
	for i := 0; i < frames; i++ {
		ts = ts.Add(20 * time.Millisecond)
		out = append(out, protocol.AudioFrame{
			SessionID:  "s1",
			Timestamp:  ts,
			SampleRate: 16000,
			Channels:   1,
			PCM:        make([]byte, samplesPerFrame*2),
		})
	}
	return audio.NewUtterance(1, out)
}

type countingRecognizer struct {
	calls  int
	finals int
	fail   error
}

func (r *countingRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	r.calls++
	if final {
		r.finals++
	}
	if r.fail != nil {
		return TranscriptResult{}, r.fail
	}
	return TranscriptResult{Text: "hello world", Confidence: 0.9}, nil
}

func drain(t *testing.T, s *stage.Stream[protocol.TranscriptSegment]) []protocol.TranscriptSegment {
	t.Helper()
	var out []protocol.TranscriptSegment
	for {
		seg, err := s.Next(context.Background())
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, seg)
	}
}

func TestAdapterEmitsPartialsThenFinal(t *testing.T) {
	cfg := config.STTConfig{Mode: "mock", PartialEveryMS: 100, PublishInterim: true}
	rec := &countingRecognizer{}
	adapter := NewAdapter(cfg, rec, stage.RetryPolicy{MaxRetries: 1, InitialBackoff: time.Millisecond}, newLogger())

	// 20 frames x 20ms = 400ms of audio, partials every 100ms.
	stream, err := adapter.Start(context.Background(), Request{
		SessionID: "s1", TurnID: "t1",
		Utterance:  testUtterance(20, 320),
		SampleRate: 16000, Channels: 1,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	segments := drain(t, stream)
	if len(segments) < 2 {
		t.Fatalf("expected partials plus final, got %d segments", len(segments))
	}
	for i, seg := range segments {
		if seg.Sequence != i+1 {
			t.Fatalf("segment %d has sequence %d", i, seg.Sequence)
		}
		if i < len(segments)-1 && seg.Final {
			t.Fatalf("segment %d unexpectedly final", i)
		}
	}
	last := segments[len(segments)-1]
	if !last.Final || last.Text != "hello world" {
		t.Fatalf("unexpected final segment: %+v", last)
	}
	if rec.finals != 1 {
		t.Fatalf("expected one final recognizer call, got %d", rec.finals)
	}
}

func TestAdapterWithoutInterimEmitsOnlyFinal(t *testing.T) {
	cfg := config.STTConfig{Mode: "mock", PublishInterim: false}
	adapter := NewAdapter(cfg, &countingRecognizer{}, stage.RetryPolicy{}, newLogger())

	stream, err := adapter.Start(context.Background(), Request{
		SessionID: "s1", TurnID: "t1",
		Utterance:  testUtterance(20, 320),
		SampleRate: 16000, Channels: 1,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	segments := drain(t, stream)
	if len(segments) != 1 || !segments[0].Final {
		t.Fatalf("expected single final segment, got %+v", segments)
	}
}

func TestAdapterSurfacesStageFailure(t *testing.T) {
	cfg := config.STTConfig{Mode: "mock", PublishInterim: false}
	rec := &countingRecognizer{fail: stage.ErrUnavailable}
	adapter := NewAdapter(cfg, rec, stage.RetryPolicy{MaxRetries: 2, InitialBackoff: time.Millisecond}, newLogger())

	stream, err := adapter.Start(context.Background(), Request{
		SessionID: "s1", TurnID: "t1",
		Utterance:  testUtterance(5, 320),
		SampleRate: 16000, Channels: 1,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = stream.Next(context.Background())
	var failure *stage.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected stage failure, got %v", err)
	}
	if failure.Stage != stage.Transcription {
		t.Fatalf("expected transcription stage, got %s", failure.Stage)
	}
	if rec.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", rec.calls)
	}
}

func TestAdapterStartRejectsEmptyUtterance(t *testing.T) {
	adapter := NewAdapter(config.STTConfig{}, &countingRecognizer{}, stage.RetryPolicy{}, newLogger())
	if _, err := adapter.Start(context.Background(), Request{SessionID: "s1"}); err == nil {
		t.Fatal("expected error for empty utterance")
	}
}
