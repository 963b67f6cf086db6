package stt

import (
	"context"
	"log/slog"

	"github.com/mimirlabs/mimir-core/internal/audio"
	"github.com/mimirlabs/mimir-core/internal/config"
	"github.com/mimirlabs/mimir-core/internal/protocol"
	"github.com/mimirlabs/mimir-core/internal/stage"
)

// Request identifies the utterance a transcription stream works on.
type Request struct {
	SessionID  string
	TurnID     string
	Utterance  *audio.Utterance
	SampleRate int
	Channels   int
}

// Adapter exposes a recognizer backend through the streaming stage contract:
// partial segments while the utterance drains, one final segment at the end.
type Adapter struct {
	cfg        config.STTConfig
	recognizer Recognizer
	policy     stage.RetryPolicy
	logger     *slog.Logger
}

func NewAdapter(cfg config.STTConfig, recognizer Recognizer, policy stage.RetryPolicy, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:        cfg,
		recognizer: recognizer,
		policy:     policy,
		logger:     logger.With(slog.String("component", "stt-adapter")),
	}
}

// Start begins transcribing the request's utterance. The returned stream is
// single-pass; cancelling it stops the recognizer promptly.
func (a *Adapter) Start(ctx context.Context, req Request) (*stage.Stream[protocol.TranscriptSegment], error) {
	if a.recognizer == nil {
		return nil, stage.ErrUnavailable
	}
	if req.Utterance == nil || req.Utterance.Len() == 0 {
		return nil, stage.Fail(stage.Transcription, stage.ErrUnavailable)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stream := stage.NewStream[protocol.TranscriptSegment](8, cancel)

	go a.run(runCtx, req, stream)
	return stream, nil
}

func (a *Adapter) run(ctx context.Context, req Request, stream *stage.Stream[protocol.TranscriptSegment]) {
	bytesPerPartial := 0
	if a.cfg.PublishInterim && a.cfg.PartialEveryMS > 0 {
		bytesPerPartial = req.SampleRate * req.Channels * 2 * a.cfg.PartialEveryMS / 1000
	}

	var (
		pcm          []byte
		sincePartial int
		seq          int
	)

	emit := func(result TranscriptResult, final bool) bool {
		if result.Text == "" && !final {
			return true
		}
		seq++
		return stream.Emit(protocol.TranscriptSegment{
			SessionID:  req.SessionID,
			TurnID:     req.TurnID,
			Sequence:   seq,
			Text:       result.Text,
			Final:      final,
			Confidence: result.Confidence,
		})
	}

	transcribe := func(final bool) (TranscriptResult, error) {
		return stage.Retry(ctx, stage.Transcription, a.policy, func() (TranscriptResult, error) {
			return a.recognizer.Transcribe(ctx, pcm, req.SampleRate, req.Channels, final)
		})
	}

	ok := true
	req.Utterance.Frames(func(frame protocol.AudioFrame) bool {
		if stream.Cancelled() || ctx.Err() != nil {
			ok = false
			return false
		}
		pcm = append(pcm, frame.PCM...)
		sincePartial += len(frame.PCM)

		if bytesPerPartial > 0 && sincePartial >= bytesPerPartial {
			sincePartial = 0
			result, err := transcribe(false)
			if err != nil {
				a.logger.Warn("partial transcription failed", slog.String("error", err.Error()))
				stream.Fail(err)
				ok = false
				return false
			}
			if !emit(result, false) {
				ok = false
				return false
			}
		}
		return true
	})
	if !ok || stream.Cancelled() || ctx.Err() != nil {
		stream.Close()
		return
	}

	result, err := transcribe(true)
	if err != nil {
		stream.Fail(err)
		return
	}
	emit(result, true)
	stream.Close()
}
