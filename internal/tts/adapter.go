package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mimirlabs/mimir-core/internal/config"
	"github.com/mimirlabs/mimir-core/internal/protocol"
	"github.com/mimirlabs/mimir-core/internal/stage"
	"github.com/mimirlabs/mimir-core/internal/voice"
)

// Request describes one synthesis call. Turns synthesize sentence by
// sentence; BaseIndex keeps chunk indices monotonic across calls and
// MarkFinal tags the turn's closing chunk.
type Request struct {
	SessionID string
	TurnID    string
	Text      string
	Profile   voice.Profile
	BaseIndex int
	MarkFinal bool
}

// Adapter exposes a synthesizer backend through the streaming stage contract.
type Adapter struct {
	cfg    config.TTSConfig
	synth  Synthesizer
	policy stage.RetryPolicy
	logger *slog.Logger
}

func NewAdapter(cfg config.TTSConfig, synth Synthesizer, policy stage.RetryPolicy, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		synth:  synth,
		policy: policy,
		logger: logger.With(slog.String("component", "tts-adapter")),
	}
}

// Start begins synthesizing req.Text. Chunks arrive in playback order
// starting at req.BaseIndex; when req.MarkFinal is set the stream ends with
// a chunk marked Final.
func (a *Adapter) Start(ctx context.Context, req Request) (*stage.Stream[protocol.SynthesisChunk], error) {
	if a.synth == nil {
		return nil, stage.ErrUnavailable
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("synthesis text empty")
	}

	runCtx, cancel := context.WithCancel(ctx)
	stream := stage.NewStream[protocol.SynthesisChunk](a.bufferSize(), cancel)

	go a.run(runCtx, req, stream)
	return stream, nil
}

func (a *Adapter) bufferSize() int {
	if a.cfg.ChunkDurationMS >= 200 {
		return 4
	}
	return 8
}

func (a *Adapter) run(ctx context.Context, req Request, stream *stage.Stream[protocol.SynthesisChunk]) {
	emitted := 0

	_, err := stage.Retry(ctx, stage.Synthesis, a.policy, func() (struct{}, error) {
		err := a.synthesizeOnce(ctx, req, stream, &emitted)
		if err != nil && emitted > 0 {
			// Audio already left the stream; retrying would replay it.
			return struct{}{}, fmt.Errorf("synthesis interrupted after %d chunks: %v", emitted, err)
		}
		return struct{}{}, err
	})
	switch {
	case err == nil:
		if req.MarkFinal {
			stream.Emit(protocol.SynthesisChunk{
				SessionID:  req.SessionID,
				TurnID:     req.TurnID,
				Index:      req.BaseIndex + emitted,
				SampleRate: a.cfg.SampleRate,
				Channels:   a.cfg.Channels,
				Final:      true,
			})
		}
		stream.Close()
	case stream.Cancelled() || errors.Is(err, context.Canceled):
		stream.Close()
	default:
		stream.Fail(err)
	}
}

var errStreamCancelled = errors.New("synthesis stream cancelled")

func (a *Adapter) synthesizeOnce(ctx context.Context, req Request, stream *stage.Stream[protocol.SynthesisChunk], emitted *int) error {
	chunks, errs := a.synth.Synthesize(ctx, SynthRequest{
		SessionID: req.SessionID,
		TurnID:    req.TurnID,
		Text:      req.Text,
		Profile:   req.Profile,
	})
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				select {
				case err, pending := <-errs:
					if pending && err != nil {
						return err
					}
				default:
				}
				return nil
			}
			if len(chunk.PCM) == 0 {
				continue
			}
			out := protocol.SynthesisChunk{
				SessionID:  req.SessionID,
				TurnID:     req.TurnID,
				Index:      req.BaseIndex + *emitted,
				SampleRate: chunk.SampleRate,
				Channels:   chunk.Channels,
				PCM:        chunk.PCM,
			}
			if !stream.Emit(out) {
				return errStreamCancelled
			}
			*emitted++
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			errs = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
