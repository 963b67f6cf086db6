package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mimirlabs/mimir-core/internal/config"
	"github.com/mimirlabs/mimir-core/internal/protocol"
	"github.com/mimirlabs/mimir-core/internal/stage"
)

var errStreamCancelled = errors.New("generation stream cancelled")

// Adapter exposes a generator backend through the streaming stage contract.
type Adapter struct {
	cfg       config.LLMConfig
	generator Generator
	policy    stage.RetryPolicy
	logger    *slog.Logger
}

func NewAdapter(cfg config.LLMConfig, generator Generator, policy stage.RetryPolicy, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:       cfg,
		generator: generator,
		policy:    policy,
		logger:    logger.With(slog.String("component", "llm-adapter")),
	}
}

// Start begins generating a response for req. Tokens arrive in emission
// order; the stream ends with one token marked Final.
func (a *Adapter) Start(ctx context.Context, req Request) (*stage.Stream[protocol.GenerationToken], error) {
	if a.generator == nil {
		return nil, stage.ErrUnavailable
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = a.cfg.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = a.cfg.Temperature
	}

	runCtx, cancel := context.WithCancel(ctx)
	stream := stage.NewStream[protocol.GenerationToken](16, cancel)

	go a.run(runCtx, req, stream)
	return stream, nil
}

func (a *Adapter) run(ctx context.Context, req Request, stream *stage.Stream[protocol.GenerationToken]) {
	index := 0
	sawFinal := false

	consume := func(chunk Chunk) error {
		if stream.Cancelled() {
			return errStreamCancelled
		}
		if chunk.Content == "" && !chunk.Done {
			return nil
		}
		token := protocol.GenerationToken{
			SessionID: req.SessionID,
			TurnID:    req.TurnID,
			Index:     index,
			Text:      chunk.Content,
			Final:     chunk.Done,
		}
		if !stream.Emit(token) {
			return errStreamCancelled
		}
		index++
		if chunk.Done {
			sawFinal = true
		}
		return nil
	}

	_, err := stage.Retry(ctx, stage.Generation, a.policy, func() (struct{}, error) {
		err := a.generator.Generate(ctx, req, consume)
		if err != nil && index > 0 && !errors.Is(err, errStreamCancelled) {
			// A partially delivered response cannot be retried without
			// duplicating tokens; surface it as terminal.
			return struct{}{}, fmt.Errorf("generation interrupted after %d tokens: %v", index, err)
		}
		return struct{}{}, err
	})
	switch {
	case err == nil:
		if !sawFinal {
			stream.Emit(protocol.GenerationToken{
				SessionID: req.SessionID,
				TurnID:    req.TurnID,
				Index:     index,
				Final:     true,
			})
		}
		stream.Close()
	case errors.Is(err, errStreamCancelled):
		stream.Close()
	default:
		stream.Fail(err)
	}
}
