package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

// Generate streams a canned completion word by word so downstream stages see
// realistic incremental output.
func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	words := strings.Fields("This is a mock reply to: " + strings.TrimSpace(req.Prompt))
	start := time.Now()
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
		content := word
		if i < len(words)-1 {
			content += " "
		}
		if err := consumer(Chunk{Content: content, Done: false, Latency: time.Since(start)}); err != nil {
			return err
		}
	}
	return consumer(Chunk{Done: true, CompletionTokens: len(words), Latency: time.Since(start)})
}
