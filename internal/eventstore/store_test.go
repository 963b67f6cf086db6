package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mimirlabs/mimir-core/internal/config"
	"github.com/mimirlabs/mimir-core/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeralKeepsNothing(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.RecordTurn(ctx, session.TurnRecord{SessionID: "s", TurnID: "t"}); err != nil {
		t.Fatalf("record turn: %v", err)
	}
	turns, err := es.ListSessionTurns(ctx, "s", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if turns != nil {
		t.Fatalf("ephemeral store returned turns: %v", turns)
	}
}

func TestRecordAndListTurns(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "turns.db"), RetentionMode: "persistent"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open turn store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	now := time.Now()
	rec := session.TurnRecord{
		SessionID:     "session-123",
		TurnID:        "turn-1",
		UserText:      "what time is it",
		AssistantText: "It is noon.",
		Outcome:       session.OutcomeCompleted,
		StartedAt:     now,
		FinishedAt:    now.Add(2 * time.Second),
	}
	if err := es.RecordTurn(context.Background(), rec); err != nil {
		t.Fatalf("record turn: %v", err)
	}
	if err := es.RecordTurn(context.Background(), session.TurnRecord{
		SessionID:  "session-123",
		TurnID:     "turn-2",
		UserText:   "never mind",
		Outcome:    session.OutcomeAborted,
		Cause:      "barge_in",
		StartedAt:  now.Add(5 * time.Second),
		FinishedAt: now.Add(6 * time.Second),
	}); err != nil {
		t.Fatalf("record aborted turn: %v", err)
	}

	turns, err := es.ListSessionTurns(context.Background(), "session-123", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].TurnID != "turn-1" || turns[0].AssistantText != "It is noon." {
		t.Fatalf("unexpected first turn: %+v", turns[0])
	}
	if turns[1].Outcome != session.OutcomeAborted || turns[1].Cause != "barge_in" {
		t.Fatalf("unexpected second turn: %+v", turns[1])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{
		Path: filepath.Join(tmp, "turns.db"), RetentionMode: "persistent",
		RetentionDays: 1, MaxSessions: 1,
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open turn store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	es.clock = func() time.Time { return old }
	if err := es.RecordTurn(context.Background(), session.TurnRecord{
		SessionID: "old-session", TurnID: "t1", Outcome: session.OutcomeCompleted,
		StartedAt: old, FinishedAt: old,
	}); err != nil {
		t.Fatalf("record old turn: %v", err)
	}

	es.clock = func() time.Time { return old.Add(48 * time.Hour) }
	if err := es.RegisterSession(context.Background(), "new-session", "default"); err != nil {
		t.Fatalf("register session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	turns, err := es.ListSessionTurns(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected old session's turns pruned, got %d", len(turns))
	}
}
