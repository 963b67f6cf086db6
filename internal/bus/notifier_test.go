package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mimirlabs/mimir-core/internal/config"
	"github.com/mimirlabs/mimir-core/internal/natsserver"
	"github.com/mimirlabs/mimir-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierPublishesSessionEvents(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg := config.BusConfig{
		Enabled:        true,
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}
	client, err := Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	if !client.Healthy() {
		t.Fatal("client not healthy after connect")
	}

	sub, err := client.Conn().SubscribeSync(protocol.SessionEventSubject("sess-1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	notifier := NewNotifier(client)
	notifier.Notify(protocol.Event{
		Type:      protocol.EventTurnCompleted,
		SessionID: "sess-1",
		TurnID:    "turn-1",
		Text:      "done",
		Timestamp: time.Now(),
	})

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("receive event: %v", err)
	}
	var evt protocol.Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Type != protocol.EventTurnCompleted || evt.TurnID != "turn-1" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestNotifierMirrorsLifecycleSubjects(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg := config.BusConfig{
		Enabled:        true,
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}
	client, err := Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	opened, err := client.Conn().SubscribeSync(protocol.SubjectSessionOpened)
	if err != nil {
		t.Fatalf("subscribe opened: %v", err)
	}
	closed, err := client.Conn().SubscribeSync(protocol.SubjectSessionClosed)
	if err != nil {
		t.Fatalf("subscribe closed: %v", err)
	}

	notifier := NewNotifier(client)
	notifier.Notify(protocol.Event{Type: protocol.EventSessionOpened, SessionID: "sess-2", Timestamp: time.Now()})
	notifier.Notify(protocol.Event{Type: protocol.EventSessionClosed, SessionID: "sess-2", Reason: protocol.CloseReasonClient, Timestamp: time.Now()})

	msg, err := opened.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("receive opened event: %v", err)
	}
	var evt protocol.Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		t.Fatalf("decode opened event: %v", err)
	}
	if evt.Type != protocol.EventSessionOpened || evt.SessionID != "sess-2" {
		t.Fatalf("unexpected opened event: %+v", evt)
	}

	msg, err = closed.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("receive closed event: %v", err)
	}
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		t.Fatalf("decode closed event: %v", err)
	}
	if evt.Type != protocol.EventSessionClosed || evt.Reason != protocol.CloseReasonClient {
		t.Fatalf("unexpected closed event: %+v", evt)
	}
}
