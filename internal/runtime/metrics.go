package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mimirlabs/mimir-core/internal/protocol"
	"github.com/mimirlabs/mimir-core/internal/session"
)

// pipelineMetrics counts pipeline outcomes from the session event stream.
type pipelineMetrics struct {
	turnsStarted   metric.Int64Counter
	turnsCompleted metric.Int64Counter
	turnsAborted   metric.Int64Counter
	framesDropped  metric.Int64Counter
	sessionsClosed metric.Int64Counter
}

func newPipelineMetrics() (*pipelineMetrics, error) {
	meter := otel.Meter("mimir-core/pipeline")

	m := &pipelineMetrics{}
	var err error
	if m.turnsStarted, err = meter.Int64Counter("mimir.turns.started"); err != nil {
		return nil, err
	}
	if m.turnsCompleted, err = meter.Int64Counter("mimir.turns.completed"); err != nil {
		return nil, err
	}
	if m.turnsAborted, err = meter.Int64Counter("mimir.turns.aborted"); err != nil {
		return nil, err
	}
	if m.framesDropped, err = meter.Int64Counter("mimir.frames.dropped"); err != nil {
		return nil, err
	}
	if m.sessionsClosed, err = meter.Int64Counter("mimir.sessions.closed"); err != nil {
		return nil, err
	}
	return m, nil
}

// Notify implements the session notifier contract.
func (m *pipelineMetrics) Notify(evt protocol.Event) {
	ctx := context.Background()
	switch evt.Type {
	case protocol.EventTurnStarted:
		m.turnsStarted.Add(ctx, 1)
	case protocol.EventTurnCompleted:
		m.turnsCompleted.Add(ctx, 1)
	case protocol.EventTurnAborted:
		m.turnsAborted.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", evt.Cause)))
	case protocol.EventFramesDropped:
		m.framesDropped.Add(ctx, int64(evt.Dropped))
	case protocol.EventSessionClosed:
		m.sessionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", evt.Reason)))
	}
}

// multiNotifier fans one event out to several notifiers.
type multiNotifier []session.Notifier

func (m multiNotifier) Notify(evt protocol.Event) {
	for _, n := range m {
		n.Notify(evt)
	}
}
