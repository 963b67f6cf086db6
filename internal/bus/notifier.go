package bus

import (
	"encoding/json"
	"log/slog"

	"github.com/mimirlabs/mimir-core/internal/protocol"
)

// Notifier publishes session events to per-session NATS subjects. Publishing
// is fire-and-forget; the pipeline never waits on the bus.
type Notifier struct {
	client *Client
	log    *slog.Logger
}

func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client, log: client.Logger()}
}

func (n *Notifier) Notify(evt protocol.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	n.publish(protocol.SessionEventSubject(evt.SessionID), data)
	switch evt.Type {
	case protocol.EventSessionOpened:
		n.publish(protocol.SubjectSessionOpened, data)
	case protocol.EventSessionClosed:
		n.publish(protocol.SubjectSessionClosed, data)
	}
}

func (n *Notifier) publish(subject string, data []byte) {
	if err := n.client.Conn().Publish(subject, data); err != nil {
		n.log.Debug("event publish failed",
			slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
