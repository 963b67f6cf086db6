package gateway

import (
	"sync"

	"github.com/mimirlabs/mimir-core/internal/protocol"
)

// Hub routes session events to the websocket connection serving that
// session. Delivery is best effort: a slow connection drops events rather
// than stalling the pipeline.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]chan protocol.Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan protocol.Event)}
}

// Notify implements the session notifier contract.
func (h *Hub) Notify(evt protocol.Event) {
	h.mu.RLock()
	ch := h.subs[evt.SessionID]
	h.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- evt:
	default:
	}
}

func (h *Hub) subscribe(sessionID string) chan protocol.Event {
	ch := make(chan protocol.Event, 64)
	h.mu.Lock()
	h.subs[sessionID] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(sessionID string) {
	h.mu.Lock()
	delete(h.subs, sessionID)
	h.mu.Unlock()
}
