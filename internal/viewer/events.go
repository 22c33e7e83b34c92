package viewer

import (
	"sync"

	"github.com/petervdpas/parley/internal/call"
)

// event is one frame on the /api/call/events stream.
type event struct {
	Type    string            `json:"type"`
	Session call.StatusUpdate `json:"session"`
}

// eventHub fans call events out to SSE connections. Slow consumers drop
// frames instead of blocking the publishers.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan event]struct{})}
}

func (h *eventHub) publish(e event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *eventHub) subscribe() (chan event, func()) {
	ch := make(chan event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}
