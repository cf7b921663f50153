package bridge

import (
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/mpvbridge/bridge/ipc"
	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 64

// hub fans out unsolicited player messages to subscribers.
// Publishing never blocks: a subscriber whose buffer is full misses the message.
type hub struct {
	log     *zap.SugaredLogger
	bufSize int

	mu      sync.Mutex
	closed  bool
	subs    map[uuid.UUID]chan ipc.Message
	dropped uint64
}

func newHub(log *zap.SugaredLogger, bufSize int) *hub {
	return &hub{
		log:     log,
		bufSize: bufSize,
		subs:    map[uuid.UUID]chan ipc.Message{},
	}
}

// Subscribe registers a subscriber. The returned function unsubscribes and closes the channel.
// Subscribing to a closed hub returns a closed channel.
func (h *hub) Subscribe() (<-chan ipc.Message, func()) {
	ch := make(chan ipc.Message, h.bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := uuid.New()
	h.subs[id] = ch
	h.log.Debugw("added event subscriber", "id", id)

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
			h.log.Debugw("removed event subscriber", "id", id)
		}
	}
}

func (h *hub) Publish(msg ipc.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.dropped++
			h.log.Debugw("event subscriber is full, dropping message", "id", id)
		}
	}
}

func (h *hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close closes every subscriber channel.
func (h *hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
