package transport

import (
	"sync"

	"github.com/dkeye/Meet/internal/core"
)

// handlerSet holds registered callbacks of one event type.
type handlerSet[F any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]F
}

func (h *handlerSet[F]) add(fn F) core.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fns == nil {
		h.fns = make(map[int]F)
	}
	h.next++
	id := h.next
	h.fns[id] = fn
	return core.OnceSubscription(func() {
		h.mu.Lock()
		delete(h.fns, id)
		h.mu.Unlock()
	})
}

func (h *handlerSet[F]) each(call func(F)) {
	h.mu.Lock()
	fns := make([]F, 0, len(h.fns))
	for _, fn := range h.fns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		call(fn)
	}
}
