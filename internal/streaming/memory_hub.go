package streaming

import (
	"context"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// tapBuffer is the per-subscriber channel depth. Slow consumers lose events
// past this point rather than stalling the engine.
const tapBuffer = 64

// tap is one registered subscription.
type tap struct {
	out    chan schema.Event
	filter EventFilter
}

// MemoryHub is the in-process EventHub. Delivery is best-effort fan-out:
// every matching tap gets the event unless its buffer is full.
type MemoryHub struct {
	mu     sync.Mutex
	taps   map[uint64]tap
	nextID uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{taps: make(map[uint64]tap)}
}

// Publish fans the event out to matching subscribers without blocking.
func (h *MemoryHub) Publish(ctx context.Context, event schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.taps {
		if !t.filter.Match(event) {
			continue
		}
		select {
		case t.out <- event:
		default:
			// subscriber is behind; drop rather than stall the engine
		}
	}
	return nil
}

// Subscribe registers a filtered subscription and returns its channel plus a
// cancel function that detaches it. The channel is never closed; callers stop
// reading after cancel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	out := make(chan schema.Event, tapBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.taps[id] = tap{out: out, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.taps, id)
		h.mu.Unlock()
	}
	return out, cancel, nil
}
