package service

import (
	"sync"

	"boundary/internal/verifier/model"
)

const streamBuffer = 16

// StreamHub fans run events out to stream subscribers. Slow subscribers
// lose events rather than stall the run that produces them.
type StreamHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan model.StreamEvent]struct{}
}

// NewStreamHub creates an empty hub.
func NewStreamHub() *StreamHub {
	return &StreamHub{subs: make(map[string]map[chan model.StreamEvent]struct{})}
}

// Subscribe registers for events of one run. Call cancel exactly once
// when done; the channel closes after cancel returns.
func (h *StreamHub) Subscribe(runID string) (<-chan model.StreamEvent, func()) {
	ch := make(chan model.StreamEvent, streamBuffer)

	h.mu.Lock()
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[chan model.StreamEvent]struct{})
		h.subs[runID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[runID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, runID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the run.
func (h *StreamHub) Publish(runID string, event model.StreamEvent) {
	h.mu.RLock()
	for ch := range h.subs[runID] {
		select {
		case ch <- event:
		default:
		}
	}
	h.mu.RUnlock()
}
