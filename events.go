package mcpserve

import (
	"sync"
	"time"
)

const (
	sseBufferMaxEvents = 1024
	sseBufferMaxAge    = 5 * time.Minute
)

// BufferedEvent is one SSE frame retained for Last-Event-ID replay.
type BufferedEvent struct {
	ID      uint64
	Event   string // SSE event type (message, server_request, server_notification)
	Payload []byte
	at      time.Time
}

// SSEEventBuffer keeps a bounded per-session ring of emitted SSE frames so a
// reconnecting client can replay everything after its Last-Event-ID. The ring
// is bounded both by count and by age.
type SSEEventBuffer struct {
	mu       sync.Mutex
	buffers  map[string][]BufferedEvent
	counters map[string]uint64
}

// NewSSEEventBuffer creates an empty event buffer.
func NewSSEEventBuffer() *SSEEventBuffer {
	return &SSEEventBuffer{
		buffers:  make(map[string][]BufferedEvent),
		counters: make(map[string]uint64),
	}
}

// NextID returns the next monotonic event id for the session.
func (b *SSEEventBuffer) NextID(sessionID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[sessionID]++
	return b.counters[sessionID]
}

// Buffer retains an emitted frame for replay, trimming by count and age.
func (b *SSEEventBuffer) Buffer(sessionID string, id uint64, event string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := append(b.buffers[sessionID], BufferedEvent{ID: id, Event: event, Payload: payload, at: time.Now()})
	if len(buf) > sseBufferMaxEvents {
		buf = buf[len(buf)-sseBufferMaxEvents:]
	}
	cutoff := time.Now().Add(-sseBufferMaxAge)
	start := 0
	for start < len(buf) && buf[start].at.Before(cutoff) {
		start++
	}
	b.buffers[sessionID] = buf[start:]
}

// Missed returns buffered frames with id greater than lastEventID, in order.
func (b *SSEEventBuffer) Missed(sessionID string, lastEventID uint64) []BufferedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []BufferedEvent
	for _, ev := range b.buffers[sessionID] {
		if ev.ID > lastEventID {
			out = append(out, ev)
		}
	}
	return out
}

// HasSession reports whether the session has ever emitted an event.
func (b *SSEEventBuffer) HasSession(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.counters[sessionID]
	return ok
}

// Cleanup drops all buffered state for a session.
func (b *SSEEventBuffer) Cleanup(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buffers, sessionID)
	delete(b.counters, sessionID)
}

// Clear drops everything.
func (b *SSEEventBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers = make(map[string][]BufferedEvent)
	b.counters = make(map[string]uint64)
}
