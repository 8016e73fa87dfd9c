// Package bus is the one-way engine event fan-out. Publishers never
// block: a subscriber that falls behind loses events rather than
// stalling the relay path.
package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/synapse-mesh/synapse-relay/internal/logger"
)

// Event topics emitted by the engine.
const (
	TopicRelaySent     = "relay:sent"
	TopicRelayFailed   = "relay:failed"
	TopicRelayBuffered = "relay:buffered"
	TopicBufferRetry   = "buffer:retry"
	TopicBufferExpired = "buffer:expired"
	TopicStatsUpdate   = "stats:update"
	TopicError         = "error"
)

// Event is one broadcast message.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

type subscriber struct {
	pattern string
	ch      chan Event
}

// Bus fans events out to subscribers. Subscription patterns are an
// exact topic, a "prefix:*" wildcard, or "*" for everything.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	depth  int
}

// New creates a bus whose subscriber channels buffer depth events.
func New(depth int) *Bus {
	if depth <= 0 {
		depth = 64
	}
	return &Bus{subs: make(map[int]*subscriber), depth: depth}
}

// Subscribe registers a pattern and returns the event channel plus an
// unsubscribe func. The channel is closed on unsubscribe.
func (b *Bus) Subscribe(pattern string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{pattern: pattern, ch: make(chan Event, b.depth)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish broadcasts an event to every matching subscriber. Slow
// subscribers are skipped, not waited on.
func (b *Bus) Publish(topic string, data any) {
	ev := Event{
		Type:      topic,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !matches(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			logger.Debug("bus: dropping event for slow subscriber", "topic", topic)
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func matches(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(topic, prefix+":")
	}
	return false
}
