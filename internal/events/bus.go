package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventSLOAlert        EventType = "slo_alert"
	EventSLOResolved     EventType = "slo_resolved"
	EventBreakerChange   EventType = "breaker_change"
	EventRollbackStarted EventType = "rollback_started"
	EventRollbackStep    EventType = "rollback_step"
	EventRollbackDone    EventType = "rollback_done"
	EventFlagChange      EventType = "flag_change"
	EventQualityAlert    EventType = "quality_alert"
	EventCacheWarmup     EventType = "cache_warmup"
	EventSafetyBlock     EventType = "safety_block"
)

// Event is a single control-plane event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// SLO fields (populated for slo_alert/slo_resolved).
	SLOName   string  `json:"slo_name,omitempty"`
	Metric    string  `json:"metric,omitempty"`
	Measured  float64 `json:"measured,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Severity  string  `json:"severity,omitempty"`

	// Breaker fields (populated for breaker_change).
	Provider string `json:"provider,omitempty"`
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`

	// Rollback fields.
	RollbackID string `json:"rollback_id,omitempty"`
	Step       string `json:"step,omitempty"`
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// Flag fields (populated for flag_change).
	FlagKey   string `json:"flag_key,omitempty"`
	FlagValue string `json:"flag_value,omitempty"`

	// Quality fields (populated for quality_alert).
	ModelID string  `json:"model_id,omitempty"`
	Score   float64 `json:"score,omitempty"`

	// Correlation.
	RequestID string `json:"request_id,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus. The performance monitor publishes
// alerts; the rollback manager subscribes; neither holds a reference to the
// other's internals.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	dropped     uint64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
			b.dropped++
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many events were discarded due to slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
