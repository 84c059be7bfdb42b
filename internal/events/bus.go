// Package events fans alert-state transitions out to live subscribers such as
// the dashboard stream.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	AlertTriggered    Type = "alert.triggered"
	AlertUpdated      Type = "alert.updated"
	AlertSent         Type = "alert.sent"
	AlertEscalated    Type = "alert.escalated"
	AlertFailed       Type = "alert.failed"
	AlertAcknowledged Type = "alert.acknowledged"
	AlertResolved     Type = "alert.resolved"
	UnitStatusChanged Type = "unit.status_changed"
	ChannelDisabled   Type = "channel.disabled"
	NotificationInApp Type = "notification.in_app"
)

type Event struct {
	ID        string      `json:"id"`
	Type      Type        `json:"type"`
	UnitID    uint        `json:"unit_id,omitempty"`
	AlertID   uint        `json:"alert_id,omitempty"`
	Summary   string      `json:"summary"`
	Detail    interface{} `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(evt Event)
}

// Bus is an in-process pub/sub bus. Publishing never blocks: events for a
// subscriber whose buffer is full are dropped and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
	dropped     atomic.Uint64
}

func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers id and returns its event channel. Subscribing an id
// twice replaces the earlier channel, which is closed.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}
