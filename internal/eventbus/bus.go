package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Reminder lifecycle events published by the scheduler.
const (
	ReminderScheduled   = "reminder.scheduled"
	ReminderDelivered   = "reminder.delivered"
	ReminderRescheduled = "reminder.rescheduled"
	ReminderFailed      = "reminder.failed"
	ReminderAutoPaused  = "reminder.auto_paused"
	ReminderRemoved     = "reminder.removed"
	ReminderCleanup     = "reminder.cleanup"
)

// Event is an in-memory signal. Publish never blocks; a subscriber whose
// buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// ReminderEvent is the Data payload of the reminder.* events.
type ReminderEvent struct {
	ReminderID string
	UserID     string
	ChannelID  string
	NextAt     int64 // rescheduled only
	Failures   int
	Via        string // "channel" or "dm" on delivery
	Err        string
	Count      int // cleanup only
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Send under the read lock so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
