package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// DefaultMailboxCapacity bounds each poll subscription's backlog.
const DefaultMailboxCapacity = 1000

// DefaultMailboxGrace is how long an inactive subscription's undrained
// backlog stays pollable.
const DefaultMailboxGrace = 15 * time.Minute

// Mailbox is the poll transport. Deliveries queue per subscription until a
// poller drains them; when a backlog is full the oldest event is dropped.
// A retired backlog is kept until it is drained or its deadline passes.
type Mailbox struct {
	mu       sync.Mutex
	capacity int
	boxes    map[string][]*models.Event
	dropped  map[string]int
	retired  map[string]time.Time
}

// NewMailbox creates a poll mailbox. capacity <= 0 uses
// DefaultMailboxCapacity.
func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &Mailbox{
		capacity: capacity,
		boxes:    make(map[string][]*models.Event),
		dropped:  make(map[string]int),
		retired:  make(map[string]time.Time),
	}
}

func (m *Mailbox) Method() models.DeliveryMethod { return models.DeliveryPoll }

func (m *Mailbox) Deliver(_ context.Context, sub *models.Subscription, e *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := append(m.boxes[sub.ID], e)
	if over := len(box) - m.capacity; over > 0 {
		box = box[over:]
		m.dropped[sub.ID] += over
	}
	m.boxes[sub.ID] = box
	return nil
}

// Drain removes and returns up to max events, oldest first. max <= 0
// drains everything.
func (m *Mailbox) Drain(subID string, max int) []*models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := m.boxes[subID]
	if max <= 0 || max > len(box) {
		max = len(box)
	}
	out := make([]*models.Event, max)
	copy(out, box[:max])
	rest := box[max:]
	if len(rest) == 0 {
		delete(m.boxes, subID)
		if _, ok := m.retired[subID]; ok {
			m.forget(subID)
		}
	} else {
		m.boxes[subID] = append([]*models.Event(nil), rest...)
	}
	return out
}

// Pending returns the number of queued events for subID.
func (m *Mailbox) Pending(subID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.boxes[subID])
}

// Dropped returns how many events were discarded for subID because its
// backlog was full.
func (m *Mailbox) Dropped(subID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[subID]
}

// Retire schedules subID's backlog for removal at until. An empty backlog
// is removed at once.
func (m *Mailbox) Retire(subID string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.boxes[subID]) == 0 {
		m.forget(subID)
		return
	}
	m.retired[subID] = until
}

// Sweep removes retired backlogs whose deadline is not after now and
// returns how many events were discarded.
func (m *Mailbox) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	discarded := 0
	for id, until := range m.retired {
		if until.After(now) {
			continue
		}
		discarded += len(m.boxes[id])
		m.forget(id)
	}
	return discarded
}

// forget drops all state for subID. Callers hold m.mu.
func (m *Mailbox) forget(subID string) {
	delete(m.boxes, subID)
	delete(m.dropped, subID)
	delete(m.retired, subID)
}

func (m *Mailbox) Close() error { return nil }
