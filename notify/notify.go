// Package notify keeps the transient messages shown to a user after a
// subscription attempt. Each notification dismisses itself after its
// duration; several can be visible at once.
package notify

import (
	"sync"
	"time"
)

// Variant selects how a notification is styled.
type Variant string

const (
	Success Variant = "success"
	Error   Variant = "error"
)

// DefaultDuration is used when a notification does not set one.
const DefaultDuration = 5 * time.Second

// Notification is one queued message.
type Notification struct {
	ID          uint64
	Title       string
	Description string
	Variant     Variant
	Duration    time.Duration
}

type timer interface {
	Stop() bool
}

// Queue holds the visible notifications. The zero value is ready to use.
type Queue struct {
	// OnChange, if set, is called with the visible notifications after every
	// change. It runs without the queue's lock held.
	OnChange func([]Notification)

	mu     sync.Mutex
	nextID uint64
	items  []Notification
	timers map[uint64]timer

	afterFunc func(time.Duration, func()) timer
}

func (q *Queue) schedule(d time.Duration, f func()) timer {
	if q.afterFunc != nil {
		return q.afterFunc(d, f)
	}
	return time.AfterFunc(d, f)
}

// Push queues n and returns its id.
func (q *Queue) Push(n Notification) uint64 {
	if n.Duration <= 0 {
		n.Duration = DefaultDuration
	}
	if n.Variant == "" {
		n.Variant = Success
	}
	q.mu.Lock()
	q.nextID++
	n.ID = q.nextID
	q.items = append(q.items, n)
	if q.timers == nil {
		q.timers = make(map[uint64]timer)
	}
	id := n.ID
	q.timers[id] = q.schedule(n.Duration, func() { q.Dismiss(id) })
	visible := q.snapshot()
	q.mu.Unlock()

	q.changed(visible)
	return id
}

// Dismiss removes a notification early. It reports whether it was visible.
func (q *Queue) Dismiss(id uint64) bool {
	q.mu.Lock()
	idx := -1
	for i, n := range q.items {
		if n.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	if t, ok := q.timers[id]; ok {
		t.Stop()
		delete(q.timers, id)
	}
	visible := q.snapshot()
	q.mu.Unlock()

	q.changed(visible)
	return true
}

// Visible returns the notifications currently shown, oldest first.
func (q *Queue) Visible() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot()
}

// Clear dismisses everything and stops pending timers.
func (q *Queue) Clear() {
	q.mu.Lock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.items = nil
	q.mu.Unlock()
	q.changed(nil)
}

func (q *Queue) snapshot() []Notification {
	out := make([]Notification, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) changed(visible []Notification) {
	if q.OnChange != nil {
		q.OnChange(visible)
	}
}
