package refresh

import (
	"context"
	"sync"

	"github.com/pders01/feedtree/internal/debuglog"
)

// Queue is a FIFO of feed ids in which a feed occupies at most one slot.
// A feed stays a member from Add until the worker calls Done on it, so it
// cannot be queued again while it is being refreshed.
type Queue struct {
	mu       sync.Mutex
	items    []uint32
	members  map[uint32]bool
	ready    chan struct{}
	disabled bool
}

// NewQueue returns an empty queue. A disabled queue drops every Add, which
// is how demo mode keeps refreshes from ever running.
func NewQueue(disabled bool) *Queue {
	return &Queue{
		members:  make(map[uint32]bool),
		ready:    make(chan struct{}, 1),
		disabled: disabled,
	}
}

// Add appends id unless it is already a member. It reports whether the
// feed was queued.
func (q *Queue) Add(id uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disabled || q.members[id] {
		return false
	}
	debuglog.Debugf("Adding feed %d to refresh queue", id)
	q.items = append(q.items, id)
	q.members[id] = true
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an id is available or ctx is done.
func (q *Queue) Next(ctx context.Context) (uint32, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-q.ready:
		}
	}
}

// Done releases id's membership. It reports whether nothing is left
// waiting.
func (q *Queue) Done(id uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.members, id)
	return len(q.items) == 0
}

// Len is the number of ids waiting, not counting one being refreshed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Contains(id uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.members[id]
}

// Clear drops everything waiting. A feed being refreshed keeps its
// membership until Done.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.items {
		delete(q.members, id)
	}
	q.items = nil
}
