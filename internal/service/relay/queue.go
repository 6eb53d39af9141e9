package relay

import (
	"sync"

	"github.com/zhouzirui/gemish/backend/internal/service/ai"
)

// fragmentQueue decouples provider consumption from paced delivery. It is
// unbounded so a slow client never holds the provider stream open.
type fragmentQueue struct {
	mu     sync.Mutex
	items  []ai.Fragment
	end    error
	meta   ai.Meta
	notify chan struct{}
}

func newFragmentQueue() *fragmentQueue {
	return &fragmentQueue{notify: make(chan struct{}, 1)}
}

func (q *fragmentQueue) push(f ai.Fragment) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.signal()
}

// finish records the terminal error, io.EOF on success.
func (q *fragmentQueue) finish(end error, meta ai.Meta) {
	q.mu.Lock()
	q.end = end
	q.meta = meta
	q.mu.Unlock()
	q.signal()
}

func (q *fragmentQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next blocks until a fragment or the terminal error is available. Queued
// fragments are returned before the terminal error.
func (q *fragmentQueue) next() (ai.Fragment, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, nil
		}
		if q.end != nil {
			end := q.end
			q.mu.Unlock()
			return ai.Fragment{}, end
		}
		q.mu.Unlock()
		<-q.notify
	}
}

func (q *fragmentQueue) result() ai.Meta {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.meta
}
