package realtime

// Queue is the bounded per-subscriber delivery buffer. The bus is the only
// writer; the owning connection's send loop drains it through Events. The
// channel is never closed, so readers must also watch their context.
type Queue struct {
	ch chan Event
}

func newQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Event, size)}
}

// Events exposes the receive side of the queue.
func (q *Queue) Events() <-chan Event { return q.ch }

// Len reports how many events are currently buffered.
func (q *Queue) Len() int { return len(q.ch) }

// put enqueues e without blocking. When the buffer is full the oldest
// buffered event is evicted and the send retried once, so a slow consumer
// keeps the newest events. Callers hold the bus lock, so put never races
// with itself or with drain; the consumer receiving concurrently is safe.
func (q *Queue) put(e Event) (enqueued, evicted bool) {
	select {
	case q.ch <- e:
		return true, false
	default:
	}
	select {
	case <-q.ch:
		evicted = true
	default:
	}
	select {
	case q.ch <- e:
		return true, evicted
	default:
		return false, evicted
	}
}

// drain discards everything buffered and reports how many events were
// dropped. The queue stays usable afterwards.
func (q *Queue) drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
