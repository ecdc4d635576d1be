package fjage

import "container/list"

// DefaultQueueSize is the receive queue capacity when none is configured.
const DefaultQueueSize = 128

// messageQueue holds received messages that no listener consumed. When full,
// the oldest message is evicted. It is not safe for concurrent use; the
// Gateway guards it with its own lock.
type messageQueue struct {
	items   *list.List
	maxSize int
}

func newMessageQueue(maxSize int) *messageQueue {
	if maxSize <= 0 {
		maxSize = DefaultQueueSize
	}
	return &messageQueue{items: list.New(), maxSize: maxSize}
}

// push appends msg and returns the message evicted to make room, if any.
func (q *messageQueue) push(msg Msg) Msg {
	q.items.PushBack(msg)
	if q.items.Len() <= q.maxSize {
		return nil
	}
	return q.items.Remove(q.items.Front()).(Msg)
}

// take removes and returns the oldest message matching f.
func (q *messageQueue) take(f Filter) Msg {
	for e := q.items.Front(); e != nil; e = e.Next() {
		msg := e.Value.(Msg)
		if f.matches(msg) {
			q.items.Remove(e)
			return msg
		}
	}
	return nil
}

func (q *messageQueue) len() int {
	return q.items.Len()
}

func (q *messageQueue) clear() {
	q.items.Init()
}

// snapshot returns the queued messages in arrival order.
func (q *messageQueue) snapshot() []Msg {
	out := make([]Msg, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Msg))
	}
	return out
}
