package fjage

import (
	"context"
	"iter"
	"sync"
)

// DefaultStreamBuffer is the number of messages a MessageStream holds before
// further matches fall through to the receive queue.
const DefaultStreamBuffer = 64

// MessageStream delivers messages matching a filter as they arrive. Matches
// that arrive while the buffer is full are left for Receive instead.
// A MessageStream should only be consumed by a single goroutine.
type MessageStream struct {
	gw     *Gateway
	filter Filter
	remove func()

	msgs      chan Msg
	done      chan struct{}
	closeOnce sync.Once
}

// Stream starts collecting messages matching f. A nil filter matches any
// message. Close the stream to stop collecting.
func (g *Gateway) Stream(f Filter, buffer int) *MessageStream {
	if f == nil {
		f = Any()
	}
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	s := &MessageStream{
		gw:     g,
		filter: f,
		msgs:   make(chan Msg, buffer),
		done:   make(chan struct{}),
	}
	s.remove = g.AddMessageListener(s.offer)
	return s
}

// Messages returns an iterator over messages matching f until ctx is done,
// the gateway closes, or the loop exits.
func (g *Gateway) Messages(ctx context.Context, f Filter) iter.Seq2[Msg, error] {
	return func(yield func(Msg, error) bool) {
		s := g.Stream(f, 0)
		defer s.Close()
		for msg, err := range s.All(ctx) {
			if !yield(msg, err) {
				return
			}
		}
	}
}

func (s *MessageStream) offer(msg Msg) bool {
	if !s.filter.matches(msg) {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.msgs <- msg:
		return true
	default:
		return false
	}
}

// Next returns the next message, or nil once the stream is closed.
// It returns ErrClosed if the gateway closes.
func (s *MessageStream) Next(ctx context.Context) (Msg, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-s.msgs:
		return msg, nil
	case <-s.done:
		return s.drain(), nil
	case <-s.gw.ctx.Done():
		if msg := s.drain(); msg != nil {
			return msg, nil
		}
		return nil, ErrClosed
	}
}

func (s *MessageStream) drain() Msg {
	select {
	case msg := <-s.msgs:
		return msg
	default:
		return nil
	}
}

// All returns an iterator over the stream's messages.
func (s *MessageStream) All(ctx context.Context) iter.Seq2[Msg, error] {
	return func(yield func(Msg, error) bool) {
		for {
			msg, err := s.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if msg == nil {
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Close stops collecting. Messages already buffered can still be read.
func (s *MessageStream) Close() {
	s.closeOnce.Do(func() {
		s.remove()
		close(s.done)
	})
}
