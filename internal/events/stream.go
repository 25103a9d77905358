package events

import "sync"

const defaultStreamBuffer = 32

// Stream delivers one edit request's events to a single subscriber in
// publish order. Publish blocks when the subscriber lags rather than
// dropping, which gives at-least-once in-order delivery. Events from
// concurrent requests live on separate streams and interleave freely.
type Stream struct {
	RequestID string

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewStream(requestID string) *Stream {
	return &Stream{
		RequestID: requestID,
		ch:        make(chan Event, defaultStreamBuffer),
	}
}

// Publish appends an event to the stream. Publishing to a closed
// stream is a no-op. The lock is held across the send, so a Close
// racing a concurrent Publish waits for the send instead of pulling
// the channel out from under it.
func (s *Stream) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- ev
}

// Events is the subscriber side. The channel closes after the terminal
// event has been delivered.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Close ends the stream after all published events drain.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
