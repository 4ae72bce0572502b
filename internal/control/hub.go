package control

import (
	"context"
	"sync"

	errs "portbridge/internal/errors"
	"portbridge/internal/proxy"
	"portbridge/util"
)

var (
	ErrHubClosed   = errs.New("notification hub closed")
	ErrSessionSlow = errs.New("control session fell behind")
)

// Hub fans proxy notifications out to every control session.
//
// State transitions are queued in order and never dropped.  A
// notify-data note replaces any undelivered notify-data for the same
// proxy and moves to the tail, so the last one a session sees always
// carries the current totals.  A session whose backlog still exceeds
// the queue limit is ended with [ErrSessionSlow].
type Hub struct {
	log   *util.Logger
	limit int

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewHub returns a Hub whose sessions may hold up to limit pending
// notifications.
func NewHub(log *util.Logger, limit int) *Hub {
	if limit <= 0 {
		limit = 1
	}
	return &Hub{log: log, limit: limit, sessions: make(map[*Session]struct{})}
}

// Session is one subscriber's notification queue.
type Session struct {
	limit int
	ready chan struct{}

	mu      sync.Mutex
	pending []Notification
	err     error
}

func newSession(limit int) *Session {
	return &Session{limit: limit, ready: make(chan struct{}, 1)}
}

// Next blocks until a notification is pending and returns it.  Once
// the session has ended and its queue is drained, Next returns the
// reason: [ErrHubClosed], [ErrSessionSlow] or the context error.
func (s *Session) Next(ctx context.Context) (Notification, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			n := s.pending[0]
			s.pending[0] = Notification{}
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return n, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return Notification{}, err
		}

		select {
		case <-s.ready:
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		}
	}
}

// Pending returns the number of undelivered notifications.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// push queues n and reports false when the session had to be ended.
func (s *Session) push(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}

	if n.Type == TypeNotifyData {
		for i := range s.pending {
			if s.pending[i].Type == TypeNotifyData && s.pending[i].ID == n.ID {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
	}
	if len(s.pending) >= s.limit {
		s.pending = nil
		s.err = ErrSessionSlow
		s.wake()
		return false
	}
	s.pending = append(s.pending, n)
	s.wake()
	return true
}

// end marks the session finished.  Pending notes stay deliverable.
func (s *Session) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.wake()
}

func (s *Session) wake() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Subscribe registers a session.  The cancel func ends it.
func (h *Hub) Subscribe() (*Session, func()) {
	s := newSession(h.limit)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.end(ErrHubClosed)
		return s, func() {}
	}
	h.sessions[s] = struct{}{}

	return s, func() {
		h.mu.Lock()
		delete(h.sessions, s)
		h.mu.Unlock()
		s.end(ErrHubClosed)
	}
}

// Sessions returns the number of subscribed sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Publish queues n on every session without blocking.
func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		if !s.push(n) {
			delete(h.sessions, s)
			h.log.Warn("control session fell behind on %s for %s, disconnecting", n.Type, n.ID)
		}
	}
}

// Close ends every session.  Later notifications are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.sessions {
		delete(h.sessions, s)
		s.end(ErrHubClosed)
	}
}

// ── registry.Notifier ────────────────────────────────────────────────

func (h *Hub) ClientChanged(id string, connected bool) {
	h.Publish(connectNote(id, connected))
}

func (h *Hub) BackendOpened(id string, kind proxy.Kind, opened bool) {
	if kind == proxy.KindSerial {
		if opened {
			h.Publish(serialOpenNote(id))
		}
		return
	}
	h.Publish(tcpOpenNote(id, opened))
}

func (h *Hub) TrafficChanged(id string, received, sent int64) {
	h.Publish(dataNote(id, received, sent))
}
