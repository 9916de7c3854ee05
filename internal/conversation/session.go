// ABOUTME: Session is the per-connection state machine of the hub
// ABOUTME: Disconnected -> Joining -> Active -> Leaving -> Disconnected, with exactly-once cleanup

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/2389/tandem/internal/store"
)

// SessionState is a step of the session lifecycle.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateJoining
	StateActive
	StateLeaving
)

func (s SessionState) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	}
	return "disconnected"
}

// Session is one connection joined to one conversation. Its event stream starts
// with exactly one ThreadSnapshot.
type Session struct {
	ID     string
	UserID string
	Key    store.ConversationKey

	hub     *Hub
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	state   SessionState
	pending []Event // live events that arrived while joining

	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(h *Hub, id, userID string, key store.ConversationKey) *Session {
	limit := rate.Inf
	if h.cfg.SendRate > 0 {
		limit = rate.Limit(h.cfg.SendRate)
	}
	return &Session{
		ID:      id,
		UserID:  userID,
		Key:     key,
		hub:     h,
		limiter: rate.NewLimiter(limit, max(h.cfg.SendBurst, 1)),
		logger: h.logger.With(
			"connection_id", id,
			"user_id", userID,
			"conversation_key", key.String()),
		state: StateJoining,
		out:   make(chan Event, h.cfg.OutboundBuffer),
		done:  make(chan struct{}),
	}
}

// Events yields the session's outbound events in order. The channel is never
// closed; select on Done to notice the end of the session.
func (s *Session) Events() <-chan Event {
	return s.out
}

// Done is closed once the session has been cleaned up.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send appends content to the conversation as this session's user.
func (s *Session) Send(ctx context.Context, content string, autoPilot bool) (*store.Message, error) {
	if s.State() != StateActive {
		return nil, ErrSessionNotActive
	}
	if !s.limiter.Allow() {
		return nil, ErrRateLimited
	}
	return s.hub.SendMessage(ctx, s.UserID, s.Key, content, autoPilot)
}

// Close leaves the conversation. It is safe to call from any goroutine, any
// number of times; cleanup runs once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateLeaving
		s.pending = nil
		s.mu.Unlock()

		s.hub.cleanup(s)
		close(s.done)

		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()

		s.logger.Debug("session closed")
	})
}

// deliver hands ev to the session. Events for a joining session are held until
// the snapshot has gone out. Events for a closed session are discarded.
func (s *Session) deliver(ctx context.Context, ev Event) error {
	s.mu.Lock()
	switch s.state {
	case StateJoining:
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return nil
	case StateActive:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return nil
	}
	return s.enqueue(ctx, ev)
}

func (s *Session) enqueue(ctx context.Context, ev Event) error {
	select {
	case s.out <- ev:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ErrDeliveryTimeout
	}
}

// activate sends the snapshot, then the held live events that it does not
// already cover, and marks the session active. The caller holds the
// conversation lock, so no live event can be delivered concurrently.
func (s *Session) activate(ctx context.Context, snap *ThreadSnapshot) error {
	if err := s.enqueue(ctx, snapshotEvent(snap)); err != nil {
		return err
	}

	inSnapshot := make(map[string]struct{}, len(snap.Messages))
	for _, m := range snap.Messages {
		inSnapshot[m.ID] = struct{}{}
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, ev := range pending {
		if ev.Kind == EventNewMessage {
			if _, ok := inSnapshot[ev.Message.ID]; ok {
				continue
			}
		}
		if err := s.enqueue(ctx, ev); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoining {
		return ErrSessionNotActive
	}
	s.state = StateActive
	return nil
}
