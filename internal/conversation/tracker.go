// ABOUTME: PresenceTracker derives per-conversation user sets from the Registry
// ABOUTME: Publishes a MembershipChange only when the distinct-user set actually changes

package conversation

import (
	"log/slog"
	"sync"

	"github.com/2389/tandem/internal/store"
)

// MembershipChange is published when the set of distinct users joined to a conversation changes.
type MembershipChange struct {
	Key    store.ConversationKey
	Before []string
	After  []string
	Joined []string
	Left   []string
}

// MembershipListener receives membership changes. Listeners run synchronously
// on the goroutine that caused the change and never under a registry lock.
type MembershipListener func(MembershipChange)

// PresenceTracker wraps a Registry and notifies listeners of membership changes.
type PresenceTracker struct {
	registry *Registry

	mu        sync.RWMutex
	listeners []MembershipListener

	logger *slog.Logger
}

// NewPresenceTracker creates a tracker over registry. Pass nil logger for default.
func NewPresenceTracker(registry *Registry, logger *slog.Logger) *PresenceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceTracker{
		registry: registry,
		logger:   logger.With("component", "presence"),
	}
}

// OnChange registers a listener for every later membership change.
func (t *PresenceTracker) OnChange(l MembershipListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Connect joins a connection and publishes if the user set changed.
func (t *PresenceTracker) Connect(connID, userID string, key store.ConversationKey) {
	t.publish(t.registry.Add(connID, userID, key))
}

// Disconnect removes a connection and publishes if the user set changed.
// Unknown connection ids are ignored.
func (t *PresenceTracker) Disconnect(connID string) {
	tr, ok := t.registry.Remove(connID)
	if !ok {
		return
	}
	t.publish(tr)
}

// Present reports whether userID has a live connection joined to key.
func (t *PresenceTracker) Present(key store.ConversationKey, userID string) bool {
	return t.registry.HasUser(key, userID)
}

// Members returns the distinct users joined to key, sorted.
func (t *PresenceTracker) Members(key store.ConversationKey) []string {
	return t.registry.UsersFor(key)
}

// Connections returns the connection ids joined to key.
func (t *PresenceTracker) Connections(key store.ConversationKey) []string {
	return t.registry.ConnectionsFor(key)
}

func (t *PresenceTracker) publish(tr Transition) {
	if !tr.Changed() {
		return
	}

	change := MembershipChange{
		Key:    tr.Key,
		Before: tr.Before,
		After:  tr.After,
		Joined: tr.Joined(),
		Left:   tr.Left(),
	}

	t.logger.Debug("membership changed",
		"conversation_key", tr.Key.String(),
		"users", tr.After,
		"joined", change.Joined,
		"left", change.Left)

	t.mu.RLock()
	listeners := make([]MembershipListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.RUnlock()

	for _, l := range listeners {
		l(change)
	}
}
