// ABOUTME: Reconciler promotes unread messages to read once their recipient is present
// ABOUTME: Relies on the store's compare-and-set MarkRead so repeated passes mark nothing new

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/2389/tandem/internal/store"
)

// Reconciler marks messages read for the participants present in a conversation.
type Reconciler struct {
	store   store.Store
	tracker *PresenceTracker
	now     func() time.Time
	logger  *slog.Logger
}

// NewReconciler creates a reconciler. Pass nil logger for default.
func NewReconciler(s store.Store, tracker *PresenceTracker, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   s,
		tracker: tracker,
		now:     time.Now,
		logger:  logger.With("component", "reconciler"),
	}
}

// Reconcile marks every unread message addressed to a present participant of
// key as read. It returns nil when nothing changed. Callers that broadcast the
// result must hold the conversation's lock so the update orders correctly
// against sends.
func (r *Reconciler) Reconcile(ctx context.Context, key store.ConversationKey) (*ReadReceiptUpdate, error) {
	members := r.tracker.Members(key)

	var ids []string
	for _, user := range key.Participants() {
		if !slices.Contains(members, user) {
			continue
		}
		unread, err := r.store.UnreadFor(ctx, key, user)
		if err != nil {
			return nil, fmt.Errorf("%w: listing unread for %s: %w", ErrStoreUnavailable, user, err)
		}
		ids = append(ids, unread...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	at := r.now().UTC()
	changed, err := r.store.MarkRead(ctx, ids, at)
	if err != nil {
		return nil, fmt.Errorf("%w: marking read: %w", ErrStoreUnavailable, err)
	}
	if len(changed) == 0 {
		return nil, nil
	}

	r.logger.Debug("messages marked read",
		"conversation_key", key.String(),
		"count", len(changed))

	return &ReadReceiptUpdate{
		ConversationKey: key,
		MessageIDs:      changed,
		ReadAt:          at,
	}, nil
}
