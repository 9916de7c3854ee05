// ABOUTME: Tests for Session state transitions and snapshot-first delivery
// ABOUTME: Also covers the Reconciler's compare-and-set idempotence and wire frame conversion

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tandem/internal/store"
)

func TestSession_HeldEventsFollowSnapshot(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{})
	sess := newSession(h, "c1", "alice", keyAB)
	assert.Equal(t, StateJoining, sess.State())

	covered := &store.Message{ID: "m1", ConversationKey: keyAB, SenderID: "bob", RecipientID: "alice"}
	fresh := &store.Message{ID: "m2", ConversationKey: keyAB, SenderID: "bob", RecipientID: "alice"}
	receipt := &ReadReceiptUpdate{ConversationKey: keyAB, MessageIDs: []string{"m1"}, ReadAt: time.Now()}

	require.NoError(t, sess.deliver(t.Context(), newMessageEvent(covered)))
	require.NoError(t, sess.deliver(t.Context(), readReceiptEvent(receipt)))
	require.NoError(t, sess.deliver(t.Context(), newMessageEvent(fresh)))
	assert.Empty(t, sess.Events(), "nothing is delivered before the snapshot")

	snap := &ThreadSnapshot{ConversationKey: keyAB, Messages: []*store.Message{covered}}
	require.NoError(t, sess.activate(t.Context(), snap))
	assert.Equal(t, StateActive, sess.State())

	var kinds []EventKind
	for range 3 {
		kinds = append(kinds, (<-sess.Events()).Kind)
	}
	assert.Equal(t, []EventKind{EventSnapshot, EventReadReceipt, EventNewMessage}, kinds)
	assert.Empty(t, sess.Events(), "the message already in the snapshot is dropped")
}

func TestSession_DeliverAfterCloseIsDiscarded(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{})
	sess := join(t, h, "alice", "bob")
	sess.Close()

	err := sess.deliver(t.Context(), newMessageEvent(&store.Message{ID: "late"}))
	assert.NoError(t, err)
	assert.Equal(t, StateDisconnected, sess.State())
}

func TestSession_DeliverTimesOutWhenFull(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{OutboundBuffer: 1})
	sess := newSession(h, "c1", "alice", keyAB)
	require.NoError(t, sess.activate(t.Context(), &ThreadSnapshot{ConversationKey: keyAB}))

	// The snapshot fills the buffer and nobody reads it
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err := sess.deliver(ctx, newMessageEvent(&store.Message{ID: "m"}))
	assert.ErrorIs(t, err, ErrDeliveryTimeout)
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "joining", StateJoining.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "leaving", StateLeaving.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
}

func TestReconciler_Idempotent(t *testing.T) {
	s := store.NewMockStore()
	tracker := NewPresenceTracker(NewRegistry(), nil)
	r := NewReconciler(s, tracker, nil)

	var ids []string
	for i := range 3 {
		msg, err := s.Append(t.Context(), &store.Message{
			ConversationKey: keyAB, SenderID: "alice", RecipientID: "bob", Content: fmt.Sprint(i),
		})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	// Nobody present: nothing to do
	update, err := r.Reconcile(t.Context(), keyAB)
	require.NoError(t, err)
	assert.Nil(t, update)

	// Only the sender present: still nothing, alice is not the recipient
	tracker.Connect("c1", "alice", keyAB)
	update, err = r.Reconcile(t.Context(), keyAB)
	require.NoError(t, err)
	assert.Nil(t, update)

	tracker.Connect("c2", "bob", keyAB)
	update, err = r.Reconcile(t.Context(), keyAB)
	require.NoError(t, err)
	require.NotNil(t, update)
	assert.Equal(t, ids, update.MessageIDs)
	assert.Equal(t, keyAB, update.ConversationKey)

	update, err = r.Reconcile(t.Context(), keyAB)
	require.NoError(t, err)
	assert.Nil(t, update, "a second pass on unchanged membership marks nothing")
}

func TestReconciler_StoreUnavailable(t *testing.T) {
	s := store.NewMockStore()
	tracker := NewPresenceTracker(NewRegistry(), nil)
	r := NewReconciler(s, tracker, nil)
	tracker.Connect("c1", "bob", keyAB)

	s.FailOn(store.OpUnreadFor, errors.New("timeout"))
	_, err := r.Reconcile(t.Context(), keyAB)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestFrame_EventRoundTrip(t *testing.T) {
	readAt := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	events := []Event{
		snapshotEvent(&ThreadSnapshot{ConversationKey: keyAB, Messages: []*store.Message{{ID: "m1", ConversationKey: keyAB}}}),
		newMessageEvent(&store.Message{ID: "m2", ConversationKey: keyAB, Content: "hi"}),
		readReceiptEvent(&ReadReceiptUpdate{ConversationKey: keyAB, MessageIDs: []string{"m1", "m2"}, ReadAt: readAt}),
		membershipEvent(&MembershipUpdate{ConversationKey: keyAB, Users: []string{"alice"}}),
	}

	for _, ev := range events {
		t.Run(string(ev.Kind), func(t *testing.T) {
			data, err := json.Marshal(EventFrame(ev))
			require.NoError(t, err)

			var f Frame
			require.NoError(t, json.Unmarshal(data, &f))
			got, ok := f.Event()
			require.True(t, ok)
			assert.Equal(t, ev.Kind, got.Kind)

			switch ev.Kind {
			case EventSnapshot:
				assert.Equal(t, keyAB, got.Snapshot.ConversationKey)
				assert.Equal(t, "m1", got.Snapshot.Messages[0].ID)
			case EventNewMessage:
				assert.Equal(t, "hi", got.Message.Content)
			case EventReadReceipt:
				assert.Equal(t, []string{"m1", "m2"}, got.Receipt.MessageIDs)
				assert.True(t, got.Receipt.ReadAt.Equal(readAt))
			case EventMembership:
				assert.Equal(t, []string{"alice"}, got.Membership.Users)
			}
		})
	}

	_, ok := Frame{Type: FrameSendResult}.Event()
	assert.False(t, ok)
}

func TestErrorCodes(t *testing.T) {
	wrapped := fmt.Errorf("%w: disk", ErrStoreUnavailable)
	f := ErrorFrame("req-1", wrapped)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, "req-1", f.RequestID)
	assert.Equal(t, CodeStoreUnavailable, f.Code)
	assert.ErrorIs(t, ErrorForCode(f.Code), ErrStoreUnavailable)

	assert.Equal(t, CodeInternal, ErrorCode(errors.New("boom")))
	assert.Nil(t, ErrorForCode(CodeInternal))
}
