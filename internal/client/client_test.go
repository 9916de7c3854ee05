// ABOUTME: Tests for ReconnectingClient against a real gateway served by httptest
// ABOUTME: Covers snapshot-first delivery, sends, auth failure, reconnect resync and Disconnect

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tandem/internal/auth"
	"github.com/2389/tandem/internal/config"
	"github.com/2389/tandem/internal/conversation"
	"github.com/2389/tandem/internal/gateway"
	"github.com/2389/tandem/internal/store"
)

const testSecret = "client-test-secret-at-least-32-bytes!!"

var keyAB = store.NewConversationKey("alice", "bob")

type testServer struct {
	gw    *gateway.Gateway
	store *store.MockStore
	srv   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Database.Path = ":memory:"

	s := store.NewMockStore()
	gw, err := gateway.New(cfg, discardLogger(), gateway.WithStore(s))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		gw.Hub().Close()
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return &testServer{gw: gw, store: s, srv: srv}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	tok, err := v.Generate(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) client(t *testing.T, user, other string, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		URL:            s.srv.URL,
		Token:          tokenFor(t, user),
		OtherUserID:    other,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Logger:         discardLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectQuiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %s", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_SnapshotThenLiveEvents(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.client(t, "alice", "bob")

	require.NoError(t, alice.Connect(t.Context()))
	assert.Equal(t, StateActive, alice.State())

	ev := nextEvent(t, alice)
	require.Equal(t, EventSnapshot, ev.Kind)
	assert.Equal(t, keyAB, ev.Snapshot.ConversationKey)
	assert.Empty(t, ev.Snapshot.Messages)

	msg, err := alice.Send(t.Context(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Nil(t, msg.ReadAt)

	ev = nextEvent(t, alice)
	require.Equal(t, EventNewMessage, ev.Kind)
	assert.Equal(t, msg.ID, ev.Message.ID, "own sends come back as an echo")
	expectQuiet(t, alice)

	bob := ts.client(t, "bob", "alice")
	require.NoError(t, bob.Connect(t.Context()))
	ev = nextEvent(t, bob)
	require.Equal(t, EventSnapshot, ev.Kind)
	require.Len(t, ev.Snapshot.Messages, 1)

	ev = nextEvent(t, alice)
	require.Equal(t, EventReadReceipt, ev.Kind)
	assert.Equal(t, []string{msg.ID}, ev.Receipt.MessageIDs)
}

func TestClient_MembershipIsOptIn(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.client(t, "alice", "bob", func(c *Config) { c.IncludeMembership = true })
	require.NoError(t, alice.Connect(t.Context()))
	require.Equal(t, EventSnapshot, nextEvent(t, alice).Kind)

	ev := nextEvent(t, alice)
	require.Equal(t, EventMembership, ev.Kind)
	assert.Equal(t, []string{"alice"}, ev.Membership.Users)

	bob := ts.client(t, "bob", "alice")
	require.NoError(t, bob.Connect(t.Context()))
	require.Equal(t, EventSnapshot, nextEvent(t, bob).Kind)
	expectQuiet(t, bob)

	ev = nextEvent(t, alice)
	require.Equal(t, EventMembership, ev.Kind)
	assert.Equal(t, []string{"alice", "bob"}, ev.Membership.Users)
}

func TestClient_SendErrors(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.client(t, "alice", "bob")

	_, err := alice.Send(t.Context(), "too early")
	assert.ErrorIs(t, err, conversation.ErrSessionNotActive)

	require.NoError(t, alice.Connect(t.Context()))
	nextEvent(t, alice)

	_, err = alice.Send(t.Context(), "   ")
	assert.ErrorIs(t, err, conversation.ErrInvalidMessage)
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, conversation.CodeInvalidMessage, serr.Code)

	ts.store.FailOn(store.OpAppend, errors.New("disk full"))
	_, err = alice.Send(t.Context(), "hello")
	assert.ErrorIs(t, err, conversation.ErrStoreUnavailable)
	expectQuiet(t, alice)

	ts.store.FailOn(store.OpAppend, nil)
	msg, err := alice.SendAutoPilot(t.Context(), "drafted for you")
	require.NoError(t, err)
	assert.True(t, msg.AutoPilot)
}

func TestClient_UnauthorizedIsPermanent(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t, "alice", "bob", func(c *Config) { c.Token = "not-a-jwt" })

	err := c.Connect(t.Context())
	assert.ErrorIs(t, err, conversation.ErrNotAuthenticated)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client kept retrying after 401")
	}
	assert.ErrorIs(t, c.Err(), conversation.ErrNotAuthenticated)
	assert.Equal(t, StateDisconnected, c.State())

	_, open := <-c.Events()
	assert.False(t, open)
}

func TestClient_ReconnectResyncsFromSnapshot(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.client(t, "alice", "bob")
	require.NoError(t, alice.Connect(t.Context()))
	require.Equal(t, EventSnapshot, nextEvent(t, alice).Kind)

	// Written while alice's socket is about to drop, never broadcast to her.
	missed, err := ts.store.Append(t.Context(), &store.Message{
		ConversationKey: keyAB, SenderID: "bob", RecipientID: "alice", Content: "while you were out",
	})
	require.NoError(t, err)

	ts.gw.Hub().Close()

	ev := nextEvent(t, alice)
	require.Equal(t, EventSnapshot, ev.Kind, "a reconnect starts a new epoch with a snapshot")
	require.Len(t, ev.Snapshot.Messages, 1)
	assert.Equal(t, missed.ID, ev.Snapshot.Messages[0].ID)

	assert.Eventually(t, func() bool { return alice.State() == StateActive },
		time.Second, 10*time.Millisecond)
	_, err = alice.Send(t.Context(), "back")
	require.NoError(t, err)
}

func TestClient_RetriesSnapshotFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.store.FailOn(store.OpThread, errors.New("disk gone"))
	alice := ts.client(t, "alice", "bob")

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	err := alice.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotEqual(t, StateActive, alice.State())

	ts.store.FailOn(store.OpThread, nil)
	ev := nextEvent(t, alice)
	assert.Equal(t, EventSnapshot, ev.Kind)
}

func TestClient_Disconnect(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.client(t, "alice", "bob")
	require.NoError(t, alice.Connect(t.Context()))
	nextEvent(t, alice)

	alice.Disconnect()
	alice.Disconnect()

	assert.Equal(t, StateDisconnected, alice.State())
	assert.NoError(t, alice.Err())
	assert.ErrorIs(t, alice.Connect(t.Context()), ErrClosed)

	_, err := alice.Send(t.Context(), "gone")
	assert.ErrorIs(t, err, conversation.ErrSessionNotActive)

	assert.Eventually(t, func() bool { return !ts.gw.Hub().Tracker().Present(keyAB, "alice") },
		time.Second, 10*time.Millisecond)
}

func TestClient_DisconnectBeforeConnect(t *testing.T) {
	c, err := New(Config{URL: "ws://127.0.0.1:1", OtherUserID: "bob"})
	require.NoError(t, err)

	c.Disconnect()
	<-c.Done()
	assert.ErrorIs(t, c.Connect(t.Context()), ErrClosed)
}

func TestClient_DuplicateMessagesDropped(t *testing.T) {
	c, err := New(Config{URL: "ws://example.invalid", OtherUserID: "bob", Logger: discardLogger()})
	require.NoError(t, err)

	msg := &store.Message{ID: "m1", ConversationKey: keyAB}
	frame := conversation.Frame{Type: string(EventNewMessage), Message: msg}

	c.seen.Reset([]string{"m0"})
	require.True(t, c.handle(t.Context(), frame))
	require.True(t, c.handle(t.Context(), frame))
	require.True(t, c.handle(t.Context(), conversation.Frame{
		Type: string(EventNewMessage), Message: &store.Message{ID: "m0"},
	}))

	assert.Len(t, c.events, 1, "m1 once; m0 was already in the snapshot")
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		base string
		want string
		ok   bool
	}{
		{"ws://localhost:8080", "ws://localhost:8080/ws?user=bob", true},
		{"http://localhost:8080/", "ws://localhost:8080/ws?user=bob", true},
		{"https://chat.example.com/tandem", "wss://chat.example.com/tandem/ws?user=bob", true},
		{"ftp://nope", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := endpointURL(tt.base, "bob")
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
