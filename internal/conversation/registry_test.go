// ABOUTME: Tests for Registry and PresenceTracker membership bookkeeping
// ABOUTME: Covers multi-connection users, idempotent removal, change detection and concurrency

package conversation

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tandem/internal/store"
)

var keyAB = store.NewConversationKey("alice", "bob")

func TestRegistry_AddAndRemove(t *testing.T) {
	r := NewRegistry()

	tr := r.Add("c1", "alice", keyAB)
	assert.Empty(t, tr.Before)
	assert.Equal(t, []string{"alice"}, tr.After)
	assert.True(t, tr.Changed())
	assert.Equal(t, []string{"alice"}, tr.Joined())

	tr = r.Add("c2", "bob", keyAB)
	assert.Equal(t, []string{"alice", "bob"}, tr.After)
	assert.Equal(t, []string{"c1", "c2"}, r.ConnectionsFor(keyAB))
	assert.Equal(t, []string{"alice", "bob"}, r.UsersFor(keyAB))
	assert.True(t, r.HasUser(keyAB, "bob"))

	key, user, ok := r.Lookup("c2")
	require.True(t, ok)
	assert.Equal(t, keyAB, key)
	assert.Equal(t, "bob", user)

	tr, ok = r.Remove("c1")
	require.True(t, ok)
	assert.Equal(t, []string{"bob"}, tr.After)
	assert.Equal(t, []string{"alice"}, tr.Left())
	assert.False(t, r.HasUser(keyAB, "alice"))
}

func TestRegistry_MultipleConnectionsCountOnce(t *testing.T) {
	r := NewRegistry()

	r.Add("tab1", "alice", keyAB)
	tr := r.Add("tab2", "alice", keyAB)
	assert.False(t, tr.Changed(), "second tab must not change the user set")
	assert.Equal(t, []string{"alice"}, r.UsersFor(keyAB))
	assert.Len(t, r.ConnectionsFor(keyAB), 2)

	tr, ok := r.Remove("tab1")
	require.True(t, ok)
	assert.False(t, tr.Changed())
	assert.True(t, r.HasUser(keyAB, "alice"))

	tr, ok = r.Remove("tab2")
	require.True(t, ok)
	assert.True(t, tr.Changed())
	assert.Empty(t, r.UsersFor(keyAB))
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Add("c1", "alice", keyAB)
	r.Add("c2", "bob", keyAB)

	_, ok := r.Remove("c1")
	assert.True(t, ok)
	_, ok = r.Remove("c1")
	assert.False(t, ok)
	_, ok = r.Remove("never-added")
	assert.False(t, ok)

	assert.Equal(t, []string{"bob"}, r.UsersFor(keyAB))
	assert.Equal(t, []string{"c2"}, r.ConnectionsFor(keyAB))
}

func TestRegistry_DuplicateAddIgnored(t *testing.T) {
	r := NewRegistry()
	r.Add("c1", "alice", keyAB)

	tr := r.Add("c1", "alice", keyAB)
	assert.False(t, tr.Changed())
	assert.Len(t, r.ConnectionsFor(keyAB), 1)

	_, ok := r.Remove("c1")
	assert.True(t, ok)
	assert.Empty(t, r.ConnectionsFor(keyAB))
}

func TestRegistry_UnknownKeyIsEmpty(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.UsersFor(keyAB))
	assert.Empty(t, r.ConnectionsFor(keyAB))
	assert.False(t, r.HasUser(keyAB, "alice"))
}

func TestRegistry_ConversationsAreIsolated(t *testing.T) {
	r := NewRegistry()
	keyAC := store.NewConversationKey("alice", "carol")

	r.Add("c1", "alice", keyAB)
	r.Add("c2", "alice", keyAC)

	assert.Equal(t, []string{"c1"}, r.ConnectionsFor(keyAB))
	assert.Equal(t, []string{"c2"}, r.ConnectionsFor(keyAC))

	r.Remove("c1")
	assert.Empty(t, r.UsersFor(keyAB))
	assert.Equal(t, []string{"alice"}, r.UsersFor(keyAC))
}

func TestRegistry_ConcurrentChurnMatchesLiveConnections(t *testing.T) {
	r := NewRegistry()
	users := []string{"alice", "bob"}

	var wg sync.WaitGroup
	for i := range 200 {
		connID := fmt.Sprintf("c%d", i)
		user := users[i%2]
		wg.Go(func() {
			r.Add(connID, user, keyAB)
			if i%3 != 0 {
				r.Remove(connID)
				r.Remove(connID)
			}
		})
	}
	wg.Wait()

	// Connections with i%3 == 0 stay; both users have some of those.
	want := 0
	for i := range 200 {
		if i%3 == 0 {
			want++
		}
	}
	assert.Len(t, r.ConnectionsFor(keyAB), want)
	assert.Equal(t, []string{"alice", "bob"}, r.UsersFor(keyAB))

	for i := range 200 {
		r.Remove(fmt.Sprintf("c%d", i))
	}
	assert.Empty(t, r.UsersFor(keyAB))
	assert.Empty(t, r.ConnectionsFor(keyAB))

	// A drained partition is replaced cleanly on the next add.
	r.Add("again", "alice", keyAB)
	assert.Equal(t, []string{"alice"}, r.UsersFor(keyAB))
}

func TestPresenceTracker_PublishesOnlyOnChange(t *testing.T) {
	tracker := NewPresenceTracker(NewRegistry(), nil)

	var mu sync.Mutex
	var changes []MembershipChange
	tracker.OnChange(func(c MembershipChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	tracker.Connect("tab1", "alice", keyAB)
	tracker.Connect("tab2", "alice", keyAB)
	tracker.Connect("c3", "bob", keyAB)
	tracker.Disconnect("tab1")
	tracker.Disconnect("tab1")
	tracker.Disconnect("tab2")
	tracker.Disconnect("unknown")

	require.Len(t, changes, 3)
	assert.Equal(t, []string{"alice"}, changes[0].Joined)
	assert.Equal(t, []string{"bob"}, changes[1].Joined)
	assert.Equal(t, []string{"alice", "bob"}, changes[1].After)
	assert.Equal(t, []string{"alice"}, changes[2].Left)
	assert.Equal(t, []string{"bob"}, changes[2].After)

	assert.True(t, tracker.Present(keyAB, "bob"))
	assert.False(t, tracker.Present(keyAB, "alice"))
	assert.Equal(t, []string{"bob"}, tracker.Members(keyAB))
}
