// ABOUTME: Tests for the presence mirror against an in-memory set writer
// ABOUTME: Checks that rewrites follow the live member set, refresh before the TTL and retry failures

package presence

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tandem/internal/conversation"
	"github.com/2389/tandem/internal/store"
)

// memSets is an in-memory SetWriter that expires sets like Redis does.
type memSets struct {
	mu      sync.Mutex
	sets    map[string][]string
	expires map[string]time.Time
	writes  int
	fail    error
}

func newMemSets() *memSets {
	return &memSets{sets: map[string][]string{}, expires: map[string]time.Time{}}
}

func (m *memSets) ReplaceSet(_ context.Context, key string, members []string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.fail != nil {
		return m.fail
	}
	delete(m.sets, key)
	delete(m.expires, key)
	if len(members) == 0 {
		return nil
	}
	m.sets[key] = slices.Clone(members)
	if ttl > 0 {
		m.expires[key] = time.Now().Add(ttl)
	}
	return nil
}

func (m *memSets) get(key string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.expires[key]; ok && time.Now().After(exp) {
		delete(m.sets, key)
		delete(m.expires, key)
	}
	v, ok := m.sets[key]
	return v, ok
}

func (m *memSets) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *memSets) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func startMirror(t *testing.T, sets SetWriter, ttl time.Duration) (*Mirror, *conversation.PresenceTracker) {
	t.Helper()
	tracker := conversation.NewPresenceTracker(conversation.NewRegistry(), nil)
	mirror := NewMirror(sets, tracker.Members, "test:presence:", ttl, nil)
	tracker.OnChange(mirror.OnChange)

	ctx, cancel := context.WithCancel(context.Background())
	go mirror.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-mirror.Done()
	})
	return mirror, tracker
}

func TestMirror_FollowsMembership(t *testing.T) {
	sets := newMemSets()
	mirror, tracker := startMirror(t, sets, time.Minute)
	key := store.NewConversationKey("alice", "bob")
	redisKey := mirror.Key(key)
	assert.Equal(t, "test:presence:alice|bob", redisKey)

	tracker.Connect("c1", "alice", key)
	tracker.Connect("c2", "bob", key)

	assert.Eventually(t, func() bool {
		got, _ := sets.get(redisKey)
		return slices.Equal(got, []string{"alice", "bob"})
	}, time.Second, 5*time.Millisecond)

	tracker.Disconnect("c1")
	tracker.Disconnect("c2")

	assert.Eventually(t, func() bool {
		_, ok := sets.get(redisKey)
		return !ok
	}, time.Second, 5*time.Millisecond, "an empty conversation deletes its set")
}

func TestMirror_WriteFailureIsRetried(t *testing.T) {
	sets := newMemSets()
	sets.setFail(errors.New("connection refused"))
	mirror, tracker := startMirror(t, sets, 100*time.Millisecond)
	key := store.NewConversationKey("alice", "bob")

	tracker.Connect("c1", "alice", key)
	require.Eventually(t, func() bool { return sets.writeCount() > 0 },
		time.Second, 5*time.Millisecond)
	_, ok := sets.get(mirror.Key(key))
	assert.False(t, ok)

	sets.setFail(nil)

	// No further membership change: the refresh alone must repair the set.
	assert.Eventually(t, func() bool {
		got, _ := sets.get(mirror.Key(key))
		return slices.Equal(got, []string{"alice"})
	}, time.Second, 5*time.Millisecond)
}

func TestMirror_RefreshKeepsLiveSetsFromExpiring(t *testing.T) {
	sets := newMemSets()
	mirror, tracker := startMirror(t, sets, 100*time.Millisecond)
	key := store.NewConversationKey("alice", "bob")

	tracker.Connect("c1", "alice", key)
	tracker.Connect("c2", "bob", key)

	time.Sleep(400 * time.Millisecond)

	got, ok := sets.get(mirror.Key(key))
	require.True(t, ok, "set expired while both users stayed joined")
	assert.Equal(t, []string{"alice", "bob"}, got)
	assert.Greater(t, sets.writeCount(), 2)

	tracker.Disconnect("c1")
	tracker.Disconnect("c2")
	assert.Eventually(t, func() bool {
		_, ok := sets.get(mirror.Key(key))
		return !ok
	}, time.Second, 5*time.Millisecond)

	// Emptied conversations are no longer refreshed.
	time.Sleep(60 * time.Millisecond)
	writes := sets.writeCount()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, writes, sets.writeCount())
}

func TestMirror_OnChangeNeverBlocks(t *testing.T) {
	tracker := conversation.NewPresenceTracker(conversation.NewRegistry(), nil)
	mirror := NewMirror(newMemSets(), tracker.Members, "p:", time.Minute, nil)
	key := store.NewConversationKey("alice", "bob")

	// No Run loop: the queue fills and further changes are dropped.
	done := make(chan struct{})
	go func() {
		for range queueSize + 10 {
			mirror.OnChange(conversation.MembershipChange{Key: key})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnChange blocked on a full queue")
	}
}
