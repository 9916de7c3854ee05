// ABOUTME: ConnectionRegistry tracks which connections and users are joined to each conversation
// ABOUTME: Partitioned per conversation key so unrelated conversations never share a lock

package conversation

import (
	"slices"
	"sync"

	"github.com/2389/tandem/internal/store"
)

// Transition describes the distinct-user set of one conversation before and
// after a registry mutation. Both slices are sorted.
type Transition struct {
	Key    store.ConversationKey
	Before []string
	After  []string
}

// Changed reports whether the distinct-user set differs.
func (t Transition) Changed() bool {
	return !slices.Equal(t.Before, t.After)
}

// Joined returns users present after but not before.
func (t Transition) Joined() []string {
	return difference(t.After, t.Before)
}

// Left returns users present before but not after.
func (t Transition) Left() []string {
	return difference(t.Before, t.After)
}

func difference(a, b []string) []string {
	var out []string
	for _, u := range a {
		if !slices.Contains(b, u) {
			out = append(out, u)
		}
	}
	return out
}

type partition struct {
	mu    sync.RWMutex
	conns map[string]string // connection id -> user id
	users map[string]int    // user id -> live connection count
	dead  bool              // emptied and unlinked; adders must retry
}

func (p *partition) userList() []string {
	users := make([]string, 0, len(p.users))
	for u := range p.users {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}

type connEntry struct {
	key    store.ConversationKey
	userID string
}

// Registry maps live connections to conversations. A user may hold any number
// of connections to the same conversation; membership counts the user once.
type Registry struct {
	partitions sync.Map // conversation key string -> *partition
	conns      sync.Map // connection id -> connEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add joins connID, owned by userID, to key. Adding a connection id that is
// already registered leaves the registry unchanged.
func (r *Registry) Add(connID, userID string, key store.ConversationKey) Transition {
	k := key.String()
	for {
		v, _ := r.partitions.LoadOrStore(k, &partition{
			conns: make(map[string]string),
			users: make(map[string]int),
		})
		p := v.(*partition)

		p.mu.Lock()
		if p.dead {
			p.mu.Unlock()
			continue
		}

		before := p.userList()
		if _, loaded := r.conns.LoadOrStore(connID, connEntry{key: key, userID: userID}); loaded {
			p.mu.Unlock()
			return Transition{Key: key, Before: before, After: before}
		}
		p.conns[connID] = userID
		p.users[userID]++
		after := p.userList()
		p.mu.Unlock()

		return Transition{Key: key, Before: before, After: after}
	}
}

// Remove detaches connID. The bool is false when the connection was not
// registered, which is a normal outcome when leave and transport close race.
func (r *Registry) Remove(connID string) (Transition, bool) {
	v, ok := r.conns.Load(connID)
	if !ok {
		return Transition{}, false
	}
	entry := v.(connEntry)
	k := entry.key.String()

	pv, ok := r.partitions.Load(k)
	if !ok {
		return Transition{}, false
	}
	p := pv.(*partition)

	p.mu.Lock()
	defer p.mu.Unlock()

	userID, ok := p.conns[connID]
	if !ok {
		return Transition{}, false
	}

	before := p.userList()
	delete(p.conns, connID)
	r.conns.Delete(connID)
	if p.users[userID]--; p.users[userID] <= 0 {
		delete(p.users, userID)
	}
	after := p.userList()

	if len(p.conns) == 0 {
		p.dead = true
		r.partitions.CompareAndDelete(k, p)
	}

	return Transition{Key: entry.key, Before: before, After: after}, true
}

func (r *Registry) partition(key store.ConversationKey) *partition {
	v, ok := r.partitions.Load(key.String())
	if !ok {
		return nil
	}
	return v.(*partition)
}

// ConnectionsFor returns the connection ids joined to key, sorted.
func (r *Registry) ConnectionsFor(key store.ConversationKey) []string {
	p := r.partition(key)
	if p == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// UsersFor returns the distinct users joined to key, sorted.
func (r *Registry) UsersFor(key store.ConversationKey) []string {
	p := r.partition(key)
	if p == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.users) == 0 {
		return nil
	}
	return p.userList()
}

// HasUser reports whether userID has at least one connection joined to key.
func (r *Registry) HasUser(key store.ConversationKey, userID string) bool {
	p := r.partition(key)
	if p == nil {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.users[userID] > 0
}

// Lookup returns the conversation and user a connection is joined as.
func (r *Registry) Lookup(connID string) (store.ConversationKey, string, bool) {
	v, ok := r.conns.Load(connID)
	if !ok {
		return store.ConversationKey{}, "", false
	}
	entry := v.(connEntry)
	return entry.key, entry.userID, true
}
