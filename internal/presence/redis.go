// ABOUTME: Mirrors per-conversation presence into Redis sets for consumers outside the gateway
// ABOUTME: A single worker rewrites each changed conversation's set from the live registry view

package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/tandem/internal/conversation"
	"github.com/2389/tandem/internal/store"
)

const (
	queueSize = 1024

	// refresh interval when sets carry no TTL; only failed writes need it then
	defaultRefresh = 30 * time.Second
)

// SetWriter replaces the member set stored under a key.
type SetWriter interface {
	ReplaceSet(ctx context.Context, key string, members []string, ttl time.Duration) error
}

// MembersFunc reports the current distinct users of a conversation.
type MembersFunc func(key store.ConversationKey) []string

// Mirror copies membership changes into a SetWriter in the background.
type Mirror struct {
	writer    SetWriter
	members   MembersFunc
	keyPrefix string
	ttl       time.Duration
	timeout   time.Duration
	refresh   time.Duration

	// owned by Run: conversations with a live set or a failed write
	tracked map[store.ConversationKey]struct{}

	queue  chan store.ConversationKey
	done   chan struct{}
	logger *slog.Logger
}

// NewMirror creates a mirror. Call Run to start writing and pass OnChange to
// the hub as a membership listener. Pass nil logger for default.
func NewMirror(writer SetWriter, members MembersFunc, keyPrefix string, ttl time.Duration, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	refresh := defaultRefresh
	if ttl > 0 {
		refresh = ttl / 2
	}
	return &Mirror{
		writer:    writer,
		members:   members,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		timeout:   2 * time.Second,
		refresh:   refresh,
		tracked:   make(map[store.ConversationKey]struct{}),
		queue:     make(chan store.ConversationKey, queueSize),
		done:      make(chan struct{}),
		logger:    logger.With("component", "presence-mirror"),
	}
}

// Key returns the Redis key holding a conversation's members.
func (m *Mirror) Key(key store.ConversationKey) string {
	return m.keyPrefix + key.String()
}

// OnChange queues the conversation for a rewrite. It never blocks; when the
// queue is full the change is dropped, and the next refresh or the TTL
// corrects the set.
func (m *Mirror) OnChange(change conversation.MembershipChange) {
	select {
	case m.queue <- change.Key:
	default:
		m.logger.Warn("presence mirror queue full, dropping update",
			"conversation_key", change.Key.String())
	}
}

// Run writes queued conversations until ctx is cancelled. Every refresh
// interval (half the TTL) it rewrites each tracked conversation, which keeps
// live sets from expiring and retries writes that failed.
func (m *Mirror) Run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case key := <-m.queue:
			m.sync(ctx, key)
		case <-ticker.C:
			for key := range m.tracked {
				m.sync(ctx, key)
			}
		}
	}
}

// Done is closed when Run returns.
func (m *Mirror) Done() <-chan struct{} {
	return m.done
}

func (m *Mirror) sync(ctx context.Context, key store.ConversationKey) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	users := m.members(key)
	if err := m.writer.ReplaceSet(ctx, m.Key(key), users, m.ttl); err != nil {
		m.tracked[key] = struct{}{}
		m.logger.Warn("mirroring presence failed, will retry",
			"conversation_key", key.String(),
			"retry_in", m.refresh,
			"error", err)
		return
	}

	if len(users) == 0 {
		delete(m.tracked, key)
	} else {
		m.tracked[key] = struct{}{}
	}
	m.logger.Debug("presence mirrored", "conversation_key", key.String(), "users", users)
}

// RedisSets implements SetWriter on a go-redis client.
type RedisSets struct {
	rdb *redis.Client
}

// NewRedisSets connects to Redis and checks the connection.
func NewRedisSets(ctx context.Context, addr, password string, db int) (*RedisSets, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &RedisSets{rdb: rdb}, nil
}

// ReplaceSet swaps the set atomically. An empty member list deletes the key.
func (r *RedisSets) ReplaceSet(ctx context.Context, key string, members []string, ttl time.Duration) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(members) == 0 {
			return nil
		}
		args := make([]any, len(members))
		for i, u := range members {
			args[i] = u
		}
		p.SAdd(ctx, key, args...)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

// Close closes the client.
func (r *RedisSets) Close() error {
	return r.rdb.Close()
}
