// ABOUTME: Hub groups sessions by conversation and fans out messages, receipts and membership
// ABOUTME: Sends and reconciliation share a per-conversation lock so log order is delivery order

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/tandem/internal/store"
)

// HubConfig holds the hub's limits and timeouts. Zero values take defaults.
type HubConfig struct {
	StoreTimeout     time.Duration // per store call; default 5s
	DeliveryTimeout  time.Duration // per recipient per event; default 2s
	MaxContentLength int           // in runes; default 4000
	OutboundBuffer   int           // events buffered per session; default 256
	SnapshotLimit    int           // newest messages in a snapshot; 0 means all
	SendRate         float64       // sends per second per session; 0 means unlimited
	SendBurst        int
}

func (c *HubConfig) applyDefaults() {
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 2 * time.Second
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = 4000
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 256
	}
}

// EventSink receives domain events after they are durable. Errors are logged
// and never fail the operation that produced the event.
type EventSink interface {
	MessageSent(ctx context.Context, msg *store.Message) error
	MessagesRead(ctx context.Context, update *ReadReceiptUpdate) error
}

type nopSink struct{}

func (nopSink) MessageSent(context.Context, *store.Message) error      { return nil }
func (nopSink) MessagesRead(context.Context, *ReadReceiptUpdate) error { return nil }

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithEventSink publishes message.sent and message.read events to sink.
func WithEventSink(sink EventSink) HubOption {
	return func(h *Hub) { h.sink = sink }
}

// WithMembershipListener registers an extra listener for membership changes,
// called after the hub's own handling.
func WithMembershipListener(l MembershipListener) HubOption {
	return func(h *Hub) { h.extraListeners = append(h.extraListeners, l) }
}

// JoinRequest asks to attach a connection to the conversation between UserID and OtherUserID.
type JoinRequest struct {
	ConnectionID string // generated when empty
	UserID       string // authenticated identity
	OtherUserID  string
}

// Hub is the process-wide connection hub.
type Hub struct {
	cfg        HubConfig
	store      store.Store
	registry   *Registry
	tracker    *PresenceTracker
	reconciler *Reconciler
	sink       EventSink
	locks      *keyedMutex

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	extraListeners []MembershipListener
	logger         *slog.Logger
}

// NewHub creates a hub over s. Pass nil logger for default.
func NewHub(s store.Store, cfg HubConfig, logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	registry := NewRegistry()
	tracker := NewPresenceTracker(registry, logger)

	h := &Hub{
		cfg:        cfg,
		store:      s,
		registry:   registry,
		tracker:    tracker,
		reconciler: NewReconciler(s, tracker, logger),
		sink:       nopSink{},
		locks:      newKeyedMutex(),
		sessions:   make(map[string]*Session),
		logger:     logger.With("component", "hub"),
	}
	for _, opt := range opts {
		opt(h)
	}

	tracker.OnChange(h.onMembershipChange)
	for _, l := range h.extraListeners {
		tracker.OnChange(l)
	}
	return h
}

// Tracker exposes the hub's presence view.
func (h *Hub) Tracker() *PresenceTracker {
	return h.tracker
}

// Join attaches a connection to a conversation. The returned session's first
// event is the ThreadSnapshot. On error nothing stays registered.
func (h *Hub) Join(ctx context.Context, req JoinRequest) (*Session, error) {
	if !store.ValidUserID(req.UserID) {
		return nil, ErrNotAuthenticated
	}
	if !store.ValidUserID(req.OtherUserID) || req.OtherUserID == req.UserID {
		return nil, fmt.Errorf("%w: cannot open a conversation with %q", ErrInvalidConversation, req.OtherUserID)
	}
	if req.ConnectionID == "" {
		req.ConnectionID = uuid.New().String()
	}

	key := store.NewConversationKey(req.UserID, req.OtherUserID)
	sess := newSession(h, req.ConnectionID, req.UserID, key)

	h.sessionsMu.Lock()
	if _, exists := h.sessions[sess.ID]; exists {
		h.sessionsMu.Unlock()
		return nil, fmt.Errorf("connection %s already joined", sess.ID)
	}
	h.sessions[sess.ID] = sess
	h.sessionsMu.Unlock()

	// Membership first, so the snapshot reflects receipts this join produced.
	h.tracker.Connect(sess.ID, sess.UserID, key)

	// The membership listener may have failed to reconcile, and a joining
	// second tab does not trigger it at all. Reconcile again so a joined
	// recipient never stays behind unread messages; a failure fails the join.
	unlock := h.locks.Lock(key.String())
	update, slow, err := h.reconcileLocked(ctx, key)
	if err == nil {
		err = h.loadSnapshot(ctx, sess)
	}
	unlock()

	h.evict(slow)
	if update != nil {
		h.publishRead(update)
	}
	if err != nil {
		sess.Close()
		return nil, err
	}

	sess.logger.Info("session joined")
	return sess, nil
}

func (h *Hub) loadSnapshot(ctx context.Context, sess *Session) error {
	storeCtx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()

	messages, err := h.store.Thread(storeCtx, sess.Key, sess.UserID, h.cfg.SnapshotLimit)
	if err != nil {
		sess.logger.Error("loading snapshot failed", "error", err)
		return fmt.Errorf("%w: loading thread: %w", ErrStoreUnavailable, err)
	}

	deliverCtx, cancelDeliver := context.WithTimeout(ctx, h.cfg.DeliveryTimeout)
	defer cancelDeliver()

	return sess.activate(deliverCtx, &ThreadSnapshot{ConversationKey: sess.Key, Messages: messages})
}

// SendMessage appends content from userID to the conversation and fans it out
// to every joined connection, the sender's included. The message is stored
// already read when the recipient is present.
func (h *Hub) SendMessage(ctx context.Context, userID string, key store.ConversationKey, content string, autoPilot bool) (*store.Message, error) {
	if !key.Has(userID) {
		return nil, fmt.Errorf("%w: %s is not part of %s", ErrInvalidConversation, userID, key)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	if n := utf8.RuneCountInString(content); n > h.cfg.MaxContentLength {
		return nil, fmt.Errorf("%w: content is %d characters, limit is %d", ErrInvalidMessage, n, h.cfg.MaxContentLength)
	}

	recipient := key.Other(userID)
	msg := &store.Message{
		ConversationKey: key,
		SenderID:        userID,
		RecipientID:     recipient,
		Content:         content,
		AutoPilot:       autoPilot,
	}

	unlock := h.locks.Lock(key.String())

	if h.tracker.Present(key, recipient) {
		now := time.Now()
		msg.ReadAt = &now
	}

	storeCtx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	stored, err := h.store.Append(storeCtx, msg)
	cancel()
	if err != nil {
		unlock()
		h.logger.Error("append failed", "conversation_key", key.String(), "sender_id", userID, "error", err)
		return nil, fmt.Errorf("%w: appending message: %w", ErrStoreUnavailable, err)
	}

	slow := h.broadcastLocked(key, newMessageEvent(stored))
	unlock()
	h.evict(slow)

	h.logger.Debug("message sent",
		"conversation_key", key.String(),
		"message_id", stored.ID,
		"seq", stored.Seq,
		"read", stored.ReadAt != nil)

	h.publishSent(stored)
	return stored.Clone(), nil
}

// Leave detaches a connection. Unknown ids are ignored.
func (h *Hub) Leave(connID string) {
	if sess := h.session(connID); sess != nil {
		sess.Close()
	}
}

// Close ends every session.
func (h *Hub) Close() {
	h.sessionsMu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessionsMu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) session(connID string) *Session {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()
	return h.sessions[connID]
}

// cleanup runs once per session from Session.Close.
func (h *Hub) cleanup(sess *Session) {
	h.sessionsMu.Lock()
	if h.sessions[sess.ID] == sess {
		delete(h.sessions, sess.ID)
	}
	h.sessionsMu.Unlock()

	h.tracker.Disconnect(sess.ID)
}

// onMembershipChange reconciles read receipts for newly present users and
// tells the group who is here.
func (h *Hub) onMembershipChange(change MembershipChange) {
	key := change.Key
	unlock := h.locks.Lock(key.String())

	var slow []*Session
	var update *ReadReceiptUpdate
	if len(change.Joined) > 0 {
		// A failure here is retried by the joining connection's own pass in Join.
		var err error
		update, slow, err = h.reconcileLocked(context.Background(), key)
		if err != nil {
			h.logger.Warn("reconciling read receipts failed", "conversation_key", key.String(), "error", err)
		}
	}

	if members := h.tracker.Members(key); len(members) > 0 {
		slow = append(slow, h.broadcastLocked(key, membershipEvent(&MembershipUpdate{
			ConversationKey: key,
			Users:           members,
		}))...)
	}

	unlock()
	h.evict(slow)

	if update != nil {
		h.publishRead(update)
	}
}

// reconcileLocked marks unread messages of present recipients read and
// broadcasts the receipt. The caller holds the conversation lock and evicts
// the returned slow sessions after releasing it.
func (h *Hub) reconcileLocked(ctx context.Context, key store.ConversationKey) (*ReadReceiptUpdate, []*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()

	update, err := h.reconciler.Reconcile(ctx, key)
	if err != nil || update == nil {
		return nil, nil, err
	}
	return update, h.broadcastLocked(key, readReceiptEvent(update)), nil
}

// broadcastLocked delivers ev to every connection joined to key, each with its
// own timeout, and waits for all of them. The caller holds the conversation
// lock. Sessions that timed out are returned for eviction once the lock is
// released.
func (h *Hub) broadcastLocked(key store.ConversationKey, ev Event) []*Session {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		slow []*Session
	)

	for _, id := range h.tracker.Connections(key) {
		sess := h.session(id)
		if sess == nil {
			continue
		}
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DeliveryTimeout)
			defer cancel()
			if err := sess.deliver(ctx, ev); err != nil {
				sess.logger.Warn("delivery timed out, evicting connection",
					"event", string(ev.Kind),
					"timeout", h.cfg.DeliveryTimeout,
					"error", err)
				mu.Lock()
				slow = append(slow, sess)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return slow
}

func (h *Hub) evict(sessions []*Session) {
	for _, s := range sessions {
		s.Close()
	}
}

func (h *Hub) publishSent(msg *store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	defer cancel()
	if err := h.sink.MessageSent(ctx, msg); err != nil {
		h.logger.Warn("publishing message.sent failed", "message_id", msg.ID, "error", err)
	}
}

func (h *Hub) publishRead(update *ReadReceiptUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	defer cancel()
	if err := h.sink.MessagesRead(ctx, update); err != nil {
		h.logger.Warn("publishing message.read failed",
			"conversation_key", update.ConversationKey.String(),
			"error", err)
	}
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		if m.refs--; m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
