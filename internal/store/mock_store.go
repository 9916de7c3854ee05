// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject store failures

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation names accepted by MockStore.FailOn.
const (
	OpAppend    = "append"
	OpThread    = "thread"
	OpUnreadFor = "unread_for"
	OpMarkRead  = "mark_read"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	messages map[string]*Message // keyed by message ID
	logs     map[string][]string // keyed by conversation key -> message IDs in log order
	heads    map[string]*convHead
	failures map[string]error // keyed by operation name
	closed   bool
}

type convHead struct {
	seq    int64
	sentAt time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		messages: make(map[string]*Message),
		logs:     make(map[string][]string),
		heads:    make(map[string]*convHead),
		failures: make(map[string]error),
	}
}

// FailOn makes every later call of op return err. A nil err clears the failure.
func (m *MockStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MockStore) failure(op string) error {
	if m.closed {
		return errors.New("store closed")
	}
	return m.failures[op]
}

// Append stores a copy of msg at the end of its conversation log.
func (m *MockStore) Append(ctx context.Context, msg *Message) (*Message, error) {
	if err := validateParticipants(msg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure(OpAppend); err != nil {
		return nil, err
	}

	out := msg.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	key := out.ConversationKey.String()

	head, ok := m.heads[key]
	if !ok {
		head = &convHead{}
		m.heads[key] = head
	}
	out.Seq = head.seq + 1
	out.SentAt = nextSentAt(time.Now().UTC(), head.sentAt)
	if out.ReadAt != nil {
		at := out.SentAt
		out.ReadAt = &at
	}
	out.SenderDeleted = false
	out.RecipientDeleted = false
	head.seq = out.Seq
	head.sentAt = out.SentAt

	m.messages[out.ID] = out
	m.logs[key] = append(m.logs[key], out.ID)
	return out.Clone(), nil
}

// Thread returns the visible log for viewerID, oldest first.
func (m *MockStore) Thread(ctx context.Context, key ConversationKey, viewerID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure(OpThread); err != nil {
		return nil, err
	}

	var result []*Message
	for _, id := range m.logs[key.String()] {
		msg, ok := m.messages[id]
		if !ok || msg.deletedFor(viewerID) {
			continue
		}
		result = append(result, msg.Clone())
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// UnreadFor returns unread message IDs addressed to recipientID in log order.
func (m *MockStore) UnreadFor(ctx context.Context, key ConversationKey, recipientID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failure(OpUnreadFor); err != nil {
		return nil, err
	}

	var ids []string
	for _, id := range m.logs[key.String()] {
		msg, ok := m.messages[id]
		if ok && msg.RecipientID == recipientID && msg.ReadAt == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// MarkRead sets ReadAt on listed messages that are still unread.
func (m *MockStore) MarkRead(ctx context.Context, ids []string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure(OpMarkRead); err != nil {
		return nil, err
	}

	var changed []string
	for _, id := range ids {
		msg, ok := m.messages[id]
		if !ok || msg.ReadAt != nil {
			continue
		}
		readAt := at.UTC()
		if readAt.Before(msg.SentAt) {
			readAt = msg.SentAt
		}
		msg.ReadAt = &readAt
		changed = append(changed, id)
	}
	return changed, nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

// ListMessages returns one page of the user's messages, newest first.
func (m *MockStore) ListMessages(ctx context.Context, p ListParams) (*MessagePage, error) {
	if p.UserID == "" {
		return nil, errors.New("user_id required")
	}
	p.normalize()
	if _, err := containerFilter(p.Container); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var matched []*Message
	for _, msg := range m.messages {
		if inContainer(msg, p.UserID, p.Container) {
			matched = append(matched, msg.Clone())
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(matched)

	page := &MessagePage{
		PageNumber: p.PageNumber,
		PageSize:   p.PageSize,
		TotalCount: len(matched),
		TotalPages: totalPages(len(matched), p.PageSize),
	}
	start := (p.PageNumber - 1) * p.PageSize
	if start < len(matched) {
		end := min(start+p.PageSize, len(matched))
		page.Messages = matched[start:end]
	}
	return page, nil
}

func inContainer(msg *Message, userID string, c Container) bool {
	switch c {
	case ContainerUnread:
		return msg.RecipientID == userID && !msg.RecipientDeleted && msg.ReadAt == nil
	case ContainerInbox:
		return msg.RecipientID == userID && !msg.RecipientDeleted
	case ContainerOutbox:
		return msg.SenderID == userID && !msg.SenderDeleted
	}
	return false
}

func sortNewestFirst(messages []*Message) {
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].SentAt.Equal(messages[j].SentAt) {
			return messages[i].ID > messages[j].ID
		}
		return messages[i].SentAt.After(messages[j].SentAt)
	})
}

// ThreadPage returns one page of a conversation, newest first.
func (m *MockStore) ThreadPage(ctx context.Context, p ThreadPageParams) (*ThreadPageResult, error) {
	if p.Key.IsZero() {
		return nil, errors.New("conversation_key required")
	}
	p.normalize()

	var cursorTS time.Time
	var cursorID string
	if p.Cursor != "" {
		var err error
		if cursorTS, cursorID, err = decodeCursor(p.Cursor); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
		}
	}

	thread, err := m.Thread(ctx, p.Key, p.ViewerID, 0)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(thread)

	var page []*Message
	for _, msg := range thread {
		if p.Cursor != "" {
			older := msg.SentAt.Before(cursorTS) || (msg.SentAt.Equal(cursorTS) && msg.ID < cursorID)
			if !older {
				continue
			}
		}
		page = append(page, msg)
		if len(page) > p.Limit {
			break
		}
	}
	return buildThreadPage(page, p.Limit), nil
}

// DeleteMessage hides the message from userID, removing it once both sides have.
func (m *MockStore) DeleteMessage(ctx context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	switch userID {
	case msg.SenderID:
		msg.SenderDeleted = true
	case msg.RecipientID:
		msg.RecipientDeleted = true
	default:
		return ErrForbidden
	}

	if msg.SenderDeleted && msg.RecipientDeleted {
		delete(m.messages, id)
		key := msg.ConversationKey.String()
		log := m.logs[key]
		for i, logID := range log {
			if logID == id {
				m.logs[key] = append(log[:i:i], log[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Ping reports whether the store is open.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("store closed")
	}
	return nil
}

// Close marks the store closed; later calls fail.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
