// ABOUTME: Store interface and data types for tandem message persistence
// ABOUTME: Defines ConversationKey, Message, paging types and the Store interface

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when a user acts on a message they do not participate in
var ErrForbidden = errors.New("forbidden")

// ErrInvalidCursor is returned when a ThreadPage cursor cannot be decoded
var ErrInvalidCursor = errors.New("invalid cursor")

// keySeparator joins the two user ids of a ConversationKey. User ids must not contain it.
const keySeparator = "|"

// ConversationKey identifies the thread between exactly two users.
// The ids are held in sorted order so (a, b) and (b, a) produce the same key.
type ConversationKey struct {
	Low  string
	High string
}

// NewConversationKey builds the canonical key for the pair of users.
func NewConversationKey(a, b string) ConversationKey {
	ids := []string{a, b}
	sort.Strings(ids)
	return ConversationKey{Low: ids[0], High: ids[1]}
}

// ParseConversationKey reverses ConversationKey.String.
func ParseConversationKey(s string) (ConversationKey, error) {
	low, high, ok := strings.Cut(s, keySeparator)
	if !ok || low == "" || high == "" {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q", s)
	}
	return NewConversationKey(low, high), nil
}

// ValidUserID reports whether id can take part in a ConversationKey.
func ValidUserID(id string) bool {
	return id != "" && !strings.Contains(id, keySeparator)
}

func (k ConversationKey) String() string {
	return k.Low + keySeparator + k.High
}

// IsZero reports whether the key is unset.
func (k ConversationKey) IsZero() bool {
	return k.Low == "" && k.High == ""
}

// Has reports whether user is one of the two participants.
func (k ConversationKey) Has(user string) bool {
	return user != "" && (k.Low == user || k.High == user)
}

// Other returns the participant that is not user.
func (k ConversationKey) Other(user string) string {
	if k.Low == user {
		return k.High
	}
	return k.Low
}

// Participants returns both user ids in canonical order.
func (k ConversationKey) Participants() []string {
	return []string{k.Low, k.High}
}

// MarshalText encodes the key as "low|high" so it travels as a JSON string.
// The zero key encodes as an empty string.
func (k ConversationKey) MarshalText() ([]byte, error) {
	if k.IsZero() {
		return []byte{}, nil
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a key produced by MarshalText.
func (k *ConversationKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = ConversationKey{}
		return nil
	}
	parsed, err := ParseConversationKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Message is one entry in a conversation's append-only log.
// ReadAt moves from nil to a timestamp exactly once and never reverts.
type Message struct {
	ID              string          `json:"id"`
	ConversationKey ConversationKey `json:"conversation_key"`
	SenderID        string          `json:"sender_id"`
	RecipientID     string          `json:"recipient_id"`
	Content         string          `json:"content"`
	AutoPilot       bool            `json:"auto_pilot,omitempty"`
	SentAt          time.Time       `json:"sent_at"`
	ReadAt          *time.Time      `json:"read_at,omitempty"`
	Seq             int64           `json:"seq"`

	SenderDeleted    bool `json:"-"`
	RecipientDeleted bool `json:"-"`
}

// Clone returns a copy that shares no pointers with m.
func (m *Message) Clone() *Message {
	c := *m
	if m.ReadAt != nil {
		readAt := *m.ReadAt
		c.ReadAt = &readAt
	}
	return &c
}

// deletedFor reports whether userID has removed the message from their view.
func (m *Message) deletedFor(userID string) bool {
	switch userID {
	case m.SenderID:
		return m.SenderDeleted
	case m.RecipientID:
		return m.RecipientDeleted
	}
	return false
}

// Container selects which side of a user's messages ListMessages returns.
type Container string

const (
	ContainerUnread Container = "Unread" // received and not yet read
	ContainerInbox  Container = "Inbox"  // received
	ContainerOutbox Container = "Outbox" // sent
)

// ParseContainer accepts container names case-insensitively. Empty means Unread.
func ParseContainer(s string) (Container, error) {
	switch strings.ToLower(s) {
	case "", "unread":
		return ContainerUnread, nil
	case "inbox":
		return ContainerInbox, nil
	case "outbox":
		return ContainerOutbox, nil
	}
	return "", fmt.Errorf("unknown container %q", s)
}

// ListParams selects one page of a user's messages across all conversations.
type ListParams struct {
	UserID     string
	Container  Container
	PageNumber int // 1-based; defaults to 1
	PageSize   int // defaults to 10, capped at 100
}

// MessagePage is one page of ListMessages plus the metadata needed to page further.
type MessagePage struct {
	Messages   []*Message
	PageNumber int
	PageSize   int
	TotalCount int
	TotalPages int
}

// ThreadPageParams selects a page of one conversation, newest first.
type ThreadPageParams struct {
	Key      ConversationKey
	ViewerID string
	Cursor   string // opaque; empty starts from the newest message
	Limit    int    // defaults to 50, capped at 500
}

// ThreadPageResult holds one page of history and the cursor for the next, older page.
type ThreadPageResult struct {
	Messages   []*Message
	NextCursor string
	HasMore    bool
}

const (
	defaultPageSize  = 10
	maxPageSize      = 100
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// normalize fills defaults and applies caps.
func (p *ListParams) normalize() {
	if p.Container == "" {
		p.Container = ContainerUnread
	}
	if p.PageNumber < 1 {
		p.PageNumber = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = defaultPageSize
	}
	if p.PageSize > maxPageSize {
		p.PageSize = maxPageSize
	}
}

func (p *ThreadPageParams) normalize() {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
}

func totalPages(total, size int) int {
	if total == 0 {
		return 0
	}
	return (total + size - 1) / size
}

// Store defines the interface for conversation message persistence
type Store interface {
	// Append adds msg to the end of its conversation log, assigning ID, SentAt and Seq.
	// A non-nil msg.ReadAt stores the message as already read at its SentAt.
	Append(ctx context.Context, msg *Message) (*Message, error)

	// Thread returns the conversation oldest first, hiding messages viewerID deleted.
	// A positive limit keeps only the newest limit messages.
	Thread(ctx context.Context, key ConversationKey, viewerID string, limit int) ([]*Message, error)

	// UnreadFor returns ids of unread messages addressed to recipientID, in log order.
	UnreadFor(ctx context.Context, key ConversationKey, recipientID string) ([]string, error)

	// MarkRead sets read_at on every listed message that is still unread and
	// returns the ids it changed. Already-read messages are skipped without error.
	MarkRead(ctx context.Context, ids []string, at time.Time) ([]string, error)

	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, p ListParams) (*MessagePage, error)
	ThreadPage(ctx context.Context, p ThreadPageParams) (*ThreadPageResult, error)

	// DeleteMessage hides the message from userID. Once both sides delete it, it is removed.
	DeleteMessage(ctx context.Context, id, userID string) error

	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
