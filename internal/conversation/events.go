// ABOUTME: Outbound events delivered to joined sessions
// ABOUTME: ThreadSnapshot first, then any interleaving of NewMessage, ReadReceiptUpdate and MembershipUpdate

package conversation

import (
	"time"

	"github.com/2389/tandem/internal/store"
)

// EventKind names an outbound event. The values double as wire frame types.
type EventKind string

const (
	EventSnapshot    EventKind = "thread_snapshot"
	EventNewMessage  EventKind = "new_message"
	EventReadReceipt EventKind = "read_receipt_update"
	EventMembership  EventKind = "membership_update"
)

// ThreadSnapshot is the history handed to a connection when it joins, oldest first.
type ThreadSnapshot struct {
	ConversationKey store.ConversationKey `json:"conversation_key"`
	Messages        []*store.Message      `json:"messages"`
}

// ReadReceiptUpdate lists messages that moved from unread to read in one reconciliation pass.
type ReadReceiptUpdate struct {
	ConversationKey store.ConversationKey `json:"conversation_key"`
	MessageIDs      []string              `json:"message_ids"`
	ReadAt          time.Time             `json:"read_at"`
}

// MembershipUpdate carries the distinct users currently joined to a conversation.
type MembershipUpdate struct {
	ConversationKey store.ConversationKey `json:"conversation_key"`
	Users           []string              `json:"users"`
}

// Event is one outbound event. Exactly one payload field is set, matching Kind.
// Payloads are shared between recipients and must not be modified.
type Event struct {
	Kind       EventKind
	Snapshot   *ThreadSnapshot
	Message    *store.Message
	Receipt    *ReadReceiptUpdate
	Membership *MembershipUpdate
}

func snapshotEvent(s *ThreadSnapshot) Event {
	return Event{Kind: EventSnapshot, Snapshot: s}
}

func newMessageEvent(m *store.Message) Event {
	return Event{Kind: EventNewMessage, Message: m}
}

func readReceiptEvent(u *ReadReceiptUpdate) Event {
	return Event{Kind: EventReadReceipt, Receipt: u}
}

func membershipEvent(u *MembershipUpdate) Event {
	return Event{Kind: EventMembership, Membership: u}
}
