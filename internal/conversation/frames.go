// ABOUTME: JSON frames exchanged over the WebSocket between gateway and clients
// ABOUTME: Converts hub events to frames and frames back to events

package conversation

import (
	"time"

	"github.com/2389/tandem/internal/store"
)

// Frame types sent by the server. Event frames reuse the EventKind values.
const (
	FrameSendResult = "send_result"
	FrameError      = "error"
)

// Frame types sent by the client.
const (
	FrameSendMessage = "send_message"
	FrameLeave       = "leave"
)

// Frame is the single envelope for every message on the socket.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	ConversationKey *store.ConversationKey `json:"conversation_key,omitempty"`
	Messages        []*store.Message       `json:"messages,omitempty"`
	Message         *store.Message         `json:"message,omitempty"`
	MessageIDs      []string               `json:"message_ids,omitempty"`
	ReadAt          *time.Time             `json:"read_at,omitempty"`
	Users           []string               `json:"users,omitempty"`

	// send_message
	Content   string `json:"content,omitempty"`
	AutoPilot bool   `json:"auto_pilot,omitempty"`

	// error
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// EventFrame encodes ev for the wire.
func EventFrame(ev Event) Frame {
	f := Frame{Type: string(ev.Kind)}
	switch ev.Kind {
	case EventSnapshot:
		key := ev.Snapshot.ConversationKey
		f.ConversationKey = &key
		f.Messages = ev.Snapshot.Messages
	case EventNewMessage:
		key := ev.Message.ConversationKey
		f.ConversationKey = &key
		f.Message = ev.Message
	case EventReadReceipt:
		key := ev.Receipt.ConversationKey
		readAt := ev.Receipt.ReadAt
		f.ConversationKey = &key
		f.MessageIDs = ev.Receipt.MessageIDs
		f.ReadAt = &readAt
	case EventMembership:
		key := ev.Membership.ConversationKey
		f.ConversationKey = &key
		f.Users = ev.Membership.Users
	}
	return f
}

// ErrorFrame reports err to the client, tagged with the request that caused it.
func ErrorFrame(requestID string, err error) Frame {
	return Frame{
		Type:      FrameError,
		RequestID: requestID,
		Code:      ErrorCode(err),
		Error:     err.Error(),
	}
}

// SendResultFrame acknowledges a send with the stored message.
func SendResultFrame(requestID string, msg *store.Message) Frame {
	return Frame{Type: FrameSendResult, RequestID: requestID, Message: msg}
}

// Event decodes an event frame. It returns false for frames that are not events.
func (f Frame) Event() (Event, bool) {
	var key store.ConversationKey
	if f.ConversationKey != nil {
		key = *f.ConversationKey
	}

	switch EventKind(f.Type) {
	case EventSnapshot:
		return snapshotEvent(&ThreadSnapshot{ConversationKey: key, Messages: f.Messages}), true
	case EventNewMessage:
		if f.Message == nil {
			return Event{}, false
		}
		return newMessageEvent(f.Message), true
	case EventReadReceipt:
		u := &ReadReceiptUpdate{ConversationKey: key, MessageIDs: f.MessageIDs}
		if f.ReadAt != nil {
			u.ReadAt = *f.ReadAt
		}
		return readReceiptEvent(u), true
	case EventMembership:
		return membershipEvent(&MembershipUpdate{ConversationKey: key, Users: f.Users}), true
	}
	return Event{}, false
}
