// ABOUTME: Publishes message.sent and message.read events to NATS as JSON
// ABOUTME: Implements conversation.EventSink so the hub can fan domain events out of process

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/tandem/internal/conversation"
	"github.com/2389/tandem/internal/store"
)

// Event type header values.
const (
	TypeMessageSent = "message.sent"
	TypeMessageRead = "message.read"

	HeaderEventType = "Tandem-Event"
	HeaderKey       = "Tandem-Conversation"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// MessageSentEvent is the payload on <prefix>.message.sent.
type MessageSentEvent struct {
	Type    string         `json:"type"`
	Message *store.Message `json:"message"`
}

// MessageReadEvent is the payload on <prefix>.message.read.
type MessageReadEvent struct {
	Type            string                `json:"type"`
	ConversationKey store.ConversationKey `json:"conversation_key"`
	MessageIDs      []string              `json:"message_ids"`
	ReadAt          time.Time             `json:"read_at"`
}

// NATSSink implements conversation.EventSink.
type NATSSink struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

var _ conversation.EventSink = (*NATSSink)(nil)

// NewNATSSink creates a sink publishing under prefix. Pass nil logger for default.
func NewNATSSink(pub Publisher, prefix string, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "tandem"
	}
	return &NATSSink{
		pub:    pub,
		prefix: prefix,
		logger: logger.With("component", "nats-sink"),
	}
}

// Subject returns the full subject for an event type.
func (s *NATSSink) Subject(eventType string) string {
	return s.prefix + "." + eventType
}

// MessageSent publishes a stored message.
func (s *NATSSink) MessageSent(ctx context.Context, msg *store.Message) error {
	return s.publish(ctx, TypeMessageSent, msg.ConversationKey, MessageSentEvent{
		Type:    TypeMessageSent,
		Message: msg,
	})
}

// MessagesRead publishes a read-receipt batch.
func (s *NATSSink) MessagesRead(ctx context.Context, update *conversation.ReadReceiptUpdate) error {
	return s.publish(ctx, TypeMessageRead, update.ConversationKey, MessageReadEvent{
		Type:            TypeMessageRead,
		ConversationKey: update.ConversationKey,
		MessageIDs:      update.MessageIDs,
		ReadAt:          update.ReadAt,
	})
}

func (s *NATSSink) publish(ctx context.Context, eventType string, key store.ConversationKey, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", eventType, err)
	}

	msg := nats.NewMsg(s.Subject(eventType))
	msg.Header.Add(HeaderEventType, eventType)
	msg.Header.Add(HeaderKey, key.String())
	msg.Data = data

	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", eventType, err)
	}
	s.logger.Debug("event published", "subject", msg.Subject, "bytes", len(data))
	return nil
}

// Connect dials NATS with unlimited reconnects and logs connection changes.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(100*time.Millisecond, time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return nc, nil
}
