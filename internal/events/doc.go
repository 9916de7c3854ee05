// Package events publishes conversation domain events to NATS.
//
// Two subjects are used, both under a configurable prefix:
//
//	<prefix>.message.sent   one MessageSentEvent per stored message
//	<prefix>.message.read   one MessageReadEvent per reconciled receipt batch
//
// Every message carries Tandem-Event and Tandem-Conversation headers so
// subscribers can route without decoding the body. Publishing is best effort:
// the hub logs sink errors and never fails a send because of them.
package events
