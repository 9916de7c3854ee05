// Package conversation implements the real-time hub for two-person conversations.
//
// # Overview
//
// Each connection joins exactly one conversation, identified by a
// store.ConversationKey. The hub keeps three views of who is connected:
//
//   - Registry: connection ids and users per conversation, partitioned by key
//   - PresenceTracker: the distinct-user set, published to listeners only when it changes
//   - Hub sessions: the per-connection state machine and outbound event queue
//
// # Sessions
//
// A Session moves through Disconnected, Joining, Active, Leaving and back to
// Disconnected. Its event stream always starts with one ThreadSnapshot; live
// events that arrive while the snapshot is loading are held and flushed
// after it, minus any new messages the snapshot already contains.
//
//	sess, err := hub.Join(ctx, conversation.JoinRequest{UserID: "alice", OtherUserID: "bob"})
//	for {
//		select {
//		case ev := <-sess.Events():
//			// EventSnapshot, then EventNewMessage / EventReadReceipt / EventMembership
//		case <-sess.Done():
//			return
//		}
//	}
//
// Close is idempotent and may race with Hub.Leave; registry removal runs once.
//
// # Ordering
//
// Sends and read-receipt reconciliation for one conversation take the same
// lock. Inside it a send checks the recipient's presence, appends to the store
// and enqueues the message on every joined connection, the sender's included.
// Every enqueue of one event finishes (or times out) before the next event
// of that conversation starts, so each connection sees the log order.
//
// # Read Receipts
//
// A message is stored already read when its recipient is joined at send time.
// Otherwise the Reconciler marks it read when the recipient joins, and the hub
// broadcasts one ReadReceiptUpdate listing every id that actually changed.
// Running the reconciler again on the same membership marks nothing.
//
// # Delivery
//
// Fan-out is concurrent per recipient and bounded by HubConfig.DeliveryTimeout.
// A connection that does not accept an event in time is logged and evicted;
// the triggering operation still succeeds and the client resyncs from a fresh
// snapshot when it reconnects.
//
// # Wire Frames
//
// Frame is the JSON envelope used by the gateway's WebSocket endpoint and the
// client package. Error frames carry a stable code from ErrorCode.
package conversation
