// Package client is the reconnecting WebSocket client for one conversation.
//
// A Client dials the gateway's /ws endpoint, waits for the thread snapshot and
// then streams live events. When the socket drops it reconnects with capped
// exponential backoff and starts over from a fresh snapshot; the server keeps
// no per-connection cursor, so nothing is resumed.
//
//	c, err := client.New(client.Config{
//		URL:         "ws://localhost:8080",
//		Token:       token,
//		OtherUserID: "bob",
//	})
//	if err := c.Connect(ctx); err != nil {
//		return err
//	}
//	defer c.Disconnect()
//
//	for ev := range c.Events() {
//		switch ev.Kind {
//		case client.EventSnapshot:
//			// replace local state with ev.Snapshot.Messages
//		case client.EventNewMessage:
//			// append ev.Message
//		case client.EventReadReceipt:
//			// mark ev.Receipt.MessageIDs read
//		}
//	}
//
// The sender's own messages come back as EventNewMessage like everyone
// else's. Within one connection epoch a message id is yielded at most once.
//
// A 401 from the gateway is permanent: the loop stops, Events is closed and
// Err reports conversation.ErrNotAuthenticated. Error frames returned for
// sends unwrap to the conversation sentinels, so errors.Is works on both ends.
package client
