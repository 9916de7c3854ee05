// Package gateway is the HTTP front of the conversation hub.
//
// # Endpoints
//
//	GET    /health                              liveness, no auth
//	GET    /health/ready                        store ping, no auth
//	GET    /ws?user=<otherUserId>               WebSocket, joins the conversation with otherUserId
//	GET    /api/messages                        container paging (Unread, Inbox, Outbox)
//	GET    /api/messages/thread/{userId}        full thread, oldest first
//	GET    /api/conversations/{userId}/messages cursor pages, newest first
//	DELETE /api/messages/{id}                   hide a message from the caller
//
// Everything except the health endpoints requires a bearer JWT, either in the
// Authorization header or, for browsers opening a WebSocket, in the
// access_token query parameter. Requests without a valid identity get 401
// before any upgrade happens.
//
// # WebSocket
//
// Each socket is one hub session. The first frame is always thread_snapshot;
// after that the server sends new_message, read_receipt_update and
// membership_update frames plus a send_result or error frame for each
// send_message the client writes. A snapshot that cannot be loaded is reported
// with an error frame and close code 1011.
//
// The write pump is the only writer on the socket. It pings every 30 seconds;
// the read deadline is 60 seconds and is extended by every pong.
//
// # Listeners
//
// Run listens on server.http_addr, or on a tailscale node when tailscale is
// enabled (plain HTTP on :80, tailnet TLS on :443, or Funnel).
package gateway
