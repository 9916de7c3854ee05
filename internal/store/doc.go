// Package store persists tandem conversations using SQLite.
//
// # Data Model
//
// A conversation is the append-only log between exactly two users, named by
// a ConversationKey that holds both user ids in sorted order. Each Message
// carries a per-conversation Seq and a SentAt that strictly increases within
// the conversation, so log order and time order agree.
//
// ReadAt starts nil and is set once. MarkRead only updates rows whose read_at
// is still NULL and reports which ids it changed, so two concurrent callers
// never both report the same message.
//
// Deletion is per side: a sender or recipient can hide a message from their
// own view, and the row is removed once both have.
//
// # Reads
//
//   - Thread: the whole visible log (or its newest N entries), oldest first
//   - UnreadFor: ids still unread by one participant
//   - ListMessages: Unread, Inbox or Outbox across conversations, page-numbered
//   - ThreadPage: one conversation newest first, with an opaque cursor
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Appends run in a transaction that reads and advances the conversation head
// (last_seq, last_sent_at).
//
// # Testing
//
// Use NewMockStore() for unit tests. FailOn injects errors per operation:
//
//	s := store.NewMockStore()
//	s.FailOn(store.OpAppend, errors.New("disk full"))
//
// Use NewSQLiteStore(":memory:") or a path under t.TempDir() for tests
// against real SQLite.
package store
