// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers database creation, persistence across reopen, and migrations on older schemas

package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	msg := appendMsg(t, store, "alice", "bob", "hi")
	got, err := store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	first := appendMsg(t, store, "alice", "bob", "before restart")
	_, err = store.MarkRead(ctx, []string{first.ID}, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetMessage(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "before restart", got.Content)
	assert.NotNil(t, got.ReadAt)
	assert.True(t, got.SentAt.Equal(first.SentAt))

	// The conversation head survives, so ordering continues
	second := appendMsg(t, store, "bob", "alice", "after restart")
	assert.Equal(t, int64(2), second.Seq)
	assert.True(t, second.SentAt.After(first.SentAt))
}

func TestSQLiteStore_AutoPilotRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	msg, err := store.Append(ctx, &Message{
		ConversationKey: NewConversationKey("alice", "bob"),
		SenderID:        "alice",
		RecipientID:     "bob",
		Content:         "automated reply",
		AutoPilot:       true,
	})
	require.NoError(t, err)

	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.AutoPilot)
}

func TestSQLiteStore_MigratesOldSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")

	// Create a messages table that predates the auto_pilot column
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE conversations (
			conversation_key TEXT PRIMARY KEY,
			low_user_id      TEXT NOT NULL,
			high_user_id     TEXT NOT NULL,
			last_seq         INTEGER NOT NULL DEFAULT 0,
			last_sent_at     TEXT,
			created_at       TEXT NOT NULL
		);
		CREATE TABLE messages (
			message_id        TEXT PRIMARY KEY,
			conversation_key  TEXT NOT NULL,
			seq               INTEGER NOT NULL,
			sender_id         TEXT NOT NULL,
			recipient_id      TEXT NOT NULL,
			content           TEXT NOT NULL,
			sent_at           TEXT NOT NULL,
			read_at           TEXT,
			sender_deleted    INTEGER NOT NULL DEFAULT 0,
			recipient_deleted INTEGER NOT NULL DEFAULT 0,
			UNIQUE (conversation_key, seq)
		);
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	var exists int
	err = store.db.QueryRow(`SELECT 1 FROM pragma_table_info('messages') WHERE name = 'auto_pilot'`).Scan(&exists)
	require.NoError(t, err)
	assert.Equal(t, 1, exists)

	appendMsg(t, store, "alice", "bob", "works after migration")
}

func TestSQLiteStore_StoredTimesSortLexically(t *testing.T) {
	early := time.Date(2026, 1, 2, 3, 4, 5, 100, time.UTC)
	late := early.Add(time.Microsecond)

	assert.Less(t, formatTime(early), formatTime(late))

	parsed, err := parseTime(formatTime(early))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(early))
}

func TestSQLiteStore_CursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 5, 6, 7, 8, 9, 123456789, time.UTC)
	ts2, id, err := decodeCursor(encodeCursor(ts, "msg-1"))
	require.NoError(t, err)
	assert.True(t, ts2.Equal(ts))
	assert.Equal(t, "msg-1", id)

	_, _, err = decodeCursor("bm8tcGlwZQ==") // "no-pipe"
	assert.Error(t, err)
}

func TestSQLiteStore_ClosedPingFails(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	assert.Error(t, store.Ping(context.Background()))
}
