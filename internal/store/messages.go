// ABOUTME: Conversation log operations for SQLiteStore
// ABOUTME: Append with strictly increasing sentAt, thread reads, compare-and-set MarkRead, per-side delete

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `message_id, conversation_key, seq, sender_id, recipient_id, content,
	auto_pilot, sent_at, read_at, sender_deleted, recipient_deleted`

// validateParticipants checks that sender and recipient are the two distinct users of the key.
func validateParticipants(msg *Message) error {
	if msg.ConversationKey.IsZero() {
		return errors.New("conversation_key required")
	}
	if msg.SenderID == msg.RecipientID {
		return errors.New("sender and recipient must differ")
	}
	if !msg.ConversationKey.Has(msg.SenderID) || !msg.ConversationKey.Has(msg.RecipientID) {
		return fmt.Errorf("sender %q and recipient %q do not match conversation %s",
			msg.SenderID, msg.RecipientID, msg.ConversationKey)
	}
	return nil
}

// nextSentAt returns now, or one microsecond past last when the clock has not moved past it.
func nextSentAt(now time.Time, last time.Time) time.Time {
	if !last.IsZero() && !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}

// Append stores msg at the end of its conversation log.
func (s *SQLiteStore) Append(ctx context.Context, msg *Message) (*Message, error) {
	if err := validateParticipants(msg); err != nil {
		return nil, err
	}

	out := msg.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	key := out.ConversationKey.String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq int64
	var lastSentAtStr sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT last_seq, last_sent_at FROM conversations WHERE conversation_key = ?`, key,
	).Scan(&lastSeq, &lastSentAtStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations (conversation_key, low_user_id, high_user_id, last_seq, created_at)
			VALUES (?, ?, ?, 0, ?)
		`, key, out.ConversationKey.Low, out.ConversationKey.High, formatTime(time.Now()))
		if err != nil {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("reading conversation head: %w", err)
	}

	var lastSentAt time.Time
	if lastSentAtStr.Valid {
		lastSentAt, err = parseTime(lastSentAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_sent_at: %w", err)
		}
	}

	out.Seq = lastSeq + 1
	out.SentAt = nextSentAt(time.Now().UTC(), lastSentAt)
	var readAt any
	if out.ReadAt != nil {
		at := out.SentAt
		out.ReadAt = &at
		readAt = formatTime(at)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, conversation_key, seq, sender_id, recipient_id, content,
			auto_pilot, sent_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, out.ID, key, out.Seq, out.SenderID, out.RecipientID, out.Content,
		boolInt(out.AutoPilot), formatTime(out.SentAt), readAt)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_seq = ?, last_sent_at = ? WHERE conversation_key = ?`,
		out.Seq, formatTime(out.SentAt), key)
	if err != nil {
		return nil, fmt.Errorf("advancing conversation head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("message appended",
		"conversation_key", key,
		"message_id", out.ID,
		"seq", out.Seq)

	out.SenderDeleted = false
	out.RecipientDeleted = false
	return out, nil
}

// Thread returns the visible conversation log for viewerID, oldest first.
func (s *SQLiteStore) Thread(ctx context.Context, key ConversationKey, viewerID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_key = ?
		  AND NOT (sender_id = ? AND sender_deleted = 1)
		  AND NOT (recipient_id = ? AND recipient_deleted = 1)
		ORDER BY seq DESC
		LIMIT ?
	`, key.String(), viewerID, viewerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse to oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// UnreadFor returns the ids of unread messages addressed to recipientID.
func (s *SQLiteStore) UnreadFor(ctx context.Context, key ConversationKey, recipientID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id FROM messages
		WHERE conversation_key = ? AND recipient_id = ? AND read_at IS NULL
		ORDER BY seq ASC
	`, key.String(), recipientID)
	if err != nil {
		return nil, fmt.Errorf("querying unread messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning unread id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkRead moves each listed message from unread to read at the given time.
// The update only matches rows whose read_at is still NULL, so a message read
// by a concurrent call keeps its first timestamp and is left out of the result.
func (s *SQLiteStore) MarkRead(ctx context.Context, ids []string, at time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning mark read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE messages SET read_at = max(?, sent_at)
		WHERE message_id = ? AND read_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("preparing mark read: %w", err)
	}
	defer stmt.Close()

	atStr := formatTime(at)
	var changed []string
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, atStr, id)
		if err != nil {
			return nil, fmt.Errorf("marking %s read: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 1 {
			changed = append(changed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing mark read: %w", err)
	}
	return changed, nil
}

// GetMessage retrieves a message by ID
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	return messages[0], nil
}

// DeleteMessage hides the message from userID's side of the conversation.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var senderID, recipientID string
	var senderDeleted, recipientDeleted bool
	err = tx.QueryRowContext(ctx, `
		SELECT sender_id, recipient_id, sender_deleted, recipient_deleted
		FROM messages WHERE message_id = ?
	`, id).Scan(&senderID, &recipientID, &senderDeleted, &recipientDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading message: %w", err)
	}

	switch userID {
	case senderID:
		senderDeleted = true
	case recipientID:
		recipientDeleted = true
	default:
		return ErrForbidden
	}

	if senderDeleted && recipientDeleted {
		_, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE messages SET sender_deleted = ?, recipient_deleted = ? WHERE message_id = ?`,
			boolInt(senderDeleted), boolInt(recipientDeleted), id)
	}
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	return tx.Commit()
}

// rowScanner is satisfied by *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var key, sentAt string
	var readAt sql.NullString

	if err := row.Scan(
		&msg.ID,
		&key,
		&msg.Seq,
		&msg.SenderID,
		&msg.RecipientID,
		&msg.Content,
		&msg.AutoPilot,
		&sentAt,
		&readAt,
		&msg.SenderDeleted,
		&msg.RecipientDeleted,
	); err != nil {
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	var err error
	if msg.ConversationKey, err = ParseConversationKey(key); err != nil {
		return nil, err
	}
	if msg.SentAt, err = parseTime(sentAt); err != nil {
		return nil, fmt.Errorf("parsing sent_at: %w", err)
	}
	if readAt.Valid {
		t, err := parseTime(readAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing read_at: %w", err)
		}
		msg.ReadAt = &t
	}
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}
