// ABOUTME: Paginated history reads for SQLiteStore
// ABOUTME: Page-number listing by container with total counts, and cursor paging within a thread

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// containerFilter returns the WHERE clause selecting p.Container for p.UserID.
func containerFilter(c Container) (string, error) {
	switch c {
	case ContainerUnread:
		return `recipient_id = ? AND recipient_deleted = 0 AND read_at IS NULL`, nil
	case ContainerInbox:
		return `recipient_id = ? AND recipient_deleted = 0`, nil
	case ContainerOutbox:
		return `sender_id = ? AND sender_deleted = 0`, nil
	}
	return "", fmt.Errorf("unknown container %q", c)
}

// ListMessages returns one page of the user's messages, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, p ListParams) (*MessagePage, error) {
	if p.UserID == "" {
		return nil, errors.New("user_id required")
	}
	p.normalize()

	where, err := containerFilter(p.Container)
	if err != nil {
		return nil, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE `+where, p.UserID).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE `+where+`
		ORDER BY sent_at DESC, message_id DESC
		LIMIT ? OFFSET ?
	`, p.UserID, p.PageSize, (p.PageNumber-1)*p.PageSize)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	return &MessagePage{
		Messages:   messages,
		PageNumber: p.PageNumber,
		PageSize:   p.PageSize,
		TotalCount: total,
		TotalPages: totalPages(total, p.PageSize),
	}, nil
}

// encodeCursor creates an opaque cursor from a sent_at timestamp and message ID
func encodeCursor(ts time.Time, id string) string {
	data := fmt.Sprintf("%s|%s", formatTime(ts), id)
	return base64.StdEncoding.EncodeToString([]byte(data))
}

// decodeCursor extracts the sent_at timestamp and message ID from a cursor
func decodeCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format: expected timestamp|message_id")
	}

	ts, err := parseTime(parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor timestamp: %w", err)
	}

	return ts, parts[1], nil
}

// ThreadPage returns one page of a conversation, newest first. NextCursor
// continues with older messages.
func (s *SQLiteStore) ThreadPage(ctx context.Context, p ThreadPageParams) (*ThreadPageResult, error) {
	if p.Key.IsZero() {
		return nil, errors.New("conversation_key required")
	}
	p.normalize()

	args := []any{p.Key.String(), p.ViewerID, p.ViewerID}
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_key = ?
		  AND NOT (sender_id = ? AND sender_deleted = 1)
		  AND NOT (recipient_id = ? AND recipient_deleted = 1)
	`

	if p.Cursor != "" {
		cursorTS, cursorID, err := decodeCursor(p.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
		}
		ts := formatTime(cursorTS)
		query += ` AND (sent_at < ? OR (sent_at = ? AND message_id < ?))`
		args = append(args, ts, ts, cursorID)
	}

	// Fetch limit+1 to detect if there are more results
	query += ` ORDER BY sent_at DESC, message_id DESC LIMIT ?`
	args = append(args, p.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying thread page: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	return buildThreadPage(messages, p.Limit), nil
}

// buildThreadPage trims a limit+1 fetch to limit and sets the cursor when more remain.
func buildThreadPage(messages []*Message, limit int) *ThreadPageResult {
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	result := &ThreadPageResult{
		Messages: messages,
		HasMore:  hasMore,
	}
	if hasMore && len(messages) > 0 {
		last := messages[len(messages)-1]
		result.NextCursor = encodeCursor(last.SentAt, last.ID)
	}
	return result
}
