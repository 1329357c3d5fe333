package store

import (
	"context"
	"time"

	"github.com/matheus3301/roomsync/internal/chat"
)

// InsertMessage stores a canonical message. Re-inserting the same id is a no-op.
func (db *DB) InsertMessage(ctx context.Context, m chat.Message) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.RoomID, m.SenderID, m.Content, toMillis(m.CreatedAt), toMillis(m.UpdatedAt))
	return err
}

// ListMessages returns a room's messages created at or after since, oldest first.
func (db *DB) ListMessages(ctx context.Context, roomID string, since time.Time) ([]chat.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, content, created_at, updated_at
		FROM messages
		WHERE room_id = ? AND created_at >= ?
		ORDER BY created_at ASC, rowid ASC`, roomID, toMillis(since))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m                  chat.Message
			created, updatedAt int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &created, &updatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(created)
		m.UpdatedAt = fromMillis(updatedAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
