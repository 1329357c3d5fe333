package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/roomsync/internal/chat"
)

// CreateRoom inserts a room and its members. Existing members are kept;
// the name is updated when non-empty.
func (db *DB) CreateRoom(ctx context.Context, id, name string, members []string, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE rooms.name END`,
		id, name, toMillis(now)); err != nil {
		return fmt.Errorf("upsert room %q: %w", id, err)
	}
	for _, userID := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO room_members (room_id, user_id) VALUES (?, ?)
			ON CONFLICT(room_id, user_id) DO NOTHING`, id, userID); err != nil {
			return fmt.Errorf("add member %q: %w", userID, err)
		}
	}
	return tx.Commit()
}

const roomSummary = `
	SELECT r.id, r.name,
		COALESCE((SELECT m.content FROM messages m WHERE m.room_id = r.id
			ORDER BY m.created_at DESC, m.rowid DESC LIMIT 1), ''),
		COALESCE((SELECT MAX(m.created_at) FROM messages m WHERE m.room_id = r.id), r.created_at),
		(SELECT COUNT(*) FROM messages m WHERE m.room_id = r.id
			AND m.created_at > rm.last_read_at AND m.sender_id != rm.user_id)
	FROM rooms r
	JOIN room_members rm ON rm.room_id = r.id`

func scanRoom(row interface{ Scan(...any) error }) (chat.Room, error) {
	var (
		r    chat.Room
		last int64
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Preview, &last, &r.UnreadCount); err != nil {
		return chat.Room{}, err
	}
	r.LastActivityAt = fromMillis(last)
	return r, nil
}

// ListRooms returns the rooms userID is a member of, most recent activity first.
// Preview and activity come from the latest message; unread counts messages
// from others after the member's read receipt.
func (db *DB) ListRooms(ctx context.Context, userID string) ([]chat.Room, error) {
	rows, err := db.QueryContext(ctx, roomSummary+`
		WHERE rm.user_id = ?
		ORDER BY 4 DESC, r.id`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRoom returns a room summary as seen by userID.
func (db *DB) GetRoom(ctx context.Context, roomID, userID string) (chat.Room, error) {
	r, err := scanRoom(db.QueryRowContext(ctx, roomSummary+`
		WHERE r.id = ? AND rm.user_id = ?`, roomID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Room{}, chat.ErrRoomNotFound
	}
	return r, err
}

// IsMember reports whether userID belongs to roomID.
func (db *DB) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID).Scan(&n)
	return n > 0, err
}

// MarkRead moves the member's read receipt forward to at. It never moves back.
func (db *DB) MarkRead(ctx context.Context, roomID, userID string, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE room_members SET last_read_at = MAX(last_read_at, ?)
		WHERE room_id = ? AND user_id = ?`, toMillis(at), roomID, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("mark read %s for %s: %w", roomID, userID, chat.ErrRoomNotFound)
	}
	return nil
}

// Counts returns the total number of rooms and messages.
func (db *DB) Counts(ctx context.Context) (rooms, messages int64, err error) {
	err = db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM rooms), (SELECT COUNT(*) FROM messages)`).Scan(&rooms, &messages)
	return rooms, messages, err
}
