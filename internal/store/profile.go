package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/roomsync/internal/chat"
)

// UpsertProfile inserts or updates a profile. Empty fields keep the stored value.
func (db *DB) UpsertProfile(ctx context.Context, p chat.Profile) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_url, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE profiles.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE profiles.avatar_url END,
			updated_at = excluded.updated_at`,
		p.UserID, p.DisplayName, p.AvatarURL, time.Now().UnixMilli())
	return err
}

// BulkUpsertProfiles inserts or updates multiple profiles in a single transaction.
func (db *DB) BulkUpsertProfiles(ctx context.Context, profiles []chat.Profile) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, p := range profiles {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profiles (user_id, display_name, avatar_url, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE profiles.display_name END,
				avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE profiles.avatar_url END,
				updated_at = excluded.updated_at`,
			p.UserID, p.DisplayName, p.AvatarURL, now); err != nil {
			return fmt.Errorf("upsert profile %q: %w", p.UserID, err)
		}
	}
	return tx.Commit()
}

// GetProfile returns a profile by user id, or chat.ErrProfileNotFound.
func (db *DB) GetProfile(ctx context.Context, userID string) (chat.Profile, error) {
	var p chat.Profile
	err := db.QueryRowContext(ctx,
		`SELECT user_id, display_name, avatar_url FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Profile{}, chat.ErrProfileNotFound
	}
	if err != nil {
		return chat.Profile{}, err
	}
	return p, nil
}
