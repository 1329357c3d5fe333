package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/roomsync/internal/chat"
	"go.uber.org/zap"
)

var _ chat.Backend = (*Backend)(nil)

// Backend serves the engine from the SQLite store and a push Feed.
type Backend struct {
	db     *DB
	feed   Feed
	logger *zap.Logger
	now    func() time.Time
	viewer string
}

// Option configures a Backend.
type Option func(*Backend)

// WithViewer limits room list pushes to rooms userID is a member of.
func WithViewer(userID string) Option {
	return func(b *Backend) { b.viewer = userID }
}

// WithClock overrides the clock used for canonical timestamps and read receipts.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// NewBackend creates a backend over an open, migrated database.
func NewBackend(db *DB, feed Feed, logger *zap.Logger, opts ...Option) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{db: db, feed: feed, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) CheckReady(ctx context.Context) error {
	return b.db.CheckReady(ctx)
}

func (b *Backend) ListRooms(ctx context.Context, userID string) ([]chat.Room, error) {
	return b.db.ListRooms(ctx, userID)
}

func (b *Backend) MarkRead(ctx context.Context, roomID, userID string) error {
	return b.db.MarkRead(ctx, roomID, userID, b.now())
}

func (b *Backend) ListMessages(ctx context.Context, roomID string, since time.Time) ([]chat.Message, error) {
	return b.db.ListMessages(ctx, roomID, since)
}

// SendMessage stores a message from a room member under a fresh canonical id
// and pushes it to the room feed and the room list feed. A push failure is
// logged; the message is already persisted.
func (b *Backend) SendMessage(ctx context.Context, roomID, senderID, content string) (chat.Message, error) {
	member, err := b.db.IsMember(ctx, roomID, senderID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return chat.Message{}, fmt.Errorf("room %s for %s: %w", roomID, senderID, chat.ErrRoomNotFound)
	}

	now := b.now().UTC().Truncate(time.Millisecond)
	msg := chat.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.db.InsertMessage(ctx, msg); err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := b.feed.PublishMessage(ctx, msg); err != nil {
		b.logger.Warn("message push failed", zap.String("room_id", roomID), zap.String("message_id", msg.ID), zap.Error(err))
	}
	room := chat.Room{ID: roomID, Preview: content, LastActivityAt: now}
	if err := b.feed.PublishRoomChange(ctx, chat.RoomChange{Kind: chat.RoomActivity, Room: room, Message: &msg}); err != nil {
		b.logger.Warn("room activity push failed", zap.String("room_id", roomID), zap.Error(err))
	}
	return msg, nil
}

func (b *Backend) GetProfile(ctx context.Context, userID string) (chat.Profile, error) {
	return b.db.GetProfile(ctx, userID)
}

func (b *Backend) SubscribeMessages(ctx context.Context, roomID string, onInsert func(chat.Message)) (chat.Subscription, error) {
	return b.feed.SubscribeMessages(ctx, roomID, onInsert)
}

func (b *Backend) SubscribeRoomChanges(ctx context.Context, onChange func(chat.RoomChange)) (chat.Subscription, error) {
	if b.viewer == "" {
		return b.feed.SubscribeRoomChanges(ctx, onChange)
	}
	return b.feed.SubscribeRoomChanges(ctx, func(change chat.RoomChange) {
		member, err := b.db.IsMember(context.Background(), change.Room.ID, b.viewer)
		if err != nil {
			b.logger.Warn("room push membership check failed", zap.String("room_id", change.Room.ID), zap.Error(err))
			return
		}
		if member {
			onChange(change)
		}
	})
}

// CreateRoom creates or extends a room and announces it on the room list feed.
func (b *Backend) CreateRoom(ctx context.Context, id, name string, members []string) error {
	now := b.now()
	if err := b.db.CreateRoom(ctx, id, name, members, now); err != nil {
		return err
	}
	room := chat.Room{ID: id, Name: name, LastActivityAt: now.UTC().Truncate(time.Millisecond)}
	if err := b.feed.PublishRoomChange(ctx, chat.RoomChange{Kind: chat.RoomCreated, Room: room}); err != nil {
		b.logger.Warn("room created push failed", zap.String("room_id", id), zap.Error(err))
	}
	return nil
}

// UpsertProfile stores a participant profile.
func (b *Backend) UpsertProfile(ctx context.Context, p chat.Profile) error {
	return b.db.UpsertProfile(ctx, p)
}
