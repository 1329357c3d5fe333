package chat

import (
	"context"
	"time"
)

// Prober confirms the backend supports the operations the engine needs.
type Prober interface {
	CheckReady(ctx context.Context) error
}

// RoomSource lists rooms and records read receipts.
type RoomSource interface {
	ListRooms(ctx context.Context, userID string) ([]Room, error)
	MarkRead(ctx context.Context, roomID, userID string) error
}

// MessageSource fetches and persists messages.
type MessageSource interface {
	// ListMessages returns canonical messages with CreatedAt >= since, ascending.
	ListMessages(ctx context.Context, roomID string, since time.Time) ([]Message, error)
	// SendMessage persists a message and returns the canonical record.
	SendMessage(ctx context.Context, roomID, senderID, content string) (Message, error)
}

// ProfileLookup resolves a participant to a profile. Returns ErrProfileNotFound
// when the participant has none.
type ProfileLookup interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
}

// Feeds opens push subscriptions. Delivery is at-least-once.
type Feeds interface {
	SubscribeMessages(ctx context.Context, roomID string, onInsert func(Message)) (Subscription, error)
	SubscribeRoomChanges(ctx context.Context, onChange func(RoomChange)) (Subscription, error)
}

// Backend is the full persistence and transport boundary consumed by the engine.
type Backend interface {
	Prober
	RoomSource
	MessageSource
	ProfileLookup
	Feeds
}

// Subscription is a live push channel.
type Subscription interface {
	// Close stops delivery. Safe to call more than once.
	Close() error
	// Done is closed once the subscription has ended, by Close or by a drop.
	Done() <-chan struct{}
	// Err reports why the subscription ended. Nil while live or after Close.
	Err() error
}
