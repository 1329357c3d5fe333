package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const placeholderPrefix = "local-"

// Room is a conversation visible to the current user, with its summary state.
type Room struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Preview        string    `json:"preview"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	UnreadCount    int       `json:"unreadCount"`
}

// Profile is the display identity of a participant.
type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Message is a single chat message. ID is either a local placeholder id
// (Pending is true, never persisted) or the canonical id assigned by the backend.
type Message struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"roomId"`
	SenderID      string    `json:"senderId"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	SenderProfile Profile   `json:"senderProfile"`
	Pending       bool      `json:"pending,omitempty"`
}

// RoomChangeKind classifies a room list feed event.
type RoomChangeKind string

const (
	RoomCreated  RoomChangeKind = "created"
	RoomUpdated  RoomChangeKind = "updated"
	RoomActivity RoomChangeKind = "activity"
)

// RoomChange is delivered by the room list feed. Message is set for RoomActivity.
type RoomChange struct {
	Kind    RoomChangeKind `json:"kind"`
	Room    Room           `json:"room"`
	Message *Message       `json:"message,omitempty"`
}

// NewPlaceholderID returns a fresh local id for an optimistic message.
func NewPlaceholderID() string {
	return placeholderPrefix + uuid.NewString()
}

// IsPlaceholderID reports whether id was produced by NewPlaceholderID.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}
