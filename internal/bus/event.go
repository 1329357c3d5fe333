package bus

import "time"

// Engine notification kinds. Subscribers filter by prefix, e.g. "engine.".
const (
	KindStatusChanged   = "engine.status_changed"
	KindSendFailed      = "engine.send_failed"
	KindFetchFailed     = "engine.fetch_failed"
	KindRoomsUpdated    = "rooms.updated"
	KindMessagesChanged = "messages.changed"
)

// Push channel kinds used by the in-process reference backend.
const (
	KindRoomListChange = "feed.rooms"
	feedRoomPrefix     = "feed.room/"
)

// RoomFeedNamespace returns the subscribe prefix for one room's message inserts.
// The trailing slash keeps room "a" from matching room "ab".
func RoomFeedNamespace(roomID string) string {
	return feedRoomPrefix + roomID + "/"
}

// RoomFeedKind returns the kind published for a message inserted into roomID.
func RoomFeedKind(roomID string) string {
	return RoomFeedNamespace(roomID) + "inserted"
}

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
