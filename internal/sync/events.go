package sync

// MessagesChanged is the payload of messages.changed.
type MessagesChanged struct {
	RoomID string
}

// SendFailure is the payload of engine.send_failed. The placeholder it names
// has already been removed from the room.
type SendFailure struct {
	RoomID        string
	PlaceholderID string
	Content       string
	Err           error
}

// FetchFailure is the payload of engine.fetch_failed.
type FetchFailure struct {
	Scope  string
	RoomID string
	Err    error
}
