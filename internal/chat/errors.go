package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrCapabilityUnavailable is matched by every CapabilityError.
	ErrCapabilityUnavailable = errors.New("backend capability unavailable")
	ErrProfileNotFound       = errors.New("profile not found")
	ErrEmptyContent          = errors.New("message content is empty")
	ErrNotReady              = errors.New("engine not ready")
	ErrRoomNotFound          = errors.New("room not found")
	ErrStopped               = errors.New("engine stopped")
	// ErrSubscriptionDropped is reported by Subscription.Err when the channel went away.
	ErrSubscriptionDropped = errors.New("subscription dropped")
)

// CapabilityError is returned when the startup probe fails. It is fatal for the session.
type CapabilityError struct {
	Reason string
	Err    error
}

func (e *CapabilityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capability unavailable: %s: %v", e.Reason, e.Err)
	}
	return "capability unavailable: " + e.Reason
}

func (e *CapabilityError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCapabilityUnavailable}
	}
	return []error{ErrCapabilityUnavailable, e.Err}
}

// FetchError is a transient failure loading rooms or a room's messages.
// Already loaded data stays valid.
type FetchError struct {
	Scope  string // "rooms" or "messages"
	RoomID string
	Err    error
}

func (e *FetchError) Error() string {
	if e.RoomID != "" {
		return fmt.Sprintf("fetch %s for room %s: %v", e.Scope, e.RoomID, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Scope, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable is always true; callers may reissue the same request.
func (e *FetchError) Retryable() bool { return true }

// SendError is tied to one send. The optimistic placeholder has been rolled back.
type SendError struct {
	RoomID        string
	PlaceholderID string
	Err           error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to room %s: %v", e.RoomID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Retryable() bool { return true }
