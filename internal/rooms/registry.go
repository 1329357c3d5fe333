package rooms

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/chat"
	"github.com/matheus3301/roomsync/internal/metrics"
	"go.uber.org/zap"
)

// State is the registry's load state.
type State string

const (
	Idle    State = "IDLE"
	Loaded  State = "LOADED"
	Blocked State = "BLOCKED"
)

// Status is what a presentation layer renders for the room list.
type Status struct {
	State  State
	Reason string
	// LastErr is the most recent fetch failure, cleared by a successful load.
	LastErr error
}

// Activity describes a message event affecting a room's summary.
type Activity struct {
	RoomID      string
	Preview     string
	At          time.Time
	ResetUnread bool
	SenderID    string
}

// Registry holds the rooms visible to the current user.
type Registry struct {
	source  chat.RoomSource
	probe   *chat.Probe
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.RWMutex
	rooms  map[string]chat.Room
	self   string
	status Status
}

// NewRegistry creates an empty registry. probe is shared with the engine so
// the backend capability check runs once per session.
func NewRegistry(source chat.RoomSource, probe *chat.Probe, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		source:  source,
		probe:   probe,
		bus:     b,
		metrics: m,
		logger:  logger,
		rooms:   make(map[string]chat.Room),
		status:  Status{State: Idle},
	}
}

// Load fetches the rooms visible to userID. A failed capability probe blocks
// the registry for the rest of the session.
func (r *Registry) Load(ctx context.Context, userID string) ([]chat.Room, error) {
	r.mu.Lock()
	r.self = userID
	blocked := r.status.State == Blocked
	r.mu.Unlock()
	if blocked {
		return nil, &chat.CapabilityError{Reason: r.Status().Reason}
	}

	if err := r.probe.Check(ctx); err != nil {
		reason := err.Error()
		var capErr *chat.CapabilityError
		if errors.As(err, &capErr) {
			reason = capErr.Reason
		}
		r.mu.Lock()
		r.status = Status{State: Blocked, Reason: reason, LastErr: err}
		r.mu.Unlock()
		r.logger.Error("room registry blocked", zap.Error(err))
		return nil, err
	}

	start := time.Now()
	list, err := r.source.ListRooms(ctx, userID)
	r.metrics.ObserveFetch("rooms", start)
	if err != nil {
		fetchErr := &chat.FetchError{Scope: "rooms", Err: err}
		r.mu.Lock()
		r.status.LastErr = fetchErr
		r.mu.Unlock()
		r.metrics.FetchFailed("rooms")
		r.logger.Error("failed to load rooms", zap.Error(err))
		return nil, fetchErr
	}

	r.mu.Lock()
	for _, room := range list {
		r.rooms[room.ID] = room
	}
	r.status = Status{State: Loaded}
	r.mu.Unlock()

	r.logger.Info("rooms loaded", zap.Int("rooms", len(list)))
	r.publish()
	return r.Rooms(), nil
}

// ApplyActivity advances a room's preview and unread count. The preview only
// moves forward in time. Unread is incremented unless resetUnread is set or
// the sender is the local user.
func (r *Registry) ApplyActivity(a Activity) {
	r.mu.Lock()
	room, ok := r.rooms[a.RoomID]
	if !ok {
		room = chat.Room{ID: a.RoomID}
	}
	if !a.At.Before(room.LastActivityAt) {
		room.Preview = a.Preview
		room.LastActivityAt = a.At
	}
	switch {
	case a.ResetUnread:
		room.UnreadCount = 0
	case a.SenderID != "" && a.SenderID == r.self:
		// own sends never count as unread
	default:
		room.UnreadCount++
	}
	r.rooms[a.RoomID] = room
	r.mu.Unlock()

	r.publish()
}

// Upsert applies room metadata from the room list feed. For a known room the
// local unread count is kept and a newer local preview wins.
func (r *Registry) Upsert(room chat.Room) {
	r.mu.Lock()
	if cur, ok := r.rooms[room.ID]; ok {
		room.UnreadCount = cur.UnreadCount
		if room.LastActivityAt.Before(cur.LastActivityAt) {
			room.Preview = cur.Preview
			room.LastActivityAt = cur.LastActivityAt
		}
		if room.Name == "" {
			room.Name = cur.Name
		}
	}
	r.rooms[room.ID] = room
	r.mu.Unlock()

	r.publish()
}

// ResetUnread sets the room's unread count to zero immediately.
func (r *Registry) ResetUnread(roomID string) {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if ok {
		room.UnreadCount = 0
		r.rooms[roomID] = room
	}
	r.mu.Unlock()
	if ok {
		r.publish()
	}
}

// PersistRead writes the read receipt to the backend. A failure is returned
// but the local reset is never rolled back.
func (r *Registry) PersistRead(ctx context.Context, roomID string) error {
	r.mu.RLock()
	self := r.self
	r.mu.RUnlock()
	if err := r.source.MarkRead(ctx, roomID, self); err != nil {
		r.logger.Warn("read receipt not persisted", zap.String("room_id", roomID), zap.Error(err))
		return err
	}
	return nil
}

// MarkRead resets unread locally, then persists the read receipt.
func (r *Registry) MarkRead(ctx context.Context, roomID string) error {
	r.ResetUnread(roomID)
	return r.PersistRead(ctx, roomID)
}

// Room returns a single room.
func (r *Registry) Room(roomID string) (chat.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

// Rooms returns all rooms ordered by last activity, most recent first.
func (r *Registry) Rooms() []chat.Room {
	r.mu.RLock()
	out := make([]chat.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b chat.Room) int {
		if c := b.LastActivityAt.Compare(a.LastActivityAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Status returns the registry's load status.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Registry) publish() {
	r.bus.Publish(bus.NewEvent(bus.KindRoomsUpdated, nil))
}
