package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/chat"
	"github.com/matheus3301/roomsync/internal/messages"
	"github.com/matheus3301/roomsync/internal/metrics"
	"github.com/matheus3301/roomsync/internal/profile"
	"github.com/matheus3301/roomsync/internal/rooms"
	"github.com/matheus3301/roomsync/internal/status"
	"github.com/matheus3301/roomsync/internal/subscription"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("sync engine already started")

// Config carries the session identity and the message window settings.
type Config struct {
	UserID      string
	Self        chat.Profile
	Window      time.Duration
	MatchWindow time.Duration
}

// Deps are the collaborators an Engine is built from. Only Backend is required.
type Deps struct {
	Backend  chat.Backend
	Profiles *profile.Resolver
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	// Subscriptions overrides the default manager, mainly to tune backoff.
	Subscriptions *subscription.Manager
	// Now overrides the clock used for placeholders and the fetch window.
	Now func() time.Time
}

// Engine keeps the client view of rooms and messages in sync with the backend.
//
// Every state change runs on a single loop goroutine. Backend I/O runs on the
// calling goroutine (or the feed's delivery goroutine) and its result is
// posted back to the loop.
type Engine struct {
	cfg      Config
	backend  chat.Backend
	probe    *chat.Probe
	status   *status.Machine
	registry *rooms.Registry
	store    *messages.Store
	subs     *subscription.Manager
	profiles *profile.Resolver
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	posts    chan func()
	quit     chan struct{}
	loopDone chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce stdsync.Once
	stopOnce  stdsync.Once
	stopErr   error

	mu      stdsync.RWMutex
	started bool
	active  string

	// loop owned
	loaded   map[string]bool
	inflight map[string]bool
}

// NewEngine wires an engine. It does nothing until Start.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Backend == nil {
		return nil, errors.New("sync engine: backend is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserID == "" {
		cfg.UserID = cfg.Self.UserID
	}
	if cfg.Self.UserID == "" {
		cfg.Self.UserID = cfg.UserID
	}

	profiles := deps.Profiles
	if profiles == nil {
		var err error
		profiles, err = profile.NewResolver(deps.Backend, profile.DefaultCacheSize, logger.Named("profile"))
		if err != nil {
			return nil, fmt.Errorf("profile resolver: %w", err)
		}
	}
	self := cfg.Self
	if cfg.UserID != "" {
		self.UserID = cfg.UserID
	}
	if self.UserID != "" {
		profiles.SetSelf(self)
	}

	subs := deps.Subscriptions
	if subs == nil {
		subs = subscription.NewManager(deps.Backend, deps.Metrics, logger.Named("subscription"))
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	probe := chat.NewProbe(deps.Backend)
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		backend:  deps.Backend,
		probe:    probe,
		status:   status.NewMachine(deps.Bus),
		registry: rooms.NewRegistry(deps.Backend, probe, deps.Bus, deps.Metrics, logger.Named("rooms")),
		store:    messages.NewStore(messages.Config{Window: cfg.Window, MatchWindow: cfg.MatchWindow}),
		subs:     subs,
		profiles: profiles,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		logger:   logger,
		now:      now,
		posts:    make(chan func()),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		loaded:   make(map[string]bool),
		inflight: make(map[string]bool),
	}, nil
}

// Start probes the backend, loads the room list and opens the room list feed.
// A failed probe leaves the engine BLOCKED for the rest of the session and
// returns a *chat.CapabilityError. A room load failure is returned as a
// *chat.FetchError while the engine stays READY.
func (e *Engine) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	e.startOnce.Do(func() { err = e.start(ctx) })
	return err
}

func (e *Engine) start(ctx context.Context) error {
	e.mu.Lock()
	select {
	case <-e.quit:
		e.mu.Unlock()
		return chat.ErrStopped
	default:
	}
	e.started = true
	e.mu.Unlock()
	go e.run()

	if err := e.status.Transition(status.Probing); err != nil {
		return err
	}
	if err := e.probe.Check(ctx); err != nil {
		reason := err.Error()
		var capErr *chat.CapabilityError
		if errors.As(err, &capErr) {
			reason = capErr.Reason
		}
		_ = e.status.Block(reason)
		// The probe result is memoized; this only records the block.
		_, _ = e.registry.Load(ctx, e.cfg.UserID)
		e.logger.Error("engine blocked", zap.String("reason", reason), zap.Error(err))
		return err
	}
	if err := e.status.Transition(status.Ready); err != nil {
		return err
	}
	e.logger.Info("engine ready", zap.String("user_id", e.cfg.UserID))

	_, loadErr := e.registry.Load(ctx, e.cfg.UserID)
	if loadErr != nil {
		e.fetchFailed(loadErr)
	}
	var feedErr error
	if _, err := e.subs.OpenRoomListFeed(e.ctx, e.onRoomChange); err != nil {
		feedErr = err
		e.logger.Error("room list feed unavailable", zap.Error(err))
	}
	return multierr.Combine(loadErr, feedErr)
}

// Stop closes every subscription and the loop, then moves to STOPPED.
// Later calls return the first call's result.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.cancel()
		e.stopErr = e.subs.CloseAll()

		e.mu.Lock()
		close(e.quit)
		started := e.started
		e.mu.Unlock()
		if started {
			<-e.loopDone
		}
		if err := e.status.Transition(status.Stopped); err != nil {
			e.logger.Warn("stop transition", zap.Error(err))
		}
		e.logger.Info("engine stopped")
	})
	return e.stopErr
}

// Refresh reloads the room list.
func (e *Engine) Refresh(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	_, err := e.registry.Load(ctx, e.cfg.UserID)
	if err != nil {
		e.fetchFailed(err)
	}
	return err
}

// SelectRoom makes roomID the active room. The first selection fetches the
// room's messages inside the window; the room feed is opened once they are
// in. A batch that lands after the user moved on is kept for that room only.
func (e *Engine) SelectRoom(ctx context.Context, roomID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	var fetch, entered bool
	if err := e.do(func() {
		e.setActive(roomID)
		fetch = !e.loaded[roomID] && !e.inflight[roomID]
		if fetch {
			e.inflight[roomID] = true
			return
		}
		if e.loaded[roomID] {
			e.enterRoom(roomID)
			entered = true
		}
	}); err != nil {
		return err
	}
	if !fetch {
		if entered {
			_ = e.registry.PersistRead(ctx, roomID)
		}
		return nil
	}

	since := e.now().Add(-e.store.Window())
	start := time.Now()
	batch, err := e.backend.ListMessages(ctx, roomID, since)
	e.metrics.ObserveFetch("messages", start)
	if err != nil {
		_ = e.post(func() { delete(e.inflight, roomID) })
		fetchErr := &chat.FetchError{Scope: "messages", RoomID: roomID, Err: err}
		e.fetchFailed(fetchErr)
		return fetchErr
	}
	e.attachProfiles(ctx, batch)

	entered = false
	if err := e.do(func() {
		delete(e.inflight, roomID)
		e.loaded[roomID] = true
		added := e.store.InsertFetched(roomID, batch)
		e.logger.Debug("messages fetched", zap.String("room_id", roomID),
			zap.Int("fetched", len(batch)), zap.Int("added", added))
		e.publishMessages(roomID)
		if e.activeRoom() == roomID {
			e.enterRoom(roomID)
			entered = true
		}
	}); err != nil {
		return err
	}
	if entered {
		_ = e.registry.PersistRead(ctx, roomID)
	}
	return nil
}

// Send posts content to roomID. A placeholder is shown at once and replaced
// in place by the canonical message; on failure it is removed and a
// *chat.SendError is returned.
func (e *Engine) Send(ctx context.Context, roomID, senderID, content string) (chat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, chat.ErrEmptyContent
	}
	if err := e.ready(); err != nil {
		return chat.Message{}, err
	}
	if senderID == "" {
		senderID = e.cfg.UserID
	}

	sender := e.profiles.Resolve(ctx, senderID)
	now := e.now()
	placeholder := chat.Message{
		ID:            chat.NewPlaceholderID(),
		RoomID:        roomID,
		SenderID:      senderID,
		Content:       content,
		CreatedAt:     now,
		UpdatedAt:     now,
		SenderProfile: sender,
		Pending:       true,
	}
	if err := e.do(func() {
		e.store.InsertOptimistic(roomID, placeholder)
		e.registry.ApplyActivity(rooms.Activity{
			RoomID:      roomID,
			Preview:     content,
			At:          now,
			ResetUnread: true,
			SenderID:    senderID,
		})
		e.publishMessages(roomID)
	}); err != nil {
		return chat.Message{}, err
	}

	canonical, err := e.backend.SendMessage(ctx, roomID, senderID, content)
	if err != nil {
		_ = e.do(func() {
			if e.store.Rollback(roomID, placeholder.ID) {
				e.publishMessages(roomID)
			}
		})
		e.metrics.SendFailed()
		e.logger.Error("send failed", zap.String("room_id", roomID),
			zap.String("placeholder_id", placeholder.ID), zap.Error(err))
		e.bus.Publish(bus.NewEvent(bus.KindSendFailed, SendFailure{
			RoomID:        roomID,
			PlaceholderID: placeholder.ID,
			Content:       content,
			Err:           err,
		}))
		return chat.Message{}, &chat.SendError{RoomID: roomID, PlaceholderID: placeholder.ID, Err: err}
	}

	if canonical.SenderProfile == (chat.Profile{}) {
		canonical.SenderProfile = sender
	}
	canonical.RoomID = roomID
	if err := e.do(func() { e.reconcile(roomID, canonical, placeholder.ID) }); err != nil {
		// Persisted already; the local view is gone with the loop.
		e.logger.Debug("send acknowledged after stop", zap.String("message_id", canonical.ID))
	}
	return canonical, nil
}

// State returns the engine lifecycle state.
func (e *Engine) State() status.State { return e.status.Current() }

// Reason returns the diagnostic recorded when the engine was blocked.
func (e *Engine) Reason() string { return e.status.Reason() }

// ActiveRoom returns the selected room, if any.
func (e *Engine) ActiveRoom() (string, bool) {
	id := e.activeRoom()
	return id, id != ""
}

// Rooms returns the room list, most recent activity first.
func (e *Engine) Rooms() []chat.Room { return e.registry.Rooms() }

// RegistryStatus returns the room list load status.
func (e *Engine) RegistryStatus() rooms.Status { return e.registry.Status() }

// Messages returns roomID's messages inside the window ending at now.
func (e *Engine) Messages(roomID string, now time.Time) []chat.Message {
	return e.store.VisibleMessages(roomID, now)
}

// CurrentMessages returns the active room's visible messages.
func (e *Engine) CurrentMessages(now time.Time) []chat.Message {
	id := e.activeRoom()
	if id == "" {
		return nil
	}
	return e.store.VisibleMessages(id, now)
}

func (e *Engine) ready() error {
	switch e.status.Current() {
	case status.Ready:
		return nil
	case status.Blocked:
		return &chat.CapabilityError{Reason: e.status.Reason()}
	case status.Stopped:
		return chat.ErrStopped
	default:
		return chat.ErrNotReady
	}
}

func (e *Engine) run() {
	defer close(e.loopDone)
	for {
		select {
		case fn := <-e.posts:
			fn()
		case <-e.quit:
			return
		}
	}
}

// post queues fn on the loop. Refused once Stop has begun.
func (e *Engine) post(fn func()) error {
	select {
	case <-e.quit:
		return chat.ErrStopped
	default:
	}
	select {
	case e.posts <- fn:
		return nil
	case <-e.quit:
		return chat.ErrStopped
	}
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(fn func()) error {
	done := make(chan struct{})
	if err := e.post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-e.loopDone:
		select {
		case <-done:
			return nil
		default:
			return chat.ErrStopped
		}
	}
}

func (e *Engine) activeRoom() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// setActive runs on the loop. Leaving a room closes its feed.
func (e *Engine) setActive(roomID string) {
	e.mu.Lock()
	prev := e.active
	e.active = roomID
	e.mu.Unlock()
	if prev != "" && prev != roomID {
		if err := e.subs.CloseRoomFeed(); err != nil {
			e.logger.Warn("closing room feed", zap.String("room_id", prev), zap.Error(err))
		}
	}
}

// enterRoom runs on the loop once roomID's messages are in and it is active.
func (e *Engine) enterRoom(roomID string) {
	e.registry.ResetUnread(roomID)
	if _, err := e.subs.OpenRoomFeed(e.ctx, roomID, e.onRoomInsert(roomID)); err != nil {
		e.logger.Error("room feed unavailable", zap.String("room_id", roomID), zap.Error(err))
	}
}

// reconcile runs on the loop.
func (e *Engine) reconcile(roomID string, msg chat.Message, placeholderID string) messages.Outcome {
	outcome := e.store.Reconcile(roomID, msg, placeholderID)
	e.metrics.Reconciled(string(outcome))
	if outcome == messages.OutcomeDuplicate {
		e.logger.Debug("duplicate message", zap.String("room_id", roomID), zap.String("message_id", msg.ID))
	}
	e.publishMessages(roomID)
	return outcome
}

func (e *Engine) onRoomInsert(roomID string) func(chat.Message) {
	return func(msg chat.Message) {
		msg.SenderProfile = e.profiles.Resolve(e.ctx, msg.SenderID)
		_ = e.post(func() { e.reconcile(roomID, msg, "") })
	}
}

func (e *Engine) onRoomChange(change chat.RoomChange) {
	var msg *chat.Message
	if change.Message != nil {
		m := *change.Message
		m.SenderProfile = e.profiles.Resolve(e.ctx, m.SenderID)
		msg = &m
		if change.Room.ID == "" {
			change.Room.ID = m.RoomID
		}
	}
	if change.Room.ID == "" {
		return
	}
	_ = e.post(func() {
		roomID := change.Room.ID
		e.registry.Upsert(change.Room)
		if change.Kind != chat.RoomActivity || msg == nil {
			return
		}
		active := e.activeRoom() == roomID
		outcome := e.reconcile(roomID, *msg, "")
		// A redelivered activity must not count twice.
		if outcome == messages.OutcomeDuplicate && !active {
			return
		}
		e.registry.ApplyActivity(rooms.Activity{
			RoomID:      roomID,
			Preview:     msg.Content,
			At:          msg.CreatedAt,
			ResetUnread: active,
			SenderID:    msg.SenderID,
		})
	})
}

func (e *Engine) attachProfiles(ctx context.Context, batch []chat.Message) {
	seen := make(map[string]chat.Profile)
	for i := range batch {
		id := batch[i].SenderID
		p, ok := seen[id]
		if !ok {
			p = e.profiles.Resolve(ctx, id)
			seen[id] = p
		}
		batch[i].SenderProfile = p
	}
}

func (e *Engine) fetchFailed(err error) {
	failure := FetchFailure{Scope: "rooms", Err: err}
	var fe *chat.FetchError
	if errors.As(err, &fe) {
		failure.Scope = fe.Scope
		failure.RoomID = fe.RoomID
		if fe.Scope == "messages" {
			e.metrics.FetchFailed(fe.Scope)
			e.logger.Error("failed to fetch messages", zap.String("room_id", fe.RoomID), zap.Error(fe.Err))
		}
	}
	e.bus.Publish(bus.NewEvent(bus.KindFetchFailed, failure))
}

func (e *Engine) publishMessages(roomID string) {
	e.bus.Publish(bus.NewEvent(bus.KindMessagesChanged, MessagesChanged{RoomID: roomID}))
}
