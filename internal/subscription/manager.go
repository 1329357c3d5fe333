package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/roomsync/internal/chat"
	"github.com/matheus3301/roomsync/internal/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	feedRoom = "room"
	feedList = "list"
)

// ErrClosed is returned when opening a feed after CloseAll.
var ErrClosed = errors.New("subscription manager closed")

type subscribeFunc func(ctx context.Context) (chat.Subscription, error)

// Handle is an open feed. It survives drops of the underlying subscription:
// the manager swaps in a fresh one until the handle is closed.
type Handle struct {
	feed      string
	roomID    string
	subscribe subscribeFunc
	ctx       context.Context
	cancel    context.CancelFunc

	mu     sync.Mutex
	sub    chat.Subscription
	closed bool
}

// RoomID returns the room a room feed is bound to; empty for the list feed.
func (h *Handle) RoomID() string { return h.roomID }

// Closed reports whether the handle has been closed.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) current() chat.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sub
}

// Manager owns the push subscriptions of one engine: at most one room feed
// and one room list feed.
type Manager struct {
	feeds      chat.Feeds
	metrics    *metrics.Metrics
	logger     *zap.Logger
	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	room   *Handle
	list   *Handle
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackOff sets the policy used between resubscription attempts.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackOff = f }
}

// NewManager creates a manager over feeds.
func NewManager(feeds chat.Feeds, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	mgr := &Manager{
		feeds:   feeds,
		metrics: m,
		logger:  logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// OpenRoomFeed subscribes to roomID's message inserts. An open feed for a
// different room is closed first; the same room returns the existing handle.
func (m *Manager) OpenRoomFeed(ctx context.Context, roomID string, onInsert func(chat.Message)) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.room != nil && !m.room.Closed() && m.room.roomID == roomID {
		return m.room, nil
	}
	if m.room != nil {
		if err := m.closeHandle(m.room); err != nil {
			m.logger.Warn("closing previous room feed", zap.String("room_id", m.room.roomID), zap.Error(err))
		}
		m.room = nil
	}

	subscribe := func(ctx context.Context) (chat.Subscription, error) {
		return m.feeds.SubscribeMessages(ctx, roomID, onInsert)
	}
	h, err := m.open(ctx, feedRoom, roomID, subscribe)
	if err != nil {
		return nil, fmt.Errorf("subscribe room %s: %w", roomID, err)
	}
	m.room = h
	m.logger.Debug("room feed opened", zap.String("room_id", roomID))
	return h, nil
}

// OpenRoomListFeed subscribes to room set changes for the session. Calling it
// again returns the existing handle.
func (m *Manager) OpenRoomListFeed(ctx context.Context, onChange func(chat.RoomChange)) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.list != nil && !m.list.Closed() {
		return m.list, nil
	}

	subscribe := func(ctx context.Context) (chat.Subscription, error) {
		return m.feeds.SubscribeRoomChanges(ctx, onChange)
	}
	h, err := m.open(ctx, feedList, "", subscribe)
	if err != nil {
		return nil, fmt.Errorf("subscribe room list: %w", err)
	}
	m.list = h
	m.logger.Debug("room list feed opened")
	return h, nil
}

func (m *Manager) open(ctx context.Context, feed, roomID string, subscribe subscribeFunc) (*Handle, error) {
	sub, err := subscribe(ctx)
	if err != nil {
		return nil, err
	}
	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		feed:      feed,
		roomID:    roomID,
		subscribe: subscribe,
		ctx:       hctx,
		cancel:    cancel,
		sub:       sub,
	}
	m.metrics.SubscriptionOpened()
	m.wg.Add(1)
	go m.watch(h)
	return h, nil
}

// watch resubscribes whenever the live subscription ends without Close.
func (m *Manager) watch(h *Handle) {
	defer m.wg.Done()
	for {
		sub := h.current()
		select {
		case <-h.ctx.Done():
			return
		case <-sub.Done():
		}
		if h.Closed() {
			return
		}
		m.logger.Warn("push subscription dropped, resubscribing",
			zap.String("feed", h.feed), zap.String("room_id", h.roomID), zap.Error(sub.Err()))

		var next chat.Subscription
		err := backoff.Retry(func() error {
			s, err := h.subscribe(h.ctx)
			if err != nil {
				m.logger.Debug("resubscribe attempt failed", zap.String("feed", h.feed), zap.Error(err))
				return err
			}
			next = s
			return nil
		}, backoff.WithContext(m.newBackOff(), h.ctx))
		if err != nil {
			return
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			_ = next.Close()
			return
		}
		h.sub = next
		h.mu.Unlock()
		m.metrics.Resubscribed(h.feed)
		m.logger.Info("push subscription restored", zap.String("feed", h.feed), zap.String("room_id", h.roomID))
	}
}

func (m *Manager) closeHandle(h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sub := h.sub
	h.mu.Unlock()

	h.cancel()
	m.metrics.SubscriptionClosed()
	return sub.Close()
}

// Close closes h. Idempotent; nil and already closed handles are fine.
func (m *Manager) Close(h *Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	if m.room == h {
		m.room = nil
	}
	if m.list == h {
		m.list = nil
	}
	m.mu.Unlock()
	return m.closeHandle(h)
}

// CloseRoomFeed closes the active room feed, if any.
func (m *Manager) CloseRoomFeed() error {
	m.mu.Lock()
	h := m.room
	m.room = nil
	m.mu.Unlock()
	return m.closeHandle(h)
}

// RoomFeed returns the room the active room feed is bound to.
func (m *Manager) RoomFeed() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil || m.room.Closed() {
		return "", false
	}
	return m.room.roomID, true
}

// Active returns the number of open feeds.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range []*Handle{m.room, m.list} {
		if h != nil && !h.Closed() {
			n++
		}
	}
	return n
}

// CloseAll closes every feed, refuses new ones and waits for the watchers to exit.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	m.closed = true
	room, list := m.room, m.list
	m.room, m.list = nil, nil
	m.mu.Unlock()

	err := multierr.Combine(m.closeHandle(room), m.closeHandle(list))
	m.wg.Wait()
	return err
}
