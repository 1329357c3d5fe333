// Package redisfeed carries the push channel over Redis pub/sub so several
// daemons sharing one database see each other's sends.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/matheus3301/roomsync/internal/chat"
	"github.com/matheus3301/roomsync/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ store.Feed = (*Feed)(nil)

const channelPrefix = "roomsync:"

// RoomChannel returns the channel a room's message inserts are published on.
func RoomChannel(roomID string) string {
	return channelPrefix + "room:" + roomID
}

// RoomsChannel is the channel for room list changes.
const RoomsChannel = channelPrefix + "rooms"

// Feed publishes and subscribes JSON payloads on Redis channels.
type Feed struct {
	client *redis.Client
	logger *zap.Logger
}

// New connects to redisURL and verifies the connection.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{client: client, logger: logger}
}

// Close closes the Redis connection.
func (f *Feed) Close() error {
	return f.client.Close()
}

// Ping checks the Redis connection.
func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func (f *Feed) publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}
	return f.client.Publish(ctx, channel, data).Err()
}

func (f *Feed) PublishMessage(ctx context.Context, msg chat.Message) error {
	return f.publish(ctx, RoomChannel(msg.RoomID), msg)
}

func (f *Feed) PublishRoomChange(ctx context.Context, change chat.RoomChange) error {
	return f.publish(ctx, RoomsChannel, change)
}

func (f *Feed) SubscribeMessages(ctx context.Context, roomID string, onInsert func(chat.Message)) (chat.Subscription, error) {
	return f.subscribe(ctx, RoomChannel(roomID), func(payload []byte) error {
		var msg chat.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		onInsert(msg)
		return nil
	})
}

func (f *Feed) SubscribeRoomChanges(ctx context.Context, onChange func(chat.RoomChange)) (chat.Subscription, error) {
	return f.subscribe(ctx, RoomsChannel, func(payload []byte) error {
		var change chat.RoomChange
		if err := json.Unmarshal(payload, &change); err != nil {
			return err
		}
		onChange(change)
		return nil
	})
}

// subscribe waits for Redis to confirm the subscription before returning, so
// nothing published afterwards is missed.
func (f *Feed) subscribe(ctx context.Context, channel string, deliver func([]byte) error) (*subscription, error) {
	ps := f.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &subscription{ps: ps, done: make(chan struct{})}
	ch := ps.Channel()
	go func() {
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					sub.end(chat.ErrSubscriptionDropped)
					return
				}
				if err := deliver([]byte(m.Payload)); err != nil {
					f.logger.Warn("malformed push payload", zap.String("channel", channel), zap.Error(err))
				}
			case <-ctx.Done():
				_ = sub.Close()
				return
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Close unsubscribes. It does not wait for a handler in progress.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		close(s.done)
	})
	return err
}

// end marks the subscription as dropped unless Close got there first.
func (s *subscription) end(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		_ = s.ps.Close()
		close(s.done)
	})
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
