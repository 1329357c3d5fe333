package store

import (
	"context"
	"sync"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/chat"
)

// Feed is the push channel behind the backend: SendMessage publishes into it
// and the engine's subscriptions read from it.
type Feed interface {
	PublishMessage(ctx context.Context, msg chat.Message) error
	PublishRoomChange(ctx context.Context, change chat.RoomChange) error
	SubscribeMessages(ctx context.Context, roomID string, onInsert func(chat.Message)) (chat.Subscription, error)
	SubscribeRoomChanges(ctx context.Context, onChange func(chat.RoomChange)) (chat.Subscription, error)
}

const busFeedBuffer = 256

// BusFeed carries pushes over the in-process bus. It only reaches
// subscribers in the same process.
type BusFeed struct {
	bus *bus.Bus
}

// NewBusFeed creates a feed on b.
func NewBusFeed(b *bus.Bus) *BusFeed {
	return &BusFeed{bus: b}
}

func (f *BusFeed) PublishMessage(_ context.Context, msg chat.Message) error {
	f.bus.Publish(bus.NewEvent(bus.RoomFeedKind(msg.RoomID), msg))
	return nil
}

func (f *BusFeed) PublishRoomChange(_ context.Context, change chat.RoomChange) error {
	f.bus.Publish(bus.NewEvent(bus.KindRoomListChange, change))
	return nil
}

func (f *BusFeed) SubscribeMessages(ctx context.Context, roomID string, onInsert func(chat.Message)) (chat.Subscription, error) {
	return f.subscribe(ctx, bus.RoomFeedNamespace(roomID), func(evt bus.Event) {
		if msg, ok := evt.Payload.(chat.Message); ok {
			onInsert(msg)
		}
	}), nil
}

func (f *BusFeed) SubscribeRoomChanges(ctx context.Context, onChange func(chat.RoomChange)) (chat.Subscription, error) {
	return f.subscribe(ctx, bus.KindRoomListChange, func(evt bus.Event) {
		if change, ok := evt.Payload.(chat.RoomChange); ok {
			onChange(change)
		}
	}), nil
}

func (f *BusFeed) subscribe(ctx context.Context, namespace string, deliver func(bus.Event)) *busSubscription {
	ch, unsub := f.bus.Subscribe(namespace, busFeedBuffer)
	sub := &busSubscription{unsub: unsub, done: make(chan struct{})}
	go func() {
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				deliver(evt)
			case <-ctx.Done():
				_ = sub.Close()
				return
			case <-sub.done:
				return
			}
		}
	}()
	return sub
}

// busSubscription never drops on its own; it ends only through Close or the
// subscribe context.
type busSubscription struct {
	once  sync.Once
	unsub func()
	done  chan struct{}
}

// Close stops delivery without waiting for an in-progress handler.
func (s *busSubscription) Close() error {
	s.once.Do(func() {
		s.unsub()
		close(s.done)
	})
	return nil
}

func (s *busSubscription) Done() <-chan struct{} { return s.done }

func (s *busSubscription) Err() error { return nil }
