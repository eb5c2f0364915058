// Package events is the in-process publish/subscribe hub that decouples transport goroutines from
// consumers. Publish is synchronous: subscribers run on the publisher's goroutine, in registration order.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type EventType string

const (
	MessageReceived EventType = "MESSAGE_RECEIVED"
	Connected       EventType = "CONNECTED"
	Disconnected    EventType = "DISCONNECTED"

	FileProgress  EventType = "FILE_PROGRESS"
	FileCompleted EventType = "FILE_COMPLETED"
	FileError     EventType = "FILE_ERROR"

	AudioFrame         EventType = "AUDIO_FRAME"
	VideoFrame         EventType = "VIDEO_FRAME"
	VideoFrameComplete EventType = "VIDEO_FRAME_COMPLETE"

	RoomCreated       EventType = "ROOM_CREATED"
	RoomApproved      EventType = "ROOM_APPROVED"
	RoomRejected      EventType = "ROOM_REJECTED"
	RoomClosed        EventType = "ROOM_CLOSED"
	RoomMemberAdded   EventType = "ROOM_MEMBER_ADDED"
	RoomMemberRemoved EventType = "ROOM_MEMBER_REMOVED"

	UserListUpdated EventType = "USER_LIST_UPDATED"
	UserJoined      EventType = "USER_JOINED"
	UserLeft        EventType = "USER_LEFT"
	AdminAction     EventType = "ADMIN_ACTION"
	RoomEvent       EventType = "ROOM_EVENT"
)

// Event is never serialized onto the relay wire.
type Event struct {
	Type   EventType `json:"type"`
	Data   any       `json:"data,omitempty"`
	Source string    `json:"source,omitempty"`
}

// Publisher is the half of the Bus that producers depend on.
type Publisher interface {
	Publish(event Event)
}

// Subscriber may return an error; it is logged and does not stop delivery.
type Subscriber func(Event) error

type SubscriptionId uint64

type subscription struct {
	id SubscriptionId
	fn Subscriber
}

type BusConfig struct {
	Logger *zap.Logger
}

type Bus struct {
	log *zap.Logger

	nextId atomic.Uint64

	mut_subscribers sync.RWMutex
	subscribers     []subscription
}

func CreateBus(config BusConfig) *Bus {
	logger := config.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &Bus{
		log:         logger.With(zap.String("handler", "EventBus")),
		subscribers: []subscription{},
	}
}

func (b *Bus) Subscribe(fn Subscriber) SubscriptionId {
	id := SubscriptionId(b.nextId.Add(1))

	b.mut_subscribers.Lock()
	defer b.mut_subscribers.Unlock()
	b.subscribers = append(b.subscribers, subscription{id: id, fn: fn})

	return id
}

// SubscribeFunc is Subscribe for subscribers that never fail.
func (b *Bus) SubscribeFunc(fn func(Event)) SubscriptionId {
	return b.Subscribe(func(e Event) error {
		fn(e)
		return nil
	})
}

func (b *Bus) Unsubscribe(id SubscriptionId) {
	b.mut_subscribers.Lock()
	defer b.mut_subscribers.Unlock()

	for i, sub := range b.subscribers {
		if sub.id == id {
			b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
			return
		}
	}
}

func (b *Bus) Publish(event Event) {
	// Snapshot so subscribers may (un)subscribe from inside a callback.
	b.mut_subscribers.RLock()
	subs := make([]subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mut_subscribers.RUnlock()

	for _, sub := range subs {
		if err := b.deliver(sub, event); err != nil {
			b.log.Warn("Event subscriber failed",
				zap.String("eventType", string(event.Type)),
				zap.String("source", event.Source),
				zap.Uint64("subscriptionId", uint64(sub.id)),
				zap.Error(err))
		}
	}
}

func (b *Bus) deliver(sub subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()

	return sub.fn(event)
}

// SubscribeBuffered moves delivery for one subscriber onto its own goroutine behind a bounded queue.
// Ordering is preserved for that subscriber; events are dropped (and counted) when the queue is full,
// so a slow consumer never blocks the publisher. The returned func unsubscribes and stops the goroutine.
func (b *Bus) SubscribeBuffered(queueLength int, fn func(Event)) (SubscriptionId, func()) {
	if queueLength <= 0 {
		queueLength = 64
	}

	queue := make(chan Event, queueLength)
	done := make(chan struct{})
	var dropped atomic.Uint64
	var stopOnce sync.Once

	go func() {
		for {
			select {
			case <-done:
				return
			case e := <-queue:
				fn(e)
			}
		}
	}()

	id := b.SubscribeFunc(func(e Event) {
		select {
		case queue <- e:
		default:
			if n := dropped.Add(1); n == 1 || n%100 == 0 {
				b.log.Warn("Buffered subscriber queue full, dropping events", zap.Uint64("dropped", n))
			}
		}
	})

	return id, func() {
		stopOnce.Do(func() {
			b.Unsubscribe(id)
			close(done)
		})
	}
}
