/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package feed

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Broker fans out changes and broadcasts to the subscribers of each room.
// Every subscriber has its own queue and delivery goroutine; a subscriber
// whose queue overflows is dropped instead of stalling publishers.
type Broker struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	buffer int
	logger zerolog.Logger
}

type BrokerOption func(*Broker)

func WithBuffer(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithLogger(l zerolog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = l
	}
}

func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		rooms:  make(map[string]map[*Subscription]struct{}),
		buffer: DefaultBuffer,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscription is one registered listener.
type Subscription struct {
	broker *Broker
	roomID string
	queue  chan Message
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) RoomID() string {
	return s.roomID
}

// Done is closed once the subscription is cancelled or dropped and its
// delivery goroutine has stopped calling the handler.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel removes the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.broker.remove(s)
}

// Subscribe registers fn for every message of roomID. fn runs on a
// dedicated goroutine, one message at a time, in publish order.
func (b *Broker) Subscribe(roomID string, fn func(Message)) *Subscription {
	sub := &Subscription{
		broker: b,
		roomID: roomID,
		queue:  make(chan Message, b.buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	subs, ok := b.rooms[roomID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.rooms[roomID] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(sub.done)

		for msg := range sub.queue {
			fn(msg)
		}
	}()

	return sub
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(sub)
}

func (b *Broker) removeLocked(sub *Subscription) {
	sub.once.Do(func() {
		if subs, ok := b.rooms[sub.roomID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.rooms, sub.roomID)
			}
		}
		close(sub.queue)
	})
}

// Publish delivers c to every subscriber of c.RoomID.
func (b *Broker) Publish(c Change) {
	b.deliver(c.RoomID, Message{Change: &c}, nil)
}

// Broadcast delivers msg to every subscriber of roomID except the sender.
func (b *Broker) Broadcast(roomID string, msg Broadcast, except *Subscription) {
	b.deliver(roomID, Message{Broadcast: &msg}, except)
}

func (b *Broker) deliver(roomID string, msg Message, except *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.rooms[roomID] {
		if sub == except {
			continue
		}

		select {
		case sub.queue <- msg:
		default:
			b.logger.Warn().
				Str("room", roomID).
				Int("buffer", b.buffer).
				Msg("FEED: subscriber overflowed, dropping")
			b.removeLocked(sub)
		}
	}
}

// Subscribers reports how many listeners roomID has.
func (b *Broker) Subscribers(roomID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.rooms[roomID])
}

// Close drops every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.rooms {
		for sub := range subs {
			b.removeLocked(sub)
		}
	}
}
