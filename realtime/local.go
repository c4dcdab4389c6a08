/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package realtime

import (
	"context"
	"sync"

	"github.com/Seednode/songline/feed"
)

// LocalTransport subscribes straight to an in-process broker. It is what
// the server uses for its own clients and what the end-to-end tests use.
type LocalTransport struct {
	Broker *feed.Broker
}

func (t LocalTransport) Subscribe(ctx context.Context, sub Subscription, l Listener) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := &localChannel{
		broker:   t.Broker,
		roomID:   sub.RoomID,
		listener: l,
		events:   make(chan feed.Message, feed.DefaultBuffer),
		quit:     make(chan struct{}),
	}

	ch.sub = t.Broker.Subscribe(sub.RoomID, func(msg feed.Message) {
		select {
		case ch.events <- msg:
		case <-ch.quit:
		}
	})

	go ch.run()

	return ch, nil
}

type localChannel struct {
	broker   *feed.Broker
	sub      *feed.Subscription
	roomID   string
	listener Listener
	events   chan feed.Message
	quit     chan struct{}
	once     sync.Once
}

func (c *localChannel) run() {
	c.listener.state(ChannelJoined, nil)

	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.events:
			c.dispatch(msg)
		case <-c.sub.Done():
			// The broker has stopped delivering, so whatever is queued is
			// all there will be.
			for drained := false; !drained; {
				select {
				case msg := <-c.events:
					c.dispatch(msg)
				default:
					drained = true
				}
			}

			if !c.closed() {
				c.listener.state(ChannelClosed, ErrChannelClosed)
			}

			return
		}
	}
}

func (c *localChannel) dispatch(msg feed.Message) {
	if c.closed() {
		return
	}

	switch {
	case msg.Change != nil:
		c.listener.change(*msg.Change)
	case msg.Broadcast != nil:
		c.listener.broadcast(*msg.Broadcast)
	}
}

func (c *localChannel) closed() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

func (c *localChannel) Send(ctx context.Context, msg feed.Broadcast) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed() {
		return ErrChannelClosed
	}

	c.broker.Broadcast(c.roomID, msg, c.sub)

	return nil
}

func (c *localChannel) Close() error {
	c.once.Do(func() {
		close(c.quit)
		c.sub.Cancel()
	})

	return nil
}
