/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package realtime keeps a client's view of one room in step with the
// authoritative store across an unreliable change feed.
package realtime

import (
	"context"
	"errors"

	"github.com/Seednode/songline/feed"
)

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrJoinTimeout   = errors.New("join timed out")
	ErrLoadTimeout   = errors.New("timed out loading room")
)

type ChannelState int

const (
	ChannelJoining ChannelState = iota
	ChannelJoined
	ChannelErrored
	ChannelTimedOut
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelJoined:
		return "joined"
	case ChannelErrored:
		return "errored"
	case ChannelTimedOut:
		return "timed-out"
	case ChannelClosed:
		return "closed"
	default:
		return "joining"
	}
}

// Listener receives everything a channel observes. A transport calls it from
// one goroutine per channel, in arrival order. Nil fields are skipped.
type Listener struct {
	Change    func(feed.Change)
	Broadcast func(feed.Broadcast)
	State     func(ChannelState, error)
}

func (l Listener) change(c feed.Change) {
	if l.Change != nil {
		l.Change(c)
	}
}

func (l Listener) broadcast(b feed.Broadcast) {
	if l.Broadcast != nil {
		l.Broadcast(b)
	}
}

func (l Listener) state(s ChannelState, err error) {
	if l.State != nil {
		l.State(s, err)
	}
}

// Subscription identifies one physical subscription.
type Subscription struct {
	ID       string
	RoomID   string
	PlayerID string
}

// Channel is one live subscription. Close is idempotent. A listener call
// already running when Close is called may still complete.
type Channel interface {
	Send(ctx context.Context, msg feed.Broadcast) error
	Close() error
}

// Transport opens channels to a room's change feed. Subscribe returns once
// the attempt is underway; the outcome arrives through the listener.
type Transport interface {
	Subscribe(ctx context.Context, sub Subscription, l Listener) (Channel, error)
}
