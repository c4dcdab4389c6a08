/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package feed

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) add(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func TestBroker_PublishInOrderPerRoom(t *testing.T) {
	b := NewBroker(WithLogger(zerolog.Nop()))
	defer b.Close()

	var inRoom, elsewhere recorder
	b.Subscribe("r1", inRoom.add)
	b.Subscribe("r2", elsewhere.add)

	for i := range 10 {
		c, err := NewChange(TablePlayers, OpUpdate, "r1", map[string]int{"n": i})
		require.NoError(t, err)
		b.Publish(c)
	}

	require.Eventually(t, func() bool { return inRoom.len() == 10 }, time.Second, 5*time.Millisecond)

	for i, m := range inRoom.snapshot() {
		require.NotNil(t, m.Change)
		var row map[string]int
		require.NoError(t, m.Change.Decode(&row))
		assert.Equal(t, i, row["n"])
	}
	assert.Zero(t, elsewhere.len())
}

func TestBroker_BroadcastSkipsSender(t *testing.T) {
	b := NewBroker(WithLogger(zerolog.Nop()))
	defer b.Close()

	var sender, other recorder
	from := b.Subscribe("r1", sender.add)
	b.Subscribe("r1", other.add)

	b.Broadcast("r1", Broadcast{Event: "turn_advanced", From: "p1"}, from)

	require.Eventually(t, func() bool { return other.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "turn_advanced", other.snapshot()[0].Broadcast.Event)
	assert.Zero(t, sender.len())
}

func TestBroker_CancelIsIdempotent(t *testing.T) {
	b := NewBroker(WithLogger(zerolog.Nop()))

	sub := b.Subscribe("r1", func(Message) {})
	assert.Equal(t, 1, b.Subscribers("r1"))

	sub.Cancel()
	sub.Cancel()

	<-sub.Done()
	assert.Zero(t, b.Subscribers("r1"))

	c, err := NewChange(TableRooms, OpDelete, "r1", struct{}{})
	require.NoError(t, err)
	b.Publish(c)
}

func TestBroker_DropsOverflowingSubscriber(t *testing.T) {
	b := NewBroker(WithBuffer(2), WithLogger(zerolog.Nop()))
	defer b.Close()

	release := make(chan struct{})
	slow := b.Subscribe("r1", func(Message) { <-release })

	var fast recorder
	b.Subscribe("r1", fast.add)

	for i := range 5 {
		c, err := NewChange(TableRooms, OpUpdate, "r1", struct{}{})
		require.NoError(t, err)
		b.Publish(c)

		require.Eventually(t, func() bool { return fast.len() == i+1 }, time.Second, time.Millisecond)
	}

	close(release)

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}

	assert.Equal(t, 1, b.Subscribers("r1"))
}

func TestFrameFor(t *testing.T) {
	c := Change{Table: TableRooms, Op: OpUpdate, RoomID: "r1"}
	assert.Equal(t, FrameChange, FrameFor(Message{Change: &c}).Type)
	assert.Equal(t, FrameBroadcast, FrameFor(Message{Broadcast: &Broadcast{Event: "x"}}).Type)

	var empty Change
	assert.Error(t, empty.Decode(&struct{}{}))
}
