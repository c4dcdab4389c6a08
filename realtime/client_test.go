/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/songline/clock"
	"github.com/Seednode/songline/feed"
	"github.com/Seednode/songline/game"
	"github.com/Seednode/songline/session"
	"github.com/Seednode/songline/store"
	"github.com/Seednode/songline/turns"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func songs(n int) []game.Song {
	out := make([]game.Song, n)
	for i := range out {
		out[i] = game.Song{ID: fmt.Sprintf("song-%d", i), Title: fmt.Sprintf("Hit %d", i), Artist: "Band", ReleaseYear: 1970 + i}
	}
	return out
}

// party is one room served in-process, with a client per device.
type party struct {
	broker  *feed.Broker
	store   *store.Memory
	svc     *session.Service
	clock   *clock.Fake
	room    game.Room
	clients map[string]*Client
}

func newParty(t *testing.T, players ...string) *party {
	t.Helper()

	nop := zerolog.Nop()
	broker := feed.NewBroker(feed.WithLogger(nop))
	mem := store.NewMemory(broker)
	svc := session.NewService(mem, session.Options{
		Logger: &nop,
		// Keep the deck in pool order.
		Intn: func(k int) int { return k - 1 },
	})
	t.Cleanup(svc.Wait)

	ctx := context.Background()
	room, err := svc.CreateRoom(ctx, "host", 3)
	require.NoError(t, err)

	for _, name := range players {
		_, _, err := svc.Join(ctx, room.LobbyCode, game.Player{ID: name, Name: name})
		require.NoError(t, err)
	}

	p := &party{
		broker:  broker,
		store:   mem,
		svc:     svc,
		clock:   clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		room:    room,
		clients: make(map[string]*Client),
	}

	for _, id := range append([]string{"host"}, players...) {
		p.clients[id] = p.client(t, id, LocalTransport{Broker: broker})
	}

	return p
}

func (p *party) client(t *testing.T, id string, transport Transport) *Client {
	t.Helper()

	nop := zerolog.Nop()
	c, err := NewClient(ClientOptions{
		PlayerID:  id,
		Transport: transport,
		Fetcher:   p.store,
		Mutator:   p.svc,
		Clock:     p.clock,
		Random:    func() float64 { return 0 },
		Logger:    &nop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func (p *party) loadAll(t *testing.T) {
	t.Helper()

	for id, c := range p.clients {
		require.NoError(t, c.Load(context.Background(), p.room.ID, waitFor), id)
	}
}

func roomOf(c *Client) game.Room {
	room, _ := c.Room().Get()
	return room
}

func playerOf(c *Client, id string) game.Player {
	players, _ := c.Players().Get()
	for _, p := range players {
		if p.ID == id {
			return p
		}
	}
	return game.Player{}
}

// settle waits until every client has seen turn and then runs the turn
// transition to completion.
func (p *party) settle(t *testing.T, turn int) {
	t.Helper()

	for id, c := range p.clients {
		require.Eventually(t, func() bool {
			return roomOf(c).CurrentTurn == turn && c.Turns().State().Turn == turn
		}, waitFor, tick, "%s never saw turn %d", id, turn)
	}

	p.clock.Advance(turns.DefaultTimings.FadeOut + turns.DefaultTimings.Show + turns.DefaultTimings.FadeIn)

	for _, c := range p.clients {
		assert.Equal(t, turns.Idle, c.Turns().State().Phase)
	}
}

func TestClient_PlaysARound(t *testing.T) {
	p := newParty(t, "alice", "bob")
	p.loadAll(t)

	for _, c := range p.clients {
		st, _ := c.Status().Get()
		assert.True(t, st.Connected)
		assert.False(t, st.Loading)
		assert.Equal(t, game.PhaseLobby, roomOf(c).Phase)
	}

	ctx := context.Background()
	_, err := p.clients["host"].StartGame(ctx, songs(6))
	require.NoError(t, err)

	alice, bob, host := p.clients["alice"], p.clients["bob"], p.clients["host"]

	require.Eventually(t, func() bool {
		room := roomOf(alice)
		return room.Phase == game.PhasePlaying && room.CurrentSong != nil && room.CurrentPlayerID == "alice"
	}, waitFor, tick)

	mystery := *roomOf(alice).CurrentSong
	res, err := alice.PlaceCard(ctx, mystery, 0)
	require.NoError(t, err)
	assert.True(t, res.Correct)
	assert.Equal(t, 1, res.Turn)
	assert.Equal(t, "bob", res.NextPlayerID)

	// The next placement waits for the hand-over to finish.
	require.Eventually(t, func() bool { return len(playerOf(alice, "alice").Timeline) == 1 }, waitFor, tick)
	_, err = alice.PlaceCard(ctx, game.Song{ID: "song-1"}, 1)
	assert.ErrorIs(t, err, game.ErrTransitionInProgress)

	for id, c := range p.clients {
		require.Eventually(t, func() bool {
			room := roomOf(c)
			return room.CurrentPlayerID == "bob" && len(playerOf(c, "alice").Timeline) == 1
		}, waitFor, tick, id)
	}

	require.Eventually(t, func() bool {
		hint, ok := host.Hints().Get()
		return ok && hint.Event == EventTurnAdvanced && hint.From == "alice"
	}, waitFor, tick)

	p.settle(t, 1)

	// A wrong guess still passes the turn.
	res, err = bob.PlaceCard(ctx, game.Song{ID: "song-5"}, 0)
	require.NoError(t, err)
	assert.False(t, res.Correct)
	assert.Equal(t, "alice", res.NextPlayerID)

	p.settle(t, 2)
	assert.Empty(t, playerOf(host, "bob").Timeline)

	// Bob's view is current, but it is no longer his turn.
	_, err = bob.PlaceCard(ctx, *roomOf(bob).CurrentSong, 0)
	assert.ErrorIs(t, err, game.ErrNotYourTurn)
	assert.Equal(t, turns.Idle, bob.Turns().State().Phase, "a rejected placement does not animate")
}

func TestClient_RejectsInvalidPlacementLocally(t *testing.T) {
	p := newParty(t, "alice")
	p.loadAll(t)

	ctx := context.Background()
	_, err := p.clients["host"].StartGame(ctx, songs(4))
	require.NoError(t, err)

	alice := p.clients["alice"]
	require.Eventually(t, func() bool { return roomOf(alice).CurrentSong != nil }, waitFor, tick)

	_, err = alice.PlaceCard(ctx, *roomOf(alice).CurrentSong, 3)
	assert.ErrorIs(t, err, game.ErrInvalidPlacement)
	assert.Equal(t, 0, roomOf(alice).CurrentTurn)

	assert.NoError(t, alice.Turns().Begin(), "validation failures never take the gate")
}

// countingTransport counts the changes delivered through it.
type countingTransport struct {
	inner   Transport
	changes atomic.Int64
}

func (t *countingTransport) Subscribe(ctx context.Context, sub Subscription, l Listener) (Channel, error) {
	change := l.Change
	l.Change = func(c feed.Change) {
		t.changes.Add(1)
		change(c)
	}

	return t.inner.Subscribe(ctx, sub, l)
}

func TestClient_SubscribeTwiceKeepsOneChannel(t *testing.T) {
	p := newParty(t, "alice")
	counting := &countingTransport{inner: LocalTransport{Broker: p.broker}}
	c := p.client(t, "watcher", counting)

	ctx := context.Background()
	require.NoError(t, c.Subscribe(ctx, p.room.ID))
	require.NoError(t, c.Subscribe(ctx, p.room.ID))
	require.NoError(t, c.Load(ctx, p.room.ID, waitFor))

	// Only the watcher is subscribed; the party's own clients never loaded.
	assert.Equal(t, 1, p.broker.Subscribers(p.room.ID))

	room, err := p.store.GetRoom(ctx, p.room.ID)
	require.NoError(t, err)
	room.WinThreshold = 5
	require.NoError(t, p.store.UpdateRoom(ctx, room))

	require.Eventually(t, func() bool { return roomOf(c).WinThreshold == 5 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), counting.changes.Load(), "the change arrives exactly once")
}

func TestClient_ReconnectsAndResyncs(t *testing.T) {
	p := newParty(t, "alice")
	p.loadAll(t)
	alice := p.clients["alice"]

	// Dropping every subscriber stands in for a network outage.
	p.broker.Close()

	require.Eventually(t, func() bool {
		st, _ := alice.Status().Get()
		return st.Reconnecting && st.Attempt == 1
	}, waitFor, tick)
	assert.Equal(t, game.PhaseLobby, roomOf(alice).Phase, "the last snapshot is kept while offline")

	// Missed while disconnected.
	ctx := context.Background()
	_, err := p.svc.StartGame(ctx, p.room.ID, songs(4))
	require.NoError(t, err)

	p.clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		st, _ := alice.Status().Get()
		return st.Connected && st.Attempt == 0 && roomOf(alice).Phase == game.PhasePlaying
	}, waitFor, tick)
}

func TestClient_ManualReconnectAfterGivingUp(t *testing.T) {
	p := newParty(t, "alice")

	flaky := &flakyTransport{inner: LocalTransport{Broker: p.broker}}
	flaky.down.Store(true)
	c := p.client(t, "tablet", flaky)

	require.NoError(t, c.Subscribe(context.Background(), p.room.ID))
	for _, delay := range []time.Duration{1, 2, 4, 8, 16} {
		p.clock.Advance(delay * time.Second)
	}

	st, _ := c.Status().Get()
	require.True(t, st.Failed)
	assert.ErrorIs(t, st.LastError, game.ErrUnavailable)

	flaky.down.Store(false)
	c.Reconnect()

	require.Eventually(t, func() bool {
		st, _ := c.Status().Get()
		return st.Connected && !st.Failed
	}, waitFor, tick)
}

// flakyTransport refuses every subscription while down is set.
type flakyTransport struct {
	inner Transport
	down  atomic.Bool
}

func (t *flakyTransport) Subscribe(ctx context.Context, sub Subscription, l Listener) (Channel, error) {
	if t.down.Load() {
		return nil, fmt.Errorf("dial: %w", game.ErrUnavailable)
	}

	return t.inner.Subscribe(ctx, sub, l)
}

func TestClient_DeletedRoomFails(t *testing.T) {
	p := newParty(t, "alice")
	p.loadAll(t)
	alice := p.clients["alice"]

	require.NoError(t, p.store.DeleteRoom(context.Background(), p.room.ID))

	require.Eventually(t, func() bool {
		st, _ := alice.Status().Get()
		return st.Failed && !st.Connected
	}, waitFor, tick)

	st, _ := alice.Status().Get()
	assert.ErrorIs(t, st.LastError, game.ErrRoomNotFound)
	assert.Empty(t, p.clock.Pending(), "nothing is retried")
}

func TestClient_LoadMissingRoomFailsFast(t *testing.T) {
	p := newParty(t)
	c := p.client(t, "tablet", LocalTransport{Broker: p.broker})

	err := c.Load(context.Background(), "no-such-room", time.Minute)
	assert.ErrorIs(t, err, game.ErrRoomNotFound)

	st, _ := c.Status().Get()
	assert.True(t, st.Failed)
	assert.False(t, st.Loading)
	assert.Empty(t, p.clock.Pending(), "no watchdog and no retry")
}

func TestClient_WinNeverShowsWhilePlaying(t *testing.T) {
	for _, during := range []string{"players", "room"} {
		t.Run(during, func(t *testing.T) {
			nop := zerolog.Nop()
			broker := feed.NewBroker(feed.WithLogger(nop))
			mem := store.NewMemory(broker)
			svc := session.NewService(mem, session.Options{Logger: &nop})
			t.Cleanup(svc.Wait)

			ctx := context.Background()
			room, err := svc.CreateRoom(ctx, "host", 1)
			require.NoError(t, err)
			for _, name := range []string{"alice", "bob"} {
				_, _, err := svc.Join(ctx, room.LobbyCode, game.Player{ID: name, Name: name})
				require.NoError(t, err)
			}
			_, err = svc.StartGame(ctx, room.ID, songs(4))
			require.NoError(t, err)

			// The winning placement commits in the middle of the join resync.
			commit := func() {
				res, err := win(ctx, svc, mem, room.ID)
				assert.NoError(t, err)
				assert.True(t, res.Won)
			}
			fetcher := &interleavedFetcher{Fetcher: mem}
			if during == "players" {
				fetcher.onPlayers = commit
			} else {
				fetcher.onRoom = commit
			}

			c, err := NewClient(ClientOptions{
				PlayerID:  "bob",
				Transport: LocalTransport{Broker: broker},
				Fetcher:   fetcher,
				Mutator:   svc,
				Clock:     clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
				Random:    func() float64 { return 0 },
				Logger:    &nop,
			})
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })

			mixed := func() bool {
				r := roomOf(c)
				if r.Phase != game.PhasePlaying {
					return false
				}
				players, _ := c.Players().Get()
				for _, p := range players {
					if len(p.Timeline) >= r.WinThreshold {
						return true
					}
				}
				return false
			}

			require.NoError(t, c.Load(ctx, room.ID, waitFor))
			assert.False(t, mixed(), "a finished timeline is never shown in a playing room")

			require.Eventually(t, func() bool {
				return roomOf(c).Phase == game.PhaseFinished && playerOf(c, "alice").Score == 1
			}, waitFor, tick)
			assert.False(t, mixed())
		})
	}
}

// silentTransport never reports a join.
type silentTransport struct{}

type silentChannel struct{}

func (silentTransport) Subscribe(context.Context, Subscription, Listener) (Channel, error) {
	return silentChannel{}, nil
}

func (silentChannel) Send(context.Context, feed.Broadcast) error { return nil }
func (silentChannel) Close() error                               { return nil }

func TestClient_LoadTimesOut(t *testing.T) {
	p := newParty(t)
	c := p.client(t, "tablet", silentTransport{})

	err := c.Load(context.Background(), p.room.ID, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLoadTimeout)

	st, _ := c.Status().Get()
	assert.True(t, st.Loading)

	// The watchdog clears the flag once the grace period is over too.
	p.clock.Advance(20*time.Millisecond + DefaultLoadGrace)

	st, _ = c.Status().Get()
	assert.False(t, st.Loading)
}

func TestClient_CloseReleasesEverything(t *testing.T) {
	p := newParty(t, "alice")
	p.loadAll(t)

	var wg sync.WaitGroup
	for _, c := range p.clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Close())
		}()
	}
	wg.Wait()

	assert.Zero(t, p.broker.Subscribers(p.room.ID))
	assert.Empty(t, p.clock.Pending())

	err := p.clients["alice"].Subscribe(context.Background(), p.room.ID)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestNewClientNeedsTransport(t *testing.T) {
	_, err := NewClient(ClientOptions{Fetcher: store.NewMemory(nil)})
	assert.Error(t, err)
}
