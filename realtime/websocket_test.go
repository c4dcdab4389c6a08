/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/songline/feed"
	"github.com/Seednode/songline/game"
)

type stateEvent struct {
	state ChannelState
	err   error
}

// wsRecorder collects listener calls from a websocket channel.
type wsRecorder struct {
	states  chan stateEvent
	changes chan feed.Change
}

func newWSRecorder() *wsRecorder {
	return &wsRecorder{
		states:  make(chan stateEvent, 8),
		changes: make(chan feed.Change, 8),
	}
}

func (r *wsRecorder) listener() Listener {
	return Listener{
		State:  func(s ChannelState, err error) { r.states <- stateEvent{s, err} },
		Change: func(c feed.Change) { r.changes <- c },
	}
}

func (r *wsRecorder) nextState(t *testing.T) stateEvent {
	t.Helper()

	select {
	case ev := <-r.states:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no channel state reported")
		return stateEvent{}
	}
}

func feedServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		handle(conn)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func wsTransport(base string) *WebsocketTransport {
	nop := zerolog.Nop()
	return &WebsocketTransport{BaseURL: base, JoinTimeout: 100 * time.Millisecond, Logger: &nop}
}

func TestWebsocketTransport_RoundTrip(t *testing.T) {
	var (
		mu       sync.Mutex
		received []feed.Frame
		done     = make(chan struct{})
	)

	srv := feedServer(t, func(conn *websocket.Conn) {
		assert.NoError(t, conn.WriteJSON(feed.Frame{Type: feed.FrameJoined, Subscription: "s1"}))

		change, err := feed.NewChange(feed.TableRooms, feed.OpUpdate, "r1", game.Room{ID: "r1"})
		assert.NoError(t, err)
		assert.NoError(t, conn.WriteJSON(feed.Frame{Type: feed.FrameChange, Change: &change}))

		var f feed.Frame
		if err := conn.ReadJSON(&f); err == nil {
			mu.Lock()
			received = append(received, f)
			mu.Unlock()
		}
		close(done)

		_, _, _ = conn.ReadMessage()
	})

	rec := newWSRecorder()
	ch, err := wsTransport(srv.URL).Subscribe(context.Background(), Subscription{ID: "s1", RoomID: "r1"}, rec.listener())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	assert.Equal(t, ChannelJoined, rec.nextState(t).state)

	select {
	case c := <-rec.changes:
		assert.Equal(t, feed.TableRooms, c.Table)
		assert.Equal(t, "r1", c.RoomID)
	case <-time.After(5 * time.Second):
		t.Fatal("change not delivered")
	}

	require.NoError(t, ch.Send(context.Background(), feed.Broadcast{Event: EventTurnAdvanced}))
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, feed.FrameBroadcast, received[0].Type)
	assert.Equal(t, EventTurnAdvanced, received[0].Broadcast.Event)

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(context.Background(), feed.Broadcast{}), ErrChannelClosed)
}

func TestWebsocketTransport_JoinTimeout(t *testing.T) {
	srv := feedServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	rec := newWSRecorder()
	ch, err := wsTransport(srv.URL).Subscribe(context.Background(), Subscription{ID: "s1", RoomID: "r1"}, rec.listener())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	ev := rec.nextState(t)
	assert.Equal(t, ChannelTimedOut, ev.state)
	assert.ErrorIs(t, ev.err, ErrJoinTimeout)
}

func TestWebsocketTransport_ServerClose(t *testing.T) {
	srv := feedServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(feed.Frame{Type: feed.FrameJoined})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	})

	rec := newWSRecorder()
	ch, err := wsTransport(srv.URL).Subscribe(context.Background(), Subscription{ID: "s1", RoomID: "r1"}, rec.listener())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	assert.Equal(t, ChannelJoined, rec.nextState(t).state)
	assert.Equal(t, ChannelClosed, rec.nextState(t).state)
}

func TestWebsocketTransport_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: "room not found", Code: "room_not_found", Kind: "fatal_config"})
	}))
	t.Cleanup(srv.Close)

	_, err := wsTransport(srv.URL).Subscribe(context.Background(), Subscription{ID: "s1", RoomID: "r1"}, Listener{})
	assert.ErrorIs(t, err, game.ErrRoomNotFound)

	srv.Close()

	_, err = wsTransport(srv.URL).Subscribe(context.Background(), Subscription{ID: "s1", RoomID: "r1"}, Listener{})
	assert.ErrorIs(t, err, game.ErrUnavailable)
}
