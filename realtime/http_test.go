/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/songline/game"
	"github.com/Seednode/songline/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()

	mux := httprouter.New()

	mux.GET("/api/rooms/:room", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if ps.ByName("room") != "r1" {
			writeJSON(w, http.StatusNotFound, ErrorBody{Error: "room not found", Code: "room_not_found", Kind: "fatal_config"})
			return
		}
		writeJSON(w, http.StatusOK, game.Room{ID: "r1", Phase: game.PhasePlaying, CurrentTurn: 4})
	})

	mux.GET("/api/rooms/:room/players", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, []game.Player{{ID: "alice", Name: "alice"}})
	})

	mux.POST("/api/rooms/:room/place", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		cookie, err := r.Cookie(PlayerCookie)
		require.NoError(t, err)

		var req session.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if cookie.Value != "alice" || req.PlayerID != "alice" {
			writeJSON(w, http.StatusConflict, ErrorBody{Error: "not your turn", Code: "not_your_turn", Kind: "stale_turn"})
			return
		}
		writeJSON(w, http.StatusOK, session.Result{Correct: true, Turn: 5, NextPlayerID: "bob"})
	})

	mux.POST("/api/rooms/:room/start", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if len(req.Songs) == 0 {
			writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid song pool", Code: "invalid_song_pool", Kind: "validation"})
			return
		}
		writeJSON(w, http.StatusOK, game.Room{ID: "r1", Phase: game.PhasePlaying, Songs: req.Songs})
	})

	mux.POST("/api/rooms/:room/reset", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func TestHTTPBackend(t *testing.T) {
	srv := fakeAPI(t)
	ctx := context.Background()

	alice := &HTTPBackend{BaseURL: srv.URL + "/", PlayerID: "alice"}
	bob := &HTTPBackend{BaseURL: srv.URL, PlayerID: "bob"}

	room, err := alice.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 4, room.CurrentTurn)

	_, err = alice.GetRoom(ctx, "missing")
	assert.ErrorIs(t, err, game.ErrRoomNotFound)
	assert.Equal(t, game.KindFatalConfig, game.KindOf(err))

	players, err := alice.ListPlayers(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, players, 1)

	res, err := alice.PlaceCard(ctx, session.Request{RoomID: "r1", PlayerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Turn)

	_, err = bob.PlaceCard(ctx, session.Request{RoomID: "r1", PlayerID: "bob"})
	assert.ErrorIs(t, err, game.ErrNotYourTurn)

	_, err = alice.StartGame(ctx, "r1", nil)
	assert.ErrorIs(t, err, game.ErrInvalidSongPool)

	started, err := alice.StartGame(ctx, "r1", songs(2))
	require.NoError(t, err)
	assert.Len(t, started.Songs, 2)

	_, err = alice.ResetToLobby(ctx, "r1")
	assert.ErrorIs(t, err, game.ErrUnavailable, "a gateway failure is transient")
}

func TestHTTPBackend_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	b := &HTTPBackend{BaseURL: srv.URL}
	_, err := b.GetRoom(context.Background(), "r1")
	assert.ErrorIs(t, err, game.ErrUnavailable)
}

func TestFeedURL(t *testing.T) {
	sub := Subscription{ID: "abc", RoomID: "room 1", PlayerID: "alice"}

	got, err := FeedURL("https://party.example.com/songline/", sub)
	require.NoError(t, err)
	assert.Equal(t, "wss://party.example.com/songline/api/rooms/room%201/feed?player=alice&subscription=abc", got)

	got, err = FeedURL("http://localhost:8080", Subscription{ID: "x", RoomID: "r"})
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/api/rooms/r/feed?subscription=x", got)

	_, err = FeedURL("ftp://example.com", sub)
	assert.Error(t, err)
}
