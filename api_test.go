/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/songline/feed"
	"github.com/Seednode/songline/game"
	"github.com/Seednode/songline/realtime"
	"github.com/Seednode/songline/session"
	"github.com/Seednode/songline/store"
)

func songs(n int) []game.Song {
	out := make([]game.Song, n)
	for i := range out {
		out[i] = game.Song{ID: fmt.Sprintf("song-%d", i), Title: fmt.Sprintf("Hit %d", i), Artist: "Band", ReleaseYear: 1980 + i}
	}
	return out
}

type testServer struct {
	*httptest.Server
	cfg    *Config
	broker *feed.Broker
	store  *store.Memory
	svc    *session.Service
}

func newTestServer(t *testing.T, cfg *Config) *testServer {
	t.Helper()

	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.feedRate == 0 {
		cfg.feedRate = 100
	}
	if cfg.feedBurst == 0 {
		cfg.feedBurst = 100
	}

	nop := zerolog.Nop()
	broker := feed.NewBroker(feed.WithLogger(nop))
	mem := store.NewMemory(broker)
	svc := session.NewService(mem, session.Options{
		Logger: &nop,
		// Keep the deck in pool order.
		Intn: func(k int) int { return k - 1 },
	})

	srv := httptest.NewServer(newRouter(cfg, mem, svc, broker))
	t.Cleanup(func() {
		srv.Close()
		broker.Close()
		svc.Wait()
	})

	return &testServer{Server: srv, cfg: cfg, broker: broker, store: mem, svc: svc}
}

func (s *testServer) as(player string) *realtime.HTTPBackend {
	return &realtime.HTTPBackend{BaseURL: s.URL, PlayerID: player}
}

// lobby creates a room hosted by "host" and seats players in order.
func (s *testServer) lobby(t *testing.T, threshold int, players ...string) game.Room {
	t.Helper()
	ctx := context.Background()

	room, err := s.as("host").CreateRoom(ctx, threshold)
	require.NoError(t, err)

	for _, p := range players {
		res, err := s.as(p).Join(ctx, room.LobbyCode, realtime.JoinRequest{Name: p})
		require.NoError(t, err)
		require.Equal(t, p, res.Player.ID)
	}

	return room
}

func TestAPI_PlaysARound(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()

	room := srv.lobby(t, 2, "alice", "bob")
	assert.Equal(t, "host", room.HostID)
	assert.Equal(t, game.PhaseLobby, room.Phase)
	assert.Equal(t, 2, room.WinThreshold)

	alice, bob, host := srv.as("alice"), srv.as("bob"), srv.as("host")
	pool := songs(4)

	_, err := alice.StartGame(ctx, room.ID, pool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")

	started, err := host.StartGame(ctx, room.ID, pool)
	require.NoError(t, err)
	assert.Equal(t, game.PhasePlaying, started.Phase)
	assert.Equal(t, "alice", started.CurrentPlayerID)
	require.NotNil(t, started.CurrentSong)
	assert.Equal(t, pool[0].ID, started.CurrentSong.ID)

	_, err = bob.PlaceCard(ctx, session.Request{RoomID: room.ID, Guess: pool[0], Mystery: pool[0]})
	assert.ErrorIs(t, err, game.ErrNotYourTurn)

	// The body cannot speak for another player.
	_, err = bob.PlaceCard(ctx, session.Request{RoomID: room.ID, PlayerID: "alice", Guess: pool[0], Mystery: pool[0]})
	assert.ErrorIs(t, err, game.ErrNotYourTurn)

	res, err := alice.PlaceCard(ctx, session.Request{RoomID: room.ID, Guess: pool[0], Mystery: pool[0]})
	require.NoError(t, err)
	assert.True(t, res.Correct)
	assert.Equal(t, 1, res.Turn)
	assert.Equal(t, 1, res.Score)
	assert.Equal(t, "bob", res.NextPlayerID)

	_, err = alice.PlaceCard(ctx, session.Request{RoomID: room.ID, Guess: pool[0], Mystery: pool[0]})
	assert.ErrorIs(t, err, game.ErrNotYourTurn)

	_, err = bob.PlaceCard(ctx, session.Request{RoomID: room.ID, Guess: pool[1], Mystery: pool[1], Position: 3})
	assert.ErrorIs(t, err, game.ErrInvalidPlacement)

	res, err = bob.PlaceCard(ctx, session.Request{RoomID: room.ID, Guess: pool[3], Mystery: pool[1]})
	require.NoError(t, err)
	assert.False(t, res.Correct)
	assert.Equal(t, 0, res.Score)

	players, err := host.ListPlayers(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, players, 2)
	for _, p := range players {
		assert.Equal(t, len(p.Timeline), p.Score, p.ID)
	}

	srv.svc.Wait()

	moves, err := host.ListMoves(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, moves, 2)

	current, err := host.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, current.CurrentTurn)
	assert.Equal(t, "alice", current.CurrentPlayerID)

	reset, err := host.ResetToLobby(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, game.PhaseLobby, reset.Phase)
}

func TestAPI_Lobby(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()

	room := srv.lobby(t, 0, "alice", "bob")
	assert.Equal(t, game.DefaultWinThreshold, room.WinThreshold)

	_, err := srv.as("carol").Join(ctx, room.LobbyCode, realtime.JoinRequest{Name: "Alice"})
	assert.ErrorIs(t, err, game.ErrNameTaken)

	_, err = srv.as("carol").Join(ctx, "NOPE", realtime.JoinRequest{Name: "carol"})
	assert.ErrorIs(t, err, game.ErrRoomNotFound)

	_, err = srv.as("carol").Join(ctx, room.LobbyCode, realtime.JoinRequest{Name: "  "})
	assert.ErrorIs(t, err, game.ErrInvalidName)

	t.Run("update", func(t *testing.T) {
		body := `{"name":"Alicia","color":"#ff0000"}`

		resp := srv.do(t, http.MethodPut, "/api/rooms/"+room.ID+"/players/alice", "alice", body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp = srv.do(t, http.MethodPut, "/api/rooms/"+room.ID+"/players/alice", "bob", body)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("leave", func(t *testing.T) {
		resp := srv.do(t, http.MethodDelete, "/api/rooms/"+room.ID+"/players/alice", "bob", "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp = srv.do(t, http.MethodDelete, "/api/rooms/"+room.ID+"/players/bob", "bob", "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = srv.do(t, http.MethodDelete, "/api/rooms/"+room.ID+"/players/alice", "host", "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		players, err := srv.as("host").ListPlayers(ctx, room.ID)
		require.NoError(t, err)
		assert.Empty(t, players)
	})

	t.Run("lookup by code", func(t *testing.T) {
		resp := srv.do(t, http.MethodGet, "/api/lobby/"+room.LobbyCode, "", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func (s *testServer) do(t *testing.T, method, path, player, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if player != "" {
		req.AddCookie(&http.Cookie{Name: realtime.PlayerCookie, Value: player})
	}

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func TestAPI_AssignsPlayerCookie(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := srv.do(t, http.MethodPost, "/api/rooms", "", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == realtime.PlayerCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Len(t, cookie.Value, 32)
	assert.True(t, cookie.HttpOnly)

	// An existing cookie is kept.
	resp = srv.do(t, http.MethodPost, "/api/rooms", "host", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Cookies())
}

func TestAPI_Errors(t *testing.T) {
	srv := newTestServer(t, nil)
	room := srv.lobby(t, 3, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		player string
		body   string
		status int
		code   string
	}{
		{"missing room", http.MethodGet, "/api/rooms/nope", "", "", http.StatusNotFound, "room_not_found"},
		{"missing room players", http.MethodGet, "/api/rooms/nope/players", "", "", http.StatusNotFound, "room_not_found"},
		{"malformed body", http.MethodPost, "/api/rooms/" + room.ID + "/place", "alice", "{", http.StatusBadRequest, "bad_request"},
		{"empty pool", http.MethodPost, "/api/rooms/" + room.ID + "/start", "host", `{"songs":[]}`, http.StatusBadRequest, "invalid_song_pool"},
		{"place in lobby", http.MethodPost, "/api/rooms/" + room.ID + "/place", "alice", `{"mystery":{"id":"song-0"}}`, http.StatusConflict, "not_your_turn"},
		{"reset by player", http.MethodPost, "/api/rooms/" + room.ID + "/reset", "alice", "", http.StatusForbidden, "forbidden"},
		{"missing lobby qr", http.MethodGet, "/api/lobby/NOPE/qr", "", "", http.StatusNotFound, "room_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.do(t, tt.method, tt.path, tt.player, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			raw, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(raw), `"code":"`+tt.code+`"`)
		})
	}
}

func TestAPI_QRCode(t *testing.T) {
	srv := newTestServer(t, nil)
	room := srv.lobby(t, 3)

	resp := srv.do(t, http.MethodGet, "/api/lobby/"+room.LobbyCode+"/qr", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("\x89PNG")))
}

func TestJoinURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://party.example.com/songline/api/lobby/ABCD/qr", nil)
	assert.Equal(t, "http://party.example.com/songline/api/lobby/ABCD", joinURL(r))

	r.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://party.example.com/songline/api/lobby/ABCD", joinURL(r))
}

func TestOperationalEndpoints(t *testing.T) {
	srv := newTestServer(t, &Config{prefix: "/songline/", profile: true})

	tests := []struct {
		path string
		want string
	}{
		{"/songline/healthz", "Ok\n"},
		{"/songline/version", "songline v" + releaseVersion + "\n"},
		{"/songline/robots.txt", "User-agent: GPTBot"},
	}

	for _, tt := range tests {
		resp := srv.do(t, http.MethodGet, tt.path, "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode, tt.path)
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(raw), tt.want)
	}

	resp := srv.do(t, http.MethodGet, "/songline/pprof/goroutine", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
