/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Seednode/songline/game"
	"github.com/Seednode/songline/session"
)

// PlayerCookie carries the caller's player id, as set by the server.
const PlayerCookie = "songline_id"

// ErrorBody is the JSON shape of every API error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Kind  string `json:"kind"`
}

// StartRequest is the body of a start-game call.
type StartRequest struct {
	Songs []game.Song `json:"songs"`
}

// CreateRequest is the body of a create-room call.
type CreateRequest struct {
	WinThreshold int `json:"win_threshold,omitempty"`
}

// JoinRequest is the body of a join call.
type JoinRequest struct {
	Name          string `json:"name"`
	Color         string `json:"color,omitempty"`
	TimelineColor string `json:"timeline_color,omitempty"`
}

// JoinResponse is returned by a successful join.
type JoinResponse struct {
	Room   game.Room   `json:"room"`
	Player game.Player `json:"player"`
}

// HTTPBackend is a Fetcher and Mutator backed by a songline server.
type HTTPBackend struct {
	BaseURL  string
	PlayerID string
	Client   *http.Client
}

func (b *HTTPBackend) GetRoom(ctx context.Context, roomID string) (game.Room, error) {
	var room game.Room
	err := b.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID), nil, &room)

	return room, err
}

func (b *HTTPBackend) ListPlayers(ctx context.Context, roomID string) ([]game.Player, error) {
	var players []game.Player
	err := b.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/players", nil, &players)

	return players, err
}

func (b *HTTPBackend) ListMoves(ctx context.Context, roomID string) ([]game.Move, error) {
	var moves []game.Move
	err := b.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/moves", nil, &moves)

	return moves, err
}

func (b *HTTPBackend) PlaceCard(ctx context.Context, req session.Request) (session.Result, error) {
	var res session.Result
	err := b.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(req.RoomID)+"/place", req, &res)

	return res, err
}

func (b *HTTPBackend) StartGame(ctx context.Context, roomID string, pool []game.Song) (game.Room, error) {
	var room game.Room
	err := b.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/start", StartRequest{Songs: pool}, &room)

	return room, err
}

func (b *HTTPBackend) ResetToLobby(ctx context.Context, roomID string) (game.Room, error) {
	var room game.Room
	err := b.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/reset", nil, &room)

	return room, err
}

func (b *HTTPBackend) CreateRoom(ctx context.Context, threshold int) (game.Room, error) {
	var room game.Room
	err := b.do(ctx, http.MethodPost, "/api/rooms", CreateRequest{WinThreshold: threshold}, &room)

	return room, err
}

func (b *HTTPBackend) Join(ctx context.Context, code string, req JoinRequest) (JoinResponse, error) {
	var res JoinResponse
	err := b.do(ctx, http.MethodPost, "/api/lobby/"+url.PathEscape(code)+"/players", req, &res)

	return res, err
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(b.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.PlayerID != "" {
		req.AddCookie(&http.Cookie{Name: PlayerCookie, Value: b.PlayerID})
	}

	client := b.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, game.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(op, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w: %w", op, game.ErrUnavailable, err)
	}

	return nil
}

func decodeError(op string, resp *http.Response) error {
	var body ErrorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	if sentinel := game.ErrorFor(body.Code); sentinel != nil {
		return fmt.Errorf("%s: %w", op, sentinel)
	}

	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w: %s (status %d)", op, game.ErrUnavailable, msg, resp.StatusCode)
	}

	return fmt.Errorf("%s: %s (status %d)", op, msg, resp.StatusCode)
}
