/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/songline/feed"
	"github.com/Seednode/songline/game"
	"github.com/Seednode/songline/realtime"
	"github.com/Seednode/songline/session"
	"github.com/Seednode/songline/store"
)

const (
	maxBodySize = 1 << 20
	qrSize      = 320
)

type api struct {
	cfg    *Config
	store  store.Store
	svc    *session.Service
	broker *feed.Broker
}

func getOrSetPlayerID(cfg *Config, w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(realtime.PlayerCookie); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Error().Err(err).Msg("SERVE: unable to generate player id")
		return ""
	}
	id := hex.EncodeToString(buf)

	path := cfg.prefix
	if path == "" {
		path = "/"
	}

	http.SetCookie(w, &http.Cookie{
		Name:     realtime.PlayerCookie,
		Value:    id,
		Path:     path,
		HttpOnly: true,
		Secure:   cfg.scheme() == "https",
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}

	return nil
}

// caller resolves the player cookie, writing an error response if there is
// none to be had.
func (a *api) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := getOrSetPlayerID(a.cfg, w, r)
	if id == "" {
		writeError(a.cfg, w, r, fmt.Errorf("assign player id: %w", game.ErrUnavailable))
		return "", false
	}

	return id, true
}

func (a *api) requireHost(r *http.Request, roomID, playerID string) error {
	room, err := a.store.GetRoom(r.Context(), roomID)
	if err != nil {
		return err
	}
	if room.HostID != playerID {
		return fmt.Errorf("%s on %s: %w", r.URL.Path, roomID, errForbidden)
	}

	return nil
}

func (a *api) createRoom(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	host, ok := a.caller(w, r)
	if !ok {
		return
	}

	var req realtime.CreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	room, err := a.svc.CreateRoom(r.Context(), host, req.WinThreshold)
	if err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	writeJSON(a.cfg, w, http.StatusCreated, room)
}

func (a *api) getRoom(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	room, err := a.store.GetRoom(r.Context(), ps.ByName("room"))
	if err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	writeJSON(a.cfg, w, http.StatusOK, room)
}

func (a *api) getLobby(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	room, err := a.store.GetRoomByCode(r.Context(), ps.ByName("code"))
	if err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	writeJSON(a.cfg, w, http.StatusOK, room)
}

func (a *api) listPlayers(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	players, err := a.store.ListPlayers(r.Context(), ps.ByName("room"))
	if err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	writeJSON(a.cfg, w, http.StatusOK, players)
}

func (a *api) listMoves(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	moves, err := a.store.ListMoves(r.Context(), ps.ByName("room"))
	if err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	writeJSON(a.cfg, w, http.StatusOK, moves)
}

func (a *api) join(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}

	var req realtime.JoinRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	room, player, err := a.svc.Join(r.Context(), ps.ByName("code"), game.Player{
		ID:            id,
		Name:          req.Name,
		Color:         req.Color,
		TimelineColor: req.TimelineColor,
	})
	if err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	writeJSON(a.cfg, w, http.StatusOK, realtime.JoinResponse{Room: room, Player: player})
}

func (a *api) updatePlayer(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}

	if ps.ByName("player") != id {
		writeError(a.cfg, w, r, fmt.Errorf("update %s: %w", ps.ByName("player"), errForbidden))
		return
	}

	var req realtime.JoinRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	player, err := a.svc.UpdatePlayer(r.Context(), ps.ByName("room"), id, req.Name, req.Color, req.TimelineColor)
	if err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	writeJSON(a.cfg, w, http.StatusOK, player)
}

func (a *api) leave(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}

	roomID, target := ps.ByName("room"), ps.ByName("player")

	if target != id {
		if err := a.requireHost(r, roomID, id); err != nil {
			writeError(a.cfg, w, r, err)
			return
		}
	}

	if err := a.svc.Leave(r.Context(), roomID, target); err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *api) start(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}

	roomID := ps.ByName("room")
	if err := a.requireHost(r, roomID, id); err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	var req realtime.StartRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	room, err := a.svc.StartGame(r.Context(), roomID, req.Songs)
	if err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	writeJSON(a.cfg, w, http.StatusOK, room)
}

func (a *api) reset(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}

	roomID := ps.ByName("room")
	if err := a.requireHost(r, roomID, id); err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	room, err := a.svc.ResetToLobby(r.Context(), roomID)
	if err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	writeJSON(a.cfg, w, http.StatusOK, room)
}

func (a *api) place(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}

	var req session.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	// The cookie and the path are authoritative over the body.
	req.RoomID = ps.ByName("room")
	req.PlayerID = id

	res, err := a.svc.PlaceCard(r.Context(), req)
	if err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	writeJSON(a.cfg, w, http.StatusOK, res)
}

// joinURL is the address of the lobby lookup the QR code points at.
func joinURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	return scheme + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "/qr")
}

func (a *api) qr(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if _, err := a.store.GetRoomByCode(r.Context(), ps.ByName("code")); err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	png, err := qrcode.Encode(joinURL(r), qrcode.Medium, qrSize)
	if err != nil {
		writeError(a.cfg, w, r, fmt.Errorf("encode qr code: %w", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	securityHeaders(a.cfg, w)
	_, _ = w.Write(png)
}

func registerAPI(cfg *Config, mux *httprouter.Router, a *api) {
	p := cfg.prefix + "/api"

	mux.POST(p+"/rooms", logged("create room", a.createRoom))
	mux.GET(p+"/rooms/:room", logged("room", a.getRoom))
	mux.GET(p+"/rooms/:room/players", logged("players", a.listPlayers))
	mux.GET(p+"/rooms/:room/moves", logged("moves", a.listMoves))
	mux.PUT(p+"/rooms/:room/players/:player", logged("update player", a.updatePlayer))
	mux.DELETE(p+"/rooms/:room/players/:player", logged("leave", a.leave))
	mux.POST(p+"/rooms/:room/start", logged("start", a.start))
	mux.POST(p+"/rooms/:room/reset", logged("reset", a.reset))
	mux.POST(p+"/rooms/:room/place", logged("place", a.place))
	mux.GET(p+"/rooms/:room/feed", a.feed)

	mux.GET(p+"/lobby/:code", logged("lobby", a.getLobby))
	mux.POST(p+"/lobby/:code/players", logged("join", a.join))
	mux.GET(p+"/lobby/:code/qr", logged("qr code", a.qr))
}
