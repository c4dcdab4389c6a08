/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Seednode/songline/feed"
	"github.com/Seednode/songline/game"
)

// Memory keeps every record in process. Values are deep-copied on the way
// in and out so callers never share slices with the store.
type Memory struct {
	mu      sync.Mutex
	rooms   map[string]game.Room
	codes   map[string]string
	players map[string]map[string]game.Player
	moves   map[string][]game.Move
	notify  Notifier
}

func NewMemory(n Notifier) *Memory {
	return &Memory{
		rooms:   make(map[string]game.Room),
		codes:   make(map[string]string),
		players: make(map[string]map[string]game.Player),
		moves:   make(map[string][]game.Move),
		notify:  notifierOrNop(n),
	}
}

func (m *Memory) CreateRoom(ctx context.Context, room game.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[room.ID]; ok {
		return fmt.Errorf("create room %s: %w", room.ID, game.ErrLobbyCodeTaken)
	}
	code := game.NormalizeLobbyCode(room.LobbyCode)
	if _, ok := m.codes[code]; ok {
		return fmt.Errorf("create room %s: %w", room.ID, game.ErrLobbyCodeTaken)
	}

	room = normalizeRoom(room)
	room.LobbyCode = code
	m.rooms[room.ID] = room
	m.codes[code] = room.ID
	m.players[room.ID] = make(map[string]game.Player)

	changes(m.notify, roomChange(feed.OpInsert, room))

	return nil
}

func (m *Memory) GetRoom(ctx context.Context, roomID string) (game.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return game.Room{}, fmt.Errorf("get room %s: %w", roomID, game.ErrRoomNotFound)
	}

	return room.Clone(), nil
}

func (m *Memory) GetRoomByCode(ctx context.Context, code string) (game.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.codes[game.NormalizeLobbyCode(code)]
	if !ok {
		return game.Room{}, fmt.Errorf("get room by code %s: %w", code, game.ErrRoomNotFound)
	}

	return m.rooms[id].Clone(), nil
}

func (m *Memory) UpdateRoom(ctx context.Context, room game.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.rooms[room.ID]
	if !ok {
		return fmt.Errorf("update room %s: %w", room.ID, game.ErrRoomNotFound)
	}

	room = normalizeRoom(room)
	room.LobbyCode = old.LobbyCode
	room.CreatedAt = old.CreatedAt
	m.rooms[room.ID] = room

	changes(m.notify, roomChange(feed.OpUpdate, room))

	return nil
}

func (m *Memory) DeleteRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return fmt.Errorf("delete room %s: %w", roomID, game.ErrRoomNotFound)
	}

	delete(m.rooms, roomID)
	delete(m.codes, room.LobbyCode)
	delete(m.players, roomID)
	delete(m.moves, roomID)

	changes(m.notify, roomChange(feed.OpDelete, room))

	return nil
}

func (m *Memory) ListIdleRooms(ctx context.Context, before time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, room := range m.rooms {
		if room.UpdatedAt.Before(before) {
			ids = append(ids, id)
		}
	}

	return ids, nil
}

func (m *Memory) nameTakenLocked(p game.Player) bool {
	key := nameKey(p.Name)
	for id, other := range m.players[p.RoomID] {
		if id != p.ID && nameKey(other.Name) == key {
			return true
		}
	}

	return false
}

func (m *Memory) AddPlayer(ctx context.Context, player game.Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	players, ok := m.players[player.RoomID]
	if !ok {
		return fmt.Errorf("add player %s: %w", player.ID, game.ErrRoomNotFound)
	}
	if _, exists := players[player.ID]; exists || m.nameTakenLocked(player) {
		return fmt.Errorf("add player %s: %w", player.ID, game.ErrNameTaken)
	}

	player = normalizePlayer(player)
	players[player.ID] = player

	changes(m.notify, playerChange(feed.OpInsert, player))

	return nil
}

func (m *Memory) GetPlayer(ctx context.Context, roomID, playerID string) (game.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[roomID][playerID]
	if !ok {
		return game.Player{}, fmt.Errorf("get player %s: %w", playerID, game.ErrPlayerNotFound)
	}

	return p.Clone(), nil
}

func (m *Memory) ListPlayers(ctx context.Context, roomID string) ([]game.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	players, ok := m.players[roomID]
	if !ok {
		return nil, fmt.Errorf("list players %s: %w", roomID, game.ErrRoomNotFound)
	}

	out := make([]game.Player, 0, len(players))
	for _, p := range players {
		out = append(out, p.Clone())
	}
	game.SortPlayers(out)

	return out, nil
}

func (m *Memory) UpdatePlayer(ctx context.Context, player game.Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.players[player.RoomID][player.ID]
	if !ok {
		return fmt.Errorf("update player %s: %w", player.ID, game.ErrPlayerNotFound)
	}
	if m.nameTakenLocked(player) {
		return fmt.Errorf("update player %s: %w", player.ID, game.ErrNameTaken)
	}

	player = normalizePlayer(player)
	player.JoinedAt = old.JoinedAt
	m.players[player.RoomID][player.ID] = player

	changes(m.notify, playerChange(feed.OpUpdate, player))

	return nil
}

func (m *Memory) Depart(ctx context.Context, d Departure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.rooms[d.RoomID]
	if !ok {
		return fmt.Errorf("depart %s: %w", d.RoomID, game.ErrRoomNotFound)
	}
	p, ok := m.players[d.RoomID][d.PlayerID]
	if !ok {
		return fmt.Errorf("depart %s: %w", d.PlayerID, game.ErrPlayerNotFound)
	}
	if current.Phase != d.ExpectedPhase ||
		current.CurrentTurn != d.ExpectedTurn ||
		current.CurrentPlayerID != d.ExpectedPlayerID ||
		len(m.players[d.RoomID]) != d.ExpectedPlayers {
		return fmt.Errorf("depart %s from %s: %w", d.PlayerID, d.RoomID, game.ErrRoomChanged)
	}

	delete(m.players[d.RoomID], d.PlayerID)
	out := []change{playerChange(feed.OpDelete, p)}

	if d.Room != nil {
		room := normalizeRoom(*d.Room)
		room.ID = current.ID
		room.LobbyCode = current.LobbyCode
		room.CreatedAt = current.CreatedAt
		m.rooms[room.ID] = room
		out = append(out, roomChange(feed.OpUpdate, room))
	}

	changes(m.notify, out...)

	return nil
}

func (m *Memory) CommitTurn(ctx context.Context, commit TurnCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.rooms[commit.Room.ID]
	if !ok {
		return fmt.Errorf("commit turn %s: %w", commit.Room.ID, game.ErrRoomNotFound)
	}
	if current.Phase != game.PhasePlaying ||
		current.CurrentTurn != commit.ExpectedTurn ||
		current.CurrentPlayerID != commit.ExpectedPlayerID {
		return fmt.Errorf("commit turn %d in %s: %w", commit.ExpectedTurn, commit.Room.ID, game.ErrNotYourTurn)
	}

	old, ok := m.players[commit.Player.RoomID][commit.Player.ID]
	if !ok {
		return fmt.Errorf("commit turn %s: %w", commit.Player.ID, game.ErrPlayerNotFound)
	}

	room := normalizeRoom(commit.Room)
	room.LobbyCode = current.LobbyCode
	room.CreatedAt = current.CreatedAt

	player := normalizePlayer(commit.Player)
	player.JoinedAt = old.JoinedAt

	m.rooms[room.ID] = room
	m.players[player.RoomID][player.ID] = player

	changes(m.notify,
		roomChange(feed.OpUpdate, room),
		playerChange(feed.OpUpdate, player),
	)

	return nil
}

func (m *Memory) ReplaceSession(ctx context.Context, room game.Room, players []game.Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.rooms[room.ID]
	if !ok {
		return fmt.Errorf("replace session %s: %w", room.ID, game.ErrRoomNotFound)
	}

	stored := m.players[room.ID]
	for _, p := range players {
		if _, ok := stored[p.ID]; !ok || p.RoomID != room.ID {
			return fmt.Errorf("replace session %s: player %s: %w", room.ID, p.ID, game.ErrPlayerNotFound)
		}
	}

	room = normalizeRoom(room)
	room.LobbyCode = current.LobbyCode
	room.CreatedAt = current.CreatedAt

	out := make([]change, 0, len(players)+1)
	for _, p := range players {
		p = normalizePlayer(p)
		p.JoinedAt = stored[p.ID].JoinedAt
		stored[p.ID] = p
		out = append(out, playerChange(feed.OpUpdate, p))
	}
	m.rooms[room.ID] = room
	out = append(out, roomChange(feed.OpUpdate, room))

	changes(m.notify, out...)

	return nil
}

func (m *Memory) InsertMove(ctx context.Context, move game.Move) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[move.RoomID]; !ok {
		return fmt.Errorf("insert move %s: %w", move.ID, game.ErrRoomNotFound)
	}

	move = normalizeMove(move)
	m.moves[move.RoomID] = append(m.moves[move.RoomID], move)

	changes(m.notify, moveChange(move))

	return nil
}

func (m *Memory) ListMoves(ctx context.Context, roomID string) ([]game.Move, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[roomID]; !ok {
		return nil, fmt.Errorf("list moves %s: %w", roomID, game.ErrRoomNotFound)
	}

	return append([]game.Move{}, m.moves[roomID]...), nil
}

func (m *Memory) Close() error {
	return nil
}

var _ Store = (*Memory)(nil)
