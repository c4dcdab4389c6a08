/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Seednode/songline/game"
	"github.com/Seednode/songline/store"
)

// CreateRoom opens a new lobby hosted by hostID. A threshold below one
// selects the service default.
func (s *Service) CreateRoom(ctx context.Context, hostID string, threshold int) (game.Room, error) {
	if threshold < 1 {
		threshold = s.threshold
	}

	now := s.now()

	for range codeAttempts {
		room := game.Room{
			ID:           s.newID(),
			LobbyCode:    game.NewLobbyCode(),
			HostID:       hostID,
			Phase:        game.PhaseLobby,
			WinThreshold: threshold,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		err := s.store.CreateRoom(ctx, room)
		switch {
		case err == nil:
			s.logger.Info().
				Str("room", room.ID).
				Str("code", room.LobbyCode).
				Str("host", hostID).
				Msg("SESSION: room created")

			return s.store.GetRoom(ctx, room.ID)
		case errors.Is(err, game.ErrLobbyCodeTaken):
			continue
		default:
			return game.Room{}, err
		}
	}

	return game.Room{}, fmt.Errorf("create room after %d attempts: %w", codeAttempts, game.ErrLobbyCodeTaken)
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return "", fmt.Errorf("%w: %q", game.ErrInvalidName, name)
	}

	return name, nil
}

// Join adds player to the lobby behind code. A player that is already in
// the room keeps its seat and may change its name and colors.
func (s *Service) Join(ctx context.Context, code string, player game.Player) (game.Room, game.Player, error) {
	name, err := cleanName(player.Name)
	if err != nil {
		return game.Room{}, game.Player{}, err
	}
	if player.ID == "" {
		return game.Room{}, game.Player{}, fmt.Errorf("join without an id: %w", game.ErrPlayerNotFound)
	}

	room, err := s.store.GetRoomByCode(ctx, code)
	if err != nil {
		return game.Room{}, game.Player{}, err
	}

	existing, err := s.store.GetPlayer(ctx, room.ID, player.ID)
	switch {
	case err == nil:
		if existing.Name == name && existing.Color == player.Color && existing.TimelineColor == player.TimelineColor {
			return room, existing, nil
		}
		if room.Phase != game.PhaseLobby {
			return room, existing, nil
		}

		existing.Name = name
		existing.Color = player.Color
		existing.TimelineColor = player.TimelineColor
		if err := s.store.UpdatePlayer(ctx, existing); err != nil {
			return game.Room{}, game.Player{}, err
		}

		return room, existing, nil
	case !errors.Is(err, game.ErrPlayerNotFound):
		return game.Room{}, game.Player{}, err
	}

	if room.Phase != game.PhaseLobby {
		return game.Room{}, game.Player{}, fmt.Errorf("join %s in %s: %w", room.ID, room.Phase, game.ErrWrongPhase)
	}

	joined := game.Player{
		ID:            player.ID,
		RoomID:        room.ID,
		Name:          name,
		Color:         player.Color,
		TimelineColor: player.TimelineColor,
		Timeline:      []game.Song{},
		JoinedAt:      s.now(),
	}
	if err := s.store.AddPlayer(ctx, joined); err != nil {
		return game.Room{}, game.Player{}, err
	}

	s.logger.Info().
		Str("room", room.ID).
		Str("player", joined.ID).
		Str("name", joined.Name).
		Msg("SESSION: player joined")

	return room, joined, nil
}

// UpdatePlayer changes a player's name and colors. Only allowed in the lobby.
func (s *Service) UpdatePlayer(ctx context.Context, roomID, playerID, name, color, timelineColor string) (game.Player, error) {
	name, err := cleanName(name)
	if err != nil {
		return game.Player{}, err
	}

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return game.Player{}, err
	}
	if room.Phase != game.PhaseLobby {
		return game.Player{}, fmt.Errorf("update player in %s: %w", room.Phase, game.ErrWrongPhase)
	}

	player, err := s.store.GetPlayer(ctx, roomID, playerID)
	if err != nil {
		return game.Player{}, err
	}

	player.Name = name
	player.Color = color
	player.TimelineColor = timelineColor
	if err := s.store.UpdatePlayer(ctx, player); err != nil {
		return game.Player{}, err
	}

	return player, nil
}

// Leave removes a player. If the leaver held the turn mid-game, the turn
// passes to the next player; if nobody is left the room returns to the lobby.
// The removal is conditional on the room it was planned against and is
// replanned when another write got there first.
func (s *Service) Leave(ctx context.Context, roomID, playerID string) error {
	for range leaveAttempts {
		err := s.leave(ctx, roomID, playerID)
		if !errors.Is(err, game.ErrRoomChanged) {
			return err
		}

		s.logger.Debug().
			Str("room", roomID).
			Str("player", playerID).
			Msg("SESSION: room changed during leave, retrying")
	}

	return fmt.Errorf("leave %s: %w", roomID, game.ErrRoomChanged)
}

func (s *Service) leave(ctx context.Context, roomID, playerID string) error {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	players, err := s.store.ListPlayers(ctx, roomID)
	if err != nil {
		return err
	}

	d := store.Departure{
		RoomID:           roomID,
		PlayerID:         playerID,
		ExpectedPhase:    room.Phase,
		ExpectedTurn:     room.CurrentTurn,
		ExpectedPlayerID: room.CurrentPlayerID,
		ExpectedPlayers:  len(players),
	}

	holdsTurn := room.Phase == game.PhasePlaying && room.CurrentPlayerID == playerID

	var (
		next    game.Player
		hasNext bool
	)
	if holdsTurn {
		next, hasNext = nextAfterSeat(players, playerID, room.WinThreshold)
	}

	switch {
	case room.Phase == game.PhaseLobby:
	case len(players) <= 1:
		resetRoom(&room)
		d.Room = &room
	case holdsTurn && hasNext:
		room.CurrentPlayerID = next.ID
		room.CurrentTurn++
		d.Room = &room
	case holdsTurn:
		room.Phase = game.PhaseFinished
		room.CurrentSong = nil
		room.CurrentTurn++
		d.Room = &room
	}

	if d.Room != nil {
		room.UpdatedAt = s.now()
	}

	if err := s.store.Depart(ctx, d); err != nil {
		return err
	}

	s.logger.Info().
		Str("room", roomID).
		Str("player", playerID).
		Bool("held_turn", holdsTurn).
		Msg("SESSION: player left")

	return nil
}

// nextAfterSeat finds the player after playerID in join order, excluding
// playerID itself.
func nextAfterSeat(players []game.Player, playerID string, threshold int) (game.Player, bool) {
	next, ok := game.NextPlayer(players, playerID, threshold)
	if !ok || next.ID == playerID {
		return game.Player{}, false
	}

	return next, true
}
