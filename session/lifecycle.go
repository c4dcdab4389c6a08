/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/Seednode/songline/game"
)

// StartGame fixes the song pool, shuffles the deck, clears every timeline
// and hands the first turn to the earliest player, all in one write.
func (s *Service) StartGame(ctx context.Context, roomID string, pool []game.Song) (game.Room, error) {
	if err := game.CheckPool(pool); err != nil {
		return game.Room{}, err
	}

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return game.Room{}, err
	}
	if room.Phase != game.PhaseLobby {
		return game.Room{}, fmt.Errorf("start game in %s: %w", room.Phase, game.ErrWrongPhase)
	}

	players, err := s.store.ListPlayers(ctx, roomID)
	if err != nil {
		return game.Room{}, err
	}
	if len(players) == 0 {
		return game.Room{}, fmt.Errorf("start game %s: %w", roomID, game.ErrNoPlayers)
	}
	game.SortPlayers(players)
	clearTimelines(players)

	room.Phase = game.PhasePlaying
	room.CurrentTurn = 0
	room.CurrentPlayerID = players[0].ID
	room.Songs = slices.Clone(pool)
	room.DeckOrder = game.Shuffle(len(pool), s.intn)
	room.DeckCursor = 0
	room.Exhausted = false
	room.UpdatedAt = s.now()

	if _, err := room.Draw(); err != nil {
		return game.Room{}, err
	}

	if err := s.store.ReplaceSession(ctx, room, players); err != nil {
		return game.Room{}, err
	}

	s.logger.Info().
		Str("room", roomID).
		Int("players", len(players)).
		Int("songs", len(pool)).
		Str("first", room.CurrentPlayerID).
		Msg("SESSION: game started")

	return room, nil
}

// ResetToLobby discards the running session and returns everyone to the
// lobby with empty timelines.
func (s *Service) ResetToLobby(ctx context.Context, roomID string) (game.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return game.Room{}, err
	}

	players, err := s.store.ListPlayers(ctx, roomID)
	if err != nil {
		return game.Room{}, err
	}
	clearTimelines(players)

	resetRoom(&room)
	room.UpdatedAt = s.now()

	if err := s.store.ReplaceSession(ctx, room, players); err != nil {
		return game.Room{}, err
	}

	s.logger.Info().Str("room", roomID).Msg("SESSION: reset to lobby")

	return room, nil
}

func resetRoom(room *game.Room) {
	room.Phase = game.PhaseLobby
	room.CurrentTurn = 0
	room.CurrentPlayerID = ""
	room.CurrentSong = nil
	room.Songs = nil
	room.DeckOrder = nil
	room.DeckCursor = 0
	room.Exhausted = false
}

func clearTimelines(players []game.Player) {
	for i := range players {
		players[i].Timeline = []game.Song{}
		players[i].Score = 0
	}
}
