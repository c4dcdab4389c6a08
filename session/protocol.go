/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/Seednode/songline/game"
	"github.com/Seednode/songline/store"
)

// Request is one placement attempt. Timeline is the caller's view of its own
// timeline and is only used for the local pre-check.
type Request struct {
	RoomID   string      `json:"room_id"`
	PlayerID string      `json:"player_id"`
	Guess    game.Song   `json:"guess"`
	Mystery  game.Song   `json:"mystery"`
	Position int         `json:"position"`
	Timeline []game.Song `json:"timeline,omitempty"`
}

type Result struct {
	Correct      bool        `json:"correct"`
	Won          bool        `json:"won"`
	Exhausted    bool        `json:"exhausted"`
	Turn         int         `json:"turn"`
	NextPlayerID string      `json:"next_player_id,omitempty"`
	Timeline     []game.Song `json:"timeline"`
	Score        int         `json:"score"`
}

// Validate is the pre-check run before any storage access.
func Validate(req Request) error {
	if req.Mystery.ID == "" {
		return fmt.Errorf("%w: no mystery card", game.ErrInvalidPlacement)
	}

	return game.CheckPlacement(req.Timeline, req.Mystery, req.Position)
}

// PlaceCard validates and commits one placement. At most one placement per
// turn is accepted; the rest fail with game.ErrNotYourTurn.
func (s *Service) PlaceCard(ctx context.Context, req Request) (Result, error) {
	logger := s.logger.With().
		Str("room", req.RoomID).
		Str("player", req.PlayerID).
		Str("op", "place card").
		Logger()

	if err := Validate(req); err != nil {
		return Result{}, err
	}

	room, err := s.store.GetRoom(ctx, req.RoomID)
	if err != nil {
		return Result{}, err
	}

	if room.Phase != game.PhasePlaying {
		return Result{}, fmt.Errorf("room is %s: %w", room.Phase, game.ErrNotYourTurn)
	}
	if room.Exhausted {
		return Result{}, game.ErrDeckExhausted
	}
	if room.CurrentPlayerID != req.PlayerID || room.CurrentSong == nil || room.CurrentSong.ID != req.Mystery.ID {
		return Result{}, fmt.Errorf("turn %d belongs to %s: %w", room.CurrentTurn, room.CurrentPlayerID, game.ErrNotYourTurn)
	}

	player, err := s.store.GetPlayer(ctx, req.RoomID, req.PlayerID)
	if err != nil {
		return Result{}, err
	}

	mystery := *room.CurrentSong
	if err := game.CheckPlacement(player.Timeline, mystery, req.Position); err != nil {
		return Result{}, err
	}

	correct := req.Guess.ID == mystery.ID
	if correct {
		player.Timeline = game.Insert(player.Timeline, mystery, req.Position)
	}
	player.Score = game.Score(player.Timeline)

	next := room.Clone()
	next.CurrentTurn++
	next.UpdatedAt = s.now()

	result := Result{
		Correct:  correct,
		Turn:     next.CurrentTurn,
		Timeline: player.Timeline,
		Score:    player.Score,
	}

	if len(player.Timeline) >= room.WinThreshold {
		next.Phase = game.PhaseFinished
		next.CurrentSong = nil
		result.Won = true
	} else {
		if err := s.advance(ctx, &next, player); err != nil {
			return Result{}, err
		}
		result.NextPlayerID = next.CurrentPlayerID
		result.Exhausted = next.Exhausted
	}

	err = s.store.CommitTurn(ctx, store.TurnCommit{
		ExpectedTurn:     room.CurrentTurn,
		ExpectedPlayerID: req.PlayerID,
		Room:             next,
		Player:           player,
	})
	if err != nil {
		if errors.Is(err, game.ErrNotYourTurn) {
			logger.Debug().Int("turn", room.CurrentTurn).Msg("SESSION: lost placement race")
		} else {
			logger.Error().Err(err).Int("turn", room.CurrentTurn).Msg("SESSION: commit failed")
		}

		return Result{}, err
	}

	logger.Info().
		Int("turn", room.CurrentTurn).
		Bool("correct", correct).
		Bool("won", result.Won).
		Bool("exhausted", result.Exhausted).
		Int("score", player.Score).
		Msg("SESSION: placement committed")

	s.audit(game.Move{
		ID:        s.newID(),
		RoomID:    req.RoomID,
		PlayerID:  req.PlayerID,
		Guess:     req.Guess,
		Mystery:   mystery,
		Position:  req.Position,
		Correct:   correct,
		CreatedAt: s.now(),
	})

	return result, nil
}

// advance hands the turn to the next eligible player and draws the next
// mystery card. actor replaces its stale copy in the player list.
func (s *Service) advance(ctx context.Context, room *game.Room, actor game.Player) error {
	players, err := s.store.ListPlayers(ctx, room.ID)
	if err != nil {
		return err
	}
	for i := range players {
		if players[i].ID == actor.ID {
			players[i] = actor
		}
	}

	nextPlayer, ok := game.NextPlayer(players, actor.ID, room.WinThreshold)
	if !ok {
		return fmt.Errorf("no eligible player after %s: %w", actor.ID, game.ErrNoPlayers)
	}
	room.CurrentPlayerID = nextPlayer.ID

	if _, err := room.Draw(); err != nil && !errors.Is(err, game.ErrDeckExhausted) {
		return err
	}

	return nil
}

// audit appends the move in the background. Failures are logged only.
func (s *Service) audit(move game.Move) {
	s.audits.Add(1)

	go func() {
		defer s.audits.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.auditTimeout)
		defer cancel()

		if err := s.store.InsertMove(ctx, move); err != nil {
			s.logger.Warn().
				Err(err).
				Str("room", move.RoomID).
				Str("player", move.PlayerID).
				Str("move", move.ID).
				Msg("SESSION: audit insert failed")
		}
	}()
}
