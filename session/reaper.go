/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"context"
	"errors"
	"time"

	"github.com/Seednode/songline/game"
)

// ReapIdle deletes rooms that have not been written to for maxIdle and
// returns how many were removed.
func (s *Service) ReapIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	ids, err := s.store.ListIdleRooms(ctx, s.now().Add(-maxIdle))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		err := s.store.DeleteRoom(ctx, id)
		switch {
		case err == nil:
			reaped++
		case errors.Is(err, game.ErrRoomNotFound):
		default:
			return reaped, err
		}
	}

	if reaped > 0 {
		s.logger.Info().Int("rooms", reaped).Dur("idle", maxIdle).Msg("GAMES: reaped idle rooms")
	}

	return reaped, nil
}

// RunReaper calls ReapIdle every maxIdle/2 until ctx is done.
func (s *Service) RunReaper(ctx context.Context, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}

	ticker := time.NewTicker(maxIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReapIdle(ctx, maxIdle); err != nil {
				s.logger.Error().Err(err).Msg("GAMES: reaper failed")
			}
		}
	}
}
