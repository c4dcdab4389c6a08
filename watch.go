/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Seednode/songline/game"
	"github.com/Seednode/songline/realtime"
)

type watchConfig struct {
	server      string
	room        string
	player      string
	loadTimeout time.Duration
}

func (c *watchConfig) validate() error {
	if c.server == "" {
		return errors.New("--server is required")
	}
	if c.room == "" {
		return errors.New("--room is required")
	}
	if c.loadTimeout <= 0 {
		return errors.New("--load-timeout must be positive")
	}
	return nil
}

func newWatchClient(wc *watchConfig) (*realtime.Client, error) {
	backend := &realtime.HTTPBackend{BaseURL: wc.server, PlayerID: wc.player}

	header := http.Header{}
	if wc.player != "" {
		header.Add("Cookie", (&http.Cookie{Name: realtime.PlayerCookie, Value: wc.player}).String())
	}

	return realtime.NewClient(realtime.ClientOptions{
		PlayerID: wc.player,
		Transport: &realtime.WebsocketTransport{
			BaseURL: wc.server,
			Header:  header,
		},
		Fetcher: backend,
		Logger:  &log.Logger,
	})
}

// watchRoom logs every snapshot the client publishes until ctx is done or
// the client gives up.
func watchRoom(ctx context.Context, client *realtime.Client, wc *watchConfig) error {
	rooms, stopRooms := client.Room().Subscribe()
	defer stopRooms()
	players, stopPlayers := client.Players().Subscribe()
	defer stopPlayers()
	moves, stopMoves := client.Moves().Subscribe()
	defer stopMoves()
	statuses, stopStatuses := client.Status().Subscribe()
	defer stopStatuses()

	if err := client.Load(ctx, wc.room, wc.loadTimeout); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case room := <-rooms:
			event := log.Info().
				Str("room", room.ID).
				Str("code", room.LobbyCode).
				Str("phase", string(room.Phase)).
				Int("turn", room.CurrentTurn).
				Str("current_player", room.CurrentPlayerID).
				Bool("exhausted", room.Exhausted)
			if room.CurrentSong != nil {
				event = event.Str("song", room.CurrentSong.ID)
			}
			event.Msg("WATCH: room")
		case ps := <-players:
			for _, p := range ps {
				log.Info().
					Str("player", p.ID).
					Str("name", p.Name).
					Int("score", p.Score).
					Msg("WATCH: player")
			}
		case m := <-moves:
			log.Info().
				Str("player", m.PlayerID).
				Str("mystery", m.Mystery.ID).
				Int("position", m.Position).
				Bool("correct", m.Correct).
				Msg("WATCH: move")
		case s := <-statuses:
			event := log.Info()
			if s.LastError != nil {
				event = log.Warn().Err(s.LastError)
			}
			event.
				Bool("connected", s.Connected).
				Bool("reconnecting", s.Reconnecting).
				Int("attempt", s.Attempt).
				Bool("loading", s.Loading).
				Bool("failed", s.Failed).
				Msg("WATCH: status")

			if s.Failed {
				if game.KindOf(s.LastError) == game.KindFatalConfig {
					return s.LastError
				}
				return errors.New("connection lost and retries exhausted")
			}
		}
	}
}

func newWatchCmd() *cobra.Command {
	wc := &watchConfig{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a room on a running server and log every change.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wc.validate(); err != nil {
				return err
			}

			client, err := newWatchClient(wc)
			if err != nil {
				return err
			}
			defer client.Close()

			return watchRoom(cmd.Context(), client, wc)
		},
	}

	flags := cmd.Flags()
	flags.SetNormalizeFunc(normalizeFlags)

	flags.DurationVar(&wc.loadTimeout, "load-timeout", realtime.DefaultLoadTimeout, "time to wait for the first snapshot (env: SONGLINE_LOAD_TIMEOUT)")
	flags.StringVar(&wc.player, "player", "", "player id to watch as, if any (env: SONGLINE_PLAYER)")
	flags.StringVar(&wc.room, "room", "", "id of the room to follow (env: SONGLINE_ROOM)")
	flags.StringVar(&wc.server, "server", "http://localhost:8080", "base url of the songline server (env: SONGLINE_SERVER)")

	return cmd
}
