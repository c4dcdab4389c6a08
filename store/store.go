/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package store is the durable record store for rooms, players and moves.
// Every committed write is announced to a Notifier as a feed.Change, in
// commit order.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Seednode/songline/feed"
	"github.com/Seednode/songline/game"
)

// Notifier receives a change after each committed write.
type Notifier interface {
	Publish(feed.Change)
}

// TurnCommit is the conditional write behind a card placement. It only
// applies while the stored room is playing with ExpectedTurn and
// ExpectedPlayerID; otherwise it fails with game.ErrNotYourTurn.
type TurnCommit struct {
	ExpectedTurn     int
	ExpectedPlayerID string
	Room             game.Room
	Player           game.Player
}

// Departure removes PlayerID from RoomID. It only applies while the stored
// room is in ExpectedPhase with ExpectedTurn and ExpectedPlayerID and seats
// exactly ExpectedPlayers players; otherwise it fails with
// game.ErrRoomChanged and writes nothing. A non-nil Room is written in the
// same transaction.
type Departure struct {
	RoomID           string
	PlayerID         string
	ExpectedPhase    game.Phase
	ExpectedTurn     int
	ExpectedPlayerID string
	ExpectedPlayers  int
	Room             *game.Room
}

type Store interface {
	CreateRoom(ctx context.Context, room game.Room) error
	GetRoom(ctx context.Context, roomID string) (game.Room, error)
	GetRoomByCode(ctx context.Context, code string) (game.Room, error)
	UpdateRoom(ctx context.Context, room game.Room) error
	DeleteRoom(ctx context.Context, roomID string) error
	ListIdleRooms(ctx context.Context, before time.Time) ([]string, error)

	AddPlayer(ctx context.Context, player game.Player) error
	GetPlayer(ctx context.Context, roomID, playerID string) (game.Player, error)
	ListPlayers(ctx context.Context, roomID string) ([]game.Player, error)
	UpdatePlayer(ctx context.Context, player game.Player) error

	// Depart publishes the player removal before the room change.
	Depart(ctx context.Context, d Departure) error

	// CommitTurn writes the room and the acting player in one transaction.
	// The room change is published before the player change.
	CommitTurn(ctx context.Context, commit TurnCommit) error

	// ReplaceSession rewrites the room and the listed players in one
	// transaction. Player changes are published before the room change.
	ReplaceSession(ctx context.Context, room game.Room, players []game.Player) error

	InsertMove(ctx context.Context, move game.Move) error
	ListMoves(ctx context.Context, roomID string) ([]game.Move, error)

	Close() error
}

type nopNotifier struct{}

func (nopNotifier) Publish(feed.Change) {}

func notifierOrNop(n Notifier) Notifier {
	if n == nil {
		return nopNotifier{}
	}

	return n
}

// stamp drops precision below a millisecond so that every backend returns
// identical timestamps.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}

	return time.UnixMilli(t.UnixMilli()).UTC()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms).UTC()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMilli()
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func normalizeRoom(r game.Room) game.Room {
	r = r.Clone()
	r.CreatedAt = stamp(r.CreatedAt)
	r.UpdatedAt = stamp(r.UpdatedAt)

	return r
}

func normalizePlayer(p game.Player) game.Player {
	p = p.Clone()
	p.JoinedAt = stamp(p.JoinedAt)

	return p
}

func normalizeMove(m game.Move) game.Move {
	m.CreatedAt = stamp(m.CreatedAt)

	return m
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, game.ErrUnavailable, err)
}

func changes(n Notifier, cs ...change) {
	for _, c := range cs {
		ch, err := feed.NewChange(c.table, c.op, c.roomID, c.row)
		if err != nil {
			continue
		}
		n.Publish(ch)
	}
}

type change struct {
	table  feed.Table
	op     feed.Op
	roomID string
	row    any
}

func roomChange(op feed.Op, r game.Room) change {
	return change{table: feed.TableRooms, op: op, roomID: r.ID, row: r}
}

func playerChange(op feed.Op, p game.Player) change {
	return change{table: feed.TablePlayers, op: op, roomID: p.RoomID, row: p}
}

func moveChange(m game.Move) change {
	return change{table: feed.TableMoves, op: feed.OpInsert, roomID: m.RoomID, row: m}
}
