/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Seednode/songline/feed"
	"github.com/Seednode/songline/game"
	"github.com/Seednode/songline/session"
)

const DefaultFetchTimeout = 10 * time.Second

// Fetcher reads authoritative snapshots.
type Fetcher interface {
	GetRoom(ctx context.Context, roomID string) (game.Room, error)
	ListPlayers(ctx context.Context, roomID string) ([]game.Player, error)
}

// Mutator performs the writes a client is allowed to request.
type Mutator interface {
	PlaceCard(ctx context.Context, req session.Request) (session.Result, error)
	StartGame(ctx context.Context, roomID string, pool []game.Song) (game.Room, error)
	ResetToLobby(ctx context.Context, roomID string) (game.Room, error)
}

// Handlers receive demultiplexed room state. Nil fields are skipped. Room
// and Players are never called concurrently with each other.
type Handlers struct {
	Room      func(game.Room)
	Players   func([]game.Player)
	Move      func(game.Move)
	Broadcast func(feed.Broadcast)
	Fatal     func(error)
}

type MultiplexerOptions struct {
	Transport    Transport
	Fetcher      Fetcher
	RoomID       string
	PlayerID     string
	Handlers     Handlers
	FetchTimeout time.Duration
	Logger       *zerolog.Logger
	NewID        func() string
}

// Multiplexer owns the physical subscription for one room and turns its
// events into typed snapshots. Each Open supersedes the previous channel;
// events from a superseded channel are dropped.
type Multiplexer struct {
	transport    Transport
	fetcher      Fetcher
	roomID       string
	playerID     string
	handlers     Handlers
	fetchTimeout time.Duration
	logger       zerolog.Logger
	newID        func() string

	mu     sync.Mutex
	gen    uint64
	ch     Channel
	closed bool

	// applyMu serializes snapshot delivery. The sequence numbers count
	// deliveries so a fetch can tell it was overtaken. room and players are
	// the last delivered snapshots.
	applyMu    sync.Mutex
	roomSeq    uint64
	playersSeq uint64
	room       *game.Room
	players    []game.Player
}

func NewMultiplexer(opts MultiplexerOptions) *Multiplexer {
	m := &Multiplexer{
		transport:    opts.Transport,
		fetcher:      opts.Fetcher,
		roomID:       opts.RoomID,
		playerID:     opts.PlayerID,
		handlers:     opts.Handlers,
		fetchTimeout: opts.FetchTimeout,
		logger:       log.Logger,
		newID:        opts.NewID,
	}

	if opts.Logger != nil {
		m.logger = *opts.Logger
	}
	m.logger = m.logger.With().Str("room", opts.RoomID).Logger()
	if m.fetchTimeout <= 0 {
		m.fetchTimeout = DefaultFetchTimeout
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}

	return m
}

// Open is a ConnectFunc. It closes the current channel, if any, and
// subscribes again under a fresh subscription id.
func (m *Multiplexer) Open(ctx context.Context, a *Attempt) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrChannelClosed
	}
	m.gen++
	gen := m.gen
	old := m.ch
	m.ch = nil
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	sub := Subscription{ID: m.newID(), RoomID: m.roomID, PlayerID: m.playerID}

	m.logger.Debug().Str("subscription", sub.ID).Msg("REALTIME: subscribing")

	ch, err := m.transport.Subscribe(ctx, sub, m.listener(gen, a))
	if err != nil {
		if game.KindOf(err) == game.KindFatalConfig && m.current(gen) {
			m.fail(a, err)
			return nil
		}
		return err
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		_ = ch.Close()

		return nil
	}
	m.ch = ch
	m.mu.Unlock()

	return nil
}

func (m *Multiplexer) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return !m.closed && gen == m.gen
}

func (m *Multiplexer) listener(gen uint64, a *Attempt) Listener {
	return Listener{
		State: func(s ChannelState, err error) {
			if !m.current(gen) {
				return
			}

			switch s {
			case ChannelJoined:
				a.Joined()

				if err := m.resync(gen); err != nil {
					m.fail(a, err)
				}
			case ChannelErrored, ChannelTimedOut, ChannelClosed:
				if err == nil {
					err = fmt.Errorf("channel %s", s)
				}
				a.Failed(err)
			}
		},
		Change: func(c feed.Change) {
			if !m.current(gen) {
				return
			}

			if err := m.route(gen, c); err != nil {
				m.fail(a, err)
			}
		},
		Broadcast: func(b feed.Broadcast) {
			if !m.current(gen) || m.handlers.Broadcast == nil {
				return
			}
			if m.playerID != "" && b.From == m.playerID {
				return
			}

			m.handlers.Broadcast(b)
		},
	}
}

// fail reports fatal errors to the owner and everything else to the
// reconnector, which will subscribe and resync again.
func (m *Multiplexer) fail(a *Attempt, err error) {
	if game.KindOf(err) == game.KindFatalConfig {
		m.logger.Error().Err(err).Msg("REALTIME: room is gone")

		if m.handlers.Fatal != nil {
			m.handlers.Fatal(err)
		}

		return
	}

	a.Failed(err)
}

func (m *Multiplexer) route(gen uint64, c feed.Change) error {
	if c.RoomID != m.roomID {
		return nil
	}

	switch c.Table {
	case feed.TableRooms:
		if c.Op == feed.OpDelete {
			return game.ErrRoomNotFound
		}

		var room game.Room
		if err := c.Decode(&room); err != nil {
			m.logger.Warn().Err(err).Msg("REALTIME: dropping undecodable room row")
			return nil
		}

		if !m.applyRoom(gen, room, nil) && m.current(gen) {
			// The players already delivered are newer than this row.
			return m.resync(gen)
		}
	case feed.TablePlayers:
		// Player rows arrive one at a time; the list is only consistent
		// when read whole.
		players, err := m.fetchPlayers()
		if err != nil {
			return err
		}

		if m.applyPlayers(gen, players, nil) || !m.current(gen) {
			return nil
		}

		// The list read past a room change still in the queue. A room read
		// taken now is at least as new as the list.
		room, err := m.fetchRoom()
		if err != nil {
			return err
		}

		m.applyPair(gen, room, players, nil, nil)
	case feed.TableMoves:
		if m.handlers.Move == nil {
			return nil
		}

		var move game.Move
		if err := c.Decode(&move); err != nil {
			m.logger.Warn().Err(err).Msg("REALTIME: dropping undecodable move row")
			return nil
		}

		m.handlers.Move(move)
	}

	return nil
}

func (m *Multiplexer) fetchRoom() (game.Room, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancel()

	return m.fetcher.GetRoom(ctx, m.roomID)
}

func (m *Multiplexer) fetchPlayers() ([]game.Player, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancel()

	return m.fetcher.ListPlayers(ctx, m.roomID)
}

// lags reports whether room is still playing although one of players has
// already reached its win threshold. A winning placement finishes the room in
// the same commit, so such a pair mixes two points in time and is never
// delivered.
func lags(room *game.Room, players []game.Player) bool {
	if room == nil || room.Phase != game.PhasePlaying || room.WinThreshold < 1 {
		return false
	}

	for _, p := range players {
		if game.Score(p.Timeline) >= room.WinThreshold {
			return true
		}
	}

	return false
}

func (m *Multiplexer) deliverRoomLocked(room game.Room) {
	m.roomSeq++
	m.room = &room

	if m.handlers.Room != nil {
		m.handlers.Room(room)
	}
}

func (m *Multiplexer) deliverPlayersLocked(players []game.Player) {
	m.playersSeq++
	m.players = players

	if m.handlers.Players != nil {
		m.handlers.Players(players)
	}
}

// applyRoom delivers room unless the channel was superseded, room lags the
// players already delivered or, when since is set, another room snapshot
// was delivered after *since was read.
func (m *Multiplexer) applyRoom(gen uint64, room game.Room, since *uint64) bool {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if !m.current(gen) || (since != nil && *since != m.roomSeq) || lags(&room, m.players) {
		return false
	}
	m.deliverRoomLocked(room)

	return true
}

func (m *Multiplexer) applyPlayers(gen uint64, players []game.Player, since *uint64) bool {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if !m.current(gen) || (since != nil && *since != m.playersSeq) || lags(m.room, players) {
		return false
	}
	m.deliverPlayersLocked(players)

	return true
}

// applyPair delivers room and players, room first, where room was read
// after players. Whichever half was overtaken since it was read is dropped,
// and so is any half that would leave the delivered pair inconsistent.
func (m *Multiplexer) applyPair(gen uint64, room game.Room, players []game.Player, roomSince, playersSince *uint64) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if !m.current(gen) {
		return
	}

	takeRoom := roomSince == nil || *roomSince == m.roomSeq
	takePlayers := playersSince == nil || *playersSince == m.playersSeq

	switch {
	case takeRoom && takePlayers && !lags(&room, players):
	case takeRoom && !lags(&room, m.players):
		takePlayers = false
	case takePlayers && !lags(m.room, players):
		takeRoom = false
	default:
		m.logger.Debug().Msg("REALTIME: dropping snapshot that mixes two commits")
		return
	}

	if takeRoom {
		m.deliverRoomLocked(room)
	}
	if takePlayers {
		m.deliverPlayersLocked(players)
	}
}

func (m *Multiplexer) seqs() (uint64, uint64) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	return m.roomSeq, m.playersSeq
}

// resync reads the players before the room. A turn commit writes both in
// one transaction, so the room read is never older than the list.
func (m *Multiplexer) resync(gen uint64) error {
	roomSeq, playersSeq := m.seqs()

	players, err := m.fetchPlayers()
	if err != nil {
		return fmt.Errorf("resync players: %w", err)
	}

	room, err := m.fetchRoom()
	if err != nil {
		return fmt.Errorf("resync room: %w", err)
	}

	m.applyPair(gen, room, players, &roomSeq, &playersSeq)

	return nil
}

// Resync reads the players and then the room and delivers whichever of the
// two no feed event has already superseded.
func (m *Multiplexer) Resync() error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	err := m.resync(gen)
	if err != nil {
		m.logger.Warn().Err(err).Msg("REALTIME: resync failed")

		if game.KindOf(err) == game.KindFatalConfig && m.handlers.Fatal != nil {
			m.handlers.Fatal(err)
		}
	}

	return err
}

// RefreshRoom reads and delivers the room alone.
func (m *Multiplexer) RefreshRoom() error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	roomSeq, _ := m.seqs()

	room, err := m.fetchRoom()
	if err != nil {
		return fmt.Errorf("refresh room: %w", err)
	}

	m.applyRoom(gen, room, &roomSeq)

	return nil
}

// Send relays a broadcast to the room's other subscribers.
func (m *Multiplexer) Send(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()

	if ch == nil {
		return ErrChannelClosed
	}

	msg := feed.Broadcast{Event: event, From: m.playerID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", event, err)
		}
		msg.Payload = raw
	}

	return ch.Send(ctx, msg)
}

// Close releases the channel. Nothing is delivered after it returns,
// except a delivery already in progress.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gen++
	ch := m.ch
	m.ch = nil
	m.mu.Unlock()

	if ch != nil {
		return ch.Close()
	}

	return nil
}
