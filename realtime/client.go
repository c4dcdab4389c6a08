/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Seednode/songline/clock"
	"github.com/Seednode/songline/feed"
	"github.com/Seednode/songline/game"
	"github.com/Seednode/songline/session"
	"github.com/Seednode/songline/turns"
)

const (
	DefaultLoadTimeout = 15 * time.Second
	DefaultLoadGrace   = 5 * time.Second

	// EventTurnAdvanced is broadcast after a local placement commits.
	EventTurnAdvanced = "turn_advanced"
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrNotLoaded    = errors.New("room not loaded")
	ErrReadOnly     = errors.New("client has no mutator")
)

// Status is the client's connectivity as shown to the user.
type Status struct {
	Connected    bool  `json:"connected"`
	Reconnecting bool  `json:"reconnecting"`
	Attempt      int   `json:"attempt"`
	LastError    error `json:"-"`
	Failed       bool  `json:"failed"`
	Loading      bool  `json:"loading"`
}

// TurnHint is the payload of EventTurnAdvanced.
type TurnHint struct {
	Turn int `json:"turn"`
}

type ClientOptions struct {
	PlayerID  string
	Transport Transport
	Fetcher   Fetcher

	// Mutator may be nil for a read-only client.
	Mutator Mutator

	Backoff      Backoff
	Timings      turns.Timings
	Clock        clock.Clock
	Random       func() float64
	Logger       *zerolog.Logger
	LoadGrace    time.Duration
	FetchTimeout time.Duration
}

// Client keeps one device's view of one room. Every snapshot it publishes
// is an authoritative read; nothing is merged field by field.
type Client struct {
	opts   ClientOptions
	logger zerolog.Logger

	room       *Observable[game.Room]
	players    *Observable[[]game.Player]
	moves      *Observable[game.Move]
	status     *Observable[Status]
	transition *Observable[turns.State]
	hints      *Observable[feed.Broadcast]
	machine    *turns.Machine

	mu       sync.Mutex
	sub      *roomSubscription
	closed   bool
	loadGen  uint64
	watchdog clock.Timer
}

// roomSubscription is one logical subscription; handlers bound to a
// replaced one do nothing.
type roomSubscription struct {
	roomID string
	mux    *Multiplexer
	rc     *Reconnector

	roomSeen    bool
	playersSeen bool
	ready       chan struct{}

	// failed is closed with err set once the room turns out to be unusable.
	failed chan struct{}
	err    error
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Transport == nil {
		return nil, errors.New("client needs a transport")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("client needs a fetcher")
	}

	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Timings == (turns.Timings{}) {
		opts.Timings = turns.DefaultTimings
	}
	if opts.LoadGrace <= 0 {
		opts.LoadGrace = DefaultLoadGrace
	}

	c := &Client{
		opts:       opts,
		logger:     log.Logger,
		room:       NewObservable[game.Room](),
		players:    NewObservable[[]game.Player](),
		moves:      NewObservable[game.Move](),
		status:     NewObservable[Status](),
		transition: NewObservable[turns.State](),
		hints:      NewObservable[feed.Broadcast](),
	}

	if opts.Logger != nil {
		c.logger = *opts.Logger
	}
	c.logger = c.logger.With().Str("player", opts.PlayerID).Logger()

	c.machine = turns.New(opts.Clock, opts.Timings, c.transition.publish)
	c.status.publish(Status{})
	c.transition.publish(c.machine.State())

	return c, nil
}

func (c *Client) Room() *Observable[game.Room]         { return c.room }
func (c *Client) Players() *Observable[[]game.Player]  { return c.players }
func (c *Client) Moves() *Observable[game.Move]        { return c.moves }
func (c *Client) Status() *Observable[Status]          { return c.status }
func (c *Client) Transition() *Observable[turns.State] { return c.transition }
func (c *Client) Hints() *Observable[feed.Broadcast]   { return c.hints }
func (c *Client) Turns() *turns.Machine                { return c.machine }

// RoomID is the room of the active subscription, if any.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub == nil {
		return ""
	}

	return c.sub.roomID
}

// Subscribe replaces any active subscription with one for roomID and starts
// connecting. Every join, including the first, is followed by a full read
// of the room and its players.
func (c *Client) Subscribe(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}

	old := c.sub
	sub := &roomSubscription{roomID: roomID, ready: make(chan struct{}), failed: make(chan struct{})}
	sub.mux = NewMultiplexer(MultiplexerOptions{
		Transport:    c.opts.Transport,
		Fetcher:      c.opts.Fetcher,
		RoomID:       roomID,
		PlayerID:     c.opts.PlayerID,
		Handlers:     c.handlers(sub),
		FetchTimeout: c.opts.FetchTimeout,
		Logger:       &c.logger,
	})
	sub.rc = NewReconnector(sub.mux.Open, ReconnectorOptions{
		Backoff: c.opts.Backoff,
		Clock:   c.opts.Clock,
		Random:  c.opts.Random,
		Logger:  &c.logger,
		Room:    roomID,
		OnState: c.onReconnect(sub),
	})
	c.sub = sub
	c.mu.Unlock()

	if old != nil {
		old.rc.Stop()
		_ = old.mux.Close()
	}
	if old == nil || old.roomID != roomID {
		c.machine.Forget()
	}

	c.logger.Info().Str("room", roomID).Msg("REALTIME: subscribing to room")

	sub.rc.Start()

	return nil
}

// Load subscribes to roomID and waits for the first room and player
// snapshots. The Loading flag is cleared when they arrive, or by a watchdog
// once timeout plus the grace period has passed.
func (c *Client) Load(ctx context.Context, roomID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}

	if err := c.Subscribe(ctx, roomID); err != nil {
		return err
	}

	c.mu.Lock()
	sub := c.sub
	if sub == nil {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.loadGen++
	gen := c.loadGen
	c.stopWatchdogLocked()
	if !sub.isReady() && sub.err == nil {
		c.watchdog = c.opts.Clock.AfterFunc(timeout+c.opts.LoadGrace, func() {
			c.clearLoading(gen)
		})
		c.status.update(func(s Status) Status {
			s.Loading = true
			return s
		})
	}
	c.mu.Unlock()

	wait, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-sub.ready:
		return nil
	case <-sub.failed:
		c.mu.Lock()
		err := sub.err
		c.mu.Unlock()

		return err
	case <-wait.Done():
		if err := ctx.Err(); err != nil {
			return err
		}

		c.logger.Warn().Str("room", roomID).Dur("timeout", timeout).Msg("REALTIME: room load timed out")

		return ErrLoadTimeout
	}
}

func (c *Client) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *Client) clearLoading(gen uint64) {
	c.mu.Lock()
	current := gen == c.loadGen
	c.mu.Unlock()

	if !current {
		return
	}

	c.status.update(func(s Status) Status {
		if s.Loading {
			c.logger.Debug().Msg("REALTIME: clearing stuck loading flag")
		}
		s.Loading = false
		return s
	})
}

func (c *Client) onReconnect(sub *roomSubscription) func(ReconnectState) {
	return func(st ReconnectState) {
		c.mu.Lock()
		current := c.sub == sub
		c.mu.Unlock()

		if !current {
			return
		}

		c.status.update(func(s Status) Status {
			return Status{
				Connected:    st.Connected,
				Reconnecting: st.Reconnecting,
				Attempt:      st.Attempt,
				LastError:    st.LastError,
				Failed:       st.Failed,
				Loading:      s.Loading,
			}
		})
	}
}

func (c *Client) handlers(sub *roomSubscription) Handlers {
	return Handlers{
		Room: func(room game.Room) {
			c.mu.Lock()
			defer c.mu.Unlock()

			if c.sub != sub {
				return
			}

			c.room.publish(room)
			c.machine.Observe(room.CurrentTurn)

			sub.roomSeen = true
			c.markReadyLocked(sub)
		},
		Players: func(players []game.Player) {
			c.mu.Lock()
			defer c.mu.Unlock()

			if c.sub != sub {
				return
			}

			c.players.publish(players)

			sub.playersSeen = true
			c.markReadyLocked(sub)
		},
		Move: func(move game.Move) {
			c.mu.Lock()
			defer c.mu.Unlock()

			if c.sub == sub {
				c.moves.publish(move)
			}
		},
		Broadcast: func(b feed.Broadcast) {
			c.mu.Lock()
			current := c.sub == sub
			c.mu.Unlock()

			if !current {
				return
			}

			c.hints.publish(b)

			// Hints only say where to look.
			if b.Event == EventTurnAdvanced {
				go func() {
					if err := sub.mux.RefreshRoom(); err != nil {
						c.logger.Debug().Err(err).Msg("REALTIME: refresh after hint failed")
					}
				}()
			}
		},
		Fatal: func(err error) {
			c.mu.Lock()
			current := c.sub == sub
			if current && sub.err == nil {
				sub.err = err
				close(sub.failed)
				c.stopWatchdogLocked()
			}
			c.mu.Unlock()

			if !current {
				return
			}

			sub.rc.Stop()

			c.status.update(func(s Status) Status {
				return Status{LastError: err, Failed: true}
			})
		},
	}
}

func (s *roomSubscription) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (c *Client) markReadyLocked(sub *roomSubscription) {
	if !sub.roomSeen || !sub.playersSeen || sub.isReady() {
		return
	}

	close(sub.ready)
	c.stopWatchdogLocked()

	c.status.update(func(s Status) Status {
		s.Loading = false
		return s
	})
}

func (c *Client) active() (*roomSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.sub == nil {
		return nil, ErrNotLoaded
	}

	return c.sub, nil
}

// PlaceCard asks the server to place the current mystery card at position
// in this player's timeline, naming guess as the song. Invalid placements
// fail before any network call.
func (c *Client) PlaceCard(ctx context.Context, guess game.Song, position int) (session.Result, error) {
	sub, err := c.active()
	if err != nil {
		return session.Result{}, err
	}
	if c.opts.Mutator == nil {
		return session.Result{}, ErrReadOnly
	}

	room, ok := c.room.Get()
	if !ok || room.ID != sub.roomID {
		return session.Result{}, ErrNotLoaded
	}
	if room.CurrentSong == nil {
		if room.Exhausted {
			return session.Result{}, game.ErrDeckExhausted
		}
		return session.Result{}, game.ErrNotYourTurn
	}

	req := session.Request{
		RoomID:   room.ID,
		PlayerID: c.opts.PlayerID,
		Guess:    guess,
		Mystery:  *room.CurrentSong,
		Position: position,
		Timeline: c.ownTimeline(),
	}

	if err := session.Validate(req); err != nil {
		return session.Result{}, err
	}

	if err := c.machine.Begin(); err != nil {
		return session.Result{}, err
	}

	res, err := c.opts.Mutator.PlaceCard(ctx, req)
	c.machine.Finish(res.Turn, err == nil)

	logger := c.logger.With().Str("room", room.ID).Int("turn", room.CurrentTurn).Logger()

	if err != nil {
		if errors.Is(err, game.ErrNotYourTurn) {
			logger.Debug().Msg("REALTIME: stale turn, resyncing")
			_ = sub.mux.Resync()
		} else {
			logger.Warn().Err(err).Msg("REALTIME: placement failed")
		}

		return session.Result{}, err
	}

	logger.Debug().Bool("correct", res.Correct).Bool("won", res.Won).Msg("REALTIME: placement accepted")

	c.Broadcast(ctx, EventTurnAdvanced, TurnHint{Turn: res.Turn})

	return res, nil
}

func (c *Client) ownTimeline() []game.Song {
	players, _ := c.players.Get()
	for _, p := range players {
		if p.ID == c.opts.PlayerID {
			return p.Timeline
		}
	}

	return nil
}

// Broadcast sends a hint to the room's other subscribers. Failures are
// only logged.
func (c *Client) Broadcast(ctx context.Context, event string, payload any) {
	sub, err := c.active()
	if err == nil {
		err = sub.mux.Send(ctx, event, payload)
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("event", event).Msg("REALTIME: broadcast dropped")
	}
}

func (c *Client) StartGame(ctx context.Context, pool []game.Song) (game.Room, error) {
	sub, err := c.active()
	if err != nil {
		return game.Room{}, err
	}
	if c.opts.Mutator == nil {
		return game.Room{}, ErrReadOnly
	}

	return c.opts.Mutator.StartGame(ctx, sub.roomID, pool)
}

func (c *Client) ResetToLobby(ctx context.Context) (game.Room, error) {
	sub, err := c.active()
	if err != nil {
		return game.Room{}, err
	}
	if c.opts.Mutator == nil {
		return game.Room{}, ErrReadOnly
	}

	return c.opts.Mutator.ResetToLobby(ctx, sub.roomID)
}

// Reconnect retries immediately with a fresh attempt budget.
func (c *Client) Reconnect() {
	sub, err := c.active()
	if err != nil {
		return
	}

	sub.rc.Reset()
}

// Close ends the subscription and stops every timer the client owns.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.loadGen++
	c.stopWatchdogLocked()
	c.mu.Unlock()

	c.machine.ForceReset()

	if sub == nil {
		return nil
	}

	sub.rc.Stop()

	return sub.mux.Close()
}
