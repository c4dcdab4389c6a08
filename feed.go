/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Seednode/songline/feed"
	"github.com/Seednode/songline/realtime"
)

const (
	pingInterval  = 30 * time.Second
	pongWait      = 60 * time.Second
	writeWait     = 10 * time.Second
	maxFrameBytes = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// feedConn is one websocket subscriber. Every write, including pings,
// goes through writeMu.
type feedConn struct {
	conn    *websocket.Conn
	roomID  string
	player  string
	limiter *rate.Limiter
	logger  zerolog.Logger

	writeMu sync.Mutex
	quit    chan struct{}
	once    sync.Once
}

func (c *feedConn) closed() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

func (c *feedConn) writeLocked(f feed.Frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	return c.conn.WriteJSON(f)
}

func (c *feedConn) deliver(msg feed.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed() {
		return
	}

	if err := c.writeLocked(feed.FrameFor(msg)); err != nil {
		c.logger.Debug().Err(err).Msg("FEED: write failed")
		_ = c.conn.Close()
	}
}

func (c *feedConn) shutdown() {
	c.once.Do(func() {
		close(c.quit)
		_ = c.conn.Close()
	})
}

// watch pings the client and ends the connection when the broker drops the
// subscription.
func (c *feedConn) watch(sub *feed.Subscription) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-sub.Done():
			c.writeMu.Lock()
			if !c.closed() {
				_ = c.writeLocked(feed.Frame{Type: feed.FrameError, Error: realtime.ErrChannelClosed.Error()})
			}
			c.writeMu.Unlock()

			c.shutdown()

			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()

			if err != nil {
				c.logger.Debug().Err(err).Msg("FEED: ping failed")
				c.shutdown()

				return
			}
		}
	}
}

func (c *feedConn) read(broker *feed.Broker, sub *feed.Subscription) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f feed.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			var ce *websocket.CloseError
			if !c.closed() && !errors.As(err, &ce) {
				c.logger.Debug().Err(err).Msg("FEED: read failed")
			}

			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if f.Type != feed.FrameBroadcast || f.Broadcast == nil {
			continue
		}

		if !c.limiter.Allow() {
			c.logger.Debug().Str("event", f.Broadcast.Event).Msg("FEED: broadcast rate exceeded, dropping")
			continue
		}

		msg := *f.Broadcast
		msg.From = c.player
		broker.Broadcast(c.roomID, msg, sub)
	}
}

func (a *api) feed(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("room")

	if _, err := a.store.GetRoom(r.Context(), roomID); err != nil {
		writeError(a.cfg, w, r, err)
		return
	}

	q := r.URL.Query()

	subID := q.Get("subscription")
	if subID == "" {
		subID = uuid.NewString()
	}

	player := q.Get("player")
	if c, err := r.Cookie(realtime.PlayerCookie); err == nil && c.Value != "" {
		player = c.Value
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("room", roomID).Msg("FEED: upgrade failed")
		return
	}

	c := &feedConn{
		conn:    conn,
		roomID:  roomID,
		player:  player,
		limiter: rate.NewLimiter(rate.Limit(a.cfg.feedRate), a.cfg.feedBurst),
		quit:    make(chan struct{}),
		logger: log.With().
			Str("room", roomID).
			Str("subscription", subID).
			Str("player", player).
			Logger(),
	}

	// Deliveries wait on writeMu, so joined is always the first frame and
	// nothing committed after it is missed.
	c.writeMu.Lock()
	sub := a.broker.Subscribe(roomID, c.deliver)
	err = c.writeLocked(feed.Frame{Type: feed.FrameJoined, Subscription: subID})
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Debug().Err(err).Msg("FEED: join failed")
		c.shutdown()
		sub.Cancel()

		return
	}

	c.logger.Debug().Str("ip", realIP(r)).Msg("FEED: subscribed")

	go c.watch(sub)

	c.read(a.broker, sub)

	c.shutdown()
	sub.Cancel()

	c.logger.Debug().Msg("FEED: unsubscribed")
}
