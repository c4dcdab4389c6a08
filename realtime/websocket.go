/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Seednode/songline/feed"
	"github.com/Seednode/songline/game"
)

const (
	DefaultJoinTimeout = 10 * time.Second

	// The server pings every 30s; anything quieter than this is a dead link.
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// WebsocketTransport subscribes to a songline server's change feed.
type WebsocketTransport struct {
	// BaseURL is the server root including any prefix, e.g.
	// https://party.example.com/songline.
	BaseURL     string
	Dialer      *websocket.Dialer
	Header      http.Header
	JoinTimeout time.Duration
	Logger      *zerolog.Logger
}

// FeedURL returns the websocket address of a room's change feed.
func FeedURL(base string, sub Subscription) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u = u.JoinPath("api", "rooms", sub.RoomID, "feed")

	q := url.Values{}
	q.Set("subscription", sub.ID)
	if sub.PlayerID != "" {
		q.Set("player", sub.PlayerID)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// rejection maps a refused handshake onto the sentinel the server named,
// if it named one.
func rejection(resp *http.Response) error {
	if resp == nil || resp.Body == nil || resp.StatusCode < 400 || resp.StatusCode >= 500 {
		return nil
	}

	var body ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil
	}

	return game.ErrorFor(body.Code)
}

func (t *WebsocketTransport) Subscribe(ctx context.Context, sub Subscription, l Listener) (Channel, error) {
	target, err := FeedURL(t.BaseURL, sub)
	if err != nil {
		return nil, err
	}

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, target, t.Header)
	if err != nil {
		if sentinel := rejection(resp); sentinel != nil {
			return nil, fmt.Errorf("dial feed: %w", sentinel)
		}
		return nil, fmt.Errorf("dial feed: %w: %w", game.ErrUnavailable, err)
	}

	logger := log.Logger
	if t.Logger != nil {
		logger = *t.Logger
	}

	joinTimeout := t.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}

	ch := &wsChannel{
		conn:     conn,
		listener: l,
		quit:     make(chan struct{}),
		logger: logger.With().
			Str("room", sub.RoomID).
			Str("subscription", sub.ID).
			Logger(),
	}

	go ch.readLoop(joinTimeout)

	return ch, nil
}

type wsChannel struct {
	conn     *websocket.Conn
	listener Listener
	logger   zerolog.Logger

	writeMu sync.Mutex
	quit    chan struct{}
	once    sync.Once
}

func (c *wsChannel) closed() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

func (c *wsChannel) readLoop(joinTimeout time.Duration) {
	defer c.conn.Close()

	joined := false
	_ = c.conn.SetReadDeadline(time.Now().Add(joinTimeout))

	c.conn.SetPingHandler(func(data string) error {
		if joined {
			_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}

		return err
	})

	for {
		var f feed.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if c.closed() {
				return
			}

			state := classify(err)
			if state == ChannelTimedOut && !joined {
				err = ErrJoinTimeout
			}
			c.logger.Debug().Err(err).Stringer("state", state).Msg("REALTIME: feed read failed")
			c.listener.state(state, err)

			return
		}

		if c.closed() {
			return
		}

		if joined {
			_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		switch f.Type {
		case feed.FrameJoined:
			joined = true
			_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
			c.listener.state(ChannelJoined, nil)
		case feed.FrameChange:
			if f.Change != nil {
				c.listener.change(*f.Change)
			}
		case feed.FrameBroadcast:
			if f.Broadcast != nil {
				c.listener.broadcast(*f.Broadcast)
			}
		case feed.FrameError:
			c.listener.state(ChannelErrored, errors.New(f.Error))

			return
		}
	}
}

func classify(err error) ChannelState {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ChannelTimedOut
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ChannelClosed
	}

	return ChannelErrored
}

func (c *wsChannel) Send(ctx context.Context, msg feed.Broadcast) error {
	if c.closed() {
		return ErrChannelClosed
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(deadline)

	return c.conn.WriteJSON(feed.Frame{Type: feed.FrameBroadcast, Broadcast: &msg})
}

func (c *wsChannel) Close() error {
	var err error

	c.once.Do(func() {
		close(c.quit)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		err = c.conn.Close()
	})

	return err
}
