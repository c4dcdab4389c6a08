/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Seednode/songline/feed"
	"github.com/Seednode/songline/game"
)

// SQL is a Store on database/sql. Dialect differences are confined to the
// Dialect value and the per-dialect migrations.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	notify  Notifier
	logger  zerolog.Logger

	// pubMu keeps publication in commit order.
	pubMu sync.Mutex
}

// Open connects to driver/dsn, applies migrations and returns a ready store.
func Open(ctx context.Context, driver, dsn string, n Notifier, logger zerolog.Logger) (*SQL, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	source, err := d.DSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.DriverName(), source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name(), err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w: %w", d.Name(), game.ErrUnavailable, err)
	}

	if err := d.Configure(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure %s: %w", d.Name(), err)
	}

	if err := Migrate(ctx, db, d, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQL{
		db:      db,
		dialect: d,
		notify:  notifierOrNop(n),
		logger:  logger,
	}, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// fail classifies a driver error. Unique violations become unique, the rest
// are reported as unavailable.
func (s *SQL) fail(op string, err error, unique error) error {
	if unique != nil && s.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, unique)
	}

	return unavailable(op, err)
}

func (s *SQL) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQL) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQL) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

// inTx runs fn in a transaction and publishes its changes once committed.
func (s *SQL) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) ([]change, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}

	out, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}

	changes(s.notify, out...)

	return nil
}

const roomColumns = `id, lobby_code, host_id, phase, current_turn, current_player_id, current_song,
	songs, deck_order, deck_cursor, exhausted, win_threshold, created_at, updated_at`

func scanRoom(row scanner) (game.Room, error) {
	var (
		r                game.Room
		song             sql.NullString
		songs, deck      string
		created, updated int64
	)

	err := row.Scan(&r.ID, &r.LobbyCode, &r.HostID, &r.Phase, &r.CurrentTurn, &r.CurrentPlayerID, &song,
		&songs, &deck, &r.DeckCursor, &r.Exhausted, &r.WinThreshold, &created, &updated)
	if err != nil {
		return game.Room{}, err
	}

	if song.Valid && song.String != "" {
		r.CurrentSong = &game.Song{}
		if err := json.Unmarshal([]byte(song.String), r.CurrentSong); err != nil {
			return game.Room{}, fmt.Errorf("%w: current song: %w", game.ErrMalformedRoom, err)
		}
	}
	if err := json.Unmarshal([]byte(songs), &r.Songs); err != nil {
		return game.Room{}, fmt.Errorf("%w: songs: %w", game.ErrMalformedRoom, err)
	}
	if err := json.Unmarshal([]byte(deck), &r.DeckOrder); err != nil {
		return game.Room{}, fmt.Errorf("%w: deck order: %w", game.ErrMalformedRoom, err)
	}
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)

	return r, nil
}

type roomRecord struct {
	song  sql.NullString
	songs string
	deck  string
}

func encodeRoom(r game.Room) (roomRecord, error) {
	var rec roomRecord

	if r.CurrentSong != nil {
		raw, err := json.Marshal(r.CurrentSong)
		if err != nil {
			return rec, err
		}
		rec.song = sql.NullString{String: string(raw), Valid: true}
	}

	songs := r.Songs
	if songs == nil {
		songs = []game.Song{}
	}
	raw, err := json.Marshal(songs)
	if err != nil {
		return rec, err
	}
	rec.songs = string(raw)

	deck := r.DeckOrder
	if deck == nil {
		deck = []int{}
	}
	raw, err = json.Marshal(deck)
	if err != nil {
		return rec, err
	}
	rec.deck = string(raw)

	return rec, nil
}

func (s *SQL) getRoom(ctx context.Context, q querier, op, where string, arg any) (game.Room, error) {
	r, err := scanRoom(s.queryRow(ctx, q, `SELECT `+roomColumns+` FROM rooms WHERE `+where+` = ?`, arg))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return game.Room{}, fmt.Errorf("%s %v: %w", op, arg, game.ErrRoomNotFound)
	case errors.Is(err, game.ErrMalformedRoom):
		return game.Room{}, fmt.Errorf("%s %v: %w", op, arg, err)
	case err != nil:
		return game.Room{}, unavailable(op, err)
	}

	return r, nil
}

func (s *SQL) roomExists(ctx context.Context, q querier, op, roomID string) error {
	var one int
	err := s.queryRow(ctx, q, `SELECT 1 FROM rooms WHERE id = ?`, roomID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s %s: %w", op, roomID, game.ErrRoomNotFound)
	case err != nil:
		return unavailable(op, err)
	}

	return nil
}

func (s *SQL) CreateRoom(ctx context.Context, room game.Room) error {
	const op = "create room"

	room = normalizeRoom(room)
	room.LobbyCode = game.NormalizeLobbyCode(room.LobbyCode)

	rec, err := encodeRoom(room)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return s.inTx(ctx, op, func(tx *sql.Tx) ([]change, error) {
		_, err := s.exec(ctx, tx, `INSERT INTO rooms (`+roomColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			room.ID, room.LobbyCode, room.HostID, string(room.Phase), room.CurrentTurn, room.CurrentPlayerID, rec.song,
			rec.songs, rec.deck, room.DeckCursor, room.Exhausted, room.WinThreshold,
			toMillis(room.CreatedAt), toMillis(room.UpdatedAt))
		if err != nil {
			return nil, s.fail(op, err, game.ErrLobbyCodeTaken)
		}

		stored, err := s.getRoom(ctx, tx, op, "id", room.ID)
		if err != nil {
			return nil, err
		}

		return []change{roomChange(feed.OpInsert, stored)}, nil
	})
}

func (s *SQL) GetRoom(ctx context.Context, roomID string) (game.Room, error) {
	return s.getRoom(ctx, s.db, "get room", "id", roomID)
}

func (s *SQL) GetRoomByCode(ctx context.Context, code string) (game.Room, error) {
	return s.getRoom(ctx, s.db, "get room by code", "lobby_code", game.NormalizeLobbyCode(code))
}

// updateRoom rewrites the mutable columns of room. guard is appended to the
// WHERE clause together with its arguments.
func (s *SQL) updateRoom(ctx context.Context, q querier, room game.Room, guard string, guardArgs ...any) (int64, error) {
	room = normalizeRoom(room)

	rec, err := encodeRoom(room)
	if err != nil {
		return 0, err
	}

	args := []any{
		room.HostID, string(room.Phase), room.CurrentTurn, room.CurrentPlayerID, rec.song,
		rec.songs, rec.deck, room.DeckCursor, room.Exhausted, room.WinThreshold, toMillis(room.UpdatedAt),
		room.ID,
	}
	args = append(args, guardArgs...)

	res, err := s.exec(ctx, q, `UPDATE rooms SET host_id = ?, phase = ?, current_turn = ?, current_player_id = ?,
		current_song = ?, songs = ?, deck_order = ?, deck_cursor = ?, exhausted = ?, win_threshold = ?, updated_at = ?
		WHERE id = ?`+guard, args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (s *SQL) UpdateRoom(ctx context.Context, room game.Room) error {
	const op = "update room"

	return s.inTx(ctx, op, func(tx *sql.Tx) ([]change, error) {
		n, err := s.updateRoom(ctx, tx, room, "")
		if err != nil {
			return nil, unavailable(op, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%s %s: %w", op, room.ID, game.ErrRoomNotFound)
		}

		stored, err := s.getRoom(ctx, tx, op, "id", room.ID)
		if err != nil {
			return nil, err
		}

		return []change{roomChange(feed.OpUpdate, stored)}, nil
	})
}

func (s *SQL) DeleteRoom(ctx context.Context, roomID string) error {
	const op = "delete room"

	return s.inTx(ctx, op, func(tx *sql.Tx) ([]change, error) {
		room, err := s.getRoom(ctx, tx, op, "id", roomID)
		if err != nil {
			return nil, err
		}

		for _, stmt := range []string{
			`DELETE FROM moves WHERE room_id = ?`,
			`DELETE FROM players WHERE room_id = ?`,
			`DELETE FROM rooms WHERE id = ?`,
		} {
			if _, err := s.exec(ctx, tx, stmt, roomID); err != nil {
				return nil, unavailable(op, err)
			}
		}

		return []change{roomChange(feed.OpDelete, room)}, nil
	})
}

func (s *SQL) ListIdleRooms(ctx context.Context, before time.Time) ([]string, error) {
	const op = "list idle rooms"

	rows, err := s.query(ctx, s.db, `SELECT id FROM rooms WHERE updated_at < ?`, toMillis(before))
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}

	return ids, nil
}

const playerColumns = `room_id, id, name, color, timeline_color, score, timeline, joined_at`

func scanPlayer(row scanner) (game.Player, error) {
	var (
		p        game.Player
		timeline string
		joined   int64
	)

	if err := row.Scan(&p.RoomID, &p.ID, &p.Name, &p.Color, &p.TimelineColor, &p.Score, &timeline, &joined); err != nil {
		return game.Player{}, err
	}
	if err := json.Unmarshal([]byte(timeline), &p.Timeline); err != nil {
		return game.Player{}, fmt.Errorf("%w: timeline of %s: %w", game.ErrMalformedRoom, p.ID, err)
	}
	if p.Timeline == nil {
		p.Timeline = []game.Song{}
	}
	p.JoinedAt = fromMillis(joined)

	return p, nil
}

func encodeTimeline(timeline []game.Song) (string, error) {
	if timeline == nil {
		timeline = []game.Song{}
	}

	raw, err := json.Marshal(timeline)

	return string(raw), err
}

func (s *SQL) getPlayer(ctx context.Context, q querier, op, roomID, playerID string) (game.Player, error) {
	p, err := scanPlayer(s.queryRow(ctx, q,
		`SELECT `+playerColumns+` FROM players WHERE room_id = ? AND id = ?`, roomID, playerID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return game.Player{}, fmt.Errorf("%s %s: %w", op, playerID, game.ErrPlayerNotFound)
	case errors.Is(err, game.ErrMalformedRoom):
		return game.Player{}, fmt.Errorf("%s %s: %w", op, playerID, err)
	case err != nil:
		return game.Player{}, unavailable(op, err)
	}

	return p, nil
}

func (s *SQL) AddPlayer(ctx context.Context, player game.Player) error {
	const op = "add player"

	player = normalizePlayer(player)

	timeline, err := encodeTimeline(player.Timeline)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return s.inTx(ctx, op, func(tx *sql.Tx) ([]change, error) {
		if err := s.roomExists(ctx, tx, op, player.RoomID); err != nil {
			return nil, err
		}

		_, err := s.exec(ctx, tx, `INSERT INTO players (room_id, id, name, name_key, color, timeline_color, score, timeline, joined_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			player.RoomID, player.ID, player.Name, nameKey(player.Name), player.Color, player.TimelineColor,
			player.Score, timeline, toMillis(player.JoinedAt))
		if err != nil {
			return nil, s.fail(op, err, game.ErrNameTaken)
		}

		stored, err := s.getPlayer(ctx, tx, op, player.RoomID, player.ID)
		if err != nil {
			return nil, err
		}

		return []change{playerChange(feed.OpInsert, stored)}, nil
	})
}

func (s *SQL) GetPlayer(ctx context.Context, roomID, playerID string) (game.Player, error) {
	return s.getPlayer(ctx, s.db, "get player", roomID, playerID)
}

func (s *SQL) ListPlayers(ctx context.Context, roomID string) ([]game.Player, error) {
	const op = "list players"

	if err := s.roomExists(ctx, s.db, op, roomID); err != nil {
		return nil, err
	}

	rows, err := s.query(ctx, s.db,
		`SELECT `+playerColumns+` FROM players WHERE room_id = ? ORDER BY joined_at, id`, roomID)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	players := []game.Player{}
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			if errors.Is(err, game.ErrMalformedRoom) {
				return nil, fmt.Errorf("%s %s: %w", op, roomID, err)
			}
			return nil, unavailable(op, err)
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}

	return players, nil
}

func (s *SQL) updatePlayer(ctx context.Context, q querier, op string, player game.Player) (game.Player, error) {
	timeline, err := encodeTimeline(player.Timeline)
	if err != nil {
		return game.Player{}, fmt.Errorf("%s: %w", op, err)
	}

	res, err := s.exec(ctx, q, `UPDATE players SET name = ?, name_key = ?, color = ?, timeline_color = ?,
		score = ?, timeline = ? WHERE room_id = ? AND id = ?`,
		player.Name, nameKey(player.Name), player.Color, player.TimelineColor, player.Score, timeline,
		player.RoomID, player.ID)
	if err != nil {
		return game.Player{}, s.fail(op, err, game.ErrNameTaken)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return game.Player{}, unavailable(op, err)
	}
	if n == 0 {
		return game.Player{}, fmt.Errorf("%s %s: %w", op, player.ID, game.ErrPlayerNotFound)
	}

	return s.getPlayer(ctx, q, op, player.RoomID, player.ID)
}

func (s *SQL) UpdatePlayer(ctx context.Context, player game.Player) error {
	const op = "update player"

	return s.inTx(ctx, op, func(tx *sql.Tx) ([]change, error) {
		stored, err := s.updatePlayer(ctx, tx, op, player)
		if err != nil {
			return nil, err
		}

		return []change{playerChange(feed.OpUpdate, stored)}, nil
	})
}

func (s *SQL) Depart(ctx context.Context, d Departure) error {
	const op = "depart"

	return s.inTx(ctx, op, func(tx *sql.Tx) ([]change, error) {
		// Locks the room row until commit.
		res, err := s.exec(ctx, tx, `UPDATE rooms SET current_turn = current_turn
			WHERE id = ? AND phase = ? AND current_turn = ? AND current_player_id = ?`,
			d.RoomID, string(d.ExpectedPhase), d.ExpectedTurn, d.ExpectedPlayerID)
		if err != nil {
			return nil, unavailable(op, err)
		}
		matched, err := res.RowsAffected()
		if err != nil {
			return nil, unavailable(op, err)
		}
		if matched == 0 {
			if err := s.roomExists(ctx, tx, op, d.RoomID); err != nil {
				return nil, err
			}
		}

		p, err := s.getPlayer(ctx, tx, op, d.RoomID, d.PlayerID)
		if err != nil {
			return nil, err
		}

		var seated int
		if err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM players WHERE room_id = ?`, d.RoomID).Scan(&seated); err != nil {
			return nil, unavailable(op, err)
		}
		if matched == 0 || seated != d.ExpectedPlayers {
			return nil, fmt.Errorf("%s %s from %s: %w", op, d.PlayerID, d.RoomID, game.ErrRoomChanged)
		}

		if _, err := s.exec(ctx, tx, `DELETE FROM players WHERE room_id = ? AND id = ?`, d.RoomID, d.PlayerID); err != nil {
			return nil, unavailable(op, err)
		}
		out := []change{playerChange(feed.OpDelete, p)}

		if d.Room == nil {
			return out, nil
		}

		room := d.Room.Clone()
		room.ID = d.RoomID
		if _, err := s.updateRoom(ctx, tx, room, ""); err != nil {
			return nil, unavailable(op, err)
		}

		stored, err := s.getRoom(ctx, tx, op, "id", d.RoomID)
		if err != nil {
			return nil, err
		}

		return append(out, roomChange(feed.OpUpdate, stored)), nil
	})
}

func (s *SQL) CommitTurn(ctx context.Context, commit TurnCommit) error {
	const op = "commit turn"

	return s.inTx(ctx, op, func(tx *sql.Tx) ([]change, error) {
		n, err := s.updateRoom(ctx, tx, commit.Room,
			` AND phase = ? AND current_turn = ? AND current_player_id = ?`,
			string(game.PhasePlaying), commit.ExpectedTurn, commit.ExpectedPlayerID)
		if err != nil {
			return nil, unavailable(op, err)
		}
		if n == 0 {
			if err := s.roomExists(ctx, tx, op, commit.Room.ID); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%s %d in %s: %w", op, commit.ExpectedTurn, commit.Room.ID, game.ErrNotYourTurn)
		}

		player, err := s.updatePlayer(ctx, tx, op, commit.Player)
		if err != nil {
			return nil, err
		}

		room, err := s.getRoom(ctx, tx, op, "id", commit.Room.ID)
		if err != nil {
			return nil, err
		}

		return []change{
			roomChange(feed.OpUpdate, room),
			playerChange(feed.OpUpdate, player),
		}, nil
	})
}

func (s *SQL) ReplaceSession(ctx context.Context, room game.Room, players []game.Player) error {
	const op = "replace session"

	return s.inTx(ctx, op, func(tx *sql.Tx) ([]change, error) {
		out := make([]change, 0, len(players)+1)

		for _, p := range players {
			if p.RoomID != room.ID {
				return nil, fmt.Errorf("%s %s: player %s: %w", op, room.ID, p.ID, game.ErrPlayerNotFound)
			}

			stored, err := s.updatePlayer(ctx, tx, op, p)
			if err != nil {
				return nil, err
			}
			out = append(out, playerChange(feed.OpUpdate, stored))
		}

		n, err := s.updateRoom(ctx, tx, room, "")
		if err != nil {
			return nil, unavailable(op, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%s %s: %w", op, room.ID, game.ErrRoomNotFound)
		}

		stored, err := s.getRoom(ctx, tx, op, "id", room.ID)
		if err != nil {
			return nil, err
		}

		return append(out, roomChange(feed.OpUpdate, stored)), nil
	})
}

func (s *SQL) InsertMove(ctx context.Context, move game.Move) error {
	const op = "insert move"

	move = normalizeMove(move)

	guess, err := json.Marshal(move.Guess)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	mystery, err := json.Marshal(move.Mystery)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return s.inTx(ctx, op, func(tx *sql.Tx) ([]change, error) {
		if err := s.roomExists(ctx, tx, op, move.RoomID); err != nil {
			return nil, err
		}

		_, err := s.exec(ctx, tx, `INSERT INTO moves (id, room_id, player_id, guess, mystery, position, correct, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			move.ID, move.RoomID, move.PlayerID, string(guess), string(mystery), move.Position, move.Correct,
			toMillis(move.CreatedAt))
		if err != nil {
			return nil, unavailable(op, err)
		}

		return []change{moveChange(move)}, nil
	})
}

func (s *SQL) ListMoves(ctx context.Context, roomID string) ([]game.Move, error) {
	const op = "list moves"

	if err := s.roomExists(ctx, s.db, op, roomID); err != nil {
		return nil, err
	}

	rows, err := s.query(ctx, s.db, `SELECT id, room_id, player_id, guess, mystery, position, correct, created_at
		FROM moves WHERE room_id = ? ORDER BY created_at, id`, roomID)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	moves := []game.Move{}
	for rows.Next() {
		var (
			m              game.Move
			guess, mystery string
			created        int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.PlayerID, &guess, &mystery, &m.Position, &m.Correct, &created); err != nil {
			return nil, unavailable(op, err)
		}
		if err := json.Unmarshal([]byte(guess), &m.Guess); err != nil {
			return nil, fmt.Errorf("%s: guess: %w", op, err)
		}
		if err := json.Unmarshal([]byte(mystery), &m.Mystery); err != nil {
			return nil, fmt.Errorf("%s: mystery: %w", op, err)
		}
		m.CreatedAt = fromMillis(created)
		moves = append(moves, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}

	return moves, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

var _ Store = (*SQL)(nil)
