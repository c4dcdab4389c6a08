/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package game holds the shared room, player and move records along with
// the pure rules that operate on them: deck drawing, timeline placement,
// scoring and turn rotation.
package game

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

type Phase string

const (
	PhaseLobby    Phase = "lobby"
	PhasePlaying  Phase = "playing"
	PhaseFinished Phase = "finished"
)

const DefaultWinThreshold = 10

func (p Phase) Valid() bool {
	switch p {
	case PhaseLobby, PhasePlaying, PhaseFinished:
		return true
	}
	return false
}

type Song struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	ReleaseYear int    `json:"release_year"`
	PreviewURL  string `json:"preview_url,omitempty"`
}

// Room is one game session. It is always replaced as a whole; consumers
// never patch individual fields from an older copy into a newer one.
type Room struct {
	ID              string    `json:"id"`
	LobbyCode       string    `json:"lobby_code"`
	HostID          string    `json:"host_id"`
	Phase           Phase     `json:"phase"`
	CurrentTurn     int       `json:"current_turn"`
	CurrentPlayerID string    `json:"current_player_id,omitempty"`
	CurrentSong     *Song     `json:"current_song,omitempty"`
	Songs           []Song    `json:"songs,omitempty"`
	DeckOrder       []int     `json:"deck_order,omitempty"`
	DeckCursor      int       `json:"deck_cursor"`
	Exhausted       bool      `json:"exhausted"`
	WinThreshold    int       `json:"win_threshold"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Player is a participant. The host display is never a Player.
type Player struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"room_id"`
	Name          string    `json:"name"`
	Color         string    `json:"color,omitempty"`
	TimelineColor string    `json:"timeline_color,omitempty"`
	Score         int       `json:"score"`
	Timeline      []Song    `json:"timeline"`
	JoinedAt      time.Time `json:"joined_at"`
}

// Move is an append-only audit record of one placement attempt.
type Move struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	PlayerID  string    `json:"player_id"`
	Guess     Song      `json:"guess"`
	Mystery   Song      `json:"mystery"`
	Position  int       `json:"position"`
	Correct   bool      `json:"correct"`
	CreatedAt time.Time `json:"created_at"`
}

func (r Room) Clone() Room {
	out := r
	if r.CurrentSong != nil {
		s := *r.CurrentSong
		out.CurrentSong = &s
	}
	out.Songs = slices.Clone(r.Songs)
	out.DeckOrder = slices.Clone(r.DeckOrder)

	return out
}

func (p Player) Clone() Player {
	out := p
	out.Timeline = slices.Clone(p.Timeline)
	if out.Timeline == nil {
		out.Timeline = []Song{}
	}

	return out
}

func ClonePlayers(players []Player) []Player {
	out := make([]Player, len(players))
	for i, p := range players {
		out[i] = p.Clone()
	}

	return out
}

// Validate reports structural damage that makes the room unplayable.
func (r Room) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedRoom)
	}
	if !r.Phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrMalformedRoom, r.Phase)
	}
	if r.CurrentTurn < 0 {
		return fmt.Errorf("%w: negative turn %d", ErrMalformedRoom, r.CurrentTurn)
	}
	if r.WinThreshold < 1 {
		return fmt.Errorf("%w: win threshold %d", ErrMalformedRoom, r.WinThreshold)
	}

	if r.Phase != PhasePlaying {
		return nil
	}

	if len(r.DeckOrder) != len(r.Songs) {
		return fmt.Errorf("%w: deck holds %d of %d songs", ErrMalformedRoom, len(r.DeckOrder), len(r.Songs))
	}
	if r.DeckCursor < 0 || r.DeckCursor > len(r.DeckOrder) {
		return fmt.Errorf("%w: deck cursor %d", ErrMalformedRoom, r.DeckCursor)
	}
	if !r.Exhausted && (r.CurrentPlayerID == "" || r.CurrentSong == nil) {
		return fmt.Errorf("%w: playing without a current turn", ErrMalformedRoom)
	}

	return nil
}

// SortPlayers orders players by join time, breaking ties on id.
func SortPlayers(players []Player) {
	slices.SortStableFunc(players, func(a, b Player) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// NextPlayer returns the player after currentID in join order, wrapping
// around and skipping anyone who has already reached threshold. If currentID
// is not in the list the first eligible player is returned.
func NextPlayer(players []Player, currentID string, threshold int) (Player, bool) {
	ordered := slices.Clone(players)
	SortPlayers(ordered)

	start := slices.IndexFunc(ordered, func(p Player) bool { return p.ID == currentID })

	for i := 1; i <= len(ordered); i++ {
		idx := (start + i) % len(ordered)
		if len(ordered[idx].Timeline) < threshold {
			return ordered[idx], true
		}
	}

	return Player{}, false
}
