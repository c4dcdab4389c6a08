/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"errors"
)

var (
	ErrInvalidPlacement     = errors.New("invalid placement")
	ErrInvalidSongPool      = errors.New("invalid song pool")
	ErrNameTaken            = errors.New("name already taken")
	ErrInvalidName          = errors.New("invalid player name")
	ErrWrongPhase           = errors.New("room is in the wrong phase")
	ErrNoPlayers            = errors.New("room has no players")
	ErrTransitionInProgress = errors.New("transition in progress")
	ErrNotYourTurn          = errors.New("not your turn")
	ErrRoomChanged          = errors.New("room changed concurrently")
	ErrDeckExhausted        = errors.New("out of songs")
	ErrUnavailable          = errors.New("network error")
	ErrLobbyCodeTaken       = errors.New("lobby code already in use")
	ErrRoomNotFound         = errors.New("room not found")
	ErrPlayerNotFound       = errors.New("player not found")
	ErrMalformedRoom        = errors.New("malformed room state")
)

// Kind groups errors by how callers are expected to react to them.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindStaleTurn
	KindValidation
	KindExhaustion
	KindFatalConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindStaleTurn:
		return "stale_turn"
	case KindValidation:
		return "validation"
	case KindExhaustion:
		return "exhaustion"
	case KindFatalConfig:
		return "fatal_config"
	default:
		return "unknown"
	}
}

// codes is the stable wire identity of each sentinel.
var codes = []struct {
	code string
	err  error
	kind Kind
}{
	{"invalid_placement", ErrInvalidPlacement, KindValidation},
	{"invalid_song_pool", ErrInvalidSongPool, KindValidation},
	{"name_taken", ErrNameTaken, KindValidation},
	{"invalid_name", ErrInvalidName, KindValidation},
	{"wrong_phase", ErrWrongPhase, KindValidation},
	{"no_players", ErrNoPlayers, KindValidation},
	{"transition_in_progress", ErrTransitionInProgress, KindValidation},
	{"not_your_turn", ErrNotYourTurn, KindStaleTurn},
	{"room_changed", ErrRoomChanged, KindStaleTurn},
	{"out_of_songs", ErrDeckExhausted, KindExhaustion},
	{"unavailable", ErrUnavailable, KindTransient},
	{"lobby_code_taken", ErrLobbyCodeTaken, KindTransient},
	{"room_not_found", ErrRoomNotFound, KindFatalConfig},
	{"player_not_found", ErrPlayerNotFound, KindFatalConfig},
	{"malformed_room", ErrMalformedRoom, KindFatalConfig},
}

func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}

	return KindUnknown
}

// CodeOf returns the wire code for err, or "internal" when err wraps none
// of the package sentinels.
func CodeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}

	return "internal"
}

// ErrorFor maps a wire code back onto its sentinel, or nil if the code is
// unknown.
func ErrorFor(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}

	return nil
}
