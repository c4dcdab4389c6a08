/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"fmt"
	"math/rand/v2"
)

// Shuffle returns a Fisher-Yates permutation of [0, n). intn must return a
// value in [0, k); nil selects math/rand/v2.
func Shuffle(n int, intn func(k int) int) []int {
	if intn == nil {
		intn = rand.IntN
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	for i := n - 1; i > 0; i-- {
		j := intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}

	return order
}

// Draw consumes the next card of the deck and makes it the current mystery
// song. Consumed positions are never revisited; once the cursor passes the
// end the room is flagged exhausted and ErrDeckExhausted is returned.
func (r *Room) Draw() (Song, error) {
	if r.DeckCursor >= len(r.DeckOrder) {
		r.Exhausted = true
		r.CurrentSong = nil

		return Song{}, ErrDeckExhausted
	}

	idx := r.DeckOrder[r.DeckCursor]
	if idx < 0 || idx >= len(r.Songs) {
		return Song{}, fmt.Errorf("%w: deck index %d outside pool of %d", ErrMalformedRoom, idx, len(r.Songs))
	}
	r.DeckCursor++

	song := r.Songs[idx]
	r.CurrentSong = &song

	return song, nil
}

// Remaining reports how many cards are left to draw.
func (r Room) Remaining() int {
	return max(len(r.DeckOrder)-r.DeckCursor, 0)
}

// CheckPool rejects pools that would allow a mystery card to repeat.
func CheckPool(pool []Song) error {
	if len(pool) == 0 {
		return fmt.Errorf("%w: no songs", ErrInvalidSongPool)
	}

	seen := make(map[string]bool, len(pool))
	for _, s := range pool {
		if s.ID == "" {
			return fmt.Errorf("%w: song %q has no id", ErrInvalidSongPool, s.Title)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate song id %q", ErrInvalidSongPool, s.ID)
		}
		seen[s.ID] = true
	}

	return nil
}
