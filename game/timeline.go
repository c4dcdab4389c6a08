/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"fmt"
	"slices"
)

// Score is the single scoring rule: one point per card on the timeline.
func Score(timeline []Song) int {
	return len(timeline)
}

// CheckPlacement reports whether song may sit at position in timeline.
// Equal years are allowed on either side.
func CheckPlacement(timeline []Song, song Song, position int) error {
	if position < 0 || position > len(timeline) {
		return fmt.Errorf("%w: position %d outside [0, %d]", ErrInvalidPlacement, position, len(timeline))
	}

	if position > 0 {
		if before := timeline[position-1]; before.ReleaseYear > song.ReleaseYear {
			return fmt.Errorf("%w: %d placed after %d", ErrInvalidPlacement, song.ReleaseYear, before.ReleaseYear)
		}
	}

	if position < len(timeline) {
		if after := timeline[position]; after.ReleaseYear < song.ReleaseYear {
			return fmt.Errorf("%w: %d placed before %d", ErrInvalidPlacement, song.ReleaseYear, after.ReleaseYear)
		}
	}

	return nil
}

// Insert returns a new timeline with song at position. The input is not
// modified.
func Insert(timeline []Song, song Song, position int) []Song {
	out := make([]Song, 0, len(timeline)+1)
	out = append(out, timeline[:position]...)
	out = append(out, song)
	out = append(out, timeline[position:]...)

	return out
}

// Chronological reports whether timeline is ordered by release year.
func Chronological(timeline []Song) bool {
	return slices.IsSortedFunc(timeline, func(a, b Song) int {
		return a.ReleaseYear - b.ReleaseYear
	})
}
