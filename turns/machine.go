/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package turns paces the visible hand-over between turns and serializes
// local placement attempts against it.
package turns

import (
	"sync"
	"time"

	"github.com/Seednode/songline/clock"
	"github.com/Seednode/songline/game"
)

type Phase int

const (
	Idle Phase = iota
	FadeOut
	Show
	FadeIn
)

func (p Phase) String() string {
	switch p {
	case FadeOut:
		return "fadeout"
	case Show:
		return "show"
	case FadeIn:
		return "fadein"
	default:
		return "idle"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

type Timings struct {
	FadeOut time.Duration
	Show    time.Duration
	FadeIn  time.Duration
}

var DefaultTimings = Timings{
	FadeOut: 300 * time.Millisecond,
	Show:    1700 * time.Millisecond,
	FadeIn:  800 * time.Millisecond,
}

func (t Timings) total() time.Duration {
	return t.FadeOut + t.Show + t.FadeIn
}

func (t Timings) of(p Phase) time.Duration {
	switch p {
	case FadeOut:
		return t.FadeOut
	case Show:
		return t.Show
	case FadeIn:
		return t.FadeIn
	}
	return 0
}

// State is a point-in-time view of the machine.
type State struct {
	Phase       Phase  `json:"phase"`
	Progress    int    `json:"progress"`
	AnimationID uint64 `json:"animation_id"`
	Turn        int    `json:"turn"`
}

// Machine is safe for concurrent use. Timer callbacks carry the animation
// id they were scheduled under and do nothing once it has moved on.
type Machine struct {
	mu       sync.Mutex
	clock    clock.Clock
	timings  Timings
	onChange func(State)

	phase   Phase
	animID  uint64
	started time.Time
	timer   clock.Timer
	busy    bool

	turn int
	seen bool
}

// New returns an idle machine. onChange may be nil; it is called outside
// the machine's lock after every phase change.
func New(c clock.Clock, t Timings, onChange func(State)) *Machine {
	if c == nil {
		c = clock.Real{}
	}
	if onChange == nil {
		onChange = func(State) {}
	}

	return &Machine{clock: c, timings: t, onChange: onChange}
}

// Begin reserves the machine for one local placement. It fails while a
// transition is running or another placement is in flight.
func (m *Machine) Begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != Idle || m.busy {
		return game.ErrTransitionInProgress
	}
	m.busy = true

	return nil
}

// Finish releases the reservation taken by Begin. An accepted placement
// that moved the game to turn starts the transition.
func (m *Machine) Finish(turn int, accepted bool) {
	m.mu.Lock()
	m.busy = false

	if !accepted || (m.seen && turn <= m.turn) {
		m.mu.Unlock()
		return
	}

	m.seen = true
	m.turn = turn
	st := m.startLocked()
	m.mu.Unlock()

	m.onChange(st)
}

// Observe feeds the turn number of an authoritative room snapshot.
func (m *Machine) Observe(turn int) {
	m.mu.Lock()

	switch {
	case !m.seen:
		m.seen = true
		m.turn = turn
		m.mu.Unlock()
		return
	case turn < m.turn:
		m.turn = turn
		m.mu.Unlock()
		return
	case turn == m.turn:
		m.mu.Unlock()
		return
	}

	m.turn = turn
	st := m.startLocked()
	m.mu.Unlock()

	m.onChange(st)
}

// ForceReset abandons any running transition and returns to idle.
func (m *Machine) ForceReset() {
	m.mu.Lock()
	m.animID++
	m.stopTimerLocked()
	m.phase = Idle
	m.busy = false
	st := m.stateLocked()
	m.mu.Unlock()

	m.onChange(st)
}

// Forget is ForceReset plus dropping the last observed turn, so the next
// observation only records. Used when switching rooms.
func (m *Machine) Forget() {
	m.mu.Lock()
	m.animID++
	m.stopTimerLocked()
	m.phase = Idle
	m.busy = false
	m.seen = false
	m.turn = 0
	st := m.stateLocked()
	m.mu.Unlock()

	m.onChange(st)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stateLocked()
}

func (m *Machine) stateLocked() State {
	st := State{Phase: m.phase, AnimationID: m.animID, Turn: m.turn}

	if m.phase != Idle {
		total := m.timings.total()
		elapsed := m.clock.Now().Sub(m.started)
		if total <= 0 || elapsed >= total {
			st.Progress = 100
		} else {
			st.Progress = int(elapsed * 100 / total)
		}
	}

	return st
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) startLocked() State {
	m.animID++
	m.stopTimerLocked()
	m.started = m.clock.Now()
	m.enterLocked(FadeOut, m.animID)

	return m.stateLocked()
}

func (m *Machine) enterLocked(p Phase, id uint64) {
	m.phase = p
	if p == Idle {
		m.timer = nil
		return
	}

	m.timer = m.clock.AfterFunc(m.timings.of(p), func() {
		m.step(id, p)
	})
}

func (m *Machine) step(id uint64, from Phase) {
	m.mu.Lock()

	if id != m.animID || m.phase != from {
		m.mu.Unlock()
		return
	}

	switch from {
	case FadeOut:
		m.enterLocked(Show, id)
	case Show:
		m.enterLocked(FadeIn, id)
	default:
		m.enterLocked(Idle, id)
	}

	st := m.stateLocked()
	m.mu.Unlock()

	m.onChange(st)
}
