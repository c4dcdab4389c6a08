/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package turns

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/songline/clock"
	"github.com/Seednode/songline/game"
)

type phases struct {
	mu  sync.Mutex
	got []Phase
}

func (p *phases) record(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, s.Phase)
}

func (p *phases) list() []Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Phase(nil), p.got...)
}

func newMachine() (*Machine, *clock.Fake, *phases) {
	c := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := &phases{}
	return New(c, DefaultTimings, rec.record), c, rec
}

func TestMachine_FullTransition(t *testing.T) {
	m, c, rec := newMachine()

	m.Observe(0)
	assert.Equal(t, Idle, m.State().Phase, "first observation only records the turn")
	assert.Empty(t, c.Pending())

	m.Observe(1)
	assert.Equal(t, FadeOut, m.State().Phase)
	assert.Equal(t, 0, m.State().Progress)

	c.Advance(299 * time.Millisecond)
	assert.Equal(t, FadeOut, m.State().Phase)

	c.Advance(time.Millisecond)
	assert.Equal(t, Show, m.State().Phase)
	assert.Equal(t, 10, m.State().Progress, "300ms of 2800ms")

	c.Advance(1700 * time.Millisecond)
	assert.Equal(t, FadeIn, m.State().Phase)

	c.Advance(800 * time.Millisecond)
	st := m.State()
	assert.Equal(t, Idle, st.Phase)
	assert.Equal(t, 1, st.Turn)
	assert.Empty(t, c.Pending())

	assert.Equal(t, []Phase{FadeOut, Show, FadeIn, Idle}, rec.list())
}

func TestMachine_BeginOnlyWhenIdle(t *testing.T) {
	m, c, _ := newMachine()

	require.NoError(t, m.Begin())
	assert.ErrorIs(t, m.Begin(), game.ErrTransitionInProgress, "a placement is already in flight")

	m.Finish(1, true)
	assert.Equal(t, FadeOut, m.State().Phase)
	assert.ErrorIs(t, m.Begin(), game.ErrTransitionInProgress)

	c.Advance(time.Second)
	assert.ErrorIs(t, m.Begin(), game.ErrTransitionInProgress, "still showing")

	c.Advance(2 * time.Second)
	assert.NoError(t, m.Begin())
	m.Finish(1, false)
	assert.Equal(t, Idle, m.State().Phase)
}

func TestMachine_FinishAndObserveDoNotDoubleAnimate(t *testing.T) {
	m, _, rec := newMachine()

	m.Observe(4)
	require.NoError(t, m.Begin())

	// The committed snapshot overtakes the mutation response.
	m.Observe(5)
	id := m.State().AnimationID
	m.Finish(5, true)

	assert.Equal(t, id, m.State().AnimationID)
	assert.Equal(t, []Phase{FadeOut}, rec.list())
}

func TestMachine_NewerTurnRestarts(t *testing.T) {
	m, c, _ := newMachine()

	m.Observe(1)
	m.Observe(2)
	c.Advance(2 * time.Second)
	assert.Equal(t, FadeIn, m.State().Phase)
	first := m.State().AnimationID

	m.Observe(3)
	st := m.State()
	assert.Equal(t, FadeOut, st.Phase)
	assert.Greater(t, st.AnimationID, first)

	c.Advance(2800 * time.Millisecond)
	assert.Equal(t, Idle, m.State().Phase)
}

func TestMachine_OlderTurnRebasesQuietly(t *testing.T) {
	m, c, rec := newMachine()

	m.Observe(7)
	m.Observe(0)
	assert.Equal(t, Idle, m.State().Phase)
	assert.Equal(t, 0, m.State().Turn)
	assert.Empty(t, rec.list())

	m.Observe(1)
	assert.Equal(t, FadeOut, m.State().Phase)
	c.Advance(3 * time.Second)
	assert.Equal(t, Idle, m.State().Phase)
}

func TestMachine_ForceResetCancelsPendingSteps(t *testing.T) {
	m, c, rec := newMachine()

	m.Observe(0)
	m.Observe(1)
	require.Len(t, c.Pending(), 1)

	m.ForceReset()
	assert.Equal(t, Idle, m.State().Phase)
	assert.Empty(t, c.Pending())
	assert.NoError(t, m.Begin())

	c.Advance(5 * time.Second)
	assert.Equal(t, []Phase{FadeOut, Idle}, rec.list(), "no step fires after a reset")
}

func TestMachine_StaleCallbackIsIgnored(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(c, DefaultTimings, nil)

	m.Observe(0)
	m.Observe(1)
	old := m.State().AnimationID

	// A callback from an abandoned animation that already escaped its timer.
	m.ForceReset()
	m.step(old, FadeOut)

	assert.Equal(t, Idle, m.State().Phase)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "fadeout", FadeOut.String())
	assert.Equal(t, "show", Show.String())
	assert.Equal(t, "fadein", FadeIn.String())
}

func TestMachine_ForgetRecordsNextObservation(t *testing.T) {
	m, c, _ := newMachine()

	m.Observe(3)
	m.Observe(4)
	m.Forget()
	assert.Equal(t, Idle, m.State().Phase)
	assert.Empty(t, c.Pending())

	m.Observe(9)
	assert.Equal(t, Idle, m.State().Phase, "a new room's first turn is only recorded")
	assert.Equal(t, 9, m.State().Turn)
}
