/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package realtime

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Seednode/songline/clock"
)

type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      time.Duration

	// MaxAttempts counts retries after the first dial, not dials. With 5,
	// a connection that never comes up is dialed 6 times before Failed.
	MaxAttempts int
}

var DefaultBackoff = Backoff{
	Base:        time.Second,
	Cap:         30 * time.Second,
	Jitter:      time.Second,
	MaxAttempts: 5,
}

// Delay is the wait before retry number attempt, counting from one. r is a
// sample from [0, 1) that scales the jitter.
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	attempt = max(attempt, 1)

	d := b.Cap
	if shift := attempt - 1; shift < 32 {
		d = min(b.Base<<shift, b.Cap)
	}
	d += time.Duration(r * float64(b.Jitter))

	return min(d, b.Cap)
}

// ReconnectState is owned by the Reconnector; callers only get copies.
type ReconnectState struct {
	Connected    bool
	Reconnecting bool
	Attempt      int
	LastError    error
	Failed       bool
}

// ConnectFunc starts one connection attempt. It reports the outcome through
// a, either before or after returning; a non-nil return counts as a.Failed.
type ConnectFunc func(ctx context.Context, a *Attempt) error

// Attempt binds outcome reports to the connection attempt that produced
// them. Reports from an attempt that is no longer current are dropped.
type Attempt struct {
	r     *Reconnector
	epoch uint64
}

func (a *Attempt) Joined() {
	a.r.joined(a.epoch)
}

func (a *Attempt) Failed(err error) {
	a.r.failed(a.epoch, err)
}

type ReconnectorOptions struct {
	Backoff Backoff
	Clock   clock.Clock
	Random  func() float64
	Logger  *zerolog.Logger
	Room    string

	// OnState runs under the reconnector's lock and must not call back
	// into it.
	OnState func(ReconnectState)
}

// Reconnector keeps one logical connection alive, retrying with capped
// exponential backoff until MaxAttempts retries have failed.
type Reconnector struct {
	mu      sync.Mutex
	connect ConnectFunc
	backoff Backoff
	clock   clock.Clock
	random  func() float64
	logger  zerolog.Logger
	onState func(ReconnectState)

	running bool
	epoch   uint64
	state   ReconnectState
	timer   clock.Timer
	cancel  context.CancelFunc
}

func NewReconnector(connect ConnectFunc, opts ReconnectorOptions) *Reconnector {
	r := &Reconnector{
		connect: connect,
		backoff: opts.Backoff,
		clock:   opts.Clock,
		random:  opts.Random,
		logger:  log.Logger,
		onState: opts.OnState,
	}

	if r.backoff == (Backoff{}) {
		r.backoff = DefaultBackoff
	}
	if r.clock == nil {
		r.clock = clock.Real{}
	}
	if r.random == nil {
		r.random = rand.Float64
	}
	if opts.Logger != nil {
		r.logger = *opts.Logger
	}
	r.logger = r.logger.With().Str("room", opts.Room).Logger()
	if r.onState == nil {
		r.onState = func(ReconnectState) {}
	}

	return r
}

func (r *Reconnector) State() ReconnectState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// Start makes the first attempt. Calling it on a running reconnector does
// nothing.
func (r *Reconnector) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.advanceLocked()
	r.state = ReconnectState{}
	r.notifyLocked()
	ctx, a := r.beginLocked()
	r.mu.Unlock()

	r.dial(ctx, a)
}

// Stop cancels the pending retry and the in-flight attempt. No state
// callbacks fire after it returns.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.running = false
	r.advanceLocked()
	r.state.Connected = false
	r.state.Reconnecting = false
}

// Reset clears the attempt counter and any terminal failure, then dials
// immediately.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	r.running = true
	r.advanceLocked()
	r.state = ReconnectState{Reconnecting: true}
	r.notifyLocked()
	ctx, a := r.beginLocked()
	r.mu.Unlock()

	r.logger.Info().Msg("REALTIME: manual reconnect")

	r.dial(ctx, a)
}

// advanceLocked invalidates the current attempt and any pending retry.
func (r *Reconnector) advanceLocked() {
	r.epoch++

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *Reconnector) beginLocked() (context.Context, *Attempt) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	return ctx, &Attempt{r: r, epoch: r.epoch}
}

func (r *Reconnector) notifyLocked() {
	r.onState(r.state)
}

func (r *Reconnector) dial(ctx context.Context, a *Attempt) {
	if err := r.connect(ctx, a); err != nil {
		a.Failed(err)
	}
}

func (r *Reconnector) joined(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running || epoch != r.epoch {
		return
	}

	if r.state.Attempt > 0 {
		r.logger.Info().Int("attempt", r.state.Attempt).Msg("REALTIME: reconnected")
	}

	r.state = ReconnectState{Connected: true}
	r.notifyLocked()
}

func (r *Reconnector) failed(epoch uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running || epoch != r.epoch {
		return
	}

	// Later reports from the same attempt count once.
	r.advanceLocked()

	r.state.Connected = false
	r.state.LastError = err

	if r.state.Attempt >= r.backoff.MaxAttempts {
		r.state.Reconnecting = false
		r.state.Failed = true
		r.notifyLocked()

		r.logger.Error().Err(err).Int("attempt", r.state.Attempt).Msg("REALTIME: giving up")

		return
	}

	r.state.Attempt++
	r.state.Reconnecting = true
	delay := r.backoff.Delay(r.state.Attempt, r.random())

	next := r.epoch
	r.timer = r.clock.AfterFunc(delay, func() {
		r.retry(next)
	})
	r.notifyLocked()

	r.logger.Warn().
		Err(err).
		Int("attempt", r.state.Attempt).
		Dur("delay", delay).
		Msg("REALTIME: connection lost, retrying")
}

func (r *Reconnector) retry(epoch uint64) {
	r.mu.Lock()
	if !r.running || epoch != r.epoch {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	ctx, a := r.beginLocked()
	r.mu.Unlock()

	r.dial(ctx, a)
}
