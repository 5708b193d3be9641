// Package poller drives periodic subscription re-resolution.
package poller

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the scheduler's polling mode.
type State string

const (
	// StateIdle means no polling is scheduled.
	StateIdle State = "idle"
	// StateNormal is the steady background cadence.
	StateNormal State = "normal"
	// StateAggressive is the short post-purchase cadence used while waiting
	// for the backend to observe a new transaction.
	StateAggressive State = "aggressive"
)

// Defaults for the polling cadences.
const (
	DefaultNormalInterval     = 5 * time.Minute
	DefaultAggressiveInterval = 30 * time.Second
	DefaultAggressiveWindow   = 5 * time.Minute
)

// Scheduler fires a resolve callback on a timer. It has three modes: idle,
// a normal background cadence, and a bounded aggressive cadence that decays
// back to normal after its window expires. Polling stops on its own when
// the session ends.
//
// Stop is synchronous: once it returns, no fire is in progress and none
// will start.
type Scheduler struct {
	resolve       func()
	authenticated func() bool

	normalInterval     time.Duration
	aggressiveInterval time.Duration
	aggressiveWindow   time.Duration

	stateMu         sync.Mutex
	state           State
	gen             uint64
	timer           *time.Timer
	aggressiveUntil time.Time

	// fireMu serializes fires and lets Stop wait out an in-flight one.
	fireMu sync.Mutex

	log zerolog.Logger
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithIntervals overrides the default cadences.
func WithIntervals(normal, aggressive, window time.Duration) Option {
	return func(s *Scheduler) {
		s.normalInterval = normal
		s.aggressiveInterval = aggressive
		s.aggressiveWindow = window
	}
}

// New creates an idle scheduler. resolve runs on the scheduler's goroutine;
// authenticated is checked before every fire so polling winds down when the
// user signs out.
func New(resolve func(), authenticated func() bool, opts ...Option) *Scheduler {
	s := &Scheduler{
		resolve:            resolve,
		authenticated:      authenticated,
		normalInterval:     DefaultNormalInterval,
		aggressiveInterval: DefaultAggressiveInterval,
		aggressiveWindow:   DefaultAggressiveWindow,
		state:              StateIdle,
		log:                log.With().Str("component", "poller").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins normal-cadence polling. Calling it while already polling
// resets to the normal cadence.
func (s *Scheduler) Start() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.transitionLocked(StateNormal, s.normalInterval)
	s.log.Debug().Dur("interval", s.normalInterval).Msg("Started normal polling")
}

// StartAggressive begins aggressive-cadence polling for the configured
// window, after which the scheduler decays to the normal cadence.
func (s *Scheduler) StartAggressive() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.aggressiveUntil = time.Now().Add(s.aggressiveWindow)
	s.transitionLocked(StateAggressive, s.aggressiveInterval)
	s.log.Debug().
		Dur("interval", s.aggressiveInterval).
		Time("until", s.aggressiveUntil).
		Msg("Started aggressive polling")
}

// Stop cancels all polling. When it returns, no resolve fire is running
// and no timer remains armed.
func (s *Scheduler) Stop() {
	s.stateMu.Lock()
	s.idleLocked()
	s.stateMu.Unlock()

	// An in-flight fire holds fireMu; wait it out. Its reschedule attempt
	// fails the generation check and schedules nothing.
	s.fireMu.Lock()
	s.fireMu.Unlock()

	s.log.Debug().Msg("Stopped polling")
}

// State returns the current polling mode.
func (s *Scheduler) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// transitionLocked moves to the given state and arms a fresh timer.
// Bumping the generation orphans any previously armed timer and any fire
// already past its generation check.
func (s *Scheduler) transitionLocked(state State, interval time.Duration) {
	s.gen++
	gen := s.gen
	s.state = state
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(interval, func() { s.fire(gen) })
}

func (s *Scheduler) idleLocked() {
	s.gen++
	s.state = StateIdle
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) fire(gen uint64) {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()

	s.stateMu.Lock()
	if gen != s.gen || s.state == StateIdle {
		s.stateMu.Unlock()
		return
	}
	state := s.state
	deadline := s.aggressiveUntil
	s.stateMu.Unlock()

	if !s.authenticated() {
		s.stateMu.Lock()
		if gen == s.gen {
			s.idleLocked()
		}
		s.stateMu.Unlock()
		s.log.Debug().Msg("Session ended, polling stopped")
		return
	}

	// The aggressive window is checked before resolving: a fire that lands
	// past the deadline decays immediately instead of running one more
	// resolve at the aggressive cadence.
	if state == StateAggressive && !time.Now().Before(deadline) {
		s.stateMu.Lock()
		if gen == s.gen {
			s.log.Debug().Msg("Aggressive polling window elapsed, decaying to normal")
			s.transitionLocked(StateNormal, s.normalInterval)
		}
		s.stateMu.Unlock()
		return
	}

	s.resolve()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if gen != s.gen {
		// Stop or a mode change won while we were resolving.
		return
	}
	interval := s.normalInterval
	if s.state == StateAggressive {
		interval = s.aggressiveInterval
	}
	s.transitionLocked(s.state, interval)
}
