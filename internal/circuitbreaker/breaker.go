package circuitbreaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
	"github.com/qmuntal/stateless"
)

// State is the breaker position for one provider.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func (s State) String() string { return string(s) }

type trigger string

const (
	triggerTrip  trigger = "trip"
	triggerProbe trigger = "probe"
	triggerClose trigger = "close"
	triggerReset trigger = "reset"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

type Config struct {
	FailureThreshold int
	Cooldown         time.Duration

	// IgnoreError marks errors that say nothing about provider health.
	// Caller cancellation is always ignored.
	IgnoreError func(error) bool

	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CircuitBreakerState is a point-in-time view of one breaker.
type CircuitBreakerState struct {
	Provider            domain.BrokerType `json:"provider"`
	State               State             `json:"state"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	OpenedAt            time.Time         `json:"openedAt,omitempty"`
}

// Transition describes a state change. Hooks run after the breaker lock is
// released, so they may read the breaker.
type Transition struct {
	Provider domain.BrokerType
	From     State
	To       State
}

type TransitionFunc func(Transition)

// Breaker tracks the health of one provider.
type Breaker struct {
	provider domain.BrokerType
	cfg      Config

	mu            sync.Mutex
	sm            *stateless.StateMachine
	failures      int
	openedAt      time.Time
	probeInFlight bool
	pending       []Transition
	hooks         []TransitionFunc
}

func New(provider domain.BrokerType, cfg Config) *Breaker {
	b := &Breaker{
		provider: provider,
		cfg:      cfg.withDefaults(),
	}

	sm := stateless.NewStateMachine(StateClosed)

	sm.Configure(StateClosed).
		OnEntry(func(context.Context, ...any) error {
			b.failures = 0
			b.openedAt = time.Time{}
			b.probeInFlight = false
			return nil
		}).
		Permit(triggerTrip, StateOpen).
		Ignore(triggerProbe).
		Ignore(triggerClose).
		Ignore(triggerReset)

	sm.Configure(StateOpen).
		OnEntry(func(context.Context, ...any) error {
			b.openedAt = b.cfg.Now()
			b.probeInFlight = false
			return nil
		}).
		Permit(triggerProbe, StateHalfOpen).
		Permit(triggerReset, StateClosed).
		Ignore(triggerTrip).
		Ignore(triggerClose)

	sm.Configure(StateHalfOpen).
		Permit(triggerClose, StateClosed).
		Permit(triggerTrip, StateOpen).
		Permit(triggerReset, StateClosed).
		Ignore(triggerProbe)

	sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		from, to := t.Source.(State), t.Destination.(State)
		if from == to {
			return
		}
		b.pending = append(b.pending, Transition{Provider: b.provider, From: from, To: to})
	})

	b.sm = sm
	return b
}

func (b *Breaker) Provider() domain.BrokerType { return b.provider }

// OnTransition registers a hook called after every state change.
func (b *Breaker) OnTransition(fn TransitionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Allow reports whether a call may go through. An OPEN breaker whose cooldown
// has elapsed moves to HALF_OPEN and admits the caller as its single probe.
func (b *Breaker) Allow() error {
	var err error
	b.locked(func() {
		switch b.current() {
		case StateClosed:
		case StateOpen:
			if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
				err = domain.ProviderUnavailableError(b.provider)
				return
			}
			b.fire(triggerProbe)
			b.probeInFlight = true
		case StateHalfOpen:
			if b.probeInFlight {
				err = domain.ProviderUnavailableError(b.provider)
				return
			}
			b.probeInFlight = true
		}
	})
	return err
}

// Available reports whether Allow would currently admit a call, without
// changing state.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case StateOpen:
		return b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown
	case StateHalfOpen:
		return !b.probeInFlight
	default:
		return true
	}
}

func (b *Breaker) RecordSuccess() {
	b.locked(func() {
		switch b.current() {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.fire(triggerClose)
		}
	})
}

func (b *Breaker) RecordFailure() {
	b.locked(func() {
		switch b.current() {
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.fire(triggerTrip)
			}
		case StateHalfOpen:
			b.failures++
			b.fire(triggerTrip)
		}
	})
}

// release frees a half-open probe slot without judging the provider.
func (b *Breaker) release() {
	b.locked(func() {
		if b.current() == StateHalfOpen {
			b.probeInFlight = false
		}
	})
}

// Execute runs fn if the breaker admits it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case b.ignored(ctx, err):
		b.release()
	default:
		b.RecordFailure()
	}
	return err
}

// Reset forces the breaker CLOSED.
func (b *Breaker) Reset() {
	b.locked(func() {
		if b.current() == StateClosed {
			b.failures = 0
			return
		}
		b.fire(triggerReset)
	})
}

func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return CircuitBreakerState{
		Provider:            b.provider,
		State:               b.current(),
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}

func (b *Breaker) ignored(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return true
	}
	return b.cfg.IgnoreError != nil && b.cfg.IgnoreError(err)
}

func (b *Breaker) current() State {
	return b.sm.MustState().(State)
}

// fire never fails: every trigger is permitted or ignored in every state.
func (b *Breaker) fire(t trigger) {
	_ = b.sm.Fire(t)
}

func (b *Breaker) locked(fn func()) {
	b.mu.Lock()
	fn()
	transitions := b.pending
	b.pending = nil
	hooks := append([]TransitionFunc(nil), b.hooks...)
	b.mu.Unlock()

	for _, t := range transitions {
		for _, hook := range hooks {
			hook(t)
		}
	}
}

// Set keeps one breaker per provider, created on first use.
type Set struct {
	cfg Config

	mu       sync.Mutex
	breakers map[domain.BrokerType]*Breaker
	hooks    []TransitionFunc
}

func NewSet(cfg Config) *Set {
	return &Set{
		cfg:      cfg,
		breakers: make(map[domain.BrokerType]*Breaker),
	}
}

// OnTransition registers a hook on every current and future breaker.
func (s *Set) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks = append(s.hooks, fn)
	for _, b := range s.breakers {
		b.OnTransition(fn)
	}
}

func (s *Set) For(provider domain.BrokerType) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[provider]; ok {
		return b
	}

	b := New(provider, s.cfg)
	for _, hook := range s.hooks {
		b.OnTransition(hook)
	}
	s.breakers[provider] = b
	return b
}

// Reset forces the provider's breaker CLOSED.
func (s *Set) Reset(provider domain.BrokerType) CircuitBreakerState {
	b := s.For(provider)
	b.Reset()
	return b.State()
}

// States returns a snapshot of every known breaker, ordered by provider.
func (s *Set) States() []CircuitBreakerState {
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	states := make([]CircuitBreakerState, 0, len(breakers))
	for _, b := range breakers {
		states = append(states, b.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Provider < states[j].Provider })
	return states
}
