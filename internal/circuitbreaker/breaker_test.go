package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBroker = errors.New("broker down")

func failing(context.Context) error { return errBroker }
func succeeding(context.Context) error { return nil }

func newTestBreaker(clock *fakeClock) *Breaker {
	return New(domain.BrokerUazapi, Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		Now:              clock.Now,
	})
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	if got := b.State().State; got != StateClosed {
		t.Fatalf("state after 2 failures = %s, want CLOSED", got)
	}

	_ = b.Execute(context.Background(), failing)

	st := b.State()
	if st.State != StateOpen {
		t.Fatalf("state after 3 failures = %s, want OPEN", st.State)
	}
	if !st.OpenedAt.Equal(clock.Now()) {
		t.Fatalf("OpenedAt = %v, want %v", st.OpenedAt, clock.Now())
	}
	if st.ConsecutiveFailures != 3 {
		t.Fatalf("ConsecutiveFailures = %d, want 3", st.ConsecutiveFailures)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(newFakeClock())

	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), succeeding)
	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)

	st := b.State()
	if st.State != StateClosed || st.ConsecutiveFailures != 2 {
		t.Fatalf("state = %+v, want CLOSED with 2 failures", st)
	}
}

func TestBreakerOpenShortCircuits(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}

	calls := 0
	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
	if b.Available() {
		t.Fatal("Available() = true during cooldown")
	}

	clock.Advance(29 * time.Second)
	if err := b.Allow(); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("Allow() before cooldown = %v, want ErrProviderUnavailable", err)
	}
}

func TestBreakerHalfOpenAllowsSingleProbe(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}

	clock.Advance(30 * time.Second)
	if !b.Available() {
		t.Fatal("Available() = false after cooldown")
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("first Allow() after cooldown = %v, want nil", err)
	}
	if got := b.State().State; got != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", got)
	}
	if err := b.Allow(); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("second Allow() = %v, want ErrProviderUnavailable", err)
	}

	b.RecordSuccess()

	st := b.State()
	if st.State != StateClosed || st.ConsecutiveFailures != 0 || !st.OpenedAt.IsZero() {
		t.Fatalf("state after probe success = %+v, want reset CLOSED", st)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}

	clock.Advance(45 * time.Second)
	_ = b.Execute(context.Background(), failing)

	st := b.State()
	if st.State != StateOpen {
		t.Fatalf("state = %s, want OPEN", st.State)
	}
	if !st.OpenedAt.Equal(clock.Now()) {
		t.Fatalf("OpenedAt = %v, want reset to %v", st.OpenedAt, clock.Now())
	}
}

func TestBreakerConcurrentProbes(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	clock.Advance(time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 1 {
		t.Fatalf("allowed probes = %d, want 1", allowed)
	}
}

func TestBreakerCancellationIsNotAFailure(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newTestBreaker(clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	}
	if st := b.State(); st.State != StateClosed || st.ConsecutiveFailures != 0 {
		t.Fatalf("state = %+v, want untouched CLOSED", st)
	}

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	clock.Advance(time.Minute)

	_ = b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if err := b.Allow(); err != nil {
		t.Fatalf("cancelled probe must release the slot, Allow() = %v", err)
	}
}

func TestBreakerIgnoreError(t *testing.T) {
	t.Parallel()

	b := New(domain.BrokerUazapi, Config{
		FailureThreshold: 1,
		IgnoreError:      func(err error) bool { return errors.Is(err, domain.ErrValidation) },
	})

	_ = b.Execute(context.Background(), func(context.Context) error { return domain.ErrValidation })
	if got := b.State().State; got != StateClosed {
		t.Fatalf("state = %s, want CLOSED", got)
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		setup func(b *Breaker, clock *fakeClock)
	}{
		{name: "from closed", setup: func(b *Breaker, _ *fakeClock) { _ = b.Execute(context.Background(), failing) }},
		{name: "from open", setup: func(b *Breaker, _ *fakeClock) {
			for i := 0; i < 3; i++ {
				_ = b.Execute(context.Background(), failing)
			}
		}},
		{name: "from half open", setup: func(b *Breaker, clock *fakeClock) {
			for i := 0; i < 3; i++ {
				_ = b.Execute(context.Background(), failing)
			}
			clock.Advance(time.Minute)
			_ = b.Allow()
		}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			clock := newFakeClock()
			b := newTestBreaker(clock)
			tc.setup(b, clock)

			b.Reset()

			st := b.State()
			if st.State != StateClosed || st.ConsecutiveFailures != 0 {
				t.Fatalf("state after Reset() = %+v, want CLOSED with 0 failures", st)
			}
			if err := b.Allow(); err != nil {
				t.Fatalf("Allow() after Reset() = %v", err)
			}
		})
	}
}

func TestBreakerTransitionsAreObservable(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	set := NewSet(Config{FailureThreshold: 1, Cooldown: time.Second, Now: clock.Now})

	var got []Transition
	set.OnTransition(func(tr Transition) {
		got = append(got, tr)
	})

	b := set.For(domain.BrokerEvolution)
	_ = b.Execute(context.Background(), failing)
	clock.Advance(time.Second)
	_ = b.Execute(context.Background(), succeeding)
	_ = b.Execute(context.Background(), failing)
	set.Reset(domain.BrokerEvolution)

	want := []Transition{
		{Provider: domain.BrokerEvolution, From: StateClosed, To: StateOpen},
		{Provider: domain.BrokerEvolution, From: StateOpen, To: StateHalfOpen},
		{Provider: domain.BrokerEvolution, From: StateHalfOpen, To: StateClosed},
		{Provider: domain.BrokerEvolution, From: StateClosed, To: StateOpen},
		{Provider: domain.BrokerEvolution, From: StateOpen, To: StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSetStatesOrderedByProvider(t *testing.T) {
	t.Parallel()

	set := NewSet(Config{})
	set.For(domain.BrokerUazapi)
	set.For(domain.BrokerEvolution)

	if set.For(domain.BrokerUazapi) != set.For(domain.BrokerUazapi) {
		t.Fatal("For() must return the same breaker per provider")
	}

	states := set.States()
	if len(states) != 2 {
		t.Fatalf("len(States()) = %d, want 2", len(states))
	}
	if states[0].Provider != domain.BrokerEvolution || states[1].Provider != domain.BrokerUazapi {
		t.Fatalf("States() order = %s, %s", states[0].Provider, states[1].Provider)
	}
	for _, st := range states {
		if st.State != StateClosed {
			t.Fatalf("%s state = %s, want CLOSED", st.Provider, st.State)
		}
	}
}
