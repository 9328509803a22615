package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/broker-orchestrator/internal/circuitbreaker"
	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
	"github.com/kursadbilgin/broker-orchestrator/internal/normalizer"
	"github.com/kursadbilgin/broker-orchestrator/internal/observability"
	"github.com/kursadbilgin/broker-orchestrator/internal/provider"
	"github.com/kursadbilgin/broker-orchestrator/internal/ratelimit"
	"github.com/kursadbilgin/broker-orchestrator/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opSendText       = "send_text"
	opSendMedia      = "send_media"
	opSendButtons    = "send_buttons"
	opSendList       = "send_list"
	opInstanceStatus = "instance_status"
)

// InstanceRepository resolves instances by id. A missing instance is
// reported as domain.ErrNotFound or a nil instance.
type InstanceRepository interface {
	GetInstance(ctx context.Context, id string) (*domain.Instance, error)
}

// InstanceCache is a read-through cache in front of the repository.
// Get reports a miss as domain.ErrNotFound.
type InstanceCache interface {
	Get(ctx context.Context, id string) (*domain.Instance, error)
	Set(ctx context.Context, instance *domain.Instance) error
}

// SendResult is returned by every successful send.
type SendResult struct {
	Success  bool                      `json:"success"`
	Data     *domain.NormalizedMessage `json:"data"`
	Provider domain.BrokerType         `json:"provider"`
	Attempts int                       `json:"attempts"`
}

type sendFunc func(ctx context.Context, adapter provider.Adapter, creds provider.Credentials) (*domain.NormalizedMessage, error)

// Orchestrator routes broker calls for instances through retry, circuit
// breaking and fallback, and normalizes inbound webhooks.
type Orchestrator struct {
	cfg         Config
	instances   InstanceRepository
	cache       InstanceCache
	adapters    map[domain.BrokerType]provider.Adapter
	breakers    *circuitbreaker.Set
	retry       retry.Policy
	rateLimiter ratelimit.RateLimiter
	normalizer  *normalizer.Normalizer
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// BreakerIgnores reports errors that must not count against a provider's
// circuit: requests the broker never judged.
func BreakerIgnores(err error) bool {
	return errors.Is(err, domain.ErrValidation)
}

func New(
	cfg Config,
	instances InstanceRepository,
	adapters []provider.Adapter,
	breakers *circuitbreaker.Set,
	rateLimiter ratelimit.RateLimiter,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if instances == nil {
		return nil, fmt.Errorf("instance repository is required")
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("at least one provider adapter is required")
	}
	if breakers == nil {
		breakers = circuitbreaker.NewSet(circuitbreaker.Config{IgnoreError: BreakerIgnores})
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.withDefaults()
	for _, b := range cfg.FallbackOrder {
		if !b.IsValid() {
			return nil, fmt.Errorf("%w: invalid fallback provider %q", domain.ErrValidation, b)
		}
	}

	o := &Orchestrator{
		cfg:         cfg,
		instances:   instances,
		adapters:    make(map[domain.BrokerType]provider.Adapter, len(adapters)),
		breakers:    breakers,
		retry:       retry.Policy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryDelay},
		rateLimiter: rateLimiter,
		logger:      logger,
		now:         time.Now,
	}

	for _, a := range adapters {
		if a == nil {
			continue
		}
		if _, dup := o.adapters[a.Provider()]; dup {
			return nil, fmt.Errorf("provider %s registered twice", a.Provider())
		}
		o.adapters[a.Provider()] = a
		breakers.For(a.Provider())
	}
	o.normalizer = normalizer.New(adapters...)

	breakers.OnTransition(o.onBreakerTransition)

	return o, nil
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// SetInstanceCache enables the cache when the config allows it.
func (o *Orchestrator) SetInstanceCache(cache InstanceCache) {
	if o == nil {
		return
	}
	o.cache = cache
}

// Providers lists the registered brokers in name order.
func (o *Orchestrator) Providers() []domain.BrokerType {
	out := make([]domain.BrokerType, 0, len(o.adapters))
	for b := range o.adapters {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (o *Orchestrator) SendTextMessage(ctx context.Context, req domain.TextMessageRequest) (*SendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return o.send(ctx, opSendText, req.InstanceID, func(ctx context.Context, a provider.Adapter, creds provider.Credentials) (*domain.NormalizedMessage, error) {
		return a.SendTextMessage(ctx, creds, req)
	})
}

func (o *Orchestrator) SendMediaMessage(ctx context.Context, req domain.MediaMessageRequest) (*SendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return o.send(ctx, opSendMedia, req.InstanceID, func(ctx context.Context, a provider.Adapter, creds provider.Credentials) (*domain.NormalizedMessage, error) {
		return a.SendMediaMessage(ctx, creds, req)
	})
}

func (o *Orchestrator) SendButtonsMessage(ctx context.Context, req domain.ButtonsMessageRequest) (*SendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return o.send(ctx, opSendButtons, req.InstanceID, func(ctx context.Context, a provider.Adapter, creds provider.Credentials) (*domain.NormalizedMessage, error) {
		return a.SendButtonsMessage(ctx, creds, req)
	})
}

func (o *Orchestrator) SendListMessage(ctx context.Context, req domain.ListMessageRequest) (*SendResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return o.send(ctx, opSendList, req.InstanceID, func(ctx context.Context, a provider.Adapter, creds provider.Credentials) (*domain.NormalizedMessage, error) {
		return a.SendListMessage(ctx, creds, req)
	})
}

func (o *Orchestrator) send(ctx context.Context, operation, instanceID string, call sendFunc) (*SendResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	instance, err := o.resolveInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	logger := observability.WithContextLogger(o.logger, ctx).With(
		observability.InstanceID(instance.ID),
		zap.String("operation", operation),
	)
	creds := provider.CredentialsFor(instance)

	var (
		lastErr  error
		tried    []domain.BrokerType
		attempts int
		previous domain.BrokerType
	)

	for _, broker := range o.cfg.candidates(instance.BrokerType) {
		adapter, ok := o.adapters[broker]
		if !ok {
			if !o.cfg.EnableFallback {
				return nil, domain.UnregisteredProviderError(broker)
			}
			logger.Debug("skipping unregistered provider", observability.Provider(broker))
			continue
		}

		if o.cfg.EnableFallback && !o.breakers.For(broker).Available() {
			logger.Warn("skipping provider with open circuit", observability.Provider(broker))
			tried = append(tried, broker)
			lastErr = domain.ProviderUnavailableError(broker)
			continue
		}

		if previous != "" {
			o.metrics.IncFallback(previous.String(), broker.String())
			logger.Warn("falling back to next provider",
				zap.String("from", previous.String()),
				observability.Provider(broker),
			)
		}
		tried = append(tried, broker)

		var msg *domain.NormalizedMessage
		calls, err := o.invoke(ctx, logger, broker, operation, func(ctx context.Context) error {
			var callErr error
			msg, callErr = call(ctx, adapter, creds)
			return callErr
		})
		attempts += calls

		if err == nil {
			logger.Info("message sent",
				observability.Provider(broker),
				zap.Int("attempts", attempts),
			)
			return &SendResult{Success: true, Data: msg, Provider: broker, Attempts: attempts}, nil
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, err
		}
		if !o.cfg.EnableFallback {
			logger.Error("provider exhausted",
				observability.Provider(broker),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			return nil, err
		}

		lastErr = err
		previous = broker
	}

	if lastErr == nil {
		lastErr = domain.UnregisteredProviderError(instance.BrokerType)
	}
	noProvider := &domain.NoAvailableProviderError{Tried: tried, Cause: lastErr}
	logger.Error("no provider available",
		zap.Int("attempts", attempts),
		zap.Error(noProvider),
	)
	return nil, noProvider
}

// invoke runs fn under the retry policy, gating every attempt on the
// provider's rate limiter and breaker. It returns how many times fn ran.
func (o *Orchestrator) invoke(ctx context.Context, logger *zap.Logger, broker domain.BrokerType, operation string, fn func(context.Context) error) (int, error) {
	breaker := o.breakers.For(broker)
	calls := 0

	_, err := o.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := o.waitRateLimit(ctx, logger, broker); err != nil {
			return retry.Permanent(err)
		}

		err := breaker.Execute(ctx, func(ctx context.Context) error {
			calls++
			start := o.now()
			callErr := fn(ctx)
			o.metrics.ObserveProviderCall(broker.String(), operation, outcome(callErr), o.now().Sub(start))
			return callErr
		})
		if err == nil {
			return nil
		}

		// An open circuit consumes no attempt; the caller moves on.
		if errors.Is(err, domain.ErrProviderUnavailable) {
			logger.Warn("provider circuit open",
				observability.Provider(broker),
				observability.Attempt(attempt),
			)
			return retry.Permanent(err)
		}

		logAttemptFailure(logger, broker, attempt, err)

		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrValidation) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, delay time.Duration) {
		o.metrics.IncRetry(broker.String())
		logger.Debug("retrying provider call",
			observability.Provider(broker),
			observability.Attempt(attempt),
			zap.Duration("delay", delay),
		)
	})

	return calls, err
}

func (o *Orchestrator) waitRateLimit(ctx context.Context, logger *zap.Logger, broker domain.BrokerType) error {
	if o.rateLimiter == nil {
		return nil
	}

	err := o.rateLimiter.Wait(ctx, broker.String())
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	// A broken limiter must not block delivery.
	logger.Warn("rate limiter unavailable, sending without limit",
		observability.Provider(broker),
		zap.Error(err),
	)
	return nil
}

func logAttemptFailure(logger *zap.Logger, broker domain.BrokerType, attempt int, err error) {
	fields := []zap.Field{
		observability.Provider(broker),
		observability.Attempt(attempt),
		observability.ErrorCode(provider.CodeOf(err)),
		zap.Bool("transient", provider.IsTransient(err)),
		zap.Error(err),
	}

	if provider.IsAuthError(err) {
		logger.Warn("provider rejected instance credentials", fields...)
		return
	}
	logger.Warn("provider call failed", fields...)
}

func (o *Orchestrator) resolveInstance(ctx context.Context, instanceID string) (*domain.Instance, error) {
	id := strings.TrimSpace(instanceID)
	if id == "" {
		return nil, fmt.Errorf("%w: %q", domain.ErrInstanceNotFound, instanceID)
	}

	useCache := o.cfg.CacheEnabled && o.cache != nil
	if useCache {
		instance, err := o.cache.Get(ctx, id)
		if err == nil && instance != nil {
			return instance, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			o.logger.Warn("instance cache read failed", observability.InstanceID(id), zap.Error(err))
		}
	}

	instance, err := o.instances.GetInstance(ctx, id)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
		}
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrInstanceNotFound, id, err)
	}
	if instance == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
	}

	if useCache {
		if err := o.cache.Set(ctx, instance); err != nil {
			o.logger.Warn("instance cache write failed", observability.InstanceID(id), zap.Error(err))
		}
	}
	return instance, nil
}

// GetInstanceStatus queries the instance's own broker. It never falls back:
// another broker cannot report on this connection.
func (o *Orchestrator) GetInstanceStatus(ctx context.Context, instanceID string) (*provider.InstanceStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	instance, err := o.resolveInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	adapter, ok := o.adapters[instance.BrokerType]
	if !ok {
		return nil, domain.UnregisteredProviderError(instance.BrokerType)
	}

	logger := observability.WithContextLogger(o.logger, ctx).With(
		observability.InstanceID(instance.ID),
		zap.String("operation", opInstanceStatus),
	)
	creds := provider.CredentialsFor(instance)

	var status *provider.InstanceStatus
	_, err = o.invoke(ctx, logger, instance.BrokerType, opInstanceStatus, func(ctx context.Context) error {
		var callErr error
		status, callErr = adapter.GetInstanceStatus(ctx, creds)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// HealthCheckAll probes every registered adapter concurrently. Every adapter
// gets an entry; a panicking probe is reported unhealthy.
func (o *Orchestrator) HealthCheckAll(ctx context.Context) map[domain.BrokerType]provider.HealthStatus {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		mu      sync.Mutex
		results = make(map[domain.BrokerType]provider.HealthStatus, len(o.adapters))
		g       errgroup.Group
	)

	for broker, adapter := range o.adapters {
		g.Go(func() error {
			status := o.probe(ctx, broker, adapter)

			mu.Lock()
			results[broker] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (o *Orchestrator) probe(ctx context.Context, broker domain.BrokerType, adapter provider.Adapter) (status provider.HealthStatus) {
	start := o.now()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("provider health check panicked",
				observability.Provider(broker),
				zap.Any("panic", r),
			)
			status = provider.HealthStatus{
				Healthy: false,
				Latency: o.now().Sub(start),
				Error:   fmt.Sprintf("health check panicked: %v", r),
			}
		}
	}()

	status = adapter.HealthCheck(ctx)
	if !status.Healthy {
		o.logger.Warn("provider unhealthy",
			observability.Provider(broker),
			zap.String("error", status.Error),
		)
	}
	return status
}

// NormalizeWebhook maps a raw webhook payload to the normalized event model.
func (o *Orchestrator) NormalizeWebhook(raw []byte) (*domain.NormalizedWebhookEvent, error) {
	event, err := o.normalizer.Normalize(raw)
	if err != nil {
		reason := "normalization"
		if errors.Is(err, domain.ErrUnregisteredProvider) {
			reason = "unregistered_provider"
		}
		o.metrics.IncWebhookFailure(reason)
		return nil, err
	}

	o.metrics.IncWebhookNormalized(event.Provider.String(), event.Event.String())
	return event, nil
}

func (o *Orchestrator) CircuitStates() []circuitbreaker.CircuitBreakerState {
	return o.breakers.States()
}

// ResetCircuit forces a registered provider's breaker CLOSED.
func (o *Orchestrator) ResetCircuit(broker domain.BrokerType) (circuitbreaker.CircuitBreakerState, error) {
	if _, ok := o.adapters[broker]; !ok {
		return circuitbreaker.CircuitBreakerState{}, domain.UnregisteredProviderError(broker)
	}

	o.logger.Info("circuit breaker reset requested", observability.Provider(broker))
	return o.breakers.Reset(broker), nil
}

func (o *Orchestrator) onBreakerTransition(t circuitbreaker.Transition) {
	o.metrics.SetCircuitState(t.Provider.String(), t.To.String())

	fields := []zap.Field{
		observability.Provider(t.Provider),
		zap.String("from", t.From.String()),
		zap.String("to", t.To.String()),
	}
	if t.To == circuitbreaker.StateOpen {
		o.logger.Warn("circuit breaker opened", fields...)
		return
	}
	o.logger.Info("circuit breaker transition", fields...)
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if code := provider.CodeOf(err); code != "" {
		return strings.ToLower(code.String())
	}
	return "error"
}
