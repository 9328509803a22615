package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
	"github.com/kursadbilgin/broker-orchestrator/internal/observability"
	"github.com/kursadbilgin/broker-orchestrator/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// WebhookNormalizer turns raw broker payloads into normalized events.
type WebhookNormalizer interface {
	NormalizeWebhook(raw []byte) (*domain.NormalizedWebhookEvent, error)
}

// InstanceStatusStore persists connection changes reported by webhooks.
type InstanceStatusStore interface {
	UpdateStatus(ctx context.Context, id string, status domain.InstanceStatus) error
}

// InstanceCacheInvalidator drops a cached instance after its status changed.
type InstanceCacheInvalidator interface {
	Invalidate(ctx context.Context, id string) error
}

// WebhookWorker consumes raw webhook payloads, normalizes them and routes the
// result to per-event queues.
type WebhookWorker struct {
	consumer    queue.Consumer
	publisher   queue.Publisher
	normalizer  WebhookNormalizer
	instances   InstanceStatusStore
	cache       InstanceCacheInvalidator
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
}

func NewWebhookWorker(
	consumer queue.Consumer,
	publisher queue.Publisher,
	normalizer WebhookNormalizer,
	instances InstanceStatusStore,
	concurrency int,
	logger *zap.Logger,
) (*WebhookWorker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if normalizer == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebhookWorker{
		consumer:    consumer,
		publisher:   publisher,
		normalizer:  normalizer,
		instances:   instances,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

// Start consumes the raw webhook queue until context cancellation.
func (w *WebhookWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("webhook worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queue.RawWebhookQueue),
			)

			err := w.consumer.Consume(groupCtx, queue.RawWebhookQueue, w.processMessage)
			if err != nil {
				w.logger.Error("webhook worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("webhook worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *WebhookWorker) processMessage(ctx context.Context, msg queue.RawWebhookMessage) error {
	w.metrics.IncWebhookInFlight()
	defer w.metrics.DecWebhookInFlight()

	logger := w.logger.With(zap.String("messageId", msg.ID))
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
		logger = observability.WithContextLogger(logger, ctx)
	}

	event, err := w.normalizer.NormalizeWebhook(msg.Payload)
	if err != nil {
		if errors.Is(err, domain.ErrNormalization) || errors.Is(err, domain.ErrUnregisteredProvider) {
			logger.Warn("webhook could not be normalized", zap.Error(err))
			return fmt.Errorf("%w: %w", queue.ErrReject, err)
		}
		return fmt.Errorf("failed to normalize webhook: %w", err)
	}

	logger = logger.With(
		observability.InstanceID(event.InstanceID),
		observability.Provider(event.Provider),
		zap.String("event", event.Event.String()),
	)

	if event.Event == domain.EventConnectionUpdate && event.InstanceUpdate != nil {
		if err := w.recordConnectionState(ctx, logger, event); err != nil {
			return err
		}
	}

	out := queue.EventMessage{ID: msg.ID, CorrelationID: msg.CorrelationID, Event: event}
	if err := w.publisher.PublishEvent(ctx, out); err != nil {
		w.metrics.IncWebhookFailure("publish")
		return fmt.Errorf("failed to publish normalized event: %w", err)
	}

	logger.Debug("webhook normalized")
	return nil
}

func (w *WebhookWorker) recordConnectionState(ctx context.Context, logger *zap.Logger, event *domain.NormalizedWebhookEvent) error {
	if w.instances == nil {
		return nil
	}

	status := event.InstanceUpdate.Status.InstanceStatus()
	err := w.instances.UpdateStatus(ctx, event.InstanceID, status)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("connection update for unknown instance")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}

	if w.cache != nil {
		if err := w.cache.Invalidate(ctx, event.InstanceID); err != nil {
			logger.Warn("failed to invalidate cached instance", zap.Error(err))
		}
	}

	logger.Info("instance connection state updated", zap.String("status", status.String()))
	return nil
}

func (w *WebhookWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

func (w *WebhookWorker) SetInstanceCache(cache InstanceCacheInvalidator) {
	if w == nil {
		return
	}
	w.cache = cache
}
