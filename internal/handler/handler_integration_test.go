package handler

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/broker-orchestrator/internal/circuitbreaker"
	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
	"github.com/kursadbilgin/broker-orchestrator/internal/observability"
	"github.com/kursadbilgin/broker-orchestrator/internal/provider"
	"github.com/kursadbilgin/broker-orchestrator/internal/queue"
	"github.com/kursadbilgin/broker-orchestrator/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestProviderIntegration_ProvidersHealth(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		results    map[domain.BrokerType]provider.HealthStatus
		wantCode   int
		wantStatus string
	}{
		{
			name: "all healthy",
			results: map[domain.BrokerType]provider.HealthStatus{
				domain.BrokerUazapi:    {Healthy: true, Latency: 12 * time.Millisecond},
				domain.BrokerEvolution: {Healthy: true, Latency: 30 * time.Millisecond},
			},
			wantCode:   fiber.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "one down",
			results: map[domain.BrokerType]provider.HealthStatus{
				domain.BrokerUazapi:    {Healthy: true},
				domain.BrokerEvolution: {Healthy: false, Error: "connection refused"},
			},
			wantCode:   fiber.StatusOK,
			wantStatus: "degraded",
		},
		{
			name: "all down",
			results: map[domain.BrokerType]provider.HealthStatus{
				domain.BrokerUazapi: {Healthy: false, Error: "status 502"},
			},
			wantCode:   fiber.StatusServiceUnavailable,
			wantStatus: "down",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			app := newProviderTestApp(t, &stubOrchestrator{
				healthFn: func(ctx context.Context) map[domain.BrokerType]provider.HealthStatus {
					return tc.results
				},
			})

			resp, body := performRequest(t, app, http.MethodGet, "/v1/providers/health", "")
			if resp.StatusCode != tc.wantCode {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tc.wantCode, string(body))
			}

			var got providersHealthResponse
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("json unmarshal error = %v", err)
			}
			if got.Status != tc.wantStatus {
				t.Fatalf("status = %q, want %q", got.Status, tc.wantStatus)
			}
			if len(got.Providers) != len(tc.results) {
				t.Fatalf("providers = %d, want %d", len(got.Providers), len(tc.results))
			}
			for i := 1; i < len(got.Providers); i++ {
				if got.Providers[i-1].Provider > got.Providers[i].Provider {
					t.Fatalf("providers not sorted: %+v", got.Providers)
				}
			}
		})
	}
}

func TestProviderIntegration_Circuits(t *testing.T) {
	t.Parallel()

	app := newProviderTestApp(t, &stubOrchestrator{
		statesFn: func() []circuitbreaker.CircuitBreakerState {
			return []circuitbreaker.CircuitBreakerState{
				{Provider: domain.BrokerEvolution, State: circuitbreaker.StateClosed},
				{Provider: domain.BrokerUazapi, State: circuitbreaker.StateOpen, ConsecutiveFailures: 5},
			}
		},
	})

	resp, body := performRequest(t, app, http.MethodGet, "/v1/providers/circuits", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var got circuitsResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(got.Data) != 2 {
		t.Fatalf("data = %d, want 2", len(got.Data))
	}
	if got.Data[1].State != circuitbreaker.StateOpen || got.Data[1].ConsecutiveFailures != 5 {
		t.Fatalf("uazapi circuit = %+v", got.Data[1])
	}
}

func TestProviderIntegration_ResetCircuit(t *testing.T) {
	t.Parallel()

	var reset []domain.BrokerType
	var mu sync.Mutex
	app := newProviderTestApp(t, &stubOrchestrator{
		resetFn: func(broker domain.BrokerType) (circuitbreaker.CircuitBreakerState, error) {
			if broker == domain.BrokerEvolution {
				return circuitbreaker.CircuitBreakerState{}, domain.UnregisteredProviderError(broker)
			}
			mu.Lock()
			reset = append(reset, broker)
			mu.Unlock()
			return circuitbreaker.CircuitBreakerState{Provider: broker, State: circuitbreaker.StateClosed}, nil
		},
	})

	resp, body := performRequest(t, app, http.MethodPost, "/v1/providers/uazapi/circuit/reset", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var state circuitbreaker.CircuitBreakerState
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if state.Provider != domain.BrokerUazapi || state.State != circuitbreaker.StateClosed {
		t.Fatalf("state = %+v", state)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/providers/twilio/circuit/reset", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown broker type", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/providers/EVOLUTION/circuit/reset", "")
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 for unregistered provider", resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reset) != 1 || reset[0] != domain.BrokerUazapi {
		t.Fatalf("reset = %v, want [UAZAPI]", reset)
	}
}

func TestProviderIntegration_InstanceStatus(t *testing.T) {
	t.Parallel()

	var gotCorrelationID string
	var mu sync.Mutex
	app := newProviderTestApp(t, &stubOrchestrator{
		statusFn: func(ctx context.Context, instanceID string) (*provider.InstanceStatus, error) {
			mu.Lock()
			gotCorrelationID, _ = observability.CorrelationIDFromContext(ctx)
			mu.Unlock()

			switch instanceID {
			case "inst-1":
				return &provider.InstanceStatus{ID: instanceID, Provider: domain.BrokerUazapi, Status: domain.ConnectionConnected}, nil
			case "inst-down":
				return nil, &domain.NoAvailableProviderError{Tried: []domain.BrokerType{domain.BrokerUazapi}}
			default:
				return nil, domain.ErrInstanceNotFound
			}
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/instances/inst-1/status", nil)
	req.Header.Set(fiber.HeaderXRequestID, "corr-123")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var status provider.InstanceStatus
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if status.Status != domain.ConnectionConnected || status.Provider != domain.BrokerUazapi {
		t.Fatalf("status = %+v", status)
	}

	mu.Lock()
	if gotCorrelationID != "corr-123" {
		t.Fatalf("correlation id = %q, want corr-123", gotCorrelationID)
	}
	mu.Unlock()

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/instances/missing/status", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404 for missing instance", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/instances/inst-down/status", "")
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when no provider is available", resp.StatusCode)
	}
}

func TestWebhookIntegration_ReceiveWebhook(t *testing.T) {
	t.Parallel()

	t.Run("valid payload is queued", func(t *testing.T) {
		t.Parallel()

		publisher := &stubRawPublisher{}
		app := newWebhookTestApp(t, publisher)

		payload := `{"EventType":"connection","instance":"inst-1","status":"open"}`
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks", bytes.NewBufferString(payload))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		req.Header.Set(fiber.HeaderXRequestID, "corr-hook")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test() error = %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != fiber.StatusAccepted {
			t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
		}

		var accepted map[string]string
		if err := json.Unmarshal(body, &accepted); err != nil {
			t.Fatalf("json unmarshal error = %v", err)
		}

		published := publisher.Messages()
		if len(published) != 1 {
			t.Fatalf("published = %d, want 1", len(published))
		}
		msg := published[0]
		if msg.ID == "" || accepted["id"] != msg.ID {
			t.Fatalf("id = %q, published id = %q", accepted["id"], msg.ID)
		}
		if msg.CorrelationID != "corr-hook" {
			t.Fatalf("correlation id = %q, want corr-hook", msg.CorrelationID)
		}
		if string(msg.Payload) != payload {
			t.Fatalf("payload = %s, want %s", string(msg.Payload), payload)
		}
		if err := msg.Validate(); err != nil {
			t.Fatalf("published message invalid: %v", err)
		}
	})

	t.Run("invalid payload is rejected", func(t *testing.T) {
		t.Parallel()

		publisher := &stubRawPublisher{}
		app := newWebhookTestApp(t, publisher)

		for _, body := range []string{"", "{not json"} {
			resp, _ := performRequest(t, app, http.MethodPost, "/v1/webhooks", body)
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Fatalf("status = %d, want 400 for body %q", resp.StatusCode, body)
			}
		}
		if got := len(publisher.Messages()); got != 0 {
			t.Fatalf("published = %d, want 0", got)
		}
	})

	t.Run("publish failure returns 503", func(t *testing.T) {
		t.Parallel()

		app := newWebhookTestApp(t, &stubRawPublisher{err: errors.New("channel closed")})

		resp, _ := performRequest(t, app, http.MethodPost, "/v1/webhooks", `{"event":"messages.upsert"}`)
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", resp.StatusCode)
		}
	})
}

func TestInstanceIntegration_PutInstance(t *testing.T) {
	t.Parallel()

	registry := &stubInstanceRegistry{}
	cache := &stubInvalidator{}
	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	if err := RegisterInstanceRoutes(app, registry, cache, zap.NewNop()); err != nil {
		t.Fatalf("RegisterInstanceRoutes() error = %v", err)
	}

	resp, body := performRequest(t, app, http.MethodPut, "/v1/instances/inst-1", `{"brokerType":"uazapi","authToken":"tok-1"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if strings.Contains(string(body), "tok-1") {
		t.Fatalf("response leaks auth token: %s", string(body))
	}

	created := registry.Instances()
	if len(created) != 1 {
		t.Fatalf("created = %d, want 1", len(created))
	}
	if created[0].ID != "inst-1" || created[0].BrokerType != domain.BrokerUazapi || created[0].AuthToken != "tok-1" {
		t.Fatalf("created instance = %+v", created[0])
	}
	if got := cache.IDs(); len(got) != 1 || got[0] != "inst-1" {
		t.Fatalf("invalidated = %v, want [inst-1]", got)
	}

	testCases := []struct {
		name string
		body string
	}{
		{name: "malformed body", body: `{`},
		{name: "unknown broker", body: `{"brokerType":"twilio","authToken":"tok"}`},
		{name: "missing token", body: `{"brokerType":"EVOLUTION"}`},
		{name: "invalid status", body: `{"brokerType":"EVOLUTION","authToken":"tok","status":"paused"}`},
	}

	for _, tc := range testCases {
		resp, _ := performRequest(t, app, http.MethodPut, "/v1/instances/inst-2", tc.body)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", tc.name, resp.StatusCode)
		}
	}
	if got := len(registry.Instances()); got != 1 {
		t.Fatalf("created = %d after rejected requests, want 1", got)
	}
}

func TestRegisterRoutes_RequireDependencies(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	if err := RegisterProviderRoutes(app, nil); err == nil {
		t.Fatal("RegisterProviderRoutes() error = nil, want error")
	}
	if err := RegisterWebhookRoutes(app, nil); err == nil {
		t.Fatal("RegisterWebhookRoutes() error = nil, want error")
	}
	if err := RegisterInstanceRoutes(app, nil, nil, nil); err == nil {
		t.Fatal("RegisterInstanceRoutes() error = nil, want error")
	}
}

func TestHealthIntegration_LivezAndReadyz(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sql.OpenDB(stubConnector{}), newStubRedisClient(nil), nil)

		resp, body := performRequest(t, app, http.MethodGet, "/livez", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 200 when dependencies healthy", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb, stubBroker{})

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
		if !strings.Contains(string(body), `"rabbitmq":"ok"`) {
			t.Fatalf("body = %s, want rabbitmq check", string(body))
		}
	})

	t.Run("readyz returns 503 when dependencies down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{pingErr: errors.New("postgres down")})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(errors.New("redis down"))
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb, nil)

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 503 when broker down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })

		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, sqlDB, rdb, stubBroker{err: errors.New("connection closed")})

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
		if !strings.Contains(string(body), `"rabbitmq":"down"`) {
			t.Fatalf("body = %s, want rabbitmq down", string(body))
		}
	})
}

type stubOrchestrator struct {
	healthFn func(ctx context.Context) map[domain.BrokerType]provider.HealthStatus
	statesFn func() []circuitbreaker.CircuitBreakerState
	resetFn  func(broker domain.BrokerType) (circuitbreaker.CircuitBreakerState, error)
	statusFn func(ctx context.Context, instanceID string) (*provider.InstanceStatus, error)
}

func (s *stubOrchestrator) HealthCheckAll(ctx context.Context) map[domain.BrokerType]provider.HealthStatus {
	if s.healthFn != nil {
		return s.healthFn(ctx)
	}
	return map[domain.BrokerType]provider.HealthStatus{}
}

func (s *stubOrchestrator) CircuitStates() []circuitbreaker.CircuitBreakerState {
	if s.statesFn != nil {
		return s.statesFn()
	}
	return nil
}

func (s *stubOrchestrator) ResetCircuit(broker domain.BrokerType) (circuitbreaker.CircuitBreakerState, error) {
	if s.resetFn != nil {
		return s.resetFn(broker)
	}
	return circuitbreaker.CircuitBreakerState{}, errors.New("not implemented")
}

func (s *stubOrchestrator) GetInstanceStatus(ctx context.Context, instanceID string) (*provider.InstanceStatus, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, instanceID)
	}
	return nil, domain.ErrInstanceNotFound
}

type stubRawPublisher struct {
	mu       sync.Mutex
	err      error
	messages []queue.RawWebhookMessage
}

func (p *stubRawPublisher) PublishRaw(_ context.Context, msg queue.RawWebhookMessage) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	p.messages = append(p.messages, msg)
	p.mu.Unlock()
	return nil
}

func (p *stubRawPublisher) Messages() []queue.RawWebhookMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.RawWebhookMessage(nil), p.messages...)
}

type stubInstanceRegistry struct {
	mu        sync.Mutex
	instances []domain.Instance
}

func (r *stubInstanceRegistry) Create(_ context.Context, i *domain.Instance) error {
	if err := i.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.instances = append(r.instances, *i)
	r.mu.Unlock()
	return nil
}

func (r *stubInstanceRegistry) Instances() []domain.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Instance(nil), r.instances...)
}

type stubInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (s *stubInvalidator) Invalidate(_ context.Context, id string) error {
	s.mu.Lock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()
	return nil
}

func (s *stubInvalidator) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type stubBroker struct {
	err error
}

func (b stubBroker) Ping(context.Context) error { return b.err }

func newProviderTestApp(t *testing.T, orchestrator ProviderOrchestrator) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	if err := RegisterProviderRoutes(app, orchestrator); err != nil {
		t.Fatalf("RegisterProviderRoutes() error = %v", err)
	}

	return app
}

func newWebhookTestApp(t *testing.T, publisher RawWebhookPublisher) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	if err := RegisterWebhookRoutes(app, publisher); err != nil {
		t.Fatalf("RegisterWebhookRoutes() error = %v", err)
	}

	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }

type stubRedisHook struct {
	pingErr error
}

func (h stubRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h stubRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "ping") && h.pingErr != nil {
			cmd.SetErr(h.pingErr)
			return h.pingErr
		}
		cmd.SetErr(nil)
		return nil
	}
}

func (h stubRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			cmd.SetErr(nil)
		}
		return nil
	}
}

func newStubRedisClient(pingErr error) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  time.Millisecond,
		ReadTimeout:  time.Millisecond,
		WriteTimeout: time.Millisecond,
	})
	rdb.AddHook(stubRedisHook{pingErr: pingErr})
	return rdb
}
