package normalizer

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
	"github.com/kursadbilgin/broker-orchestrator/internal/provider"
)

type fakeAdapter struct {
	broker      domain.BrokerType
	normalizeFn func(raw []byte) (*domain.NormalizedWebhookEvent, error)
}

func (f *fakeAdapter) Provider() domain.BrokerType { return f.broker }

func (f *fakeAdapter) SendTextMessage(context.Context, provider.Credentials, domain.TextMessageRequest) (*domain.NormalizedMessage, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) SendMediaMessage(context.Context, provider.Credentials, domain.MediaMessageRequest) (*domain.NormalizedMessage, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) SendButtonsMessage(context.Context, provider.Credentials, domain.ButtonsMessageRequest) (*domain.NormalizedMessage, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) SendListMessage(context.Context, provider.Credentials, domain.ListMessageRequest) (*domain.NormalizedMessage, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) GetInstanceStatus(context.Context, provider.Credentials) (*provider.InstanceStatus, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAdapter) HealthCheck(context.Context) provider.HealthStatus {
	return provider.HealthStatus{Healthy: true}
}

func (f *fakeAdapter) NormalizeIncomingWebhook(raw []byte) (*domain.NormalizedWebhookEvent, error) {
	return f.normalizeFn(raw)
}

func newRealNormalizer(t *testing.T) *Normalizer {
	t.Helper()

	uazapi, err := provider.NewUazapiAdapter("http://uazapi.local", time.Second, time.Second)
	if err != nil {
		t.Fatalf("NewUazapiAdapter() error = %v", err)
	}
	evolution, err := provider.NewEvolutionAdapter("http://evolution.local", "key", time.Second, time.Second)
	if err != nil {
		t.Fatalf("NewEvolutionAdapter() error = %v", err)
	}
	return New(uazapi, evolution)
}

func TestNormalizeConnectionScenario(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"event":"connection","instance":{"name":"X"},"data":{"state":"open"}}`)

	ev, err := newRealNormalizer(t).Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() unexpected error: %v", err)
	}

	if ev.Event != domain.EventConnectionUpdate {
		t.Fatalf("Event = %s, want CONNECTION_UPDATE", ev.Event)
	}
	if ev.InstanceID != "X" {
		t.Fatalf("InstanceID = %q, want X", ev.InstanceID)
	}
	if ev.InstanceUpdate == nil || ev.InstanceUpdate.Status != domain.ConnectionConnected {
		t.Fatalf("InstanceUpdate = %+v, want status CONNECTED", ev.InstanceUpdate)
	}
	if ev.Provider != domain.BrokerUazapi {
		t.Fatalf("Provider = %s, want UAZAPI", ev.Provider)
	}
	if !bytes.Equal(ev.Raw, raw) {
		t.Fatalf("Raw = %s, want verbatim payload", ev.Raw)
	}
}

func TestNormalizeMappingTable(t *testing.T) {
	t.Parallel()

	n := newRealNormalizer(t)

	testCases := []struct {
		raw       string
		want      domain.WebhookEventType
		wantField string
		provider  domain.BrokerType
	}{
		{
			raw:       `{"event":"messages","instance":{"name":"i"},"data":{"messageid":"m","chatid":"1@s.whatsapp.net","text":"oi"}}`,
			want:      domain.EventMessageReceived,
			wantField: "message",
			provider:  domain.BrokerUazapi,
		},
		{
			raw:       `{"event":"messages_update","instance":{"name":"i"},"data":{"messageid":"m","status":"delivered"}}`,
			want:      domain.EventMessageStatusUpdate,
			wantField: "message",
			provider:  domain.BrokerUazapi,
		},
		{
			raw:       `{"event":"connection","instance":{"name":"i"},"data":{"state":"close"}}`,
			want:      domain.EventConnectionUpdate,
			wantField: "instanceUpdate",
			provider:  domain.BrokerUazapi,
		},
		{
			raw:       `{"event":"call","instance":{"name":"i"},"data":{"id":"c","from":"1@s.whatsapp.net"}}`,
			want:      domain.EventCallReceived,
			wantField: "callUpdate",
			provider:  domain.BrokerUazapi,
		},
		{
			raw:       `{"event":"presence","instance":{"name":"i"},"data":{"chatid":"1@s.whatsapp.net","presence":"available"}}`,
			want:      domain.EventPresenceUpdate,
			wantField: "presenceUpdate",
			provider:  domain.BrokerUazapi,
		},
		{
			raw:       `{"event":"groups","instance":{"name":"i"},"data":{"id":"1@g.us","action":"promote"}}`,
			want:      domain.EventGroupUpdate,
			wantField: "groupUpdate",
			provider:  domain.BrokerUazapi,
		},
		{
			raw:       `{"event":"messages.upsert","instance":"i","data":{"key":{"id":"m","remoteJid":"1@s.whatsapp.net"},"message":{"conversation":"oi"}}}`,
			want:      domain.EventMessageReceived,
			wantField: "message",
			provider:  domain.BrokerEvolution,
		},
		{
			raw:       `{"event":"connection.update","instance":"i","data":{"state":"connecting"}}`,
			want:      domain.EventConnectionUpdate,
			wantField: "instanceUpdate",
			provider:  domain.BrokerEvolution,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(string(tc.provider)+" "+string(tc.want), func(t *testing.T) {
			t.Parallel()

			ev, err := n.Normalize([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Normalize() unexpected error: %v", err)
			}
			if ev.Event != tc.want {
				t.Fatalf("Event = %s, want %s", ev.Event, tc.want)
			}
			if got := ev.PopulatedField(); got != tc.wantField {
				t.Fatalf("PopulatedField() = %q, want %q", got, tc.wantField)
			}
			if ev.Provider != tc.provider {
				t.Fatalf("Provider = %s, want %s", ev.Provider, tc.provider)
			}
		})
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	t.Parallel()

	n := newRealNormalizer(t)
	raw := []byte(`{"event":"messages","instance":{"name":"i"},"data":{"messageid":"m","chatid":"1@s.whatsapp.net","text":"oi","messageTimestamp":1700000000}}`)

	first, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := n.Normalize(raw)
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\nfirst = %+v\nagain = %+v", i, first, again)
		}
	}
}

func TestNormalizeFailures(t *testing.T) {
	t.Parallel()

	n := newRealNormalizer(t)

	testCases := []struct {
		name         string
		raw          string
		wantRawEvent string
	}{
		{name: "unknown uazapi event", raw: `{"event":"chats","instance":{"name":"i"},"data":{}}`, wantRawEvent: "chats"},
		{name: "unknown evolution event", raw: `{"event":"chats.set","instance":"i","data":{}}`, wantRawEvent: "chats.set"},
		{name: "no signature", raw: `{"event":"messages","data":{}}`, wantRawEvent: "messages"},
		{name: "missing event", raw: `{"instance":{"name":"i"}}`, wantRawEvent: ""},
		{name: "invalid json", raw: `not json`, wantRawEvent: ""},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ev, err := n.Normalize([]byte(tc.raw))
			if ev != nil {
				t.Fatalf("expected no event, got %+v", ev)
			}

			var normErr *domain.NormalizationError
			if !errors.As(err, &normErr) {
				t.Fatalf("expected NormalizationError, got %v", err)
			}
			if normErr.RawEvent != tc.wantRawEvent {
				t.Fatalf("RawEvent = %q, want %q", normErr.RawEvent, tc.wantRawEvent)
			}
			if string(normErr.Raw) != tc.raw {
				t.Fatalf("Raw = %q, want verbatim payload", normErr.Raw)
			}
		})
	}
}

func TestNormalizeUnregisteredProvider(t *testing.T) {
	t.Parallel()

	uazapi, err := provider.NewUazapiAdapter("http://uazapi.local", time.Second, time.Second)
	if err != nil {
		t.Fatalf("NewUazapiAdapter() error = %v", err)
	}
	n := New(uazapi)

	_, err = n.Normalize([]byte(`{"event":"connection.update","instance":"i","data":{"state":"open"}}`))
	if !errors.Is(err, domain.ErrUnregisteredProvider) {
		t.Fatalf("expected ErrUnregisteredProvider, got %v", err)
	}
	if !strings.Contains(err.Error(), "não está registrado") {
		t.Fatalf("error message = %q", err.Error())
	}
}

func TestNormalizeRejectsInvalidAdapterOutput(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		broker: domain.BrokerUazapi,
		normalizeFn: func([]byte) (*domain.NormalizedWebhookEvent, error) {
			return &domain.NormalizedWebhookEvent{
				Event:          domain.EventCallReceived,
				InstanceID:     "i",
				InstanceUpdate: &domain.InstanceUpdate{Status: domain.ConnectionConnected},
			}, nil
		},
	}

	_, err := New(adapter).Normalize([]byte(`{"event":"call","instance":{"name":"i"},"data":{}}`))
	if !errors.Is(err, domain.ErrNormalization) {
		t.Fatalf("expected ErrNormalization, got %v", err)
	}
}

func TestNormalizeWrapsPlainAdapterErrors(t *testing.T) {
	t.Parallel()

	raw := `{"event":"call","instance":{"name":"i"},"data":{}}`
	adapter := &fakeAdapter{
		broker: domain.BrokerUazapi,
		normalizeFn: func([]byte) (*domain.NormalizedWebhookEvent, error) {
			return nil, errors.New("boom")
		},
	}

	_, err := New(adapter).Normalize([]byte(raw))

	var normErr *domain.NormalizationError
	if !errors.As(err, &normErr) {
		t.Fatalf("expected NormalizationError, got %v", err)
	}
	if normErr.Provider != domain.BrokerUazapi || string(normErr.Raw) != raw {
		t.Fatalf("unexpected error: %+v", normErr)
	}
}

func TestDetect(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		raw  string
		want domain.BrokerType
	}{
		{raw: `{"event":"messages","instance":{"name":"i","id":"r1"}}`, want: domain.BrokerUazapi},
		{raw: `{"event":"MESSAGES_UPSERT","instance":"i"}`, want: domain.BrokerEvolution},
	}

	for _, tc := range testCases {
		got, err := Detect([]byte(tc.raw))
		if err != nil {
			t.Fatalf("Detect(%s) error = %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("Detect(%s) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}
