package normalizer

import (
	"encoding/json"
	"errors"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
	"github.com/kursadbilgin/broker-orchestrator/internal/provider"
	"github.com/tidwall/gjson"
)

// Normalizer detects which broker produced a webhook payload and turns it
// into a NormalizedWebhookEvent through that broker's adapter.
type Normalizer struct {
	adapters map[domain.BrokerType]provider.Adapter
}

func New(adapters ...provider.Adapter) *Normalizer {
	n := &Normalizer{adapters: make(map[domain.BrokerType]provider.Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			n.adapters[a.Provider()] = a
		}
	}
	return n
}

// Detect identifies the broker by the payload's structural signature:
// UAZAPI sends an "event" string with an "instance" object carrying a name,
// Evolution sends an "event" string with the instance name as a string.
func Detect(raw []byte) (domain.BrokerType, error) {
	if !gjson.ValidBytes(raw) {
		return "", &domain.NormalizationError{Reason: "invalid JSON payload", Raw: clone(raw)}
	}

	fields := gjson.GetManyBytes(raw, "event", "instance")
	event, instance := fields[0], fields[1]
	if event.Type != gjson.String {
		return "", &domain.NormalizationError{Reason: "missing event tag", Raw: clone(raw)}
	}

	switch {
	case instance.IsObject() && instance.Get("name").Type == gjson.String:
		return domain.BrokerUazapi, nil
	case instance.Type == gjson.String:
		return domain.BrokerEvolution, nil
	}

	return "", &domain.NormalizationError{
		RawEvent: event.String(),
		Reason:   "unrecognized payload signature",
		Raw:      clone(raw),
	}
}

// Normalize maps a raw webhook payload. The returned event always carries the
// payload verbatim in Raw; failures carry it in NormalizationError.Raw.
func (n *Normalizer) Normalize(raw []byte) (*domain.NormalizedWebhookEvent, error) {
	broker, err := Detect(raw)
	if err != nil {
		return nil, err
	}

	adapter, ok := n.adapters[broker]
	if !ok {
		return nil, domain.UnregisteredProviderError(broker)
	}

	event, err := adapter.NormalizeIncomingWebhook(raw)
	if err != nil {
		return nil, withRaw(broker, raw, err)
	}
	if event == nil {
		return nil, &domain.NormalizationError{Provider: broker, Reason: "adapter returned no event", Raw: clone(raw)}
	}

	event.Provider = broker
	event.Raw = json.RawMessage(clone(raw))

	if err := event.Validate(); err != nil {
		return nil, &domain.NormalizationError{
			Provider: broker,
			RawEvent: gjson.GetBytes(raw, "event").String(),
			Reason:   err.Error(),
			Raw:      clone(raw),
		}
	}

	return event, nil
}

func withRaw(broker domain.BrokerType, raw []byte, err error) error {
	var normErr *domain.NormalizationError
	if !errors.As(err, &normErr) {
		return &domain.NormalizationError{Provider: broker, Reason: err.Error(), Raw: clone(raw)}
	}

	out := *normErr
	if out.Provider == "" {
		out.Provider = broker
	}
	out.Raw = clone(raw)
	return &out
}

func clone(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	return append([]byte(nil), raw...)
}
