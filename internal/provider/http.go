package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
)

func newRestyClient(sendTimeout time.Duration) *resty.Client {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}

	client := resty.New()
	client.SetTimeout(sendTimeout)
	client.SetRetryCount(0)
	return client
}

func prepareClient(baseURL string, client *resty.Client) error {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return fmt.Errorf("broker base url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return fmt.Errorf("invalid broker base url: %w", err)
	}
	if client == nil {
		return fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSendTimeout)
	}
	client.SetRetryCount(0)
	client.SetBaseURL(trimmed)

	return nil
}

// call performs a JSON request and returns the response body of a 2xx answer.
// Non-2xx answers become *ProviderError; network failures go through transportError.
func call(
	ctx context.Context,
	client *resty.Client,
	provider domain.BrokerType,
	method string,
	path string,
	headers map[string]string,
	body any,
) ([]byte, int, error) {
	req := client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeaders(headers)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	response, err := req.Execute(method, path)
	if err != nil {
		return nil, 0, transportError(provider, err)
	}
	if response == nil {
		return nil, 0, &ProviderError{
			Provider:  provider,
			Code:      CodeTransport,
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return response.Body(), statusCode, nil
	}

	return nil, statusCode, statusError(provider, statusCode, strings.TrimSpace(response.String()))
}

func decodeResponse(provider domain.BrokerType, statusCode int, body []byte, out any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return malformedResponse(provider, statusCode, fmt.Errorf("empty body"))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return malformedResponse(provider, statusCode, err)
	}
	return nil
}

// probe issues a cheap GET and reports reachability. Any answer below 500
// means the broker is up, even when it rejects the missing credentials.
func probe(ctx context.Context, client *resty.Client, path string, timeout time.Duration, now func() time.Time) HealthStatus {
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := now()
	response, err := client.R().SetContext(probeCtx).Get(path)
	latency := now().Sub(start)

	if err != nil {
		return HealthStatus{Healthy: false, Latency: latency, Error: err.Error()}
	}
	if response.StatusCode() >= http.StatusInternalServerError {
		return HealthStatus{Healthy: false, Latency: latency, Error: fmt.Sprintf("status %d", response.StatusCode())}
	}
	return HealthStatus{Healthy: true, Latency: latency}
}

// flexInt64 accepts numbers and numeric strings.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*f = 0
		return nil
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric value %q: %w", raw, err)
	}
	*f = flexInt64(v)
	return nil
}

// unixTime converts broker timestamps given in seconds or milliseconds.
func unixTime(v int64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v < 1_000_000_000_000:
		return time.Unix(v, 0).UTC()
	default:
		return time.UnixMilli(v).UTC()
	}
}

func isGroupJID(jid string) bool {
	return strings.HasSuffix(strings.TrimSpace(jid), "@g.us")
}

// phoneFromJID strips the WhatsApp server suffix and device part from a JID.
func phoneFromJID(jid string) string {
	jid = strings.TrimSpace(jid)
	if isGroupJID(jid) {
		return jid
	}
	if i := strings.Index(jid, "@"); i >= 0 {
		jid = jid[:i]
	}
	if i := strings.Index(jid, ":"); i >= 0 {
		jid = jid[:i]
	}
	return jid
}

func sentMessage(
	provider domain.BrokerType,
	creds Credentials,
	id string,
	to string,
	msgType domain.MessageType,
	content domain.MessageContent,
	ts time.Time,
) (*domain.NormalizedMessage, error) {
	if strings.TrimSpace(id) == "" {
		return nil, malformedResponse(provider, http.StatusOK, fmt.Errorf("missing message id"))
	}

	return &domain.NormalizedMessage{
		ID:         id,
		InstanceID: creds.InstanceID,
		To:         to,
		IsGroup:    isGroupJID(to),
		Type:       msgType,
		Content:    content,
		Timestamp:  ts,
		IsFromMe:   true,
		Status:     domain.MessageSent,
	}, nil
}
