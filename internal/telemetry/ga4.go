package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
)

const (
	collectPath  = "/mp/collect"
	validatePath = "/debug/mp/collect"

	// Measurement protocol limit for string parameter values.
	maxParamLength = 100
)

type ga4Payload struct {
	ClientID        string     `json:"client_id"`
	TimestampMicros int64      `json:"timestamp_micros"`
	Events          []ga4Event `json:"events"`
}

type ga4Event struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// encode renders ev as a measurement protocol body.
func encode(eventName, clientID string, ev Event) ([]byte, error) {
	params := map[string]any{
		"client_ip":   truncate(ev.ClientAddress),
		"host":        truncate(ev.Host),
		"path":        truncate(ev.Path),
		"method":      ev.Method,
		"gate":        ev.Gate,
		"outcome":     string(ev.Outcome),
		"status_code": ev.StatusCode,
	}
	if ev.RuleID != "" {
		params["rule"] = truncate(ev.RuleID)
	}
	if ev.RequestID != "" {
		params["request_id"] = truncate(ev.RequestID)
	}
	return json.Marshal(ga4Payload{
		ClientID:        clientID,
		TimestampMicros: ev.Timestamp.UnixMicro(),
		Events:          []ga4Event{{Name: eventName, Params: params}},
	})
}

func truncate(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= maxParamLength {
		return s
	}
	n := maxParamLength
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// endpointURL builds the collect or validation URL carrying credentials.
func endpointURL(base, path, measurementID, apiSecret string) string {
	q := url.Values{}
	q.Set("measurement_id", measurementID)
	q.Set("api_secret", apiSecret)
	return strings.TrimSuffix(base, "/") + path + "?" + q.Encode()
}

// statusError is a non-2xx collector response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("collector returned status %d", e.code)
}

// post sends body and returns the response body. 4xx other than 429 is
// permanent.
func (d *Dispatcher) post(ctx context.Context, target string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "edgeproxy-telemetry")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	serr := &statusError{code: resp.StatusCode}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return nil, backoff.Permanent(serr)
	}
	return nil, serr
}

// validate submits body to the validation endpoint and returns any
// validation messages.
func (d *Dispatcher) validate(ctx context.Context, body []byte) ([]ValidationMessage, error) {
	data, err := d.post(ctx, d.validateURL, body)
	if err != nil {
		return nil, err
	}
	return parseValidation(data)
}

func parseValidation(data []byte) ([]ValidationMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("validation endpoint returned invalid JSON")
	}
	var msgs []ValidationMessage
	gjson.GetBytes(data, "validationMessages").ForEach(func(_, v gjson.Result) bool {
		msgs = append(msgs, ValidationMessage{
			FieldPath:      v.Get("fieldPath").String(),
			Description:    v.Get("description").String(),
			ValidationCode: v.Get("validationCode").String(),
		})
		return true
	})
	return msgs, nil
}

// collect sends body to the measurement endpoint with at most one retry.
func (d *Dispatcher) collect(ctx context.Context, body []byte) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.RetryDelay), 1), ctx)
	return backoff.RetryNotify(func() error {
		_, err := d.post(ctx, d.collectURL, body)
		return err
	}, b, func(err error, _ time.Duration) {
		d.metrics.Retries.Add(1)
	})
}
