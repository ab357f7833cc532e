package telemetry

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// RedactedAddress replaces the client address when IP logging is disabled.
// The field is kept so the collector sees a stable schema.
const RedactedAddress = "[redacted]"

// Outcome is the terminal state of a request.
type Outcome string

const (
	OutcomeBlocked       Outcome = "blocked"
	OutcomeMocked        Outcome = "mocked"
	OutcomeProxied       Outcome = "proxied"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeClientClosed  Outcome = "client_closed"
)

// Event describes one terminal pipeline outcome.
type Event struct {
	ClientAddress string    `json:"client_address"`
	Host          string    `json:"host"`
	Path          string    `json:"path"`
	Method        string    `json:"method"`
	RuleID        string    `json:"rule_id,omitempty"`
	Gate          string    `json:"gate"`
	Outcome       Outcome   `json:"outcome"`
	StatusCode    int       `json:"status_code"`
	RequestID     string    `json:"request_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ValidationMessage is one problem reported by the validation endpoint.
type ValidationMessage struct {
	FieldPath      string `json:"field_path"`
	Description    string `json:"description"`
	ValidationCode string `json:"validation_code"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (m ValidationMessage) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("field_path", m.FieldPath)
	enc.AddString("description", m.Description)
	enc.AddString("validation_code", m.ValidationCode)
	return nil
}
