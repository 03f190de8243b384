package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a telemetry item. The set is closed; unknown values map to KindOther.
type Kind uint8

const (
	// KindOther covers every item the filter has no special rule for.
	KindOther Kind = iota
	// KindRequest is the terminal item of an operation and carries its outcome.
	KindRequest
	// KindException reports an error raised while serving an operation.
	KindException
	// KindDependency reports an outbound call made by an operation.
	KindDependency
	// KindTrace is a log line emitted while serving an operation.
	KindTrace
)

var kindNames = [...]string{
	KindOther:      "other",
	KindRequest:    "request",
	KindException:  "exception",
	KindDependency: "dependency",
	KindTrace:      "trace",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindOther]
}

// ParseKind maps a case-insensitive kind name to a Kind. Unrecognised names yield KindOther.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "request":
		return KindRequest
	case "exception":
		return KindException
	case "dependency":
		return KindDependency
	case "trace":
		return KindTrace
	default:
		return KindOther
	}
}

// MarshalJSON encodes the kind as its lower-case name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON never fails on unknown names; they decode as KindOther.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("kind must be a string: %w", err)
	}
	*k = ParseKind(s)
	return nil
}

// Severity is the ordinal level of a trace item.
type Severity uint8

// Severity levels in ascending order.
const (
	SeverityVerbose Severity = iota
	SeverityInformation
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = [...]string{
	SeverityVerbose:     "verbose",
	SeverityInformation: "information",
	SeverityWarning:     "warning",
	SeverityError:       "error",
	SeverityCritical:    "critical",
}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("severity(%d)", uint8(s))
}

// ParseSeverity accepts the level names plus the common logging aliases
// (debug, info, warn, fatal).
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "verbose", "debug", "trace":
		return SeverityVerbose, nil
	case "information", "info":
		return SeverityInformation, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	case "critical", "fatal":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("%w: unknown severity %q", ErrInvalidItem, s)
	}
}

// MarshalJSON encodes the severity as its lower-case name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either a level name or its ordinal.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var n uint8
	if err := json.Unmarshal(data, &n); err == nil {
		if int(n) >= len(severityNames) {
			return fmt.Errorf("%w: severity %d out of range", ErrInvalidItem, n)
		}
		*s = Severity(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("severity must be a string or number: %w", err)
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Item is one observed telemetry event. Items are treated as immutable once
// they enter the filter; stages decide whether and when to forward them but
// never modify their fields.
type Item struct {
	ID          string            `json:"id,omitempty"`
	Kind        Kind              `json:"kind"`
	OperationID string            `json:"operation_id,omitempty"`
	Name        string            `json:"name,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Message     string            `json:"message,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`

	// Success is the outcome of a request or dependency; nil means unknown.
	Success *bool `json:"success,omitempty"`
	// Duration of a request or dependency call. JSON carries integer
	// nanoseconds; decoding also accepts duration strings such as "150ms".
	Duration time.Duration `json:"duration,omitempty"`
	// Severity of a trace; nil means unknown.
	Severity     *Severity `json:"severity,omitempty"`
	ResponseCode string    `json:"response_code,omitempty"`

	// Payload carries the source representation (for example an OTLP span)
	// so exporters can re-emit the original data.
	Payload any `json:"-"`
}

// UnmarshalJSON decodes an item, accepting the duration either as integer
// nanoseconds or as a duration string.
func (i *Item) UnmarshalJSON(data []byte) error {
	type plain Item
	aux := struct {
		*plain
		Duration json.RawMessage `json:"duration,omitempty"`
	}{plain: (*plain)(i)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d, err := parseDuration(aux.Duration)
	if err != nil {
		return err
	}
	i.Duration = d
	return nil
}

func parseDuration(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: duration: %w", ErrInvalidItem, err)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidItem, err)
		}
		return d, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: duration must be nanoseconds or a duration string: %w", ErrInvalidItem, err)
	}
	return time.Duration(n), nil
}

// HasOperation reports whether the item belongs to a tracked operation.
func (i *Item) HasOperation() bool {
	return i.OperationID != ""
}

// Failed reports whether the item carries a known, unsuccessful outcome.
func (i *Item) Failed() bool {
	return i.Success != nil && !*i.Success
}

// Bool returns a pointer to v, for populating optional outcome fields.
func Bool(v bool) *bool {
	return &v
}

// Level returns a pointer to s, for populating optional severity fields.
func Level(s Severity) *Severity {
	return &s
}
