// Package alert evaluates declarative alert definitions against metric
// and health snapshots and dispatches state transitions to notification
// channels. An alert is either ACTIVE or RESOLVED and never re-fires
// while it is already active.
package alert

import (
	"time"

	"github.com/EchoingVesper/vespera-atelier-sub013/health"
)

// Severity classifies how urgently an alert should be treated.
type Severity string

// Alert severities.
const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// TriggerType selects what a definition is evaluated against.
type TriggerType string

// Trigger types.
const (
	// TriggerErrorRate compares a metric's per-second rate over the
	// trigger window against the threshold.
	TriggerErrorRate TriggerType = "ERROR_RATE"
	// TriggerHealthStatus fires when a component (or the overall
	// system) is at or below the configured health level.
	TriggerHealthStatus TriggerType = "HEALTH_STATUS"
	// TriggerCustom delegates to a caller-supplied predicate.
	TriggerCustom TriggerType = "CUSTOM"
)

// Operator compares an observed value against a threshold.
type Operator string

// Comparison operators.
const (
	OpGreaterThan Operator = "GT"
	OpGreaterOrEq Operator = "GTE"
	OpLessThan    Operator = "LT"
	OpLessOrEq    Operator = "LTE"
)

func (o Operator) compare(value, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterOrEq:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessOrEq:
		return value <= threshold
	default:
		return false
	}
}

// Predicate is a custom trigger condition. It reports whether the
// alert condition holds and a human-readable detail for the event.
type Predicate func() (firing bool, detail string)

// Trigger is the condition side of a definition. Fields are used
// according to Type; the rest are ignored.
type Trigger struct {
	Type TriggerType

	// ERROR_RATE fields.
	Metric    string
	Window    time.Duration
	Operator  Operator
	Threshold float64

	// HEALTH_STATUS fields. An empty Component evaluates the overall
	// aggregate. The alert fires when the observed level is at or
	// below Level.
	Component string
	Level     health.Level

	// CUSTOM field.
	Predicate Predicate
}

// Definition declares one alert.
type Definition struct {
	ID       string
	Name     string
	Severity Severity
	Trigger  Trigger
	// Channels names the notifiers that receive this alert's
	// transitions. Unknown names are skipped with a warning.
	Channels []string
	// AutoResolveAfter forces resolution after the alert has been
	// active this long, even if the condition still holds. Zero means
	// the alert resolves only when the condition clears.
	AutoResolveAfter time.Duration
}

// State of an alert instance.
type State string

// Alert states.
const (
	StateActive   State = "ACTIVE"
	StateResolved State = "RESOLVED"
)

// Event is one alert transition, delivered to notification channels.
type Event struct {
	DefinitionID string    `json:"definition_id"`
	Name         string    `json:"name"`
	Severity     Severity  `json:"severity"`
	State        State     `json:"state"`
	Detail       string    `json:"detail,omitempty"`
	Value        float64   `json:"value,omitempty"`
	FiredAt      time.Time `json:"fired_at"`
	ResolvedAt   time.Time `json:"resolved_at,omitzero"`
}
