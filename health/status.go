// Package health runs scheduled component probes and maintains an
// aggregate status view. Components register a check function with an
// interval, timeout and retry budget; repeated probe failures degrade
// and eventually mark the component unhealthy. Components without a
// natural probe can push their status directly with Set.
package health

import (
	"regexp"
	"time"
)

// Level orders component health from worst to best.
type Level int

const (
	Unhealthy Level = iota
	Degraded
	Healthy
)

func (l Level) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// Status is a point-in-time health record for one component.
type Status struct {
	Component        string    `json:"component"`
	Level            Level     `json:"-"`
	State            string    `json:"state"`
	Message          string    `json:"message,omitempty"`
	LastChecked      time.Time `json:"last_checked"`
	ConsecutiveFails int       `json:"consecutive_fails,omitempty"`
}

// IsHealthy reports whether the component passed its last check.
func (s Status) IsHealthy() bool { return s.Level == Healthy }

// AggregatePolicy reduces a set of component statuses to one
// system-wide level.
type AggregatePolicy func(statuses []Status) Level

// Aggregate is the default policy: any unhealthy component dominates,
// then any degraded one. An empty set is healthy.
func Aggregate(statuses []Status) Level {
	level := Healthy
	for _, s := range statuses {
		if s.Level < level {
			level = s.Level
		}
	}
	return level
}

// Quorum returns a policy that reports unhealthy only once the given
// fraction of components is unhealthy, tolerating partial failure in
// wide deployments. Below the threshold any non-healthy component
// still degrades the aggregate.
func Quorum(fraction float64) AggregatePolicy {
	if fraction <= 0 || fraction > 1 {
		fraction = 0.5
	}
	return func(statuses []Status) Level {
		if len(statuses) == 0 {
			return Healthy
		}
		unhealthy, impaired := 0, 0
		for _, s := range statuses {
			if s.Level == Unhealthy {
				unhealthy++
			}
			if s.Level != Healthy {
				impaired++
			}
		}
		if float64(unhealthy) >= fraction*float64(len(statuses)) {
			return Unhealthy
		}
		if impaired > 0 {
			return Degraded
		}
		return Healthy
	}
}

// Patterns stripped from probe error messages before they reach status
// records or notifications. Error strings from network probes routinely
// embed endpoints and credentials.
var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?)://\S+`)
	pathRegex       = regexp.MustCompile(`/[a-zA-Z0-9/_.-]{2,}`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)\s*[:=]\s*\S+`)
)

// sanitizeError redacts endpoints, paths, addresses and credentials
// from an error message so status records are safe to export.
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = credentialRegex.ReplaceAllString(msg, "$1=[redacted]")
	msg = urlRegex.ReplaceAllString(msg, "[endpoint]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[addr]")
	msg = portRegex.ReplaceAllString(msg, ":[port]")
	msg = pathRegex.ReplaceAllString(msg, "[path]")
	return msg
}
