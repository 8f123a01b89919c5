// Package filter evaluates rule pipelines against message envelopes.
// Rules match on the envelope type, routing headers, or payload fields,
// and either admit, drop, or transform the message. An exclude match
// drops the message immediately; transforms apply in order and evaluation
// continues on the transformed message.
package filter

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
	"github.com/EchoingVesper/vespera-atelier-sub013/message"
)

// Action is what a matching rule does to the message.
type Action string

// Rule actions. Messages pass unless an exclude rule matches; an include
// match only records the rule id so observers can see what applied.
const (
	ActionInclude   Action = "INCLUDE"
	ActionExclude   Action = "EXCLUDE"
	ActionTransform Action = "TRANSFORM"
)

// Target selects the envelope property a rule inspects.
type Target string

// Rule targets. TargetPayload requires Field naming the payload's JSON
// field.
const (
	TargetMessageType Target = "MESSAGE_TYPE"
	TargetSource      Target = "SOURCE"
	TargetDestination Target = "DESTINATION"
	TargetPayload     Target = "PAYLOAD"
)

// Operator compares the targeted value against the rule value.
type Operator string

// Rule operators. OpMatches treats the rule value as a regular
// expression, compiled at registration.
const (
	OpEquals     Operator = "EQUALS"
	OpNotEquals  Operator = "NOT_EQUALS"
	OpContains   Operator = "CONTAINS"
	OpStartsWith Operator = "STARTS_WITH"
	OpEndsWith   Operator = "ENDS_WITH"
	OpMatches    Operator = "MATCHES"
)

// TransformFunc rewrites a matching envelope. It must return a valid
// envelope; returning the input unchanged is allowed.
type TransformFunc func(env *message.Envelope) (*message.Envelope, error)

// Rule is one pipeline entry. Rules evaluate in registration order;
// disabled rules stay registered but are skipped.
type Rule struct {
	ID        string        `json:"id"`
	Action    Action        `json:"action"`
	Target    Target        `json:"target"`
	Field     string        `json:"field,omitempty"`
	Operator  Operator      `json:"operator"`
	Value     string        `json:"value"`
	Enabled   bool          `json:"enabled"`
	Transform TransformFunc `json:"-"`
}

// compiledRule carries the precompiled regex for OpMatches.
type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Result reports one pipeline evaluation.
type Result struct {
	Allowed  bool
	Matched  []string
	Original *message.Envelope
	Message  *message.Envelope
}

// Pipeline is an ordered set of rules.
type Pipeline struct {
	logger *slog.Logger

	mu    sync.RWMutex
	rules []compiledRule
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger.With("component", "filter")
		}
	}
}

// NewPipeline creates an empty pipeline, which admits everything.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddRule validates and appends a rule.
func (p *Pipeline) AddRule(r Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}

	cr := compiledRule{Rule: r}
	if r.Operator == OpMatches {
		re, err := regexp.Compile(r.Value)
		if err != nil {
			return errors.WrapValidation(err, "Pipeline", "AddRule", "compile pattern")
		}
		cr.re = re
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.rules {
		if existing.ID == r.ID {
			return errors.WrapValidation(
				fmt.Errorf("rule %q already registered", r.ID),
				"Pipeline", "AddRule", "check duplicate")
		}
	}
	p.rules = append(p.rules, cr)
	return nil
}

func validateRule(r Rule) error {
	fail := func(msg string) error {
		return errors.WrapValidation(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg),
			"Pipeline", "AddRule", "validate rule")
	}

	if r.ID == "" {
		return fail("rule requires an id")
	}
	switch r.Action {
	case ActionInclude, ActionExclude:
		if r.Transform != nil {
			return fail("transform func on non-transform rule")
		}
	case ActionTransform:
		if r.Transform == nil {
			return fail("transform rule requires a transform func")
		}
	default:
		return fail(fmt.Sprintf("unknown action %q", r.Action))
	}
	switch r.Target {
	case TargetMessageType, TargetSource, TargetDestination:
		if r.Field != "" {
			return fail("field is only valid with the payload target")
		}
	case TargetPayload:
		if r.Field == "" {
			return fail("payload target requires a field")
		}
	default:
		return fail(fmt.Sprintf("unknown target %q", r.Target))
	}
	switch r.Operator {
	case OpEquals, OpNotEquals, OpContains, OpStartsWith, OpEndsWith, OpMatches:
	default:
		return fail(fmt.Sprintf("unknown operator %q", r.Operator))
	}
	return nil
}

// RemoveRule deletes a rule by ID. Returns whether it existed.
func (p *Pipeline) RemoveRule(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.rules {
		if r.ID == id {
			p.rules = append(p.rules[:i], p.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetEnabled toggles a rule without removing it. Returns whether the rule
// exists.
func (p *Pipeline) SetEnabled(id string, enabled bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.rules {
		if p.rules[i].ID == id {
			p.rules[i].Enabled = enabled
			return true
		}
	}
	return false
}

// Rules returns the registered rules in evaluation order.
func (p *Pipeline) Rules() []Rule {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Rule, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.Rule
	}
	return out
}

// Apply evaluates the pipeline against env. The message passes unless an
// exclude rule matches. The input envelope is never mutated; transforms
// produce the Result's Message while Original keeps the input. Evaluation
// is deterministic: the same pipeline and envelope always yield the same
// result.
func (p *Pipeline) Apply(env *message.Envelope) Result {
	p.mu.RLock()
	rules := p.rules
	p.mu.RUnlock()

	res := Result{Allowed: true, Original: env, Message: env}

	for _, r := range rules {
		if !r.Enabled || !p.matches(r, res.Message) {
			continue
		}
		res.Matched = append(res.Matched, r.ID)

		switch r.Action {
		case ActionExclude:
			res.Allowed = false
			return res
		case ActionTransform:
			transformed, err := r.Transform(res.Message)
			if err != nil || transformed == nil {
				p.logger.Warn("transform failed, rule skipped",
					"rule_id", r.ID, "error", err)
				continue
			}
			res.Message = transformed
		}
	}
	return res
}

func (p *Pipeline) matches(r compiledRule, env *message.Envelope) bool {
	value, ok := extract(r, env)
	if !ok {
		return false
	}

	switch r.Operator {
	case OpEquals:
		return value == r.Value
	case OpNotEquals:
		return value != r.Value
	case OpContains:
		return strings.Contains(value, r.Value)
	case OpStartsWith:
		return strings.HasPrefix(value, r.Value)
	case OpEndsWith:
		return strings.HasSuffix(value, r.Value)
	case OpMatches:
		return r.re.MatchString(value)
	default:
		return false
	}
}

// extract pulls the targeted value as a string. Payload fields go through
// the payload's JSON form so rules address the wire names.
func extract(r compiledRule, env *message.Envelope) (string, bool) {
	switch r.Target {
	case TargetMessageType:
		return string(env.Type), true
	case TargetSource:
		return env.Headers.Source, true
	case TargetDestination:
		return env.Headers.Destination, env.Headers.Destination != ""
	case TargetPayload:
		data, err := json.Marshal(env.Payload)
		if err != nil {
			return "", false
		}
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return "", false
		}
		v, ok := fields[r.Field]
		if !ok || v == nil {
			return "", false
		}
		switch t := v.(type) {
		case string:
			return t, true
		default:
			return fmt.Sprint(t), true
		}
	default:
		return "", false
	}
}
