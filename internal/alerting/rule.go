package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantumdesk/internal/metrics"
)

// Operator is the comparison a rule applies to its metric.
type Operator string

const (
	Above Operator = ">"
	Below Operator = "<"
)

// ParseOperator accepts the symbolic and word forms used in configuration.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ">", "above", "gt":
		return Above, nil
	case "<", "below", "lt":
		return Below, nil
	default:
		return "", fmt.Errorf("unknown operator %q", s)
	}
}

func (o Operator) word() string {
	if o == Below {
		return "below"
	}
	return "above"
}

// State is the lifecycle position of a rule.
type State string

const (
	Armed     State = "armed"
	Triggered State = "triggered"
	Cooldown  State = "cooldown"
	Disarmed  State = "disarmed"
)

// Rule is a configured threshold on one derived metric.
type Rule struct {
	ID         string
	Name       string
	Target     metrics.MetricKey
	Operator   Operator
	Threshold  decimal.Decimal
	Hysteresis decimal.Decimal
	Cooldown   time.Duration
	Enabled    bool
}

// Validate checks that the rule can be evaluated.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Target.Instrument == "" || r.Target.Venue == "" {
		return fmt.Errorf("rule %s: target instrument and venue are required", r.ID)
	}
	if _, ok := metrics.ParseKind(string(r.Target.Kind)); !ok {
		return fmt.Errorf("rule %s: unknown metric kind %q", r.ID, r.Target.Kind)
	}
	if r.Operator != Above && r.Operator != Below {
		return fmt.Errorf("rule %s: unknown operator %q", r.ID, r.Operator)
	}
	if r.Hysteresis.IsNegative() {
		return fmt.Errorf("rule %s: hysteresis must be >= 0", r.ID)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("rule %s: cooldown must be >= 0", r.ID)
	}
	return nil
}

// beyond reports a strict crossing of the threshold.
func (r Rule) beyond(v decimal.Decimal) bool {
	if r.Operator == Below {
		return v.LessThan(r.Threshold)
	}
	return v.GreaterThan(r.Threshold)
}

// released reports that v has moved back past the hysteresis margin.
func (r Rule) released(v decimal.Decimal) bool {
	if r.Operator == Below {
		return v.GreaterThan(r.Threshold.Add(r.Hysteresis))
	}
	return v.LessThan(r.Threshold.Sub(r.Hysteresis))
}

// RuleState is the mutable runtime state of a rule.
type RuleState struct {
	State         State               `json:"state"`
	TriggeredAt   time.Time           `json:"triggered_at,omitempty"`
	CooldownUntil time.Time           `json:"cooldown_until,omitempty"`
	LastValue     decimal.NullDecimal `json:"last_value"`
	LastTriggered time.Time           `json:"last_triggered,omitempty"`
}

// InitialState returns the state a rule starts in.
func InitialState(r Rule) RuleState {
	if !r.Enabled {
		return RuleState{State: Disarmed}
	}
	return RuleState{State: Armed}
}

// Event is emitted once when a rule moves from armed to triggered.
type Event struct {
	ID        string                `json:"id"`
	RuleID    string                `json:"rule_id"`
	RuleName  string                `json:"rule_name"`
	Metric    metrics.DerivedMetric `json:"metric"`
	Threshold decimal.Decimal       `json:"threshold"`
	Operator  Operator              `json:"operator"`
	Timestamp time.Time             `json:"timestamp"`
	Reason    string                `json:"reason"`
}

func newEvent(r Rule, value decimal.Decimal, now time.Time) *Event {
	return &Event{
		ID:       uuid.NewString(),
		RuleID:   r.ID,
		RuleName: r.Name,
		Metric: metrics.DerivedMetric{
			Key:        r.Target,
			Value:      value,
			ComputedAt: now,
		},
		Threshold: r.Threshold,
		Operator:  r.Operator,
		Timestamp: now,
		Reason: fmt.Sprintf("%s %s %s %s %s %s",
			r.Target.Venue, r.Target.Instrument, r.Target.Kind,
			value.String(), r.Operator.word(), r.Threshold.String()),
	}
}
