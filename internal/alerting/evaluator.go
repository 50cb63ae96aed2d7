package alerting

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantumdesk/internal/market"
	"quantumdesk/internal/metrics"
)

// ErrUnknownRule is returned when a rule id is not configured.
var ErrUnknownRule = errors.New("unknown rule")

// Evaluate advances one rule given the current metric value. ok reports whether
// the metric exists; a missing metric never changes state. The returned event is
// non-nil only on the armed to triggered edge.
func Evaluate(rule Rule, st RuleState, value decimal.Decimal, ok bool, now time.Time) (RuleState, *Event) {
	if st.State == Disarmed || !ok {
		return st, nil
	}
	st.LastValue = market.Some(value)

	beyond := rule.beyond(value)
	released := rule.released(value)
	elapsed := !now.Before(st.CooldownUntil)

	switch st.State {
	case Armed:
		if beyond {
			st.State = Triggered
			st.TriggeredAt = now
			st.LastTriggered = now
			st.CooldownUntil = now.Add(rule.Cooldown)
			return st, newEvent(rule, value, now)
		}
	case Triggered:
		switch {
		case released && elapsed:
			st.State = Armed
		case released:
			st.State = Cooldown
		case beyond && elapsed:
			st.CooldownUntil = now.Add(rule.Cooldown)
		}
	case Cooldown:
		switch {
		case beyond:
			st.State = Triggered
		case released && elapsed:
			st.State = Armed
		}
	}
	return st, nil
}

// Evaluator owns the configured rules and their runtime state.
type Evaluator struct {
	mu     sync.Mutex
	rules  []Rule
	states map[string]RuleState
}

// NewEvaluator validates rules and puts each in its initial state.
func NewEvaluator(rules []Rule) (*Evaluator, error) {
	states := make(map[string]RuleState, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := states[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		states[r.ID] = InitialState(r)
	}
	return &Evaluator{rules: append([]Rule(nil), rules...), states: states}, nil
}

// EvaluateAll runs every rule against snap in configuration order.
func (e *Evaluator) EvaluateAll(snap metrics.Snapshot, now time.Time) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []Event
	for _, r := range e.rules {
		m, ok := snap.Get(r.Target)
		next, ev := Evaluate(r, e.states[r.ID], m.Value, ok, now)
		e.states[r.ID] = next
		if ev != nil {
			ev.Metric = m
			events = append(events, *ev)
		}
	}
	return events
}

// Disable moves a rule to disarmed. Its history is kept.
func (e *Evaluator) Disable(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	st.State = Disarmed
	e.states[id] = st
	return nil
}

// Enable re-arms a disarmed rule. Enabled rules are left as they are.
func (e *Evaluator) Enable(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	if st.State != Disarmed {
		return nil
	}
	st.State = Armed
	st.CooldownUntil = time.Time{}
	e.states[id] = st
	return nil
}

// Rules returns the configured rules.
func (e *Evaluator) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Rule(nil), e.rules...)
}

// States returns a copy of every rule state keyed by rule id.
func (e *Evaluator) States() map[string]RuleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]RuleState, len(e.states))
	for id, st := range e.states {
		out[id] = st
	}
	return out
}

// TriggeredCount returns how many rules are currently triggered.
func (e *Evaluator) TriggeredCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, st := range e.states {
		if st.State == Triggered {
			n++
		}
	}
	return n
}
