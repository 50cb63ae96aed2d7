package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// MetricSnapshot is one derived metric value captured from a published snapshot.
type MetricSnapshot struct {
	ID         int64
	TakenAt    time.Time
	Venue      string
	Instrument string
	Kind       string
	Value      decimal.Decimal
	ComputedAt time.Time
	CreatedAt  time.Time
}

// AlertRecord captures an emitted alert event for auditing.
type AlertRecord struct {
	ID          int64
	EventID     string
	RuleID      string
	RuleName    string
	Venue       string
	Instrument  string
	Kind        string
	Operator    string
	Value       decimal.Decimal
	Threshold   decimal.Decimal
	Reason      string
	TriggeredAt time.Time
	CreatedAt   time.Time
}

// MetricFilter narrows metric history queries. Empty fields match everything.
type MetricFilter struct {
	Venue      string
	Instrument string
	Kind       string
}
