package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"quantumdesk/internal/market"
)

// ErrAllVenuesDegraded is reported when no venue is feeding the engine. The
// orchestrator keeps running and retries every venue on its backoff.
var ErrAllVenuesDegraded = errors.New("pipeline: all venues degraded")

// Status is the feed state of one venue.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusHealthy    Status = "healthy"
	StatusDegraded   Status = "degraded"
	// StatusRecovering follows a degraded spell until the venue delivers data again.
	StatusRecovering Status = "recovering"
)

// VenueHealth describes one venue feed.
type VenueHealth struct {
	Venue         market.Venue `json:"venue"`
	Status        Status       `json:"status"`
	LastError     string       `json:"last_error,omitempty"`
	LastSuccess   time.Time    `json:"last_success,omitempty"`
	DegradedSince time.Time    `json:"degraded_since,omitempty"`
	Failures      int          `json:"failures"`
	Dropped       int          `json:"dropped"`
}

// Health is a copy of every venue's feed state.
type Health map[market.Venue]VenueHealth

// Online counts venues currently delivering data.
func (h Health) Online() int {
	n := 0
	for _, v := range h {
		if v.Status == StatusHealthy {
			n++
		}
	}
	return n
}

// AllDegraded reports whether every venue is degraded.
func (h Health) AllDegraded() bool {
	if len(h) == 0 {
		return false
	}
	for _, v := range h {
		if v.Status != StatusDegraded {
			return false
		}
	}
	return true
}

// Sorted returns the venues in name order.
func (h Health) Sorted() []VenueHealth {
	out := make([]VenueHealth, 0, len(h))
	for _, v := range h {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// Warnings lists human readable problems, degraded venues first.
func (h Health) Warnings() []string {
	var degraded, failing []string
	for _, v := range h.Sorted() {
		switch {
		case v.Status == StatusDegraded:
			degraded = append(degraded, fmt.Sprintf("%s degraded: %s", v.Venue, v.LastError))
		case v.LastError != "":
			failing = append(failing, fmt.Sprintf("%s: %s", v.Venue, v.LastError))
		}
	}
	return append(degraded, failing...)
}

func (h Health) clone() Health {
	out := make(Health, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
