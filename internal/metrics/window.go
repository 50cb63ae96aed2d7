package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sample is one observation in a rolling window.
type Sample struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

// Window is a fixed-capacity ring buffer of samples, oldest overwritten first.
type Window struct {
	buf   []Sample
	start int
	size  int
}

// NewWindow allocates a window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]Sample, capacity)}
}

func (w *Window) Len() int { return w.size }

func (w *Window) Cap() int { return len(w.buf) }

// Add appends s. A sample carrying the same timestamp as the newest one replaces it.
func (w *Window) Add(s Sample) {
	if w.size > 0 {
		last := (w.start + w.size - 1) % len(w.buf)
		if w.buf[last].Timestamp.Equal(s.Timestamp) {
			w.buf[last] = s
			return
		}
	}
	if w.size < len(w.buf) {
		w.buf[(w.start+w.size)%len(w.buf)] = s
		w.size++
		return
	}
	w.buf[w.start] = s
	w.start = (w.start + 1) % len(w.buf)
}

// Last returns the newest sample.
func (w *Window) Last() (Sample, bool) {
	if w.size == 0 {
		return Sample{}, false
	}
	return w.buf[(w.start+w.size-1)%len(w.buf)], true
}

// Samples returns a copy ordered oldest to newest.
func (w *Window) Samples() []Sample {
	out := make([]Sample, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}
