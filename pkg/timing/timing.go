// Package timing provides performance measurement utilities for tunnel
// window rollovers.
package timing

import (
	"fmt"
	"time"
)

// Metrics captures timing information for one window's HTTP body open.
// There is no TLS phase: the tunnel protocol carries no encryption.
type Metrics struct {
	Connect   time.Duration `json:"connect"`
	TTFB      time.Duration `json:"ttfb"`
	TotalTime time.Duration `json:"total_time"`
}

// Timer helps measure the timings of opening one HTTP body (a window).
type Timer struct {
	start       time.Time
	connectStart time.Time
	connectEnd   time.Time
	ttfbStart    time.Time
	ttfbEnd      time.Time
}

// NewTimer creates a new timing measurement session.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// StartConnect marks the beginning of the TCP dial for this window.
func (t *Timer) StartConnect() { t.connectStart = time.Now() }

// EndConnect marks the end of the TCP dial for this window.
func (t *Timer) EndConnect() { t.connectEnd = time.Now() }

// StartTTFB marks when we start waiting for the first response byte.
func (t *Timer) StartTTFB() { t.ttfbStart = time.Now() }

// EndTTFB marks when we receive the first response byte.
func (t *Timer) EndTTFB() { t.ttfbEnd = time.Now() }

// GetMetrics returns the calculated timing metrics.
func (t *Timer) GetMetrics() Metrics {
	m := Metrics{TotalTime: time.Since(t.start)}
	if !t.connectStart.IsZero() && !t.connectEnd.IsZero() {
		m.Connect = t.connectEnd.Sub(t.connectStart)
	}
	if !t.ttfbStart.IsZero() && !t.ttfbEnd.IsZero() {
		m.TTFB = t.ttfbEnd.Sub(t.ttfbStart)
	}
	return m
}

// String provides a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("Connect: %v, TTFB: %v, TotalTime: %v", m.Connect, m.TTFB, m.TotalTime)
}
