package unit

import (
	"strings"
	"testing"
	"time"

	"github.com/larsbrinkhoff/httptunnel/pkg/timing"
)

func TestTimer(t *testing.T) {
	timer := timing.NewTimer()

	timer.StartConnect()
	time.Sleep(10 * time.Millisecond)
	timer.EndConnect()

	timer.StartTTFB()
	time.Sleep(20 * time.Millisecond)
	timer.EndTTFB()

	metrics := timer.GetMetrics()

	if metrics.Connect < 5*time.Millisecond {
		t.Errorf("unexpected connect timing: %v", metrics.Connect)
	}
	if metrics.TTFB < 15*time.Millisecond {
		t.Errorf("unexpected TTFB timing: %v", metrics.TTFB)
	}
	if metrics.TotalTime <= 0 {
		t.Error("total timing should be positive")
	}
}

func TestMetricsString(t *testing.T) {
	m := timing.Metrics{
		Connect:   10 * time.Millisecond,
		TTFB:      20 * time.Millisecond,
		TotalTime: 40 * time.Millisecond,
	}
	str := m.String()
	for _, substr := range []string{"Connect:", "TTFB:", "TotalTime:"} {
		if !strings.Contains(str, substr) {
			t.Errorf("string representation should contain %q", substr)
		}
	}
}
