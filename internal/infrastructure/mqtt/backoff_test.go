package mqtt

import (
	"math"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff()

	for n := 0; n < 20; n++ {
		want := time.Duration(math.Min(math.Pow(1.5, float64(n)), 120) * float64(time.Second))
		got := b.Next()
		if diff := got - want; diff > time.Microsecond || diff < -time.Microsecond {
			t.Fatalf("failure %d: delay = %v, want %v", n, got, want)
		}
	}
}

func TestBackoff_CapsAtTwoMinutes(t *testing.T) {
	b := NewBackoff()
	var last time.Duration
	for i := 0; i < 100; i++ {
		last = b.Next()
	}
	if last != backoffMax {
		t.Errorf("delay after 100 failures = %v, want %v", last, backoffMax)
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff()
	b.Next()
	b.Next()
	b.Next()

	b.Reset()

	var m dto.Metric
	if err := metricReconnectDelay.Write(&m); err != nil {
		t.Fatalf("reading reconnect delay gauge: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != backoffInitial.Seconds() {
		t.Errorf("reconnect delay gauge after reset = %v, want %v", got, backoffInitial.Seconds())
	}
	if got := b.Next(); got != backoffInitial {
		t.Errorf("delay after reset = %v, want %v", got, backoffInitial)
	}
}
