package policy

import "testing"

func TestTelemetryTopic(t *testing.T) {
	got := TelemetryTopic("device-1")
	want := "aura/tracking/device-1/telemetry"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEventsTopic(t *testing.T) {
	got := EventsTopic("device-1")
	want := "aura/tracking/device-1/events"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestThresholds(t *testing.T) {
	if WarningRows() >= CriticalRows() {
		t.Fatalf("warning threshold %d should be below critical %d", WarningRows(), CriticalRows())
	}
	if CriticalRows() >= MaxRows {
		t.Fatalf("critical threshold %d should be below MaxRows %d", CriticalRows(), MaxRows)
	}
}

func TestRealClockAdvances(t *testing.T) {
	c := RealClock()
	before := c.Now()
	c.Sleep(0)
	after := c.Now()
	if after.Before(before) {
		t.Fatalf("clock went backwards")
	}
}
