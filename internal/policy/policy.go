// Package policy holds the named constants that govern pacing, retention
// and backoff across the pipeline. None of these are runtime-tunable
// without a process restart.
package policy

import "time"

const (
	// PublishHz is the nominal aggregator tick rate.
	PublishHz = 1

	// BatchSize is the number of oldest queue entries fetched per drain batch.
	BatchSize = 50

	// MaxMessagesPerExecution bounds a single drain invocation.
	MaxMessagesPerExecution = 2000

	// InterBatchDelay is the pause between successive batches within a drain.
	InterBatchDelay = 50 * time.Millisecond

	// InflightCooldown is the pause after a MaxInFlight stop before resuming a drain.
	InflightCooldown = 250 * time.Millisecond

	// ReconnectPeriod is the nominal interval between reconnect-scheduler wakeups.
	ReconnectPeriod = 5 * time.Minute

	// QueueFlushPeriod is the nominal interval between queue-flush-scheduler wakeups.
	QueueFlushPeriod = 15 * time.Minute

	// SchedulerBackoffStart is the initial backoff after a failed reconnect attempt.
	SchedulerBackoffStart = 30 * time.Second

	// SchedulerBackoffMax caps the exponential backoff applied to scheduler retries.
	SchedulerBackoffMax = 10 * time.Minute

	// TTL is the maximum age a queue entry may reach before maintenance drops it.
	TTL = 30 * 24 * time.Hour

	// MaxRows is the hard cap on queue size, sized so the queue can cover TTL
	// at the nominal 1Hz publish rate with headroom.
	MaxRows = 3_000_000

	// WarningThreshold is the queue-depth fraction of MaxRows that emits a warning event.
	WarningThreshold = 0.60

	// CriticalThreshold is the queue-depth fraction of MaxRows that emits a critical event.
	CriticalThreshold = 0.85

	// RetryCeiling is the maximum retry_count a queue entry may carry before
	// it is dropped as permanently failing.
	RetryCeiling = 10

	// DefaultQoS is the publish QoS used unless a caller overrides it.
	DefaultQoS = 1
)

// Base is the compile-time constant topic prefix for all outbound topics.
const Base = "aura/tracking"

// TelemetryTopic derives the telemetry topic for a device.
func TelemetryTopic(deviceID string) string {
	return Base + "/" + deviceID + "/telemetry"
}

// EventsTopic derives the discrete-events topic for a device.
func EventsTopic(deviceID string) string {
	return Base + "/" + deviceID + "/events"
}

// Endpoint is an MQTT broker address, shared by the session manager,
// the persistent state store, and the config layer.
type Endpoint struct {
	Host string
	Port int
}

// WarningRows returns the absolute row count at which the warning threshold fires.
func WarningRows() int {
	return int(WarningThreshold * MaxRows)
}

// CriticalRows returns the absolute row count at which the critical threshold fires.
func CriticalRows() int {
	return int(CriticalThreshold * MaxRows)
}

// Clock abstracts time operations for deterministic testing, mirroring
// the abstraction used throughout the scheduling components.
type Clock interface {
	Now() time.Time
	Sleep(time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock returns the wall-clock Clock implementation.
func RealClock() Clock { return realClock{} }
