// Package drain implements the gated batch flush of the durable
// outbound queue onto the MQTT session: the only place queued frames
// leave the device.
package drain

import (
	"context"
	"sync/atomic"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/aura-tracking/agent/internal/policy"
	"github.com/aura-tracking/agent/internal/queue"
	"github.com/aura-tracking/agent/internal/session"
	"github.com/aura-tracking/agent/internal/telemetry/events"
	"github.com/aura-tracking/agent/internal/telemetry/logging"
	"github.com/aura-tracking/agent/internal/telemetry/tracing"
)

// LinkChecker reports whether the session is currently connected.
type LinkChecker interface {
	IsConnected() bool
}

// Publisher is the publish half of the batch loop.
type Publisher interface {
	PublishWithResult(ctx context.Context, topic string, payload []byte, qos byte) session.Result
}

// Report summarizes one drain execution for observability.
type Report struct {
	Sent      int
	Failed    int
	Remaining int64
}

// Orchestrator drains the durable queue under a process-wide,
// try-acquire mutual-exclusion gate: a contended call returns
// immediately rather than blocking the caller.
type Orchestrator struct {
	q      *queue.Queue
	link   LinkChecker
	pub    Publisher
	bus    events.Bus
	log    logging.Logger
	clock  policy.Clock
	tracer *tracing.Tracer

	gate atomic.Bool
}

// New builds an Orchestrator.
func New(q *queue.Queue, link LinkChecker, pub Publisher, bus events.Bus, log logging.Logger, clock policy.Clock) *Orchestrator {
	if clock == nil {
		clock = policy.RealClock()
	}
	return &Orchestrator{q: q, link: link, pub: pub, bus: bus, log: log.With(logging.DomainQueue), clock: clock}
}

// SetTracer attaches a Tracer spanning each drain execution. A nil
// tracer (the default) disables span emission.
func (o *Orchestrator) SetTracer(t *tracing.Tracer) { o.tracer = t }

// TryDrain attempts to acquire the gate and run a bounded drain. If the
// gate is already held, it returns immediately with ok=false.
func (o *Orchestrator) TryDrain(ctx context.Context) (Report, bool) {
	if !o.gate.CompareAndSwap(false, true) {
		return Report{}, false
	}
	defer o.gate.Store(false)

	if o.tracer == nil {
		return o.run(ctx), true
	}
	var span oteltrace.Span
	ctx, span = o.tracer.StartOperation(ctx, "drain.execute", nil)
	report := o.run(ctx)
	tracing.FinishOperation(span, report.Failed == 0, nil)
	return report, true
}

func (o *Orchestrator) run(ctx context.Context) Report {
	var report Report
	budget := policy.MaxMessagesPerExecution

	for budget > 0 {
		select {
		case <-ctx.Done():
			return o.finalize(ctx, report)
		default:
		}

		if !o.link.IsConnected() {
			return o.finalize(ctx, report)
		}

		batchSize := policy.BatchSize
		if batchSize > budget {
			batchSize = budget
		}
		entries, err := o.q.Oldest(ctx, batchSize)
		if err != nil {
			o.log.Error(ctx, "drain: fetch oldest failed", "error", err)
			return o.finalize(ctx, report)
		}
		if len(entries) == 0 {
			return o.finalize(ctx, report)
		}

		var toDelete []int64
		stoppedOnMaxInFlight := false
		allFailed := true

		for _, e := range entries {
			res := o.pub.PublishWithResult(ctx, e.Topic, e.Payload, e.QoS)
			budget--
			if res.Success {
				toDelete = append(toDelete, e.Seq)
				report.Sent++
				allFailed = false
				continue
			}
			if res.Reason == session.ReasonMaxInFlight {
				if err := o.q.IncrementRetry(ctx, e.Seq); err != nil {
					o.log.Error(ctx, "drain: increment retry failed", "error", err)
				}
				stoppedOnMaxInFlight = true
				break
			}
			if err := o.q.IncrementRetry(ctx, e.Seq); err != nil {
				o.log.Error(ctx, "drain: increment retry failed", "error", err)
			}
			report.Failed++
		}

		if len(toDelete) > 0 {
			if err := o.q.DeleteByID(ctx, toDelete); err != nil {
				o.log.Error(ctx, "drain: delete committed entries failed", "error", err)
			}
		}
		if _, err := o.q.DeleteFailed(ctx, policy.RetryCeiling); err != nil {
			o.log.Error(ctx, "drain: delete failed entries failed", "error", err)
		}

		if stoppedOnMaxInFlight {
			o.clock.Sleep(policy.InflightCooldown)
			return o.finalize(ctx, report)
		}
		if allFailed && len(entries) > 0 && len(toDelete) == 0 {
			// Entire batch failed; treat as systemic and back off rather
			// than spin through the rest of the budget.
			return o.finalize(ctx, report)
		}

		remaining, err := o.q.Count(ctx)
		if err == nil && remaining == 0 {
			return o.finalize(ctx, report)
		}
		o.clock.Sleep(policy.InterBatchDelay)
	}

	return o.finalize(ctx, report)
}

func (o *Orchestrator) finalize(ctx context.Context, report Report) Report {
	remaining, err := o.q.Count(ctx)
	if err == nil {
		report.Remaining = remaining
	}
	o.log.Info(ctx, "drain complete", "sent", report.Sent, "failed", report.Failed, "remaining", report.Remaining)
	if o.bus != nil {
		o.bus.Publish(events.Event{
			Category: events.CategoryDrain,
			Type:     "report",
			Fields: map[string]interface{}{
				"sent": report.Sent, "failed": report.Failed, "remaining": report.Remaining,
			},
		})
		o.emitQueueDepthEvent(report.Remaining)
	}
	return report
}

func (o *Orchestrator) emitQueueDepthEvent(depth int64) {
	switch {
	case depth >= int64(policy.CriticalRows()):
		o.bus.Publish(events.Event{Category: events.CategoryQueue, Type: "critical", Severity: "critical"})
	case depth >= int64(policy.WarningRows()):
		o.bus.Publish(events.Event{Category: events.CategoryQueue, Type: "warning", Severity: "warning"})
	}
}
