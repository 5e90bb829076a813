// Package aggregator drives the telemetry pipeline at a fixed 1 Hz
// cadence, independent of any sensor's own sampling rate, and decides
// per tick whether a freshly minted frame is published live or queued.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/aura-tracking/agent/internal/frame"
	"github.com/aura-tracking/agent/internal/policy"
	"github.com/aura-tracking/agent/internal/session"
	"github.com/aura-tracking/agent/internal/telemetry/events"
	"github.com/aura-tracking/agent/internal/telemetry/logging"
)

// Publisher is the publish-with-result half of the decision; satisfied
// by *session.Manager.
type Publisher interface {
	IsConnected() bool
	PublishWithResult(ctx context.Context, topic string, payload []byte, qos byte) session.Result
}

// Enqueuer is the durable-enqueue half of the decision; satisfied by
// *queue.Queue.
type Enqueuer interface {
	Append(ctx context.Context, frameID, topic string, payload []byte, qos byte, enqueuedAt time.Time) (int64, error)
}

// Loop mints a frame once per tick from Minter and drives it through
// the publish-or-enqueue decision described by spec 4.E.
type Loop struct {
	minter *frame.Minter
	pub    Publisher
	queue  Enqueuer
	bus    events.Bus
	log    logging.Logger
	clock  policy.Clock

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sent atomicCounter
}

type atomicCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *atomicCounter) add(d int64) { c.mu.Lock(); c.n += d; c.mu.Unlock() }
func (c *atomicCounter) load() int64 { c.mu.Lock(); defer c.mu.Unlock(); return c.n }

// New builds a Loop. A nil clock uses the real wall clock.
func New(minter *frame.Minter, pub Publisher, queue Enqueuer, bus events.Bus, log logging.Logger, clock policy.Clock) *Loop {
	if clock == nil {
		clock = policy.RealClock()
	}
	return &Loop{minter: minter, pub: pub, queue: queue, bus: bus, log: log.With(logging.DomainService), clock: clock}
}

// Start begins the 1 Hz tick loop. Idempotent: a call while already
// running is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.wg.Add(1)
	go l.run(runCtx)
}

// Stop cancels the scheduler and waits for the loop goroutine to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	l.running = false
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
}

// SentCount returns the lifetime count of ticks successfully published live.
func (l *Loop) SentCount() int64 { return l.sent.load() }

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	period := time.Second / time.Duration(policy.PublishHz)
	tickDue := l.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tickDue = tickDue.Add(period)
		wait := tickDue.Sub(l.clock.Now())
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		} else {
			// The loop slipped (e.g. the process was throttled). Reset the
			// schedule to now rather than firing back-to-back catch-up ticks.
			tickDue = l.clock.Now()
		}

		l.tick(ctx)
	}
}

func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error(ctx, "tick panicked, recovered", "panic", r)
		}
	}()

	linkUp := l.pub.IsConnected()
	f, err := l.minter.Mint(ctx, linkUp)
	if err != nil {
		return
	}

	if linkUp {
		res := l.pub.PublishWithResult(ctx, f.Topic, f.Payload, f.QoS)
		if res.Success {
			l.sent.add(1)
			return
		}
		l.log.Debug(ctx, "tick publish failed, enqueuing", "frame_id", f.FrameID.String(), "reason", res.Reason.String())
	}

	if _, err := l.queue.Append(ctx, f.FrameID.String(), f.Topic, f.Payload, f.QoS, f.WallTS); err != nil {
		l.log.Error(ctx, "enqueue failed", "frame_id", f.FrameID.String(), "error", err)
		if l.bus != nil {
			l.bus.Publish(events.Event{Category: events.CategoryQueue, Type: "enqueue_failed"})
		}
	}
}
