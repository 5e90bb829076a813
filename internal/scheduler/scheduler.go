// Package scheduler runs the two independent periodic background
// tasks named by spec 4.G: a reconnect task and a queue-flush task.
// Each is re-entrancy-guarded so only one instance of itself ever runs
// at a time on the device.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aura-tracking/agent/internal/drain"
	"github.com/aura-tracking/agent/internal/policy"
	"github.com/aura-tracking/agent/internal/queue"
	"github.com/aura-tracking/agent/internal/session"
	"github.com/aura-tracking/agent/internal/telemetry/logging"
)

// Drainer is the gate-guarded drain trigger; satisfied by *drain.Orchestrator.
type Drainer interface {
	TryDrain(ctx context.Context) (drain.Report, bool)
}

// Connectivity reports whether the device believes it has general
// network connectivity, independent of the MQTT session itself.
type Connectivity interface {
	Online() bool
}

// Session is the subset of *session.Manager the schedulers drive.
type Session interface {
	IsConnected() bool
	Connect(ctx context.Context) error
	PublishWithResult(ctx context.Context, topic string, payload []byte, qos byte) session.Result
}

// Scheduler owns the two periodic tasks and their exponential backoff.
type Scheduler struct {
	sess     Session
	queue    *queue.Queue
	drain    Drainer
	conn     Connectivity
	log      logging.Logger
	clock    policy.Clock
	deviceID string

	reconnectRunning atomic.Bool
	flushRunning     atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Scheduler.
func New(sess Session, q *queue.Queue, drainer Drainer, conn Connectivity, log logging.Logger, clock policy.Clock, deviceID string) *Scheduler {
	if clock == nil {
		clock = policy.RealClock()
	}
	return &Scheduler{sess: sess, queue: q, drain: drainer, conn: conn, log: log.With(logging.DomainService), clock: clock, deviceID: deviceID}
}

// Start launches both periodic tasks as goroutines. Safe to call once;
// a second call before Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.reconnectLoop(runCtx)
	go s.queueFlushLoop(runCtx)
}

// Stop cancels both periodic tasks.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
}

func (s *Scheduler) reconnectLoop(ctx context.Context) {
	backoff := policy.SchedulerBackoffStart
	ticker := time.NewTicker(policy.ReconnectPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok := s.runReconnectTask(ctx); ok {
				backoff = policy.SchedulerBackoffStart
				continue
			}
			s.clock.Sleep(backoff)
			backoff *= 2
			if backoff > policy.SchedulerBackoffMax {
				backoff = policy.SchedulerBackoffMax
			}
		}
	}
}

// runReconnectTask implements the reconnect task body of spec 4.G.
// Returns true on success (already connected + heartbeat sent, or a
// fresh connect that came up within the grace period).
func (s *Scheduler) runReconnectTask(ctx context.Context) (ok bool) {
	if !s.reconnectRunning.CompareAndSwap(false, true) {
		return true // another instance already running; don't penalize backoff
	}
	defer s.reconnectRunning.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(ctx, "reconnect task panicked, recovered", "panic", r)
			ok = false
		}
	}()

	if s.sess.IsConnected() {
		heartbeat := []byte(`{"type":"heartbeat"}`)
		s.sess.PublishWithResult(ctx, policy.EventsTopic(s.deviceID), heartbeat, 0)
		return true
	}

	if s.conn != nil && !s.conn.Online() {
		return false
	}

	if err := s.sess.Connect(ctx); err != nil {
		s.log.Warn(ctx, "reconnect task: connect failed", "error", err)
		return false
	}

	s.clock.Sleep(2 * time.Second)
	if !s.sess.IsConnected() {
		return false
	}

	s.drain.TryDrain(ctx)
	return true
}

func (s *Scheduler) queueFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(policy.QueueFlushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runQueueFlushTask(ctx)
		}
	}
}

// runQueueFlushTask implements the queue-flush task body of spec 4.G.
func (s *Scheduler) runQueueFlushTask(ctx context.Context) {
	if !s.flushRunning.CompareAndSwap(false, true) {
		return
	}
	defer s.flushRunning.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error(ctx, "queue flush task panicked, recovered", "panic", r)
		}
	}()

	if _, _, err := s.queue.ApplyMaintenance(ctx); err != nil {
		s.log.Error(ctx, "queue flush: maintenance failed", "error", err)
	}

	count, err := s.queue.Count(ctx)
	if err != nil || count == 0 {
		return
	}

	if !s.sess.IsConnected() {
		if err := s.sess.Connect(ctx); err != nil {
			s.log.Warn(ctx, "queue flush: connect failed", "error", err)
			return
		}
		s.clock.Sleep(2 * time.Second)
		if !s.sess.IsConnected() {
			return
		}
	}

	s.drain.TryDrain(ctx)
}
