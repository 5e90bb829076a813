// Package agent is the top-level facade composing every internal
// component into the running tracking pipeline: the session manager,
// the durable queue, the aggregator loop, the drain orchestrator, the
// periodic schedulers, and the boot/crash-recovery lifecycle described
// by spec 4.H.
package agent

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aura-tracking/agent/internal/aggregator"
	"github.com/aura-tracking/agent/internal/configstore"
	"github.com/aura-tracking/agent/internal/drain"
	"github.com/aura-tracking/agent/internal/frame"
	"github.com/aura-tracking/agent/internal/operator"
	"github.com/aura-tracking/agent/internal/policy"
	"github.com/aura-tracking/agent/internal/queue"
	"github.com/aura-tracking/agent/internal/scheduler"
	"github.com/aura-tracking/agent/internal/session"
	"github.com/aura-tracking/agent/internal/snapshot"
	"github.com/aura-tracking/agent/internal/state"
	"github.com/aura-tracking/agent/internal/storage"
	"github.com/aura-tracking/agent/internal/telemetry/events"
	"github.com/aura-tracking/agent/internal/telemetry/health"
	"github.com/aura-tracking/agent/internal/telemetry/logging"
	"github.com/aura-tracking/agent/internal/telemetry/metrics"
	"github.com/aura-tracking/agent/internal/telemetry/tracing"
)

// Config configures a Supervisor.
type Config struct {
	// StoragePath is the SQLite file backing the queue, state, and
	// operator tables. ":memory:" is accepted for tests.
	StoragePath string
	// ConfigPath is the YAML file backing the layered config store.
	ConfigPath string
	// MaxInFlight caps outstanding unacknowledged publishes.
	MaxInFlight int64
	// Logger is the base slog logger; nil uses slog.Default().
	Logger *slog.Logger
	// MetricsProvider supplies Prometheus-backed counters/gauges; nil
	// falls back to a no-op provider.
	MetricsProvider metrics.Provider
}

// Defaults returns a Config suitable for a real on-device deployment.
func Defaults() Config {
	return Config{
		StoragePath: "aura-agent.db",
		ConfigPath:  "aura-agent.yaml",
		MaxInFlight: 20,
	}
}

// PresenceHost abstracts the platform-specific foreground-presence
// indicator and wake-resource acquisition named by spec 4.H. The
// default implementation only logs; a real on-device integration
// supplies its own.
type PresenceHost interface {
	AcquireWake(ctx context.Context) error
	ReleaseWake(ctx context.Context)
	ShowPresence(ctx context.Context)
	HidePresence(ctx context.Context)
}

type loggingPresenceHost struct{ log logging.Logger }

func (h loggingPresenceHost) AcquireWake(ctx context.Context) error {
	h.log.Debug(ctx, "wake resource acquired (no-op host)")
	return nil
}
func (h loggingPresenceHost) ReleaseWake(ctx context.Context) {
	h.log.Debug(ctx, "wake resource released (no-op host)")
}
func (h loggingPresenceHost) ShowPresence(ctx context.Context) {
	h.log.Debug(ctx, "foreground presence shown (no-op host)")
}
func (h loggingPresenceHost) HidePresence(ctx context.Context) {
	h.log.Debug(ctx, "foreground presence hidden (no-op host)")
}

// Status is the observability surface spec §7 requires: queue depth,
// session connectivity, and aggregator throughput, all readable
// without driving any pipeline component.
type Status struct {
	Enabled       bool
	SessionUp     bool
	QueueDepth    int64
	FramesSent    int64
	CurrentHealth health.Snapshot
}

// Supervisor owns the lifecycle of every other component.
type Supervisor struct {
	cfg      Config
	log      logging.Logger
	host     PresenceHost
	deviceID string

	db        *sql.DB
	q         *queue.Queue
	stateS    *state.Store
	operatorS *operator.Store
	configS   *configstore.Store
	reg       *snapshot.Registry

	sess   *session.Manager
	agg    *aggregator.Loop
	drn    *drain.Orchestrator
	sched  *scheduler.Scheduler
	bus    events.Bus
	eval   *health.Evaluator
	minter *frame.Minter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	bootOnce sync.Once
}

// New wires every component but does not start the pipeline. Pass a
// nil host to use the default logging-only PresenceHost.
func New(cfg Config, host PresenceHost, deviceID string) (*Supervisor, error) {
	log := logging.New(cfg.Logger)

	db, err := storage.Open(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("agent: open storage: %w", err)
	}
	q, err := queue.New(db)
	if err != nil {
		return nil, fmt.Errorf("agent: init queue: %w", err)
	}
	stateS, err := state.New(db)
	if err != nil {
		return nil, fmt.Errorf("agent: init state: %w", err)
	}
	operatorS, err := operator.New(db)
	if err != nil {
		return nil, fmt.Errorf("agent: init operator: %w", err)
	}
	configS, err := configstore.Open(cfg.ConfigPath, log)
	if err != nil {
		return nil, fmt.Errorf("agent: open config: %w", err)
	}

	provider := cfg.MetricsProvider
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	bus := events.NewBus(provider)
	reg := snapshot.NewRegistry()
	tracer := tracing.New(deviceID)
	sess := session.New(log, cfg.MaxInFlight)
	sess.SetTracer(tracer)
	minter := frame.NewMinter(deviceID, reg, operatorS, policy.RealClock())
	agg := aggregator.New(minter, sess, q, bus, log, policy.RealClock())
	drn := drain.New(q, sess, sess, bus, log, policy.RealClock())
	drn.SetTracer(tracer)
	sched := scheduler.New(sess, q, drn, nil, log, policy.RealClock(), deviceID)

	if host == nil {
		host = loggingPresenceHost{log: log}
	}

	eval := health.NewEvaluator(5 * time.Second)

	s := &Supervisor{
		cfg: cfg, log: log, host: host, deviceID: deviceID,
		db: db, q: q, stateS: stateS, operatorS: operatorS, configS: configS, reg: reg,
		sess: sess, agg: agg, drn: drn, sched: sched, bus: bus, eval: eval, minter: minter,
	}
	eval.Register(health.ProbeFunc(s.sessionProbe))
	eval.Register(health.ProbeFunc(s.queueProbe))

	sess.OnConnectionTransition(s.onConnectionTransition)
	return s, nil
}

// Registry exposes the sensor snapshot registers for adapters to write into.
func (s *Supervisor) Registry() *snapshot.Registry { return s.reg }

// Start brings the pipeline up. Idempotent: a call while already
// running is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.host.ShowPresence(runCtx)
	if err := s.host.AcquireWake(runCtx); err != nil {
		s.log.Warn(runCtx, "wake acquire failed, continuing without it", "error", err)
	}
	if err := s.stateS.SetEnabled(runCtx, true); err != nil {
		s.log.Error(runCtx, "persist enabled flag failed", "error", err)
	}

	ep, ok, err := s.stateS.LastEndpoint(runCtx)
	if err != nil {
		s.log.Warn(runCtx, "read last endpoint failed", "error", err)
	}
	if !ok {
		ep = s.configS.Endpoint()
	}
	s.sess.Configure(ep)

	s.agg.Start(runCtx)
	s.sched.Start(runCtx)
	s.safeGo(runCtx, "watch_endpoint", s.watchEndpoint)
	s.safeGo(runCtx, "watch_config", s.configS.Watch)

	if err := s.sess.Connect(runCtx); err != nil {
		s.log.Warn(runCtx, "initial connect failed, schedulers will retry", "error", err)
	}
	return nil
}

// Stop tears the pipeline down.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.agg.Stop()
	s.sched.Stop()
	_ = s.sess.Disconnect(ctx)
	s.host.ReleaseWake(ctx)
	s.host.HidePresence(ctx)
	if err := s.stateS.SetEnabled(ctx, false); err != nil {
		s.log.Error(ctx, "persist disabled flag failed", "error", err)
	}
}

// Boot is the process-start hook: if the persisted enabled flag is
// true, it re-runs Start. On a fresh install — no flag persisted yet —
// it seeds the flag from the config file's tracking_enabled value
// (spec §6's boot-time contract) rather than silently defaulting to
// off. Safe to call more than once; only the first call has any effect.
func (s *Supervisor) Boot(ctx context.Context) {
	s.bootOnce.Do(func() {
		enabled, wasSet, err := s.stateS.Enabled(ctx)
		if err != nil {
			s.log.Error(ctx, "boot: read enabled flag failed", "error", err)
			return
		}
		if !wasSet {
			enabled = s.configS.Current().TrackingEnabled
			if err := s.stateS.SetEnabled(ctx, enabled); err != nil {
				s.log.Error(ctx, "boot: seed enabled flag from config failed", "error", err)
			}
		}
		if enabled {
			if err := s.Start(ctx); err != nil {
				s.log.Error(ctx, "boot: start failed", "error", err)
			}
		}
	})
}

// UpdateEndpoint reconfigures the MQTT session to point at a new
// broker: disconnect, wait briefly for the teardown, reconfigure,
// reconnect.
func (s *Supervisor) UpdateEndpoint(ctx context.Context, ep policy.Endpoint) error {
	_ = s.sess.Disconnect(ctx)
	time.Sleep(time.Second)
	s.sess.Configure(ep)
	if err := s.stateS.SetLastEndpoint(ctx, ep); err != nil {
		s.log.Error(ctx, "persist endpoint failed", "error", err)
	}
	return s.sess.Connect(ctx)
}

// watchEndpoint observes the config store's endpoint stream, filters
// the bootstrap emission, and reconfigures the session on every
// subsequent change. A low-rate polling fallback re-reads the source
// in case the stream hook misfires.
func (s *Supervisor) watchEndpoint(ctx context.Context) {
	stream := s.configS.SubscribeEndpoint()
	bootstrap := <-stream

	poll := time.NewTicker(5 * time.Second)
	defer poll.Stop()

	last := bootstrap
	for {
		select {
		case <-ctx.Done():
			return
		case ep := <-stream:
			if ep != last {
				last = ep
				if err := s.UpdateEndpoint(ctx, ep); err != nil {
					s.log.Warn(ctx, "endpoint reconfigure failed", "error", err)
				}
			}
		case <-poll.C:
			ep := s.configS.Endpoint()
			if ep != last {
				last = ep
				if err := s.UpdateEndpoint(ctx, ep); err != nil {
					s.log.Warn(ctx, "endpoint reconfigure (poll) failed", "error", err)
				}
			}
		}
	}
}

// safeGo runs fn in its own goroutine, recovering any panic so a bug
// in one background task never takes down the whole process — the
// supervisor's half of spec §7's "nothing throws across component
// boundaries".
func (s *Supervisor) safeGo(ctx context.Context, name string, fn func(context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error(ctx, "background task panicked, recovered", "task", name, "panic", r)
			}
		}()
		fn(ctx)
	}()
}

// onConnectionTransition drains the queue immediately on an up
// transition, without waiting for the next scheduler tick. Both
// directions are published on the event bus; a discrete event is also
// sent on the events topic, which only reaches the broker for "up":
// by the time a "down" callback runs the session already reports
// disconnected, so that fire-and-forget send is dropped.
func (s *Supervisor) onConnectionTransition(connected bool) {
	ctx := context.Background()
	transitionState := "up"
	if !connected {
		transitionState = "down"
	}
	s.bus.Publish(events.Event{Category: events.CategoryMQTT, Type: "connection_" + transitionState})
	s.sess.PublishEvent(ctx, s.deviceID, "connection_transition", map[string]string{"state": transitionState})

	if !connected {
		return
	}
	count, err := s.q.Count(ctx)
	if err != nil || count == 0 {
		return
	}
	s.drn.TryDrain(ctx)
}

// SetOperator logs an operator in for subsequent frame attribution and
// emits a durable "operator_login" event: unlike PublishEvent, this one
// is queued rather than dropped when the link is down, since an
// operator assignment matters even if it arrives late.
func (s *Supervisor) SetOperator(ctx context.Context, registration string) error {
	if err := s.operatorS.SetCurrent(ctx, registration); err != nil {
		return fmt.Errorf("agent: set operator: %w", err)
	}
	s.publishOrQueueEvent(ctx, "operator_login", map[string]string{"matricula": registration})
	return nil
}

// ClearOperator logs the current operator out and emits a durable
// "operator_logout" event.
func (s *Supervisor) ClearOperator(ctx context.Context) error {
	if err := s.operatorS.Logout(ctx); err != nil {
		return fmt.Errorf("agent: clear operator: %w", err)
	}
	s.publishOrQueueEvent(ctx, "operator_logout", nil)
	return nil
}

// publishOrQueueEvent mints a discrete event frame and runs it through
// the same publish-or-enqueue decision the aggregator applies to
// telemetry frames, so operator transitions survive a disconnected link.
func (s *Supervisor) publishOrQueueEvent(ctx context.Context, eventType string, data map[string]string) {
	f, err := s.minter.MintEvent(ctx, eventType, data)
	if err != nil {
		s.log.Error(ctx, "mint event failed", "event_type", eventType, "error", err)
		return
	}
	if s.sess.IsConnected() {
		if res := s.sess.PublishWithResult(ctx, f.Topic, f.Payload, f.QoS); res.Success {
			return
		}
	}
	if _, err := s.q.Append(ctx, f.FrameID.String(), f.Topic, f.Payload, f.QoS, f.WallTS); err != nil {
		s.log.Error(ctx, "enqueue event failed", "event_type", eventType, "error", err)
	}
}

func (s *Supervisor) sessionProbe(ctx context.Context) health.ProbeResult {
	if s.sess.IsConnected() {
		return health.Healthy("mqtt_session")
	}
	return health.Degraded("mqtt_session", "not connected")
}

func (s *Supervisor) queueProbe(ctx context.Context) health.ProbeResult {
	count, err := s.q.Count(ctx)
	if err != nil {
		return health.Unhealthy("queue", err.Error())
	}
	if count >= int64(policy.CriticalRows()) {
		return health.Unhealthy("queue", "row count above critical threshold")
	}
	if count >= int64(policy.WarningRows()) {
		return health.Degraded("queue", "row count above warning threshold")
	}
	return health.Healthy("queue")
}

// StatusSnapshot returns the full observability surface of spec §7.
func (s *Supervisor) StatusSnapshot(ctx context.Context) Status {
	enabled, _, _ := s.stateS.Enabled(ctx)
	depth, _ := s.q.Count(ctx)
	return Status{
		Enabled:       enabled,
		SessionUp:     s.sess.IsConnected(),
		QueueDepth:    depth,
		FramesSent:    s.agg.SentCount(),
		CurrentHealth: s.eval.Evaluate(ctx),
	}
}

// EventBus exposes the pub/sub bus for external subscribers (e.g. an
// operator UI) to observe queue/drain/session events.
func (s *Supervisor) EventBus() events.Bus { return s.bus }

// Close releases the underlying storage handle. Call after Stop.
func (s *Supervisor) Close() error {
	return s.db.Close()
}
