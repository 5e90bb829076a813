// Package session manages the MQTT connection to the tracking broker:
// connect/disconnect lifecycle, in-flight-capped publishing, and
// connection-transition notifications used to wake the drain
// orchestrator. The concrete wire client is a Transport so tests can
// substitute a fake rather than dialing a real broker.
package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/aura-tracking/agent/internal/policy"
	"github.com/aura-tracking/agent/internal/telemetry/logging"
	"github.com/aura-tracking/agent/internal/telemetry/tracing"
)

// Reason enumerates why a publish_with_result failed.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNotConnected
	ReasonMaxInFlight
	ReasonTimeout
	ReasonOther
)

func (r Reason) String() string {
	switch r {
	case ReasonNotConnected:
		return "not_connected"
	case ReasonMaxInFlight:
		return "max_in_flight"
	case ReasonTimeout:
		return "timeout"
	case ReasonOther:
		return "other"
	default:
		return "none"
	}
}

// Result is the sum type returned by PublishWithResult.
type Result struct {
	Success bool
	Reason  Reason
	Err     error
}

func success() Result                    { return Result{Success: true} }
func failure(r Reason, err error) Result { return Result{Success: false, Reason: r, Err: err} }

// Transport is the subset of an MQTT connection manager the session
// package depends on, narrowed so tests can substitute a fake instead
// of dialing a real broker — the same shape the teacher gives its
// rate limiter dependency.
type Transport interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(ctx context.Context) error
	AwaitConnection(ctx context.Context) error
}

// dialFunc opens a Transport for an endpoint. Replaced in tests.
type dialFunc func(ctx context.Context, ep policy.Endpoint, opts dialOpts) (Transport, error)

type dialOpts struct {
	clientID        string
	username        string
	password        []byte
	willTopic       string
	onUp            func()
	onDown          func(error)
}

// Manager owns the MQTT connection lifecycle for one endpoint at a time.
type Manager struct {
	log         logging.Logger
	dial        dialFunc
	maxInFlight int64
	tracer      *tracing.Tracer

	mu        sync.Mutex
	endpoint  policy.Endpoint
	transport Transport
	cancel    context.CancelFunc

	connected   atomic.Bool
	inFlight    atomic.Int64
	transitions []func(bool)
}

// New builds a Manager with the real autopaho dialer. maxInFlight caps
// outstanding unacknowledged publishes; zero means no cap.
func New(log logging.Logger, maxInFlight int64) *Manager {
	return &Manager{
		log:         log.With(logging.DomainMQTT),
		dial:        dialAutopaho,
		maxInFlight: maxInFlight,
	}
}

// SetTracer attaches a Tracer used to span connect attempts and
// publishes. A nil tracer (the default) disables span emission.
func (m *Manager) SetTracer(t *tracing.Tracer) { m.tracer = t }

// OnConnectionTransition registers a callback invoked whenever the
// connected flag flips, from either direction.
func (m *Manager) OnConnectionTransition(cb func(connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, cb)
}

func (m *Manager) notifyTransition(connected bool) {
	if m.connected.Swap(connected) == connected {
		return // no flip, nothing to report
	}
	m.mu.Lock()
	cbs := append([]func(bool){}, m.transitions...)
	m.mu.Unlock()
	for _, cb := range cbs {
		func() { // a panicking subscriber must not take down the session
			defer func() { _ = recover() }()
			cb(connected)
		}()
	}
}

// Configure (re)sets the target endpoint. Idempotent when the endpoint
// is unchanged; when it differs from an already-running session, the
// existing connection is torn down and a fresh dial attempted on the
// next Connect.
func (m *Manager) Configure(ep policy.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endpoint == ep {
		return
	}
	if m.transport != nil {
		m.teardownLocked()
	}
	m.endpoint = ep
}

func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.transport = nil
	m.connected.Store(false)
}

// Connect initiates a connection attempt if not already connected. A
// call on an already-connected session is a no-op; this returns once
// the attempt has been issued, not once it completes.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected.Load() {
		m.mu.Unlock()
		return nil
	}
	ep := m.endpoint
	m.mu.Unlock()

	if ep.Host == "" {
		return fmt.Errorf("session: no endpoint configured")
	}

	var span oteltrace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.StartOperation(ctx, "session.connect", map[string]any{"host": ep.Host, "port": ep.Port})
	}

	dialCtx, cancel := context.WithCancel(context.Background())
	tr, err := m.dial(dialCtx, ep, dialOpts{
		clientID: "aura-agent",
		onUp: func() {
			m.log.Info(ctx, "mqtt connected", "host", ep.Host, "port", ep.Port)
			m.notifyTransition(true)
		},
		onDown: func(err error) {
			m.log.Warn(ctx, "mqtt connection lost", "error", err)
			m.notifyTransition(false)
		},
	})
	if err != nil {
		cancel()
		if span != nil {
			tracing.FinishOperation(span, false, err)
		}
		return fmt.Errorf("session: connect: %w", err)
	}

	m.mu.Lock()
	m.transport = tr
	m.cancel = cancel
	m.mu.Unlock()
	if span != nil {
		tracing.FinishOperation(span, true, nil)
	}
	return nil
}

// Disconnect tears down the connection, if any.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	tr := m.transport
	m.mu.Unlock()
	if tr == nil {
		return nil
	}
	err := tr.Disconnect(ctx)
	m.mu.Lock()
	m.teardownLocked()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("session: disconnect: %w", err)
	}
	return nil
}

// IsConnected reports the current connection flag.
func (m *Manager) IsConnected() bool { return m.connected.Load() }

// PublishWithResult publishes synchronously from the caller's
// viewpoint, enforcing the in-flight cap and translating every failure
// into a Result rather than propagating an error across the boundary.
func (m *Manager) PublishWithResult(ctx context.Context, topic string, payload []byte, qos byte) Result {
	if !m.connected.Load() {
		return failure(ReasonNotConnected, nil)
	}
	if m.maxInFlight > 0 && m.inFlight.Load() >= m.maxInFlight {
		return failure(ReasonMaxInFlight, nil)
	}

	m.mu.Lock()
	tr := m.transport
	m.mu.Unlock()
	if tr == nil {
		return failure(ReasonNotConnected, nil)
	}

	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)

	var span oteltrace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.StartOperation(ctx, "session.publish", map[string]any{"topic": topic})
	}

	_, err := tr.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: qos})
	if err != nil {
		if span != nil {
			tracing.FinishOperation(span, false, err)
		}
		if ctx.Err() != nil {
			return failure(ReasonTimeout, err)
		}
		return failure(ReasonOther, err)
	}
	if span != nil {
		tracing.FinishOperation(span, true, nil)
	}
	return success()
}

// Publish is the fire-and-forget convenience for low-rate, idempotent
// events; failures are logged and swallowed.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte, qos byte) {
	res := m.PublishWithResult(ctx, topic, payload, qos)
	if !res.Success {
		m.log.Debug(ctx, "fire-and-forget publish dropped", "topic", topic, "reason", res.Reason.String())
	}
}

// PublishEvent sends a discrete event (connection transitions, operator
// reassignment, and the like) on the device's events topic, distinct
// from the 1Hz telemetry frame path. Best-effort: a failed send is
// logged and dropped, never queued.
func (m *Manager) PublishEvent(ctx context.Context, deviceID, eventType string, data map[string]string) {
	payload, err := json.Marshal(struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data,omitempty"`
	}{Type: eventType, Data: data})
	if err != nil {
		m.log.Error(ctx, "event payload marshal failed", "event_type", eventType, "error", err)
		return
	}
	m.Publish(ctx, policy.EventsTopic(deviceID), payload, 0)
}

func dialAutopaho(ctx context.Context, ep policy.Endpoint, opts dialOpts) (Transport, error) {
	u, err := url.Parse(fmt.Sprintf("mqtt://%s:%d", ep.Host, ep.Port))
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{u},
		KeepAlive:  30,
		WillMessage: &paho.WillMessage{
			Topic:   opts.willTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			if opts.onUp != nil {
				opts.onUp()
			}
		},
		OnConnectError: func(err error) {
			if opts.onDown != nil {
				opts.onDown(err)
			}
		},
		ClientConfig: paho.ClientConfig{ClientID: opts.clientID},
	}
	if u.Scheme == "mqtts" || u.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// NewConnection returns without waiting for the broker; autopaho
	// connects (and keeps retrying) in the background, and the caller
	// observes the eventual connect via OnConnectionUp.
	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cmTransport{cm}, nil
}

// cmTransport adapts *autopaho.ConnectionManager to Transport.
type cmTransport struct {
	cm *autopaho.ConnectionManager
}

func (t cmTransport) Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	return t.cm.Publish(ctx, p)
}
func (t cmTransport) Disconnect(ctx context.Context) error      { return t.cm.Disconnect(ctx) }
func (t cmTransport) AwaitConnection(ctx context.Context) error { return t.cm.AwaitConnection(ctx) }
