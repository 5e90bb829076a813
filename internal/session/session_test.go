package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/eclipse/paho.golang/paho"

	"github.com/aura-tracking/agent/internal/policy"
	"github.com/aura-tracking/agent/internal/telemetry/logging"
)

type fakeTransport struct {
	publishErr error
	published  []*paho.Publish
}

func (f *fakeTransport) Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, p)
	return &paho.PublishResponse{}, nil
}
func (f *fakeTransport) Disconnect(ctx context.Context) error    { return nil }
func (f *fakeTransport) AwaitConnection(ctx context.Context) error { return nil }

func newTestManager(t *testing.T, tr *fakeTransport) *Manager {
	t.Helper()
	m := New(logging.New(slog.Default()), 2)
	m.dial = func(ctx context.Context, ep policy.Endpoint, opts dialOpts) (Transport, error) {
		if opts.onUp != nil {
			opts.onUp()
		}
		return tr, nil
	}
	m.Configure(policy.Endpoint{Host: "broker", Port: 1883})
	return m
}

func TestPublishWithResultFailsWhenNotConnected(t *testing.T) {
	m := New(logging.New(slog.Default()), 2)
	res := m.PublishWithResult(context.Background(), "t", []byte("p"), 1)
	if res.Success || res.Reason != ReasonNotConnected {
		t.Fatalf("expected NotConnected, got %+v", res)
	}
}

func TestConnectThenPublishSucceeds(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !m.IsConnected() {
		t.Fatalf("expected connected after onUp hook fires")
	}

	res := m.PublishWithResult(context.Background(), "topic", []byte("payload"), 1)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(tr.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(tr.published))
	}
}

func TestConnectIsNoOpWhenAlreadyConnected(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)
	m.Connect(context.Background())

	dialCalls := 0
	m.dial = func(ctx context.Context, ep policy.Endpoint, opts dialOpts) (Transport, error) {
		dialCalls++
		return tr, nil
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if dialCalls != 0 {
		t.Fatalf("expected no redial on an already-connected session, got %d calls", dialCalls)
	}
}

func TestPublishFailureTranslatesToOtherReason(t *testing.T) {
	tr := &fakeTransport{publishErr: errors.New("broker rejected")}
	m := newTestManager(t, tr)
	m.Connect(context.Background())

	res := m.PublishWithResult(context.Background(), "t", []byte("p"), 1)
	if res.Success || res.Reason != ReasonOther {
		t.Fatalf("expected Other failure, got %+v", res)
	}
}

func TestMaxInFlightCapRejectsExtraPublishes(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)
	m.maxInFlight = 0 // force the cap path deterministically below
	m.Connect(context.Background())

	m.inFlight.Store(0)
	m.maxInFlight = 1
	m.inFlight.Add(1) // simulate one publish already outstanding

	res := m.PublishWithResult(context.Background(), "t", []byte("p"), 1)
	if res.Success || res.Reason != ReasonMaxInFlight {
		t.Fatalf("expected MaxInFlight, got %+v", res)
	}
}

func TestPublishEventSendsOnEventsTopicAtQoS0(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(t, tr)
	m.Connect(context.Background())

	m.PublishEvent(context.Background(), "device-1", "connection_transition", map[string]string{"state": "up"})

	if len(tr.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(tr.published))
	}
	p := tr.published[0]
	if !strings.HasSuffix(p.Topic, "device-1/events") {
		t.Fatalf("expected events topic, got %s", p.Topic)
	}
	if p.QoS != 0 {
		t.Fatalf("expected qos 0, got %d", p.QoS)
	}
	var decoded struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(p.Payload, &decoded); err != nil {
		t.Fatalf("unmarshal event payload: %v", err)
	}
	if decoded.Type != "connection_transition" || decoded.Data["state"] != "up" {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
}

func TestOnConnectionTransitionNotifiesSubscribers(t *testing.T) {
	tr := &fakeTransport{}
	m := New(logging.New(slog.Default()), 2)
	var transitions []bool
	m.OnConnectionTransition(func(connected bool) { transitions = append(transitions, connected) })
	m.dial = func(ctx context.Context, ep policy.Endpoint, opts dialOpts) (Transport, error) {
		opts.onUp()
		return tr, nil
	}
	m.Configure(policy.Endpoint{Host: "broker", Port: 1883})
	m.Connect(context.Background())

	if len(transitions) != 1 || !transitions[0] {
		t.Fatalf("expected a single up transition, got %+v", transitions)
	}
}
