package scheduler

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aura-tracking/agent/internal/drain"
	"github.com/aura-tracking/agent/internal/queue"
	"github.com/aura-tracking/agent/internal/session"
	"github.com/aura-tracking/agent/internal/telemetry/logging"
	_ "modernc.org/sqlite"
)

type fakeSession struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	connectCalls int
	published   int
}

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
func (s *fakeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectCalls++
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}
func (s *fakeSession) PublishWithResult(ctx context.Context, topic string, payload []byte, qos byte) session.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published++
	return session.Result{Success: true}
}

type fakeDrainer struct{ calls int }

func (d *fakeDrainer) TryDrain(ctx context.Context) (drain.Report, bool) {
	d.calls++
	return drain.Report{}, true
}

type fakeConnectivity struct{ online bool }

func (c fakeConnectivity) Online() bool { return c.online }

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	q, err := queue.New(db)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestReconnectTaskSendsHeartbeatWhenAlreadyConnected(t *testing.T) {
	sess := &fakeSession{connected: true}
	q := newTestQueue(t)
	d := &fakeDrainer{}
	s := New(sess, q, d, fakeConnectivity{online: true}, logging.New(slog.Default()), nil, "device-1")

	ok := s.runReconnectTask(context.Background())
	if !ok {
		t.Fatalf("expected success when already connected")
	}
	if sess.published != 1 {
		t.Fatalf("expected 1 heartbeat published, got %d", sess.published)
	}
	if sess.connectCalls != 0 {
		t.Fatalf("expected no connect attempt when already connected")
	}
}

func TestReconnectTaskSkipsConnectWhenOffline(t *testing.T) {
	sess := &fakeSession{connected: false}
	q := newTestQueue(t)
	d := &fakeDrainer{}
	s := New(sess, q, d, fakeConnectivity{online: false}, logging.New(slog.Default()), nil, "device-1")

	ok := s.runReconnectTask(context.Background())
	if ok {
		t.Fatalf("expected failure when device has no general connectivity")
	}
	if sess.connectCalls != 0 {
		t.Fatalf("expected no connect attempt without general connectivity")
	}
}

func TestReconnectTaskDrivesDrainAfterConnect(t *testing.T) {
	sess := &fakeSession{connected: false}
	q := newTestQueue(t)
	d := &fakeDrainer{}
	clock := stubClock{}
	s := New(sess, q, d, fakeConnectivity{online: true}, logging.New(slog.Default()), clock, "device-1")

	ok := s.runReconnectTask(context.Background())
	if !ok {
		t.Fatalf("expected success after connect")
	}
	if d.calls != 1 {
		t.Fatalf("expected drain to be triggered once after reconnect, got %d", d.calls)
	}
}

func TestQueueFlushTaskSkipsDrainWhenQueueEmpty(t *testing.T) {
	sess := &fakeSession{connected: true}
	q := newTestQueue(t)
	d := &fakeDrainer{}
	s := New(sess, q, d, nil, logging.New(slog.Default()), nil, "device-1")

	s.runQueueFlushTask(context.Background())
	if d.calls != 0 {
		t.Fatalf("expected no drain for an empty queue, got %d calls", d.calls)
	}
}

func TestQueueFlushTaskDrainsWhenQueueNonEmpty(t *testing.T) {
	sess := &fakeSession{connected: true}
	q := newTestQueue(t)
	q.Append(context.Background(), "f1", "t", []byte("p"), 1, time.Now())
	d := &fakeDrainer{}
	s := New(sess, q, d, nil, logging.New(slog.Default()), nil, "device-1")

	s.runQueueFlushTask(context.Background())
	if d.calls != 1 {
		t.Fatalf("expected 1 drain call, got %d", d.calls)
	}
}

type stubClock struct{}

func (stubClock) Now() time.Time     { return time.Now() }
func (stubClock) Sleep(time.Duration) {}
