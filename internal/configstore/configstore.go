// Package configstore layers the agent's runtime configuration the way
// the teacher's configx package layers crawl configuration: a
// lowest-priority defaults layer, a file layer loaded from YAML, and a
// highest-priority live layer fed by an fsnotify watch on the file.
// Unlike configx this layer set is fixed (no versioned audit log, no
// rollout cohorts) — the agent only needs "what's true right now".
package configstore

import (
	"context"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/aura-tracking/agent/internal/policy"
	"github.com/aura-tracking/agent/internal/telemetry/logging"
)

// Values is the full set of externally tunable settings.
type Values struct {
	MQTTHost        string `yaml:"mqtt_host"`
	MQTTPort        int    `yaml:"mqtt_port"`
	DeviceTag       string `yaml:"device_tag"`
	TrackingEnabled bool   `yaml:"tracking_enabled"`
}

// Defaults returns the lowest-priority layer.
func Defaults() Values {
	return Values{MQTTHost: "localhost", MQTTPort: 1883, DeviceTag: "unregistered", TrackingEnabled: false}
}

func (v Values) Endpoint() policy.Endpoint {
	return policy.Endpoint{Host: v.MQTTHost, Port: v.MQTTPort}
}

// Store merges defaults, an on-disk YAML file, and fsnotify-driven
// reloads of that same file into one current Values, and lets callers
// observe endpoint changes.
type Store struct {
	path string
	log  logging.Logger

	mu      sync.RWMutex
	current Values

	watcher     *fsnotify.Watcher
	subscribers []chan policy.Endpoint
}

// Open loads path (if it exists) over the defaults layer and starts
// watching it for changes. A missing file is not an error; the
// defaults layer stands alone until the file appears.
func Open(path string, log logging.Logger) (*Store, error) {
	s := &Store{path: path, log: log.With(logging.DomainService), current: Defaults()}
	s.loadFile()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if dir := parentDir(path); dir != "" {
			_ = watcher.Add(dir)
		}
		s.watcher = watcher
	}
	return s, nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func (s *Store) loadFile() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	layer := Defaults()
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return
	}
	s.mu.Lock()
	s.current = layer
	s.mu.Unlock()
}

// Current returns the merged configuration as of the last reload.
func (s *Store) Current() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Endpoint returns the currently configured MQTT endpoint.
func (s *Store) Endpoint() policy.Endpoint {
	return s.Current().Endpoint()
}

// SubscribeEndpoint returns a channel that receives the endpoint
// whenever the file layer reload changes it. The first emission is the
// bootstrap state — callers must filter it rather than treat it as a
// transition, per spec 4.H.
func (s *Store) SubscribeEndpoint() <-chan policy.Endpoint {
	ch := make(chan policy.Endpoint, 1)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	ch <- s.Endpoint()
	return ch
}

// Watch runs the fsnotify event loop until ctx is cancelled, reloading
// the file and notifying endpoint subscribers on every write/create.
func (s *Store) Watch(ctx context.Context) {
	if s.watcher == nil {
		return
	}
	defer s.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			prev := s.Endpoint()
			s.loadFile()
			next := s.Endpoint()
			if next != prev {
				s.notifyEndpoint(next)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn(ctx, "config watch error", "error", err)
		}
	}
}

func (s *Store) notifyEndpoint(ep policy.Endpoint) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ep:
		default:
		}
	}
}
