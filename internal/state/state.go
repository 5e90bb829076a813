// Package state persists the supervisor's boot-recovery state: the
// "enabled" flag the process-start boot hook reads to decide whether to
// resurrect the pipeline, and the last-known MQTT endpoint.
package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aura-tracking/agent/internal/policy"
)

const (
	keyEnabled      = "tracking_enabled"
	keyEndpointHost = "mqtt_host"
	keyEndpointPort = "mqtt_port"
	keyDeviceTag    = "device_tag"
)

// Store wraps the agent_state key/value table.
type Store struct {
	db *sql.DB
}

// New wraps db, creating the agent_state table if it does not exist.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS agent_state (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return nil, fmt.Errorf("state: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM agent_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("state: get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("state: set %s: %w", key, err)
	}
	return nil
}

// Enabled reads the persisted tracking_enabled flag. The second return
// value reports whether the flag has ever been persisted at all — a
// fresh install has no row, distinct from one explicitly set to false —
// so callers can seed a first-run default instead of assuming false.
func (s *Store) Enabled(ctx context.Context) (enabled, wasSet bool, err error) {
	v, ok, err := s.get(ctx, keyEnabled)
	if err != nil || !ok {
		return false, ok, err
	}
	return v == "true", true, nil
}

// SetEnabled persists the tracking_enabled flag.
func (s *Store) SetEnabled(ctx context.Context, enabled bool) error {
	v := "false"
	if enabled {
		v = "true"
	}
	return s.set(ctx, keyEnabled, v)
}

// LastEndpoint reads the last-known broker endpoint, if any was persisted.
func (s *Store) LastEndpoint(ctx context.Context) (policy.Endpoint, bool, error) {
	host, ok, err := s.get(ctx, keyEndpointHost)
	if err != nil || !ok {
		return policy.Endpoint{}, false, err
	}
	portStr, ok, err := s.get(ctx, keyEndpointPort)
	if err != nil || !ok {
		return policy.Endpoint{}, false, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return policy.Endpoint{}, false, fmt.Errorf("state: parse endpoint port: %w", err)
	}
	return policy.Endpoint{Host: host, Port: port}, true, nil
}

// SetLastEndpoint persists the broker endpoint the pipeline last connected to.
func (s *Store) SetLastEndpoint(ctx context.Context, ep policy.Endpoint) error {
	if err := s.set(ctx, keyEndpointHost, ep.Host); err != nil {
		return err
	}
	return s.set(ctx, keyEndpointPort, fmt.Sprintf("%d", ep.Port))
}

// DeviceTag reads the persisted device identifier.
func (s *Store) DeviceTag(ctx context.Context) (string, bool, error) {
	return s.get(ctx, keyDeviceTag)
}

// SetDeviceTag persists the device identifier.
func (s *Store) SetDeviceTag(ctx context.Context, tag string) error {
	return s.set(ctx, keyDeviceTag, tag)
}
