package configstore

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-tracking/agent/internal/policy"
	"github.com/aura-tracking/agent/internal/telemetry/logging"
)

func TestOpenMissingFileFallsBackToDefaults(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "does-not-exist.yaml"), logging.New(slog.Default()))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s.Current())
}

func TestOpenLoadsFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "mqtt_host: broker.example\nmqtt_port: 8883\ndevice_tag: rig-1\ntracking_enabled: true\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := Open(path, logging.New(slog.Default()))
	require.NoError(t, err)

	got := s.Current()
	assert.Equal(t, "broker.example", got.MQTTHost)
	assert.Equal(t, 8883, got.MQTTPort)
	assert.Equal(t, "rig-1", got.DeviceTag)
	assert.True(t, got.TrackingEnabled)
}

func TestEndpointDerivesFromHostAndPort(t *testing.T) {
	v := Values{MQTTHost: "h", MQTTPort: 123}
	assert.Equal(t, policy.Endpoint{Host: "h", Port: 123}, v.Endpoint())
}

func TestSubscribeEndpointEmitsBootstrapValue(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "missing.yaml"), logging.New(slog.Default()))
	require.NoError(t, err)

	ch := s.SubscribeEndpoint()
	assert.Equal(t, Defaults().Endpoint(), <-ch)
}
