package vmi

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil, writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultSegmentPath, cfg.Segment.Path)
	assert.Equal(t, uint32(1), cfg.Segment.VCPUs)
	assert.Equal(t, uint32(64), cfg.Segment.RingCapacity)
	assert.Equal(t, DefaultResponseTimeout, cfg.Manager.ResponseTimeout)
	assert.Equal(t, "continue", cfg.Manager.TimeoutAction)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Client.HeartbeatInterval)
	assert.Equal(t, "vmi", cfg.Metrics.Namespace)
	assert.Empty(t, cfg.Metrics.Addr)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
segment:
  path: /dev/shm/test-vm
  vcpus: 4
  ring_capacity: 16
manager:
  response_timeout: 250ms
  timeout_action: fail-closed
  backpressure: block
policy:
  file: /etc/govmi/policy.yaml
  watch: true
logger:
  level: debug
  format: json
`)
	t.Setenv("VMI_SEGMENT_VCPUS", "8")

	cfg, err := LoadConfig(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/shm/test-vm", cfg.Segment.Path)
	assert.Equal(t, uint32(8), cfg.Segment.VCPUs)
	assert.Equal(t, uint32(16), cfg.Segment.RingCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Manager.ResponseTimeout)
	assert.True(t, cfg.Policy.Watch)

	mcfg, err := cfg.ManagerConfig(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, TimeoutSkip, mcfg.TimeoutAction)
	assert.Equal(t, BackpressureBlock, mcfg.Backpressure)
	assert.Equal(t, 250*time.Millisecond, mcfg.ResponseTimeout)

	opts := cfg.ClientOptions(nil)
	assert.Equal(t, DefaultQueryTimeout, opts.QueryTimeout)
}

func TestLoadConfigEnvOnly(t *testing.T) {
	t.Setenv("VMI_POLICY_FILE", "/tmp/policy.yaml")
	t.Setenv("VMI_POLICY_WATCH", "true")
	t.Setenv("VMI_METRICS_ADDR", ":9999")
	t.Setenv("VMI_MANAGER_LIVENESS_TIMEOUT", "300ms")

	cfg, err := LoadConfig(viper.New(), writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/policy.yaml", cfg.Policy.File)
	assert.True(t, cfg.Policy.Watch)
	assert.Equal(t, ":9999", cfg.Metrics.Addr)
	assert.Equal(t, 300*time.Millisecond, cfg.Manager.LivenessTimeout)
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"capacity", "segment: {ring_capacity: 12}\n"},
		{"vcpus", "segment: {vcpus: 0}\n"},
		{"timeout action", "manager: {timeout_action: retry}\n"},
		{"backpressure", "manager: {backpressure: spill}\n"},
		{"timeout", "manager: {response_timeout: 0s}\n"},
		{"watch without file", "policy: {watch: true}\n"},
		{"log level", "logger: {level: loud}\n"},
		{"log format", "logger: {format: xml}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(nil, writeConfig(t, tt.doc))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseEnums(t *testing.T) {
	a, err := ParseTimeoutAction(" Fail-Open ")
	require.NoError(t, err)
	assert.Equal(t, TimeoutContinue, a)
	a, err = ParseTimeoutAction("skip")
	require.NoError(t, err)
	assert.Equal(t, "skip", a.String())

	b, err := ParseBackpressure("")
	require.NoError(t, err)
	assert.Equal(t, BackpressureReject, b)

	_, err = ParseBackpressure("spill")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := NewLogger(LoggerConfig{Level: "warn", Format: format})
		require.NoError(t, err, format)
		assert.False(t, l.Core().Enabled(zap.InfoLevel))
		assert.True(t, l.Core().Enabled(zap.ErrorLevel))
	}
	_, err := NewLogger(LoggerConfig{Level: "verbose"})
	assert.Error(t, err)
}
