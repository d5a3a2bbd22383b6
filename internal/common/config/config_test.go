package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Bus.Driver)
	assert.Equal(t, "redis://localhost:6379", cfg.Bus.URL)
	assert.Equal(t, 5, cfg.Heartbeat.IntervalSec)
	assert.Equal(t, 15, cfg.Heartbeat.TTLSec)
	assert.Equal(t, 3, cfg.Orchestrator.MaxRounds)
	assert.Equal(t, 120, cfg.Orchestrator.TaskTimeoutSec)
	assert.InDelta(t, 0.05, cfg.Orchestrator.PlateauDelta, 1e-9)
	assert.InDelta(t, 0.25, cfg.Orchestrator.ConsensusThreshold, 1e-9)
	assert.Equal(t, "grok", cfg.Orchestrator.Proposer)
	assert.Equal(t, "claude", cfg.Orchestrator.Critic)
	assert.Equal(t, "gpt", cfg.Orchestrator.Refiner)
	assert.Equal(t, []string{"grok", "claude", "gpt"}, cfg.Hub.WorkerAgents)
	assert.Equal(t, "kmeans", cfg.Router.Method)
	assert.Equal(t, 5, cfg.Router.ClusterK)
	assert.Equal(t, 4, cfg.Agent.Workers)
	assert.Equal(t, 256, cfg.Gateway.SendQueueSize)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("BUS_URL", "redis://bus.internal:6400")
	t.Setenv("BUS_PASSWORD", "sekret")
	t.Setenv("AGENT_NAME", "proposer")
	t.Setenv("HEARTBEAT_INTERVAL_SEC", "2")
	t.Setenv("HEARTBEAT_TTL_SEC", "6")
	t.Setenv("MAX_ROUNDS", "7")
	t.Setenv("TASK_TIMEOUT_SEC", "45")
	t.Setenv("PLATEAU_DELTA", "0.1")
	t.Setenv("CONSENSUS_THRESHOLD", "0.5")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "redis://bus.internal:6400", cfg.Bus.URL)
	assert.Equal(t, "sekret", cfg.Bus.Password)
	assert.Equal(t, "proposer", cfg.Agent.Name)
	assert.Equal(t, 2, cfg.Heartbeat.IntervalSec)
	assert.Equal(t, 6, cfg.Heartbeat.TTLSec)
	assert.Equal(t, 7, cfg.Orchestrator.MaxRounds)
	assert.Equal(t, 45, cfg.Orchestrator.TaskTimeoutSec)
	assert.InDelta(t, 0.1, cfg.Orchestrator.PlateauDelta, 1e-9)
	assert.InDelta(t, 0.5, cfg.Orchestrator.ConsensusThreshold, 1e-9)
}

func TestPrefixedEnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_SERVER_PORT", "9191")
	t.Setenv("PARLEY_BUS_DRIVER", "memory")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Bus.Driver)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
server:
  port: 7070
bus:
  driver: memory
heartbeat:
  intervalSec: 3
  ttlSec: 9
  requiredAgents:
    - proposer
    - critic
orchestrator:
  maxRounds: 5
hub:
  workerAgents:
    - proposer
    - critic
    - refiner
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Equal(t, 3, cfg.Heartbeat.IntervalSec)
	assert.Equal(t, []string{"proposer", "critic"}, cfg.Heartbeat.RequiredAgents)
	assert.Equal(t, 5, cfg.Orchestrator.MaxRounds)
	assert.Equal(t, []string{"proposer", "critic", "refiner"}, cfg.Hub.WorkerAgents)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "unknown bus driver",
			mutate:  func(c *Config) { c.Bus.Driver = "kafka" },
			wantErr: "bus.driver",
		},
		{
			name: "redis driver without url",
			mutate: func(c *Config) {
				c.Bus.Driver = "redis"
				c.Bus.URL = ""
			},
			wantErr: "bus.url",
		},
		{
			name:    "ttl below interval",
			mutate:  func(c *Config) { c.Heartbeat.TTLSec = 2 },
			wantErr: "heartbeat.ttlSec",
		},
		{
			name:    "zero rounds",
			mutate:  func(c *Config) { c.Orchestrator.MaxRounds = 0 },
			wantErr: "orchestrator.maxRounds",
		},
		{
			name:    "consensus out of range",
			mutate:  func(c *Config) { c.Orchestrator.ConsensusThreshold = 1.5 },
			wantErr: "consensusThreshold",
		},
		{
			name: "epsilon bounds inverted",
			mutate: func(c *Config) {
				c.Router.EpsilonMin = 0.5
				c.Router.EpsilonMax = 0.1
			},
			wantErr: "epsilon",
		},
		{
			name:    "bad router method",
			mutate:  func(c *Config) { c.Router.Method = "spectral" },
			wantErr: "router.method",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWithPath(t.TempDir())
			require.NoError(t, err)

			tt.mutate(cfg)
			err = validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidationCollectsAllErrors(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	cfg.Server.Port = -1
	cfg.Orchestrator.MaxRounds = 0
	cfg.Router.Method = "nope"

	err = validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "orchestrator.maxRounds")
	assert.Contains(t, err.Error(), "router.method")
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval())
	assert.Equal(t, 15*time.Second, cfg.Heartbeat.TTL())
	assert.Equal(t, 120*time.Second, cfg.Orchestrator.TaskTimeout())
	assert.Equal(t, 10*time.Second, cfg.Agent.DrainTimeout())
	assert.Equal(t, 600*time.Second, cfg.Router.RebuildInterval())

	// TTL falls back to 3x interval when unset.
	hb := HeartbeatConfig{IntervalSec: 4}
	assert.Equal(t, 12*time.Second, hb.TTL())
}
