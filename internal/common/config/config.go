// Package config provides configuration management for Parley.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Parley.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Bus          BusConfig          `mapstructure:"bus"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Heartbeat    HeartbeatConfig    `mapstructure:"heartbeat"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Estimator    EstimatorConfig    `mapstructure:"estimator"`
	Router       RouterConfig       `mapstructure:"router"`
	Hub          HubConfig          `mapstructure:"hub"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// BusConfig holds message bus configuration.
// Driver "redis" talks to a Redis server at URL; driver "memory" is the
// in-process bus used for development and tests.
type BusConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AgentConfig holds the common agent runtime configuration.
type AgentConfig struct {
	Name            string `mapstructure:"name"`
	APIKey          string `mapstructure:"apiKey"`
	Workers         int    `mapstructure:"workers"`         // dispatch pool size
	QueueSize       int    `mapstructure:"queueSize"`       // per-worker inbox capacity
	DedupeSize      int    `mapstructure:"dedupeSize"`      // LRU window for duplicate suppression
	HistorySize     int    `mapstructure:"historySize"`     // per-task history ring
	PublishRetries  int    `mapstructure:"publishRetries"`  // retry budget for bus publishes
	DrainTimeoutSec int    `mapstructure:"drainTimeoutSec"` // shutdown drain budget
}

// HeartbeatConfig holds liveness configuration shared by emitters and the monitor.
type HeartbeatConfig struct {
	IntervalSec    int      `mapstructure:"intervalSec"`
	TTLSec         int      `mapstructure:"ttlSec"`
	RequiredAgents []string `mapstructure:"requiredAgents"`
}

// OrchestratorConfig holds the debate state machine configuration.
type OrchestratorConfig struct {
	Name               string  `mapstructure:"name"`     // orchestrator agent name
	Proposer           string  `mapstructure:"proposer"` // default worker roles
	Critic             string  `mapstructure:"critic"`
	Refiner            string  `mapstructure:"refiner"`
	MaxRounds          int     `mapstructure:"maxRounds"`
	TaskTimeoutSec     int     `mapstructure:"taskTimeoutSec"`
	PlateauDelta       float64 `mapstructure:"plateauDelta"`
	PlateauWindow      int     `mapstructure:"plateauWindow"`
	ConsensusThreshold float64 `mapstructure:"consensusThreshold"`
}

// EstimatorConfig holds reasoning effort estimator settings. The keyword
// categories themselves ship as embedded defaults in internal/effort and
// may be overridden by a YAML file.
type EstimatorConfig struct {
	ConfigPath    string `mapstructure:"configPath"` // optional category/threshold override file
	AutotuneAfter int    `mapstructure:"autotuneAfter"`
	HistoryLimit  int    `mapstructure:"historyLimit"`
}

// RouterConfig holds clustering and exploration settings.
type RouterConfig struct {
	EpsilonMin         float64 `mapstructure:"epsilonMin"`
	EpsilonMax         float64 `mapstructure:"epsilonMax"`
	EpsilonTau         float64 `mapstructure:"epsilonTau"`
	MinSamples         int     `mapstructure:"minSamples"`
	WeightSuccess      float64 `mapstructure:"weightSuccess"`
	WeightDuration     float64 `mapstructure:"weightDuration"`
	Method             string  `mapstructure:"method"` // kmeans or density
	ClusterK           int     `mapstructure:"clusterK"`
	DensityEps         float64 `mapstructure:"densityEps"`
	DensityMinPts      int     `mapstructure:"densityMinPts"`
	Seed               int64   `mapstructure:"seed"`
	DecisionLogSize    int     `mapstructure:"decisionLogSize"`
	RebuildIntervalSec int     `mapstructure:"rebuildIntervalSec"`
	RetrainThreshold   int     `mapstructure:"retrainThreshold"`
}

// HubConfig holds intelligence hub settings.
type HubConfig struct {
	DBPath       string   `mapstructure:"dbPath"`
	WorkerAgents []string `mapstructure:"workerAgents"` // routing candidates
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	SendQueueSize   int `mapstructure:"sendQueueSize"`
	PingIntervalSec int `mapstructure:"pingIntervalSec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Interval returns the heartbeat interval as a time.Duration.
func (h *HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSec) * time.Second
}

// TTL returns the heartbeat TTL as a time.Duration. When unset it defaults
// to three times the interval, matching the liveness contract.
func (h *HeartbeatConfig) TTL() time.Duration {
	if h.TTLSec <= 0 {
		return 3 * h.Interval()
	}
	return time.Duration(h.TTLSec) * time.Second
}

// TaskTimeout returns the per-task deadline as a time.Duration.
func (o *OrchestratorConfig) TaskTimeout() time.Duration {
	return time.Duration(o.TaskTimeoutSec) * time.Second
}

// DrainTimeout returns the shutdown drain budget as a time.Duration.
func (a *AgentConfig) DrainTimeout() time.Duration {
	return time.Duration(a.DrainTimeoutSec) * time.Second
}

// RebuildInterval returns the cluster rebuild cadence as a time.Duration.
func (r *RouterConfig) RebuildInterval() time.Duration {
	return time.Duration(r.RebuildIntervalSec) * time.Second
}

// PingInterval returns the WebSocket ping cadence as a time.Duration.
func (g *GatewayConfig) PingInterval() time.Duration {
	return time.Duration(g.PingIntervalSec) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PARLEY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Bus defaults - memory driver keeps development self-contained
	v.SetDefault("bus.driver", "redis")
	v.SetDefault("bus.url", "redis://localhost:6379")
	v.SetDefault("bus.password", "")
	v.SetDefault("bus.db", 0)

	// Agent runtime defaults
	v.SetDefault("agent.name", "")
	v.SetDefault("agent.apiKey", "")
	v.SetDefault("agent.workers", 4)
	v.SetDefault("agent.queueSize", 64)
	v.SetDefault("agent.dedupeSize", 1024)
	v.SetDefault("agent.historySize", 32)
	v.SetDefault("agent.publishRetries", 3)
	v.SetDefault("agent.drainTimeoutSec", 10)

	// Heartbeat defaults: TTL is 3x interval
	v.SetDefault("heartbeat.intervalSec", 5)
	v.SetDefault("heartbeat.ttlSec", 15)
	v.SetDefault("heartbeat.requiredAgents", []string{})

	// Orchestrator defaults. The stock fleet is grok (proposer),
	// claude (critic) and gpt (refiner); deployments override per role.
	v.SetDefault("orchestrator.name", "orchestrator")
	v.SetDefault("orchestrator.proposer", "grok")
	v.SetDefault("orchestrator.critic", "claude")
	v.SetDefault("orchestrator.refiner", "gpt")
	v.SetDefault("orchestrator.maxRounds", 3)
	v.SetDefault("orchestrator.taskTimeoutSec", 120)
	v.SetDefault("orchestrator.plateauDelta", 0.05)
	v.SetDefault("orchestrator.plateauWindow", 3)
	v.SetDefault("orchestrator.consensusThreshold", 0.25)

	// Estimator defaults
	v.SetDefault("estimator.configPath", "")
	v.SetDefault("estimator.autotuneAfter", 100)
	v.SetDefault("estimator.historyLimit", 1000)

	// Router defaults
	v.SetDefault("router.epsilonMin", 0.05)
	v.SetDefault("router.epsilonMax", 0.3)
	v.SetDefault("router.epsilonTau", 200)
	v.SetDefault("router.minSamples", 5)
	v.SetDefault("router.weightSuccess", 0.6)
	v.SetDefault("router.weightDuration", 0.4)
	v.SetDefault("router.method", "kmeans")
	v.SetDefault("router.clusterK", 5)
	v.SetDefault("router.densityEps", 0.5)
	v.SetDefault("router.densityMinPts", 5)
	v.SetDefault("router.seed", 42)
	v.SetDefault("router.decisionLogSize", 1000)
	v.SetDefault("router.rebuildIntervalSec", 600)
	v.SetDefault("router.retrainThreshold", 20)

	// Hub defaults
	v.SetDefault("hub.dbPath", "./parley.db")
	v.SetDefault("hub.workerAgents", []string{"grok", "claude", "gpt"})

	// Gateway defaults
	v.SetDefault("gateway.sendQueueSize", 256)
	v.SetDefault("gateway.pingIntervalSec", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PARLEY_ with snake_case naming; the
// bare wire-contract variables (BUS_URL, HEARTBEAT_INTERVAL_SEC, MAX_ROUNDS,
// TASK_TIMEOUT_SEC, PLATEAU_DELTA, CONSENSUS_THRESHOLD, ...) are bound
// explicitly and take precedence over the config file.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare environment names are part of the deployment contract; bind them
	// alongside the prefixed forms. AutomaticEnv does not handle camelCase
	// keys, so every camelCase key that has an env var is bound here.
	_ = v.BindEnv("bus.url", "BUS_URL", "PARLEY_BUS_URL")
	_ = v.BindEnv("bus.password", "BUS_PASSWORD", "PARLEY_BUS_PASSWORD")
	_ = v.BindEnv("bus.driver", "BUS_DRIVER", "PARLEY_BUS_DRIVER")
	_ = v.BindEnv("agent.name", "AGENT_NAME", "PARLEY_AGENT_NAME")
	_ = v.BindEnv("agent.apiKey", "AGENT_API_KEY", "PARLEY_AGENT_API_KEY")
	_ = v.BindEnv("heartbeat.intervalSec", "HEARTBEAT_INTERVAL_SEC", "PARLEY_HEARTBEAT_INTERVAL_SEC")
	_ = v.BindEnv("heartbeat.ttlSec", "HEARTBEAT_TTL_SEC", "PARLEY_HEARTBEAT_TTL_SEC")
	_ = v.BindEnv("orchestrator.maxRounds", "MAX_ROUNDS", "PARLEY_MAX_ROUNDS")
	_ = v.BindEnv("orchestrator.taskTimeoutSec", "TASK_TIMEOUT_SEC", "PARLEY_TASK_TIMEOUT_SEC")
	_ = v.BindEnv("orchestrator.plateauDelta", "PLATEAU_DELTA", "PARLEY_PLATEAU_DELTA")
	_ = v.BindEnv("orchestrator.consensusThreshold", "CONSENSUS_THRESHOLD", "PARLEY_CONSENSUS_THRESHOLD")
	_ = v.BindEnv("hub.dbPath", "PARLEY_DB_PATH")
	_ = v.BindEnv("gateway.sendQueueSize", "PARLEY_GATEWAY_SEND_QUEUE_SIZE")
	_ = v.BindEnv("gateway.pingIntervalSec", "PARLEY_GATEWAY_PING_INTERVAL_SEC")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.parley")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are consistent.
// All problems are collected so operators see the full list at once.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Bus.Driver {
	case "redis":
		if cfg.Bus.URL == "" {
			errs = append(errs, "bus.url is required for the redis driver")
		}
	case "memory":
	default:
		errs = append(errs, "bus.driver must be one of: redis, memory")
	}

	if cfg.Heartbeat.IntervalSec <= 0 {
		errs = append(errs, "heartbeat.intervalSec must be positive")
	}
	if cfg.Heartbeat.TTLSec > 0 && cfg.Heartbeat.TTLSec < cfg.Heartbeat.IntervalSec {
		errs = append(errs, "heartbeat.ttlSec must be at least heartbeat.intervalSec")
	}

	if cfg.Orchestrator.MaxRounds <= 0 {
		errs = append(errs, "orchestrator.maxRounds must be positive")
	}
	if cfg.Orchestrator.TaskTimeoutSec <= 0 {
		errs = append(errs, "orchestrator.taskTimeoutSec must be positive")
	}
	if cfg.Orchestrator.PlateauDelta < 0 || cfg.Orchestrator.PlateauDelta > 1 {
		errs = append(errs, "orchestrator.plateauDelta must be in [0, 1]")
	}
	if cfg.Orchestrator.PlateauWindow < 2 {
		errs = append(errs, "orchestrator.plateauWindow must be at least 2")
	}
	if cfg.Orchestrator.ConsensusThreshold < 0 || cfg.Orchestrator.ConsensusThreshold > 1 {
		errs = append(errs, "orchestrator.consensusThreshold must be in [0, 1]")
	}

	if cfg.Router.EpsilonMin < 0 || cfg.Router.EpsilonMax > 1 || cfg.Router.EpsilonMin > cfg.Router.EpsilonMax {
		errs = append(errs, "router epsilon bounds must satisfy 0 <= epsilonMin <= epsilonMax <= 1")
	}
	if cfg.Router.EpsilonTau <= 0 {
		errs = append(errs, "router.epsilonTau must be positive")
	}
	if cfg.Router.Method != "kmeans" && cfg.Router.Method != "density" {
		errs = append(errs, "router.method must be one of: kmeans, density")
	}

	if cfg.Agent.Workers <= 0 {
		errs = append(errs, "agent.workers must be positive")
	}
	if cfg.Gateway.SendQueueSize <= 0 {
		errs = append(errs, "gateway.sendQueueSize must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
