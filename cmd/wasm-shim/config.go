package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"wasmshim/internal/common/mq"
	"wasmshim/internal/shim/httpapi"
	"wasmshim/internal/shim/journal"
	"wasmshim/internal/shim/spec"
	"wasmshim/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultGRPCAddr        = "0.0.0.0:9090"
	defaultHTTPAddr        = "0.0.0.0:8086"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultEventsTopic     = "wasmshim.task.events"
	defaultBridgeWorkers   = 4
	defaultFailureExitCode = 137
)

// GRPCConfig holds the task service listener settings.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// KafkaConfig holds the event channel settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
}

// SandboxConfig holds the isolation defaults applied to every task.
type SandboxConfig struct {
	CgroupRoot       string `yaml:"cgroupRoot"`
	SeccompProfile   string `yaml:"seccompProfile"`
	EnableSeccomp    bool   `yaml:"enableSeccomp"`
	EnableCgroup     bool   `yaml:"enableCgroup"`
	EnableNamespaces bool   `yaml:"enableNamespaces"`
	DisableNetwork   bool   `yaml:"disableNetwork"`

	Limits LimitsConfig `yaml:"limits"`
}

// LimitsConfig holds the default hard limits.
type LimitsConfig struct {
	CPUTimeMs  int64 `yaml:"cpuTimeMs"`
	WallTimeMs int64 `yaml:"wallTimeMs"`
	MemoryMB   int64 `yaml:"memoryMB"`
	StackMB    int64 `yaml:"stackMB"`
	OutputMB   int64 `yaml:"outputMB"`
	PIDs       int64 `yaml:"pids"`
}

// EngineConfig selects and configures the execution engine.
type EngineConfig struct {
	HelperPath     string `yaml:"helperPath"`
	RuntimeCommand string `yaml:"runtimeCommand"`
	// RemoteAddr switches to distributed execution against a wasm-executor.
	RemoteAddr string `yaml:"remoteAddr"`
}

// BridgeConfig holds the worker pool settings.
type BridgeConfig struct {
	Workers int `yaml:"workers"`
}

// AppConfig holds wasm-shim config.
type AppConfig struct {
	GRPC    GRPCConfig           `yaml:"grpc"`
	Server  httpapi.ServerConfig `yaml:"server"`
	Logger  logger.Config        `yaml:"logger"`
	Kafka   KafkaConfig          `yaml:"kafka"`
	Journal journal.Config       `yaml:"journal"`
	Sandbox SandboxConfig        `yaml:"sandbox"`
	Engine  EngineConfig         `yaml:"engine"`
	Bridge  BridgeConfig         `yaml:"bridge"`

	EngineFailureExitCode int `yaml:"engineFailureExitCode"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Engine.RuntimeCommand == "" && cfg.Engine.RemoteAddr == "" {
		return nil, fmt.Errorf("engine runtime command or remote addr is required")
	}
	if cfg.GRPC.Addr == "" {
		cfg.GRPC.Addr = defaultGRPCAddr
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaultEventsTopic
	}
	if cfg.Bridge.Workers <= 0 {
		cfg.Bridge.Workers = defaultBridgeWorkers
	}
	if cfg.EngineFailureExitCode == 0 {
		cfg.EngineFailureExitCode = defaultFailureExitCode
	}
	applyJournalDefaults(&cfg.Journal)
	return &cfg, nil
}

func applyJournalDefaults(cfg *journal.Config) {
	defaults := journal.DefaultConfig()
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.RecordTTL == 0 {
		cfg.RecordTTL = defaults.RecordTTL
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Compression:  parseCompression(k.Compression),
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (s SandboxConfig) toSpec() spec.SandboxConfig {
	return spec.SandboxConfig{
		CgroupPath:       s.CgroupRoot,
		SeccompProfile:   s.SeccompProfile,
		EnableSeccomp:    s.EnableSeccomp,
		EnableCgroup:     s.EnableCgroup,
		EnableNamespaces: s.EnableNamespaces,
		DisableNetwork:   s.DisableNetwork,
		Limits: spec.ResourceLimit{
			CPUTimeMs:  s.Limits.CPUTimeMs,
			WallTimeMs: s.Limits.WallTimeMs,
			MemoryMB:   s.Limits.MemoryMB,
			StackMB:    s.Limits.StackMB,
			OutputMB:   s.Limits.OutputMB,
			PIDs:       s.Limits.PIDs,
		},
	}
}
