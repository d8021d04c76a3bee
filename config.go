// ============================================================================
// Tasklets Configuration
// ============================================================================
//
// File: config.go
// Purpose: the runtime configuration record and its YAML loader. Tasklets
// is an embedded library with no CLI of its own, so LoadConfig is a plain
// entry point the embedding layer calls before constructing a Runtime.
//
// ============================================================================

package tasklets

import (
	"bytes"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tasklets-go/tasklets/pkg/types"
)

// Workload seeds IdleTimeoutMs when the embedder hasn't set one explicitly.
type Workload string

const (
	WorkloadCPU   Workload = "cpu"
	WorkloadIO    Workload = "io"
	WorkloadMixed Workload = "mixed"
)

// idleTimeoutForWorkload is the seeding table from the external interface.
var idleTimeoutForWorkload = map[Workload]int64{
	WorkloadCPU:   10000,
	WorkloadIO:    2000,
	WorkloadMixed: 5000,
}

// LogLevel names the structured-logging verbosity.
type LogLevel string

const (
	LogOff   LogLevel = "off"
	LogError LogLevel = "error"
	LogWarn  LogLevel = "warn"
	LogInfo  LogLevel = "info"
	LogDebug LogLevel = "debug"
	LogTrace LogLevel = "trace"
)

// slogLevel maps the configured verbosity onto slog's level scale. "off"
// sits above Error so nothing passes; "trace" sits below Debug since slog
// has no native trace level.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogOff:
		return slog.LevelError + 4
	case LogError:
		return slog.LevelError
	case LogWarn:
		return slog.LevelWarn
	case LogDebug:
		return slog.LevelDebug
	case LogTrace:
		return slog.LevelDebug - 4
	default:
		return slog.LevelInfo
	}
}

// WorkerCount is `workers`: a positive integer, or "auto" to resolve to the
// host CPU count at Runtime construction time. It implements yaml.Unmarshaler
// so a config file can write either `workers: 8` or `workers: auto`.
type WorkerCount struct {
	N    int
	Auto bool
}

// UnmarshalYAML accepts either an integer or the literal string "auto".
func (w *WorkerCount) UnmarshalYAML(value *yaml.Node) error {
	var asInt int
	if err := value.Decode(&asInt); err == nil {
		if asInt <= 0 {
			return types.NewError(types.KindInvalidArgument, "workers must be a positive integer or \"auto\", got %d", asInt)
		}
		*w = WorkerCount{N: asInt}
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return types.NewError(types.KindInvalidArgument, "workers must be a positive integer or \"auto\"")
	}
	if asString != "auto" {
		return types.NewError(types.KindInvalidArgument, "workers string value must be \"auto\", got %q", asString)
	}
	*w = WorkerCount{Auto: true}
	return nil
}

// MarshalYAML renders WorkerCount back to its int-or-"auto" form.
func (w WorkerCount) MarshalYAML() (any, error) {
	if w.Auto {
		return "auto", nil
	}
	return w.N, nil
}

// Resolve returns the concrete worker count for hostCPUCount.
func (w WorkerCount) Resolve(hostCPUCount int) int {
	if w.Auto {
		if hostCPUCount < 1 {
			return 1
		}
		return hostCPUCount
	}
	if w.N < 1 {
		return 1
	}
	return w.N
}

// Config is the full set of options a Runtime recognizes. An explicit
// struct rather than a free-form map: unknown YAML keys fail decoding
// instead of being silently ignored.
type Config struct {
	Workers          WorkerCount `yaml:"workers"`
	MinWorkers       int         `yaml:"min_workers"`
	IdleTimeoutMs    int64       `yaml:"idle_timeout_ms"`
	Workload         Workload    `yaml:"workload"`
	Adaptive         bool        `yaml:"adaptive"`
	TimeoutMs        int64       `yaml:"timeout_ms"`
	MaxMemoryPercent int         `yaml:"max_memory_percent"`
	Logging          LogLevel    `yaml:"logging"`

	// Strategy can also be changed at runtime via SetStrategy; a starting
	// value here is a config-file convenience. Defaults to Moderate.
	Strategy types.Strategy `yaml:"strategy,omitempty"`
}

// DefaultConfig returns the configuration a bare Runtime starts with:
// auto-sized workers, adaptive control on, a 90% memory ceiling, info
// logging, moderate strategy.
func DefaultConfig() Config {
	cfg := Config{
		Workers:          WorkerCount{Auto: true},
		MinWorkers:       1,
		Workload:         WorkloadMixed,
		Adaptive:         true,
		TimeoutMs:        0,
		MaxMemoryPercent: 90,
		Logging:          LogInfo,
		Strategy:         types.StrategyModerate,
	}
	cfg.applyWorkloadDefaults()
	return cfg
}

// applyWorkloadDefaults seeds IdleTimeoutMs from Workload when the caller
// left it unset (zero), without clobbering an explicit override.
func (c *Config) applyWorkloadDefaults() {
	if c.IdleTimeoutMs != 0 {
		return
	}
	if seed, ok := idleTimeoutForWorkload[c.Workload]; ok {
		c.IdleTimeoutMs = seed
	}
}

// Validate checks every field's range and enum constraints, failing with
// InvalidArgument on the first violation.
func (c Config) Validate() error {
	if !c.Workers.Auto && c.Workers.N < 1 {
		return types.NewError(types.KindInvalidArgument, "workers must be a positive integer or \"auto\"")
	}
	if c.MinWorkers < 0 {
		return types.NewError(types.KindInvalidArgument, "min_workers must be >= 0")
	}
	if c.IdleTimeoutMs < 0 {
		return types.NewError(types.KindInvalidArgument, "idle_timeout_ms must be >= 0")
	}
	if c.Workload != "" && c.Workload != WorkloadCPU && c.Workload != WorkloadIO && c.Workload != WorkloadMixed {
		return types.NewError(types.KindInvalidArgument, "workload must be one of cpu, io, mixed")
	}
	if c.TimeoutMs < 0 {
		return types.NewError(types.KindInvalidArgument, "timeout_ms must be >= 0")
	}
	if c.MaxMemoryPercent < 1 || c.MaxMemoryPercent > 99 {
		return types.NewError(types.KindInvalidArgument, "max_memory_percent must be in [1,99]")
	}
	switch c.Logging {
	case "", LogOff, LogError, LogWarn, LogInfo, LogDebug, LogTrace:
	default:
		return types.NewError(types.KindInvalidArgument, "logging must be one of off, error, warn, info, debug, trace")
	}
	switch c.Strategy {
	case "", types.StrategyConservative, types.StrategyModerate, types.StrategyAggressive:
	default:
		return types.NewError(types.KindInvalidArgument, "strategy must be one of conservative, moderate, aggressive")
	}
	return nil
}

// LoadConfig reads and validates a YAML config file, a library entry point
// the embedding binding layer may call before constructing a Runtime. The
// embedder decides how the file path reaches here.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	// Cleared so that applyWorkloadDefaults below seeds it from the file's
	// workload, unless the file sets idle_timeout_ms itself.
	cfg.IdleTimeoutMs = 0

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, types.NewError(types.KindInvalidArgument, "reading config %s: %v", path, err)
	}

	// Decoding straight into cfg (already populated with defaults) means a
	// YAML file only needs to specify the fields it wants to override;
	// KnownFields rejects typos instead of silently ignoring them.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, types.NewError(types.KindInvalidArgument, "parsing config %s: %v", path, err)
	}
	cfg.applyWorkloadDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
