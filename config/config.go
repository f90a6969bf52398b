// Package config holds Data Machine runtime configuration, loaded from
// ~/.datamachine/config.toml with DATAMACHINE_* environment overrides.
package config

// Config represents the full Data Machine configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Server   ServerConfig   `mapstructure:"server"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig configures the task runner and batch manager
type EngineConfig struct {
	// Workers is the number of concurrent task workers (default: 1)
	Workers int `mapstructure:"workers"`

	// PollIntervalSeconds controls how often the runner checks for due tasks (default: 1)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`

	// DefaultChunkSize is the batch chunk size used when a request does not
	// specify one (default: 10)
	DefaultChunkSize int `mapstructure:"default_chunk_size"`

	// SchedulePerSecond paces batch chunk scheduling to avoid dispatcher
	// overload (default: 20)
	SchedulePerSecond int `mapstructure:"schedule_per_second"`

	// GateTTLHours is the webhook gate credential lifetime before the
	// waiting job is auto-failed (default: 72)
	GateTTLHours int `mapstructure:"gate_ttl_hours"`
}

// ServerConfig configures the HTTP trigger server
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// RecoveryConfig configures the stuck-job sweep
type RecoveryConfig struct {
	// TimeoutHours marks a processing job as stuck after this long (default: 6)
	TimeoutHours int `mapstructure:"timeout_hours"`

	// SweepIntervalMinutes is how often the daemon runs the sweep (default: 30)
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
}

// DefaultServerPort is the development port for the trigger server
const DefaultServerPort = 8710
