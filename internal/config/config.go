package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "CAMPUSSIM"

	keyListenAddr      = "listen_addr"
	keyDBPath          = "db_path"
	keyLogLevel        = "log_level"
	keySimulatorBinary = "simulator_binary"
	keyPoolSize        = "pool_size"
	keyRunTimeout      = "run_timeout"
	keyShutdownTimeout = "shutdown_timeout"
	keyQueueWorkers    = "queue_workers"
	keyQueueBuffer     = "queue_buffer"
	keyQueueMaxRetries = "queue_max_retries"
	keyQueueBackoff    = "queue_retry_backoff"
	keyQueueRate       = "queue_rate_per_second"

	defaultListenAddr = ":8080"
	defaultDBPath     = "campussim.db"
	defaultBinary     = "drive_simulator"
	defaultRunTimeout = 6 * time.Hour
)

// Config holds application configuration.
type Config struct {
	ListenAddr      string
	DBPath          string
	LogLevel        slog.Level
	SimulatorBinary string
	// PoolSize is the number of concurrent simulator processes; 0 selects
	// the number of CPUs minus one.
	PoolSize int
	// RunTimeout bounds a single simulator invocation; 0 disables it.
	RunTimeout      time.Duration
	ShutdownTimeout time.Duration
	Queue           QueueConfig
}

// QueueConfig configures the simulations lane of the task queue.
type QueueConfig struct {
	Workers       int
	Buffer        int
	MaxRetries    int
	RetryBackoff  time.Duration
	RatePerSecond float64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyListenAddr, defaultListenAddr)
	v.SetDefault(keyDBPath, defaultDBPath)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keySimulatorBinary, defaultBinary)
	v.SetDefault(keyPoolSize, 0)
	v.SetDefault(keyRunTimeout, defaultRunTimeout.String())
	v.SetDefault(keyShutdownTimeout, "10s")
	v.SetDefault(keyQueueWorkers, 1)
	v.SetDefault(keyQueueBuffer, 64)
	v.SetDefault(keyQueueMaxRetries, 3)
	v.SetDefault(keyQueueBackoff, "5s")
	v.SetDefault(keyQueueRate, 0.0)
}

// Load reads configuration from defaults, the optional YAML file at path and
// CAMPUSSIM_* environment variables, in increasing order of precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var errs []error
	duration := func(key string) time.Duration {
		d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	cfg := Config{
		ListenAddr:      v.GetString(keyListenAddr),
		DBPath:          v.GetString(keyDBPath),
		LogLevel:        parseLogLevel(v.GetString(keyLogLevel)),
		SimulatorBinary: v.GetString(keySimulatorBinary),
		PoolSize:        v.GetInt(keyPoolSize),
		RunTimeout:      duration(keyRunTimeout),
		ShutdownTimeout: duration(keyShutdownTimeout),
		Queue: QueueConfig{
			Workers:       v.GetInt(keyQueueWorkers),
			Buffer:        v.GetInt(keyQueueBuffer),
			MaxRetries:    v.GetInt(keyQueueMaxRetries),
			RetryBackoff:  duration(keyQueueBackoff),
			RatePerSecond: v.GetFloat64(keyQueueRate),
		},
	}

	if cfg.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", keyPoolSize))
	}
	if cfg.RunTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", keyRunTimeout))
	}
	if cfg.Queue.Workers < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1", keyQueueWorkers))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
