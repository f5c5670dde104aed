package main

import (
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the decoded shape of every recognized option in spec.md §6,
// populated by viper from flags, environment variables, and an optional
// YAML config file, in that order of precedence.
type Config struct {
	PluginDirectory string `mapstructure:"plugin_directory"`
	LogLevel        string `mapstructure:"log_level"`
	Listen          string `mapstructure:"listen"`
	GRPCListen      string `mapstructure:"grpc_listen"`
	StreamDBPath    string `mapstructure:"stream_db_path"`
	ReplayWindowMS  int    `mapstructure:"replay_window_ms"`
	HostMaxHeapMB   int    `mapstructure:"host_max_heap_mb"`

	Watcher struct {
		DebounceMS   int  `mapstructure:"debounce_ms"`
		MaxDepth     int  `mapstructure:"max_depth"`
		ManifestOnly bool `mapstructure:"manifest_only"`
	} `mapstructure:"watcher"`

	WorkerPool struct {
		MinWorkers            int `mapstructure:"min_workers"`
		MaxWorkers            int `mapstructure:"max_workers"`
		IdleTimeoutMS         int `mapstructure:"idle_timeout_ms"`
		HealthCheckIntervalMS int `mapstructure:"health_check_interval_ms"`
	} `mapstructure:"worker_pool"`

	Performance struct {
		DebounceMS         int `mapstructure:"debounce_ms"`
		MaxEventsPerSecond int `mapstructure:"max_events_per_second"`
		BatchSize          int `mapstructure:"batch_size"`
		EventBufferSize    int `mapstructure:"event_buffer_size"`
	} `mapstructure:"performance"`

	Load struct {
		TimeoutMS     int `mapstructure:"timeout_ms"`
		MaxConcurrent int `mapstructure:"max_concurrent"`
	} `mapstructure:"load"`

	Publisher struct {
		MaxRetries int `mapstructure:"max_retries"`
	} `mapstructure:"publisher"`

	Shutdown struct {
		TimeoutMS int `mapstructure:"timeout_ms"`
	} `mapstructure:"shutdown"`
}

// initConfig defines config flags, config file, and envs.
func initConfig() error {
	// Flag names use underscores rather than the conventional dash, so
	// they match the literal option names in spec.md §6 and decode
	// directly into Config's mapstructure tags without a separator
	// translation step.
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("plugin_directory", "", "Root directory to watch for plugin bundles (required).")
	flag.String("log_level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for /healthz and /metrics.")
	flag.String("grpc_listen", "", "The address at which to serve the gRPC health.Health service; empty disables it.")
	flag.String("stream_db_path", "autoweave-stream.db", "Path to the bbolt database backing the durable event stream.")
	flag.Int("replay_window_ms", 10000, "Window after boot during which startup-scan replay events still reach a newly Active plugin.")
	flag.Int("host_max_heap_mb", 0, "Ceiling a manifest's memory.max_heap_mb must not exceed; 0 disables the ceiling.")

	flag.Int("watcher.debounce_ms", 500, "Per-path settle window before a manifest change is emitted.")
	flag.Int("watcher.max_depth", 2, "Maximum plugin-directory recursion depth the watcher will follow.")
	flag.Bool("watcher.manifest_only", true, "Accepted but not read; the watcher only reacts to autoweave.plugin.json files whatever this is set to.")

	flag.Int("worker_pool.min_workers", 2, "Always-warm worker count; accepted but not enforced, workers are launched per plugin on demand.")
	flag.Int("worker_pool.max_workers", 10, "Hard cap on concurrently running workers.")
	flag.Int("worker_pool.idle_timeout_ms", 300000, "Idle duration before a worker beyond min-workers is reclaimed.")
	flag.Int("worker_pool.health_check_interval_ms", 60000, "Liveness poll cadence per worker.")

	flag.Int("performance.debounce_ms", 50, "USB event debounce window.")
	flag.Int("performance.max_events_per_second", 100, "Debouncer emission rate ceiling.")
	flag.Int("performance.batch_size", 10, "Publisher batch size.")
	flag.Int("performance.event_buffer_size", 1000, "Debouncer backpressure ring buffer capacity.")

	flag.Int("load.timeout_ms", 30000, "Plugin load deadline.")
	flag.Int("load.max_concurrent", 3, "Simultaneous plugin loads.")

	flag.Int("publisher.max_retries", 3, "Publisher retry ceiling before signalling backpressure.")

	flag.Int("shutdown.timeout_ms", 5000, "Global shutdown drain budget.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/autoweave-core/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// loadConfig decodes the bound flags/env/file into a typed Config.
func loadConfig() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if cfg.PluginDirectory == "" {
		return nil, fmt.Errorf("plugin_directory must be set")
	}
	return &cfg, nil
}
