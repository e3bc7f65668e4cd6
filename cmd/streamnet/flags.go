package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	NodeID          string
	Workers         int
	MetricsPort     int
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("STREAMNET_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: STREAMNET_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("STREAMNET_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: STREAMNET_CONFIG)")

	fs.StringVar(&cfg.NodeID, "node", "",
		"Node id, overrides node.id (env: STREAMNET_NODE_ID)")
	fs.IntVar(&cfg.Workers, "workers", 0,
		"IO loop workers, overrides loop.workers (env: STREAMNET_LOOP_WORKERS)")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", -1,
		"Metrics and health port, 0 disables, overrides metrics.port (env: STREAMNET_METRICS_PORT)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("STREAMNET_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: STREAMNET_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("STREAMNET_LOG_FORMAT", "json"),
		"Log format: json, text (env: STREAMNET_LOG_FORMAT)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("STREAMNET_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: STREAMNET_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and channels, then exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("invalid worker count: %d", cfg.Workers)
	}
	if cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - cross-host channel transfer daemon

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run the relays of node h1
  %s --config=/etc/streamnet/node.yaml --node=h1

  # Run with debug logging
  %s --config=node.json --log-level=debug --log-format=text

  # Run from environment only
  export STREAMNET_NODE_ID=h1
  export STREAMNET_CHANNELS_FILE=/etc/streamnet/channels.yaml
  %s

  # Validate configuration and channel set only
  %s --config=node.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
