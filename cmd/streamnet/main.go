// Package main runs the transfer relays of one streamnet node. It loads the
// node configuration and channel set, builds the node's sender and receiver
// relays, and drives them with the IO loop until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/config"
	"github.com/c360/streamnet/ioloop"
	"github.com/c360/streamnet/metric"
	"github.com/c360/streamnet/natsclient"
	"github.com/c360/streamnet/socket"
	"github.com/c360/streamnet/transfer"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "streamnet"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()

	natsClient, err := connectNATS(ctx, cfg, logger, metricsRegistry)
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer func() { _ = natsClient.Close(context.Background()) }()
	}

	set, err := loadChannels(ctx, cfg, natsClient)
	if err != nil {
		return err
	}

	node, err := buildNode(cfg, set, logger, metricsRegistry)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid",
			"node", cfg.Node.ID,
			"channels", len(set.Channels()),
			"peers", set.Peers(cfg.Node.ID))
		return nil
	}

	loop, err := startLoop(ctx, cfg, node, natsClient, logger, metricsRegistry)
	if err != nil {
		return err
	}

	var server *metric.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Port > 0 {
		server = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry, loop.Health)
		if err := server.Start(); err != nil {
			_ = loop.Close()
			return fmt.Errorf("start metrics server: %w", err)
		}
		slog.Info("Metrics server listening", "addr", server.Address(), "path", cfg.Metrics.Path)
	}

	slog.Info("streamnet node running", "node", cfg.Node.ID, "workers", cfg.Loop.Workers)
	<-ctx.Done()
	slog.Info("Received shutdown signal")

	return shutdown(loop, server, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return nil, nil, true, nil
	}
	if err != nil {
		return nil, nil, true, err
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting streamnet",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads the config layers and applies flag overrides.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.NodeID != "" {
		cfg.Node.ID = cliCfg.NodeID
	}
	if cliCfg.Workers > 0 {
		cfg.Loop.Workers = cliCfg.Workers
	}
	if cliCfg.MetricsPort == 0 {
		cfg.Metrics.Enabled = false
	} else if cliCfg.MetricsPort > 0 {
		cfg.Metrics.Port = cliCfg.MetricsPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// connectNATS connects when NATS is configured. It returns nil otherwise.
func connectNATS(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
) (*natsclient.Client, error) {
	if len(cfg.NATS.URLs) == 0 {
		return nil, nil
	}

	name := cfg.NATS.Name
	if name == "" {
		name = appName + "-" + cfg.Node.ID
	}
	opts := []natsclient.ClientOption{
		natsclient.WithName(name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.D()),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(metricsRegistry),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// loadChannels resolves the channel set, reading the KV bucket when one is
// configured.
func loadChannels(ctx context.Context, cfg *config.Config, client *natsclient.Client) (*channel.Set, error) {
	var source config.ChannelLoader
	if client != nil && cfg.NATS.ChannelsBucket != "" {
		kv, err := client.KeyValue(ctx, cfg.NATS.ChannelsBucket)
		if err != nil {
			return nil, fmt.Errorf("open channels bucket: %w", err)
		}
		source = channel.NewKVSource(kv)
	}

	set, err := cfg.ResolveChannels(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	slog.Info("Channel set loaded", "local", len(set.Local), "remote", len(set.Remote))
	return set, nil
}

func buildNode(
	cfg *config.Config,
	set *channel.Set,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
) (*transfer.Node, error) {
	relayCfg, err := cfg.RelayOptions()
	if err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	node, err := transfer.NewNode(cfg.Node.ID, set, relayCfg,
		transfer.WithLogger(logger),
		transfer.WithMetrics(metricsRegistry))
	if err != nil {
		return nil, fmt.Errorf("build node %s: %w", cfg.Node.ID, err)
	}
	if len(node.Relays()) == 0 {
		return nil, fmt.Errorf("node %s has no cross-host channels", cfg.Node.ID)
	}
	return node, nil
}

func startLoop(
	ctx context.Context,
	cfg *config.Config,
	node *transfer.Node,
	client *natsclient.Client,
	logger *slog.Logger,
	metricsRegistry *metric.MetricsRegistry,
) (*ioloop.Loop, error) {
	nc := natsConn(client)
	if channel.Scheme(cfg.Network.RemoteScheme) == channel.SchemeNATS && nc == nil {
		return nil, fmt.Errorf("remote scheme nats needs a NATS connection")
	}

	core := metricsRegistry.CoreMetrics()
	factory := socket.NewFactory(cfg.SocketOptions(nc, logger))
	reg := socket.NewRegistry(factory, socket.WithLogger(logger), socket.WithMetrics(core))
	loop := ioloop.New(reg, cfg.LoopOptions(),
		ioloop.WithLogger(logger.With("component", "ioloop")),
		ioloop.WithMetrics(core))

	for _, r := range node.Relays() {
		if err := loop.Register(r); err != nil {
			_ = loop.Close()
			return nil, fmt.Errorf("register %s: %w", r.Name(), err)
		}
	}
	if err := loop.Start(ctx, cfg.Loop.Workers); err != nil {
		_ = loop.Close()
		return nil, fmt.Errorf("start loop: %w", err)
	}

	go func() {
		if err := loop.WaitConnected(ctx); err != nil {
			slog.Warn("Peers not connected yet", "error", err)
			return
		}
		slog.Info("All peers connected")
	}()
	return loop, nil
}

func natsConn(client *natsclient.Client) *nats.Conn {
	if client == nil {
		return nil
	}
	return client.Conn()
}

// shutdown stops the loop and the metrics server within timeout.
func shutdown(loop *ioloop.Loop, server *metric.Server, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- loop.Close() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("loop did not stop within %s", timeout)
	}

	if server != nil {
		if serr := server.Stop(timeout); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("streamnet shutdown complete")
	return nil
}
