// Inspection agent: pulls queued inspection work from the server and
// evaluates it inside the cluster it runs alongside.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/orbitops/inspectd/internal/agentworker"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit(ctx, os.Args[2:])
	case "run":
		err = cmdRun(ctx, os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "version":
		fmt.Printf("inspectd-agent %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: inspectd-agent <command>

Commands:
  init      Register with the server using the config's server_url
  run       Start the poll loop (registers first if needed)
  status    Show local agent status
  version   Print version information
  help      Show this help

Global flags:
  --config-dir <path>   Config directory (default /etc/inspectd)`)
}

const defaultConfigDir = "/etc/inspectd"

// parseConfigDir extracts --config-dir from args, falling back to the
// INSPECTD_AGENT_CONFIG_DIR env var and then the packaged default.
func parseConfigDir(args []string) string {
	for i := 0; i < len(args); i++ {
		if (args[i] == "--config-dir" || args[i] == "-c") && i+1 < len(args) {
			return args[i+1]
		}
	}
	if dir := strings.TrimSpace(os.Getenv("INSPECTD_AGENT_CONFIG_DIR")); dir != "" {
		return dir
	}
	return defaultConfigDir
}

func cmdInit(ctx context.Context, args []string) error {
	configDir := parseConfigDir(args)

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := agentworker.LoadConfig(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w (write %s first)", err, agentworker.ConfigPath(configDir))
	}

	fmt.Printf("Registering with %s...\n", cfg.ServerURL)
	if err := agentworker.Bootstrap(ctx, cfg, configDir, logger); err != nil {
		return err
	}
	fmt.Printf("Registered as agent %d (%s)\n", cfg.AgentID, cfg.Name)
	fmt.Printf("Config saved to %s\n", agentworker.ConfigPath(configDir))
	return nil
}

func cmdRun(ctx context.Context, args []string) error {
	configDir := parseConfigDir(args)

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := agentworker.LoadConfig(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w (run 'inspectd-agent init' first)", err)
	}
	if err := agentworker.Bootstrap(ctx, cfg, configDir, logger); err != nil {
		return err
	}

	w, err := agentworker.New(cfg, logger)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

func cmdStatus(args []string) error {
	configDir := parseConfigDir(args)
	cfg, err := agentworker.LoadConfig(configDir)
	if err != nil {
		return fmt.Errorf("not configured: %w", err)
	}
	fmt.Printf("Agent ID:   %d\n", cfg.AgentID)
	fmt.Printf("Name:       %s\n", cfg.Name)
	fmt.Printf("Server:     %s\n", cfg.ServerURL)
	if cfg.ClusterID != 0 {
		fmt.Printf("Cluster ID: %d\n", cfg.ClusterID)
	}
	return nil
}
