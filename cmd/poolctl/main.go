// poolctl manages a pool of MCP stdio servers from the command line.
//
// Usage:
//
//	# List every tool across configured servers
//	poolctl -config servers.json tools
//
//	# Call a tool with JSON arguments
//	poolctl -config servers.json call myserver echo '{"text":"hi"}'
//
//	# Show per-server status
//	poolctl -config servers.json status
//
//	# Start everything, watch the config file, run until interrupted
//	poolctl -config servers.json serve
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/jg-phare/toolpool/pkg/pool"
)

func main() {
	configPath := flag.String("config", "servers.json", "Path to the server configuration file (JSON or YAML)")
	statePath := flag.String("state", "", "Path to the runtime-state file (empty for in-memory state)")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	var store pool.StateStore = pool.NewMemStateStore()
	if *statePath != "" {
		store = pool.NewFileStateStore(*statePath)
	}

	manager, err := pool.NewManagerFromFile(*configPath, store, pool.WithManagerLogger(logger))
	if err != nil {
		logger.Fatal("failed to load config", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		logger.Warn("some servers failed to start", "err", err)
	}
	defer manager.StopAll()

	switch flag.Arg(0) {
	case "tools":
		printJSON(manager.GetAllTools(ctx))

	case "call":
		if flag.NArg() < 3 {
			logger.Fatal("usage: poolctl call <server> <tool> [json-args]")
		}
		args := map[string]any{}
		if flag.NArg() > 3 {
			if err := json.Unmarshal([]byte(flag.Arg(3)), &args); err != nil {
				logger.Fatal("invalid tool arguments", "err", err)
			}
		}
		result, err := manager.CallTool(ctx, flag.Arg(1), flag.Arg(2), args)
		if err != nil {
			logger.Fatal("tool call failed", "err", err)
		}
		printJSON(result)

	case "status":
		// Populate tool lists and notes before reporting.
		manager.GetAllTools(ctx)
		printJSON(manager.Status())

	case "serve":
		watcher := pool.NewConfigWatcher(manager, *configPath, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Error("config watcher unavailable", "err", err)
		} else {
			defer watcher.Stop()
		}
		logger.Info("pool running, press Ctrl-C to stop")
		<-ctx.Done()

	default:
		fmt.Fprintln(os.Stderr, "usage: poolctl [-config path] [-state path] tools|call|status|serve")
		os.Exit(2)
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
