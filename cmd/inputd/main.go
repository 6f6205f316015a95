package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/inputd/internal/api"
	"github.com/mattjoyce/inputd/internal/auth"
	"github.com/mattjoyce/inputd/internal/channel"
	"github.com/mattjoyce/inputd/internal/config"
	"github.com/mattjoyce/inputd/internal/dispatch"
	"github.com/mattjoyce/inputd/internal/events"
	"github.com/mattjoyce/inputd/internal/lock"
	"github.com/mattjoyce/inputd/internal/log"
	"github.com/mattjoyce/inputd/internal/policy"
	"github.com/mattjoyce/inputd/internal/storage"
	"github.com/mattjoyce/inputd/internal/trace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "status":
		if hasHelpFlag(args) {
			printStatusHelp()
			return 0
		}
		return runStatus(args)
	case "config":
		return runConfigNoun(args)
	case "inject":
		return runInjectNoun(args)
	case "consume":
		if hasHelpFlag(args) {
			printConsumeHelp()
			return 0
		}
		return runConsume(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: inputd version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("inputd %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`inputd - input event dispatcher

Usage:
  inputd <command> [flags]

Service:
  start             Run the dispatcher in the foreground
  status            Show config, PID lock and trace store health

Configuration:
  config check      Validate syntax, policy and integrity
  config lock       Write the .checksums manifest for the config
  config show       Print the resolved config or one node of it
  config get        Read a single value from the resolved config

Clients:
  inject key        Inject a key event through the HTTP API
  inject motion     Inject a single-pointer motion event through the HTTP API
  consume           Attach to the channel socket and print delivered events
  watch             Real-time dispatcher monitor (TUI)

General:
  version           Show version information
  help              Show this help message

Use 'inputd <command> --help' for command flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printStartHelp() {
	fmt.Println("Usage: inputd start [--config PATH]")
	fmt.Println("Run the dispatcher, channel listener and (if enabled) the HTTP API in the foreground.")
}

func printStatusHelp() {
	fmt.Println("Usage: inputd status [--config PATH] [--json]")
	fmt.Println("Show config validity, PID lock state and trace store readiness.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("inputd starting", "version", version, "config", *configPath)

	pidLock, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.PIDFile, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		tracer   dispatch.Tracer
		recorder *trace.Recorder
	)
	if cfg.Trace.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.Trace.Path)
		if err != nil {
			logger.Error("failed to open trace database", "path", cfg.Trace.Path, "error", err)
			return 1
		}
		defer db.Close()
		recorder = trace.NewRecorder(db, cfg.Trace)
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if err := recorder.Close(closeCtx); err != nil {
				logger.Warn("trace recorder close failed", "error", err)
			}
		}()
		tracer = recorder
		logger.Info("dispatch tracing enabled", "path", cfg.Trace.Path, "retention", cfg.Trace.Retention)
	}

	hub := events.NewHub(256)

	windows, err := policy.New(cfg.Policy, cfg.Dispatch, hub)
	if err != nil {
		logger.Error("failed to build window policy", "error", err)
		return 1
	}
	logger.Info("window policy loaded", "windows", len(cfg.Policy.Windows), "focused", windows.Focused())

	disp := dispatch.New(windows, cfg.Dispatch, hub, tracer)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 3+len(cfg.Channels.Builtin))

	go func() {
		if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	if cfg.Channels.Listen != "" {
		listener := channel.NewListener(cfg.Channels.Listen, cfg.Channels.PublicationSamples, disp, windows, log.WithComponent("channel"))
		if err := listener.Listen(); err != nil {
			logger.Error("failed to bind channel socket", "path", cfg.Channels.Listen, "error", err)
			return 1
		}
		go func() {
			if err := listener.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("channel listener: %w", err)
			}
		}()
	}

	for _, name := range cfg.Channels.Builtin {
		go func() {
			err := channel.ServeBuiltin(ctx, name, cfg.Channels.PublicationSamples, disp, windows, log.WithComponent("channel"))
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("builtin consumer %s: %w", name, err)
			}
		}()
	}

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
				UID:    t.UID,
				PID:    t.PID,
			})
		}

		apiConfig := api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}

		var traces api.TraceStore
		if recorder != nil {
			traces = recorder
		}
		apiServer := api.New(apiConfig, disp, windows, traces, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("inputd running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("inputd stopped")
	return 0
}
