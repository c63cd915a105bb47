package main

import (
	"errors"
	"expvar"
	"io"
	stlog "log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"runtime"

	"tabflow"
)

// App version (set via linker flags -ldflags="-X main.appVersion=...")
var appVersion = "dev"

func main() {
	// Setup logging destination before initializing slog
	logFile, err := os.OpenFile("tabflow-server.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		stlog.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	// Basic stderr logger until the final level is determined.
	tempLogger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, logFile), &slog.HandlerOptions{Level: slog.LevelInfo}))

	// This loads configuration internally.
	completer, initErr := tabflow.NewCompleter(tempLogger)
	if initErr != nil {
		tempLogger.Error("Failed to initialize Completer service", "error", initErr)
		// Exit on fatal init errors, but allow config warnings to proceed
		if !errors.Is(initErr, tabflow.ErrConfig) {
			os.Exit(1)
		}
		if completer == nil {
			tempLogger.Error("Completer initialization returned nil unexpectedly, exiting.")
			os.Exit(1)
		}
	}
	defer func() {
		slog.Info("Closing Completer service...")
		if err := completer.Close(); err != nil {
			slog.Error("Error closing completer", "error", err)
		}
	}()

	// Final global logger from the loaded config.
	initialConfig := completer.GetCurrentConfig()
	logLevel, parseLevelErr := tabflow.ParseLogLevel(initialConfig.LogLevel)
	if parseLevelErr != nil {
		logLevel = slog.LevelInfo
		tempLogger.Warn("Invalid log level in config, using default 'info'", "config_level", initialConfig.LogLevel, "error", parseLevelErr)
	}
	logWriter := io.MultiWriter(os.Stderr, logFile)
	handlerOpts := slog.HandlerOptions{Level: logLevel, AddSource: true}
	handler := slog.NewTextHandler(logWriter, &handlerOpts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("tabflow server starting...", "version", appVersion, "log_level", logLevel.String())
	if initErr != nil && errors.Is(initErr, tabflow.ErrConfig) {
		slog.Warn("Completer initialized with configuration warnings", "error", initErr)
	}

	// Hot-reload configuration from the primary config file.
	primaryPath, _, pathErr := tabflow.GetConfigPaths(logger)
	if pathErr == nil && primaryPath != "" {
		watcher, watchErr := tabflow.WatchConfig(primaryPath, completer.UpdateConfig, logger)
		if watchErr != nil {
			slog.Warn("Config hot reload disabled", "path", primaryPath, "error", watchErr)
		} else {
			defer watcher.Close()
			slog.Info("Watching config file for changes", "path", primaryPath)
		}
	}

	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)
	slog.Info("Enabled block and mutex profiling")
	startDebugServer()

	rpcServer := tabflow.NewServer(completer, logger, appVersion)

	// Blocks until shutdown.
	rpcServer.Run(os.Stdin, os.Stdout)

	slog.Info("RPC server has shut down gracefully.")
}

// startDebugServer starts the HTTP server for pprof and expvar.
func startDebugServer() {
	debugListenAddr := "localhost:6061"
	go func() {
		slog.Info("Starting debug server for pprof/expvar", "addr", debugListenAddr)
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/cmdline", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/profile", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/symbol", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/pprof/trace", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
		if err := http.ListenAndServe(debugListenAddr, debugMux); err != nil {
			slog.Error("Debug server failed", "error", err)
		}
	}()
}
