package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcplink/internal/config"
	"mcplink/internal/logs"
	"mcplink/internal/manager"
	"mcplink/internal/registry"
	"mcplink/internal/storage"
)

var (
	registryPath string
	dataDir      string
	logLevel     string
	logToFile    bool

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcplink",
		Short:   "mcplink - connection manager for Model Context Protocol servers",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&registryPath, "registry", "r", "", "Server registry file (default: <data-dir>/servers.json)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcplink)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Also write logs to <data-dir>/mcplink.log")

	rootCmd.AddCommand(
		serveCommand(),
		statusCommand(),
		toolsCommand(),
		callCommand(),
		serverCommand(),
		authCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func resolveDataDir() (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".mcplink"), nil
}

func buildLogger() (*zap.Logger, error) {
	dir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}
	cfg := &config.LogConfig{
		Level:         logLevel,
		EnableConsole: true,
		EnableFile:    logToFile,
		Filename:      filepath.Join(dir, "mcplink.log"),
		MaxSize:       10,
		MaxBackups:    3,
		MaxAge:        14,
		Compress:      true,
	}
	return logs.SetupLogger(cfg)
}

// buildManager assembles the logger, registry, credential store and manager.
// The returned cleanup closes the store and flushes the logger.
func buildManager() (*manager.Manager, *zap.Logger, func(), error) {
	logger, err := buildLogger()
	if err != nil {
		return nil, nil, nil, err
	}

	dir, err := resolveDataDir()
	if err != nil {
		return nil, nil, nil, err
	}
	path := registryPath
	if path == "" {
		path = filepath.Join(dir, "servers.json")
	}
	reg, err := registry.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := storage.Open(dir, logger)
	if err != nil {
		logger.Warn("credential store unavailable, tokens will not persist", zap.Error(err))
		store = nil
	}

	mgr := manager.New(reg, store, logger)
	cleanup := func() {
		if store != nil {
			store.Close()
		}
		logger.Sync()
	}
	return mgr, logger, cleanup, nil
}
