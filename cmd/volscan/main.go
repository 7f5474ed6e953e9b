package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"volscan/internal/config"
)

type globalFlags struct {
	configPath string
	logLevel   string
	workers    int
	noFastPath bool
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "volscan",
		Short:         "Inventory a volume or folder tree by size",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "config.yaml", "Config file path")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (overrides config)")
	root.PersistentFlags().IntVarP(&g.workers, "workers", "w", -1, "Number of hash workers (overrides config)")
	root.PersistentFlags().BoolVar(&g.noFastPath, "no-fast-path", false, "Never read the NTFS master file table")

	root.AddCommand(
		newScanCmd(&g),
		newTopCmd(&g),
		newDupesCmd(&g),
		newDiffCmd(&g),
		newVerifyCmd(&g),
		newCacheCmd(&g),
	)
	return root
}

// setup loads the config, applies flag overrides and builds the logger.
func (g *globalFlags) setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(g.configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.workers >= 0 {
		cfg.HashWorkers = g.workers
	}
	if g.noFastPath {
		cfg.FastPath = false
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().
		Timestamp().
		Logger(), nil
}

// exitError carries a process exit code without printing anything.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return
	}
	var e exitError
	if errors.As(err, &e) {
		stop()
		os.Exit(e.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	stop()
	os.Exit(1)
}
