package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"locker-coordinator/config"
	"locker-coordinator/internal/log"
)

const defaultConfigPath = "./config/config.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "lockerd",
		Short:         "Locker coordination engine: coordinator, kiosk agent and tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration (default $CONFIG_PATH or "+defaultConfigPath+")")

	load := func() (*config.Config, log.Logger, error) {
		path := resolveConfigPath(configPath)
		cfg, err := config.Load(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
		logger, err := log.New(cfg.Log)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("configuration loaded", "path", path)
		return cfg, logger, nil
	}

	cmd.AddCommand(
		newCoordinatorCommand(load),
		newKioskCommand(load),
		newProvisionCommand(load),
	)
	return cmd
}

type loader func() (*config.Config, log.Logger, error)

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return defaultConfigPath
}
