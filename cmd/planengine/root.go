package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tidewater-robotics/plan-engine/internal/config"
)

// newRootCmd creates the root planengine command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "planengine",
		Short:         "Plan control engine for autonomous vehicles",
		Long:          "planengine arbitrates operator plan requests and drives the vehicle\nthrough each plan maneuver by maneuver.",
		Version:       fmt.Sprintf("planengine %s (commit=%s, built=%s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (json, yaml or toml)")

	loader := func() (*config.Config, error) { return loadConfig(configPath) }

	cmd.AddCommand(
		newServeCmd(loader),
		newPlanCmd(loader),
		newStatusCmd(loader),
		newVersionCmd(),
	)

	return cmd
}

type configLoader func() (*config.Config, error)

// loadConfig resolves the config path: --config flag > PLANENGINE_CONFIG env >
// auto-discover next to the exe or in the cwd.
func loadConfig(explicit string) (*config.Config, error) {
	path := config.Resolve(explicit)
	if path == "" {
		return nil, errors.New("no config found. Place planengine.yaml next to the exe, use --config <path>, or set " + config.EnvVar)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the configured level and format.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// newVersionCmd creates the "planengine version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "planengine %s (commit=%s, built=%s)\n", version, commit, date)
			return nil
		},
	}
}
