package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/thoughtsearch/config"
)

// app carries the global flags and the hooks tests replace.
type app struct {
	configPath   string
	logLevel     string
	logOut       io.Writer
	newGenerator generatorFactory
}

func newApp() *app {
	return &app{
		logOut:       os.Stderr,
		newGenerator: defaultGeneratorFactory,
	}
}

// loadConfig loads the config file and applies flag overrides.
func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return cfg, err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	return cfg, nil
}

// runtime loads config and builds a runtime from it.
func (a *app) runtime(ctx context.Context) (*runtime, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	return newRuntime(ctx, cfg, a.logOut, a.newGenerator)
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "thoughtsearch",
		Short: "Monte-Carlo tree-of-thought reasoning",
		Long: `thoughtsearch answers a question by searching over chains of reasoning
steps. Each round selects a branch by UCT, expands it with new rollouts from
a step model and scores the new leaves with masked consistency checks.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "thoughtsearch.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newSearchCmd(a),
		newResumeCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
	)
	return rootCmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), cfg)
		},
	}
}

func requireRounds(rounds int) error {
	if rounds < 0 {
		return fmt.Errorf("--rounds must be non-negative, got %d", rounds)
	}
	return nil
}
