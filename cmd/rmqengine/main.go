package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/glimte/rmqengine/config"
	"github.com/glimte/rmqengine/logging"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

// globals holds the persistent flags shared by every command
type globals struct {
	configPath string
	verbose    bool
}

// load reads the configuration and builds the logger it describes
func (g *globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.verbose {
		cfg.Log = logging.Verbose(cfg.Log)
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "rmqengine",
		Short: "Declare, publish to and consume RabbitMQ queues with bounded retry",
		Long: `rmqengine declares a retry and dead-letter queue chain for every configured
queue and runs consumers that retry failed messages before quarantining them.

Configuration is read from a YAML file and overridden by the environment:
` + config.Usage(),
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newDeclareCmd(g),
		newPublishCmd(g),
		newConsumeCmd(g),
		newConfigCmd(g),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
