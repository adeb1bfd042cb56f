// Command autoninja runs the agent build pipeline, either as an HTTP service
// or as a one-shot run from the command line.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/McKhanster/autoninja-sub001/config"
)

var (
	configPath string
	debug      bool
	serverURL  string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "autoninja",
	Short: "Rate-limited multi-stage agent build pipeline",
	Long: `autoninja drives a request through the requirements, code, architecture,
validation and deployment stages. Every call to the model endpoint is spaced
by a shared rate limiter and recorded in the audit log.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logs")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "autoninja server URL (status and trail)")
	rootCmd.AddCommand(serveCmd, runCmd, statusCmd, trailCmd)
}

// loadConfig loads the configuration and returns a context carrying the
// clue logger it configures.
func loadConfig(ctx context.Context) (context.Context, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return ctx, nil, err
	}
	if debug {
		cfg.Log.Debug = true
	}
	return logContext(ctx, cfg.Log), cfg, nil
}

func logContext(ctx context.Context, cfg config.LogConfig) context.Context {
	format := log.FormatJSON
	if cfg.Format == "terminal" || (cfg.Format == "" && log.IsTerminal()) {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
