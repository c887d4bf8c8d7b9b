package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bottomline/reportcache/config"
	"github.com/bottomline/reportcache/env"
	"github.com/bottomline/reportcache/logger"
	"github.com/bottomline/reportcache/sys"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "reportcache",
		Short:         "Cache and confirmation front for expensive report generation",
		Version:       Version + " (" + Commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "log format (json, console)")

	root.AddCommand(
		newServeCommand(),
		newNormalizeCommand(),
		newClassifyCommand(),
		newTokenCommand(),
		newKnownCommand(),
	)
	return root
}

// loadConfig reads the dotenv file, the config file and the environment and
// builds the logger they select.
func loadConfig(cmd *cobra.Command) (config.Config, logger.Logger, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := env.Load(envFile); err != nil {
			return config.Config{}, nil, err
		}
	}
	cfg, err := config.Load(env.FlagOrEnv(cmd, "config", "REPORTCACHE_CONFIG", ""))
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, env.NewLogger(cmd, cfg.LogFormat, cfg.LogLevel), nil
}

func main() {
	ctx, cancel := sys.ShutdownContext(context.Background())
	err := newRootCommand().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
