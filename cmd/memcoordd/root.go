package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"memcoord/internal/config"
)

// version is set at link time.
var version = "dev"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "memcoordd",
		Short:         "Hybrid host/device memory coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvPrefix+"_CONFIG"),
		"Config file (.yaml, .json or .toml); MEMCOORD_* variables override it")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newDevicesCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// loadConfig layers file, environment and defaults, then validates.
func (o *rootOptions) loadConfig() (config.Config, error) {
	var cfg config.Config
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, err
		}
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg = config.WithDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
