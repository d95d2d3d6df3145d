// Command memworker is the reference worker process. It speaks the line
// protocol on stdin/stdout and simulates VRAM for each --device.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"memcoord/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("memworker failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		devs        []string
		loadDelay   time.Duration
		unloadDelay time.Duration
		logLevel    string
	)
	cmd := &cobra.Command{
		Use:           "memworker",
		Short:         "Reference worker for the memcoord line protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lvl, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(lvl)
			// stdout carries the protocol
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

			capacities, err := parseDevices(devs)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			w := worker.New(worker.Config{Devices: capacities, LoadDelay: loadDelay, UnloadDelay: unloadDelay})
			log.Info().Int("devices", len(capacities)).Msg("memworker ready")
			return w.Serve(ctx, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringArrayVar(&devs, "device", []string{"gpu0=8GiB"}, "Simulated device as id=capacity; repeatable")
	cmd.Flags().DurationVar(&loadDelay, "load-delay", 0, "Simulated time to load a model")
	cmd.Flags().DurationVar(&unloadDelay, "unload-delay", 0, "Simulated time to unload a model")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.SetContext(context.Background())
	return cmd
}

// parseDevices turns id=capacity pairs into a capacity map.
func parseDevices(specs []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(specs))
	for _, s := range specs {
		id, size, ok := strings.Cut(s, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("device %q: want id=capacity", s)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("device %q: duplicate id", id)
		}
		n, err := units.RAMInBytes(strings.TrimSpace(size))
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", id, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("device %q: capacity must be positive", id)
		}
		out[id] = uint64(n)
	}
	return out, nil
}
