package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"memcoord/internal/devices"
)

func newDevicesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the configured memory devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			devs, err := devices.Enumerate(cfg.Devices, devices.SystemMemory)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tCAPACITY\tCOMPACTION\tSHARED")
			for _, d := range devs {
				c := d.Capability()
				capacity := humanize.IBytes(d.Capacity)
				if d.Detected {
					capacity += " (detected)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\n", d.ID, d.Kind, capacity, c.Compaction, c.SharedWithHost)
			}
			return tw.Flush()
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Start the coordinator, run a sanity check and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel, cfg.LogFormat)
			mgr, err := buildManager(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer mgr.Close()
			rep := mgr.SanityCheck(cfg.ModelsDir)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
			if rep.Error != "" {
				return fmt.Errorf("sanity check: %s", rep.Error)
			}
			return nil
		},
	}
}
