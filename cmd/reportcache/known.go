package main

import (
	"fmt"
	"sort"

	"github.com/bottomline/reportcache/urlkey"
	"github.com/spf13/cobra"
)

func newKnownCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "known",
		Short: "Inspect or purge the set of known sites",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every site that has a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			bases, err := a.engine().KnownBases(cmd.Context())
			if err != nil {
				return err
			}
			sort.Strings(bases)
			for _, b := range bases {
				fmt.Fprintln(cmd.OutOrStdout(), b)
			}
			return nil
		},
	}

	purge := &cobra.Command{
		Use:   "purge URL...",
		Short: "Remove sites and their cached reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bases := make([]string, 0, len(args))
			for _, raw := range args {
				base, err := urlkey.Normalize(raw)
				if err != nil {
					return err
				}
				bases = append(bases, base)
			}
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			e := a.engine()
			for _, base := range bases {
				if err := e.Purge(cmd.Context(), base); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", base)
			}
			return nil
		},
	}

	cmd.AddCommand(list, purge)
	return cmd
}
