package main

import (
	"fmt"

	"github.com/bottomline/reportcache/urlkey"
	"github.com/spf13/cobra"
)

func newNormalizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize URL...",
		Short: "Print the cache base for each URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range args {
				base, err := urlkey.Normalize(raw)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), base)
			}
			return nil
		},
	}
}
