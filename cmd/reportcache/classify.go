package main

import (
	"fmt"
	"time"

	"github.com/bottomline/reportcache/cache"
	"github.com/bottomline/reportcache/urlkey"
	"github.com/spf13/cobra"
)

func newClassifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify URL",
		Short: "Show whether a report is cached, the site is known, or both are unseen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variant, _ := cmd.Flags().GetString("variant")
			key, err := urlkey.NewKey(args[0], variant)
			if err != nil {
				return err
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

			c, err := a.engine().Classify(cmd.Context(), key)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\t%s\n", key, c.Status)
			if c.Status == cache.Fresh {
				fmt.Fprintf(out, "created\t%s\n", c.Record.CreatedAt.Format(time.RFC3339))
				if show, _ := cmd.Flags().GetBool("output"); show {
					fmt.Fprintln(out, c.Output())
				}
			}
			return nil
		},
	}
	cmd.Flags().String("variant", string(urlkey.Basic), "report variant (basic, deep)")
	cmd.Flags().Bool("output", false, "print the cached report")
	return cmd
}
