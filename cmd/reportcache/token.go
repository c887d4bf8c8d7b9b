package main

import (
	"fmt"
	"time"

	"github.com/bottomline/reportcache/redact"
	"github.com/bottomline/reportcache/token"
	"github.com/bottomline/reportcache/urlkey"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue or inspect confirmation tokens",
	}

	issue := &cobra.Command{
		Use:   "issue URL CONTACT",
		Short: "Issue a confirmation token",
		Args:  cobra.ExactArgs(2),
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
			tokens, err := (&app{cfg: cfg, logger: log}).tokens()
			if err != nil {
				return err
			}
			tok, err := tokens.Issue(key.Base, key.Variant, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	issue.Flags().String("variant", string(urlkey.Deep), "report variant (basic, deep)")

	decode := &cobra.Command{
		Use:   "decode TOKEN",
		Short: "Verify a token and print what it authorizes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tokens, err := (&app{cfg: cfg, logger: log}).tokens()
			if err != nil {
				return err
			}
			tc, err := tokens.Decode(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key\t%s\n", tc.Key())
			fmt.Fprintf(out, "contact\t%s\n", tc.Contact)
			fmt.Fprintf(out, "id\t%s\n", tc.ID)
			fmt.Fprintf(out, "issued\t%s\n", tc.IssuedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "expires\t%s\n", tc.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	secret := &cobra.Command{
		Use:   "secret",
		Short: "Generate a random signing secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			size, _ := cmd.Flags().GetInt("size")
			if size < token.MinSecretSize {
				return errors.Newf("size must be at least %d", token.MinSecretSize)
			}
			s, err := redact.RandomSecret(size)
			if err != nil {
				return errors.Wrap(err, "generate secret")
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
	secret.Flags().Int("size", 48, "secret length in characters")

	cmd.AddCommand(issue, decode, secret)
	return cmd
}
