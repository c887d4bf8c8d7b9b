package main

import (
	"context"
	"os"

	"github.com/bottomline/reportcache/generator"
	"github.com/bottomline/reportcache/httpapi"
	"github.com/bottomline/reportcache/telemetry"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			generator.Version, generator.Commit = Version, Commit
			ctx := cmd.Context()
			tc := cfg.Telemetry
			shutdownTracing, err := telemetry.New(ctx, log, tc.OTLPURL, tc.OTLPToken, tc.ServiceName)
			if err != nil {
				return err
			}
			defer shutdownTracing()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			o, err := a.orchestrator()
			if err != nil {
				return err
			}
			srv := httpapi.New(o, log, httpapi.WithSecureCookie(os.Getenv("ENVIRONMENT") == "production"))
			err = srv.Start(ctx, cfg.ListenAddr, cfg.ShutdownTimeout.D())

			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout.D())
			defer cancel()
			if werr := o.Wait(drainCtx); werr != nil {
				log.Warn("pending emails not sent before shutdown: %s", werr)
			}
			log.Info("stopped")
			return err
		},
	}
}
