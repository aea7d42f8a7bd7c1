package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the registration and history API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, buildOpts{})
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.serveHTTP(ctx)
			if ctx.Err() == context.Canceled {
				return nil
			}
			return err
		},
	}
}
