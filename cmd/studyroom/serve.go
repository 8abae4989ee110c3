package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/studyroom/internal/server"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			s, err := server.Init(ctx, c)
			if err != nil {
				return fmt.Errorf("init server: %w", err)
			}

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(s.Start)
			eg.Go(func() error {
				<-ctx.Done()
				slog.Info("server: shutting down")
				s.Shutdown()
				return nil
			})

			return eg.Wait()
		},
	}
}
