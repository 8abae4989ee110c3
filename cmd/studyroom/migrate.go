package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/victornm/studyroom/internal/server"
	"github.com/victornm/studyroom/internal/storage"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := storage.Open(cmd.Context(), c.Database)
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close(db) }()

			if err := storage.Migrate(cmd.Context(), db); err != nil {
				return err
			}

			slog.InfoContext(cmd.Context(), "migrate: done", "driver", c.Database.Driver)
			return nil
		},
	}
}

func rebuildRankingsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-rankings",
		Short: "Recompute every session and room leaderboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}

			s, err := server.Init(cmd.Context(), c)
			if err != nil {
				return fmt.Errorf("init server: %w", err)
			}
			defer s.Shutdown()

			return s.RebuildRankings(cmd.Context())
		},
	}
}
