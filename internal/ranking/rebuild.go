package ranking

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/event"
	"github.com/victornm/studyroom/internal/storage"
)

const rebuildConcurrency = 4

// Rebuild recomputes every session and room leaderboard, each in its own transaction, and
// publishes the results to p.
func (e *Engine) Rebuild(ctx context.Context, db *gorm.DB, p event.Publisher) error {
	var sessions, rooms []string
	if err := db.WithContext(ctx).Model(&domain.Session{}).Pluck("id", &sessions).Error; err != nil {
		return fmt.Errorf("ranking: list sessions: %w", err)
	}
	if err := db.WithContext(ctx).Model(&domain.Room{}).Pluck("id", &rooms).Error; err != nil {
		return fmt.Errorf("ranking: list rooms: %w", err)
	}

	run := func(ids []string, recompute func(tx *gorm.DB, id string) (*domain.Leaderboard, error)) error {
		eg, ctx := errgroup.WithContext(ctx)
		eg.SetLimit(rebuildConcurrency)

		for _, id := range ids {
			eg.Go(func() error {
				var ev domain.EventLeaderboardUpdated
				err := storage.Tx(ctx, db, func(tx *gorm.DB) error {
					lb, err := recompute(tx, id)
					if err != nil {
						return err
					}
					ev = domain.LeaderboardUpdated(*lb)
					return nil
				})
				if err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}

				p.Publish(ctx, ev)
				return nil
			})
		}
		return eg.Wait()
	}

	if err := run(sessions, e.RecomputeSession); err != nil {
		return fmt.Errorf("ranking: rebuild sessions: %w", err)
	}
	if err := run(rooms, e.RecomputeRoom); err != nil {
		return fmt.Errorf("ranking: rebuild rooms: %w", err)
	}

	slog.InfoContext(ctx, "ranking: rebuilt leaderboards", "sessions", len(sessions), "rooms", len(rooms))
	return nil
}
