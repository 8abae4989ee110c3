// Package testutil holds helpers shared by service tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/event"
	"github.com/victornm/studyroom/internal/storage"
)

// NewDB opens a private in-memory database with every table migrated.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Driver: storage.DriverSQLite})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	require.NoError(t, storage.Migrate(ctx, db))
	return db
}

// Recorder is a Publisher that keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *Recorder) Publish(_ context.Context, e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// Names returns the names of the recorded events in publish order.
func (r *Recorder) Names() []string {
	var names []string
	for _, e := range r.Events() {
		names = append(names, e.Name())
	}
	return names
}

// Leaderboards returns the payloads of every recorded leaderboard update.
func (r *Recorder) Leaderboards() []domain.Leaderboard {
	var lbs []domain.Leaderboard
	for _, e := range r.Events() {
		if u, ok := e.(domain.EventLeaderboardUpdated); ok {
			lbs = append(lbs, u.Leaderboard)
		}
	}
	return lbs
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock { return &Clock{now: now} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
