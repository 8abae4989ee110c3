//go:build integration_test

package demo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/event"
	"github.com/victornm/studyroom/internal/leaderboard"
	"github.com/victornm/studyroom/internal/ranking"
	"github.com/victornm/studyroom/internal/room"
	"github.com/victornm/studyroom/internal/secret"
	"github.com/victornm/studyroom/internal/session"
	"github.com/victornm/studyroom/internal/storage"
	"github.com/victornm/studyroom/internal/task"
)

const (
	entriesPerUser = 5
	redisAddr      = "localhost:6379"
)

type services struct {
	rooms    *room.Service
	sessions *session.Service
	tasks    *task.Service
	lb       *leaderboard.Service
}

// TestConcurrentTimeEntries logs hours from several members at once and checks that the stored
// and cached leaderboards agree. It needs postgres (DATABASE_DSN) and redis on localhost.
func TestConcurrentTimeEntries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := makeServices(t)
	users := []string{"u1", "u2", "u3"}

	r, err := s.rooms.CreateRoom(ctx, room.CreateRoomRequest{AdminID: "admin", Name: "demo-" + uuid.NewString()})
	require.NoError(t, err)

	ss, err := s.sessions.CreateSession(ctx, session.CreateSessionRequest{ActorID: "admin", RoomID: r.ID, Name: "sprint"})
	require.NoError(t, err)
	_, err = s.sessions.StartSession(ctx, session.StartSessionRequest{ActorID: "admin", SessionID: ss.ID})
	require.NoError(t, err)

	tasks := make(map[string]*domain.Task)
	for _, u := range users {
		_, err := s.rooms.JoinRoom(ctx, room.JoinRoomRequest{RoomID: r.ID, UserID: u})
		require.NoError(t, err)
		_, err = s.sessions.JoinSession(ctx, session.JoinSessionRequest{SessionID: ss.ID, UserID: u})
		require.NoError(t, err)

		tasks[u], err = s.tasks.CreateTask(ctx, task.CreateTaskRequest{SessionID: ss.ID, UserID: u, Description: "revision"})
		require.NoError(t, err)
	}

	// Every member logs i hours per entry, concurrently with the others.
	var eg errgroup.Group
	for i, u := range users {
		for range entriesPerUser {
			eg.Go(func() error {
				_, err := s.tasks.AddTimeEntry(ctx, task.AddTimeEntryRequest{
					ActorID: u,
					TaskID:  tasks[u].ID,
					Hours:   float64(i + 1),
				})
				if err != nil {
					return fmt.Errorf("user %q add time entry: %w", u, err)
				}
				return nil
			})
		}
	}
	require.NoError(t, eg.Wait())

	want := []domain.LeaderboardEntry{
		{UserID: "u3", Rank: 1, Hours: 15},
		{UserID: "u2", Rank: 2, Hours: 10},
		{UserID: "u1", Rank: 3, Hours: 5},
	}

	rs, err := s.sessions.CurrentRankings(ctx, ss.ID)
	require.NoError(t, err)

	var stored []domain.LeaderboardEntry
	for _, r := range rs {
		stored = append(stored, domain.LeaderboardEntry{UserID: r.UserID, Rank: r.Rank, Hours: r.TotalHours})
	}
	require.Equal(t, want, stored)

	require.EventuallyWithT(t, func(c *assert.CollectT) {
		lb, err := s.lb.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{Scope: domain.ScopeSession, ScopeID: ss.ID})
		if !assert.NoError(c, err) {
			return
		}
		assert.Equal(c, want, lb.Entries)
	}, 5*time.Second, 100*time.Millisecond)

	t.Logf("session leaderboard:\n%s", formatLeaderboard(want))
}

func makeServices(t *testing.T) *services {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("DATABASE_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.Open(ctx, storage.Config{Driver: storage.DriverPostgres, DSN: dsn, MaxOpenConns: 10})
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(ctx, db))

	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{redisAddr}})
	require.NoError(t, rc.Ping(ctx).Err())

	bus := event.NewBus()
	t.Cleanup(func() {
		bus.Stop()
		rc.Close()
		storage.Close(db)
	})

	engine := ranking.NewEngine(nil)
	s := &services{}
	s.sessions = session.NewService(session.Config{DB: db, EventBus: bus, Ranking: engine})
	s.rooms = room.NewService(room.Config{
		DB:       db,
		EventBus: bus,
		Hasher:   secret.NewBcrypt(4),
		Ranking:  engine,
		Sessions: s.sessions,
	})
	s.tasks = task.NewService(task.Config{DB: db, EventBus: bus, Ranking: engine})
	s.lb = leaderboard.NewService(leaderboard.Config{EventBus: bus, Redis: rc, Prefix: "demo"})
	return s
}

func formatLeaderboard(entries []domain.LeaderboardEntry) string {
	var s string
	for _, e := range entries {
		s += fmt.Sprintf("%d. %s: %g\n", e.Rank, e.UserID, e.Hours)
	}
	return s
}
