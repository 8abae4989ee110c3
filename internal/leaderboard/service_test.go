package leaderboard_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/errors"
	"github.com/victornm/studyroom/internal/event"
	"github.com/victornm/studyroom/internal/leaderboard"
)

func TestService_UpdateLeaderboard(t *testing.T) {
	s, _ := makeService(t)

	err := s.UpdateLeaderboard(context.Background(), domain.EventLeaderboardUpdated{
		Leaderboard: domain.Leaderboard{
			Scope:   domain.ScopeSession,
			ScopeID: "s1",
			Entries: []domain.LeaderboardEntry{
				{UserID: "u2", Rank: 1, Hours: 11},
				{UserID: "u1", Rank: 2, Hours: 6.5},
			},
		},
	})
	require.NoError(t, err)

	resp, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{
		Scope:   domain.ScopeSession,
		ScopeID: "s1",
	})
	require.NoError(t, err)

	want := &domain.Leaderboard{
		Scope:   domain.ScopeSession,
		ScopeID: "s1",
		Entries: []domain.LeaderboardEntry{
			{UserID: "u2", Rank: 1, Hours: 11},
			{UserID: "u1", Rank: 2, Hours: 6.5},
		},
	}
	require.Equal(t, want, resp)
}

func TestService_GetLeaderboard(t *testing.T) {
	type (
		inputs struct {
			received []domain.EventLeaderboardUpdated
			req      leaderboard.GetLeaderboardRequest
		}

		outputs struct {
			lb  *domain.Leaderboard
			err error
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should return not found when nothing was cached": {
			arrange: func() inputs {
				return inputs{req: leaderboard.GetLeaderboardRequest{Scope: domain.ScopeRoom, ScopeID: "r1"}}
			},
			assert: func(t *testing.T, out outputs) {
				require.True(t, errors.Is(out.err, errors.CodeNotFound), out.err)
			},
		},

		"should replace the previous leaderboard instead of merging": {
			arrange: func() inputs {
				return inputs{
					received: []domain.EventLeaderboardUpdated{
						{Leaderboard: domain.Leaderboard{Scope: domain.ScopeRoom, ScopeID: "r1", Entries: []domain.LeaderboardEntry{
							{UserID: "u1", Rank: 1, Hours: 9},
							{UserID: "u2", Rank: 2, Hours: 5},
						}}},
						{Leaderboard: domain.Leaderboard{Scope: domain.ScopeRoom, ScopeID: "r1", Entries: []domain.LeaderboardEntry{
							{UserID: "u2", Rank: 1, Hours: 5},
						}}},
					},
					req: leaderboard.GetLeaderboardRequest{Scope: domain.ScopeRoom, ScopeID: "r1"},
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.Equal(t, []domain.LeaderboardEntry{{UserID: "u2", Rank: 1, Hours: 5}}, out.lb.Entries)
			},
		},

		"should clear the cache on an empty leaderboard": {
			arrange: func() inputs {
				return inputs{
					received: []domain.EventLeaderboardUpdated{
						{Leaderboard: domain.Leaderboard{Scope: domain.ScopeSession, ScopeID: "s1", Entries: []domain.LeaderboardEntry{
							{UserID: "u1", Rank: 1, Hours: 1},
						}}},
						{Leaderboard: domain.Leaderboard{Scope: domain.ScopeSession, ScopeID: "s1"}},
					},
					req: leaderboard.GetLeaderboardRequest{Scope: domain.ScopeSession, ScopeID: "s1"},
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.True(t, errors.Is(out.err, errors.CodeNotFound), out.err)
			},
		},

		"should break ties by user id": {
			arrange: func() inputs {
				return inputs{
					received: []domain.EventLeaderboardUpdated{
						{Leaderboard: domain.Leaderboard{Scope: domain.ScopeSession, ScopeID: "s1", Entries: []domain.LeaderboardEntry{
							{UserID: "amy", Rank: 1, Hours: 3},
							{UserID: "zoe", Rank: 2, Hours: 3},
						}}},
					},
					req: leaderboard.GetLeaderboardRequest{Scope: domain.ScopeSession, ScopeID: "s1"},
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.Equal(t, []domain.LeaderboardEntry{
					{UserID: "amy", Rank: 1, Hours: 3},
					{UserID: "zoe", Rank: 2, Hours: 3},
				}, out.lb.Entries)
			},
		},

		"should keep session and room scopes apart": {
			arrange: func() inputs {
				return inputs{
					received: []domain.EventLeaderboardUpdated{
						{Leaderboard: domain.Leaderboard{Scope: domain.ScopeSession, ScopeID: "x", Entries: []domain.LeaderboardEntry{
							{UserID: "u1", Rank: 1, Hours: 1},
						}}},
					},
					req: leaderboard.GetLeaderboardRequest{Scope: domain.ScopeRoom, ScopeID: "x"},
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.True(t, errors.Is(out.err, errors.CodeNotFound), out.err)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			s, _ := makeService(t)

			for _, e := range in.received {
				require.NoError(t, s.UpdateLeaderboard(context.Background(), e))
			}

			lb, err := s.GetLeaderboard(context.Background(), in.req)
			tt.assert(t, outputs{lb: lb, err: err})
		})
	}
}

func TestService_SubscribesToLeaderboardUpdates(t *testing.T) {
	eb := event.NewBus()
	s, _ := makeService(t, withEventBus(eb))

	eb.Publish(context.Background(), domain.EventLeaderboardUpdated{
		Leaderboard: domain.Leaderboard{Scope: domain.ScopeRoom, ScopeID: "r1", Entries: []domain.LeaderboardEntry{
			{UserID: "u1", Rank: 1, Hours: 2},
		}},
	})
	eb.Stop()

	lb, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{Scope: domain.ScopeRoom, ScopeID: "r1"})
	require.NoError(t, err)
	require.Len(t, lb.Entries, 1)
}

func TestService_KeyLayout(t *testing.T) {
	s, mr := makeService(t, withPrefix("studyroom"))

	require.NoError(t, s.UpdateLeaderboard(context.Background(), domain.EventLeaderboardUpdated{
		Leaderboard: domain.Leaderboard{Scope: domain.ScopeSession, ScopeID: "s1", Entries: []domain.LeaderboardEntry{
			{UserID: "u1", Rank: 1, Hours: 4},
		}},
	}))

	members, err := mr.ZMembers("studyroom:{session:s1}:leaderboard")
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, members)
}

func TestService_BurstOfUpdatesEndsOnLastOne(t *testing.T) {
	eb := event.NewBus()
	s, _ := makeService(t, withEventBus(eb))

	var last domain.Leaderboard
	for i := 1; i <= 30; i++ {
		last = domain.Leaderboard{Scope: domain.ScopeSession, ScopeID: "s1", Entries: []domain.LeaderboardEntry{
			{UserID: "u1", Rank: 1, Hours: float64(i)},
		}}
		eb.Publish(context.Background(), domain.LeaderboardUpdated(last))
	}
	eb.Stop()

	lb, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{Scope: domain.ScopeSession, ScopeID: "s1"})
	require.NoError(t, err)
	require.Equal(t, &last, lb)
}

func TestService_IgnoresOlderVersions(t *testing.T) {
	s, _ := makeService(t)
	ctx := context.Background()

	older := domain.LeaderboardUpdated(domain.Leaderboard{Scope: domain.ScopeRoom, ScopeID: "r1", Entries: []domain.LeaderboardEntry{
		{UserID: "u1", Rank: 1, Hours: 2},
	}})
	newer := domain.LeaderboardUpdated(domain.Leaderboard{Scope: domain.ScopeRoom, ScopeID: "r1", Entries: []domain.LeaderboardEntry{
		{UserID: "u1", Rank: 1, Hours: 7},
		{UserID: "u2", Rank: 2, Hours: 1},
	}})
	cleared := domain.LeaderboardUpdated(domain.Leaderboard{Scope: domain.ScopeRoom, ScopeID: "r1"})
	require.Less(t, older.Version, newer.Version)

	require.NoError(t, s.UpdateLeaderboard(ctx, newer))
	require.NoError(t, s.UpdateLeaderboard(ctx, older))

	lb, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{Scope: domain.ScopeRoom, ScopeID: "r1"})
	require.NoError(t, err)
	require.Equal(t, newer.Leaderboard.Entries, lb.Entries)

	require.NoError(t, s.UpdateLeaderboard(ctx, cleared))
	require.NoError(t, s.UpdateLeaderboard(ctx, older))

	_, err = s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{Scope: domain.ScopeRoom, ScopeID: "r1"})
	require.True(t, errors.Is(err, errors.CodeNotFound), err)
}

func makeService(t *testing.T, opts ...options) (*leaderboard.Service, *miniredis.Miniredis) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")
	t.Cleanup(func() { _ = rc.Close() })

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c), rs
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}

func withPrefix(p string) options {
	return func(c *leaderboard.Config) {
		c.Prefix = p
	}
}
