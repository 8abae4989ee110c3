package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/studyroom/internal/api"
	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/event"
	"github.com/victornm/studyroom/internal/leaderboard"
	"github.com/victornm/studyroom/internal/notice"
	"github.com/victornm/studyroom/internal/stats"
	"github.com/victornm/studyroom/internal/testutil"
)

type fixture struct {
	env    *testutil.Env
	ls     *leaderboard.Service
	ns     *notice.Service
	router *gin.Engine
}

type option func(*fixture, *api.Config)

func withCache(f *fixture, c *api.Config) {
	c.Leaderboard = f.ls
}

func makeAPI(t *testing.T, opts ...option) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := event.NewBus()
	t.Cleanup(bus.Stop)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{env: testutil.NewEnv(t), router: gin.New()}
	f.ls = leaderboard.NewService(leaderboard.Config{EventBus: bus, Redis: rdb, Prefix: "test"})
	f.ns = notice.NewService(notice.Config{DB: f.env.DB, EventBus: bus, Now: f.env.Clock.Now})

	c := api.Config{
		Router:  f.router,
		Room:    f.env.Rooms,
		Session: f.env.Sessions,
		Notice:  f.ns,
		Stats:   stats.NewService(stats.Config{DB: f.env.DB, Now: f.env.Clock.Now}),
	}
	for _, opt := range opts {
		opt(f, &c)
	}
	api.New(c)

	return f
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w.Code
}

func TestAPI_GetSessionLeaderboard(t *testing.T) {
	tests := map[string]struct {
		opts   []option
		cache  bool
		assert func(t *testing.T, lb api.Leaderboard)
	}{
		"should read the stored rankings without a cache": {
			assert: func(t *testing.T, lb api.Leaderboard) {
				assert.Equal(t, []api.LeaderboardEntry{
					{UserID: "u2", Rank: 1, Hours: "11"},
					{UserID: "u1", Rank: 2, Hours: "6.5"},
				}, lb.Entries)
			},
		},

		"should fall back to the stored rankings on a cache miss": {
			opts: []option{withCache},
			assert: func(t *testing.T, lb api.Leaderboard) {
				assert.Len(t, lb.Entries, 2)
				assert.Equal(t, "u2", lb.Entries[0].UserID)
			},
		},

		"should prefer the cache": {
			opts:  []option{withCache},
			cache: true,
			assert: func(t *testing.T, lb api.Leaderboard) {
				assert.Equal(t, []api.LeaderboardEntry{{UserID: "cached", Rank: 1, Hours: "1"}}, lb.Entries)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := makeAPI(t, tc.opts...)
			r := f.env.Room(t, "a", "u1", "u2")
			ss := f.env.Session(t, r, "s", "u1", "u2")
			f.env.Task(t, ss, "u1", 6.5)
			f.env.Task(t, ss, "u2", 11)

			if tc.cache {
				require.NoError(t, f.ls.UpdateLeaderboard(context.Background(), domain.EventLeaderboardUpdated{
					Leaderboard: domain.Leaderboard{
						Scope:   domain.ScopeSession,
						ScopeID: ss.ID,
						Entries: []domain.LeaderboardEntry{{UserID: "cached", Rank: 1, Hours: 1}},
					},
				}))
			}

			var lb api.Leaderboard
			require.Equal(t, http.StatusOK, f.get(t, "/v1/sessions/"+ss.ID+"/leaderboard", &lb))
			assert.Equal(t, "session", lb.Scope)
			assert.Equal(t, ss.ID, lb.ScopeID)
			tc.assert(t, lb)
		})
	}
}

func TestAPI_GetRoomLeaderboard(t *testing.T) {
	f := makeAPI(t, withCache)
	r := f.env.Room(t, "a", "u1")

	var lb api.Leaderboard
	require.Equal(t, http.StatusOK, f.get(t, "/v1/rooms/"+r.ID+"/leaderboard", &lb))
	assert.Empty(t, lb.Entries)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/rooms/missing/leaderboard", nil))
}

func TestAPI_GetSessionStats(t *testing.T) {
	f := makeAPI(t)
	r := f.env.Room(t, "a", "u1")
	ss := f.env.Session(t, r, "s", "u1")
	f.env.Task(t, ss, "u1", 2)

	var st api.SessionStats
	require.Equal(t, http.StatusOK, f.get(t, "/v1/sessions/"+ss.ID+"/stats", &st))
	assert.Equal(t, "active", st.Status)
	assert.Equal(t, []string{"2024-03-10"}, st.Days)
	assert.Equal(t, []float64{2}, st.Daily)
	assert.Equal(t, 2.0, st.TotalHours)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/sessions/missing/stats", nil))
}

func TestAPI_ListNotices(t *testing.T) {
	f := makeAPI(t)
	r := f.env.Room(t, "a", "u1")

	_, err := f.ns.Post(context.Background(), notice.PostRequest{ActorID: "u1", RoomID: r.ID, Title: "exam moved"})
	require.NoError(t, err)

	var out struct {
		Notices []api.Notice `json:"notices"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/v1/rooms/"+r.ID+"/notices", &out))
	require.Len(t, out.Notices, 1)
	assert.Equal(t, "exam moved", out.Notices[0].Title)
	assert.Equal(t, notice.KindPost, out.Notices[0].Kind)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/rooms/missing/notices", nil))
}
