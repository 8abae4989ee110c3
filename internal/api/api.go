package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/errors"
	"github.com/victornm/studyroom/internal/leaderboard"
	"github.com/victornm/studyroom/internal/notice"
	"github.com/victornm/studyroom/internal/room"
	"github.com/victornm/studyroom/internal/session"
	"github.com/victornm/studyroom/internal/stats"
)

type Config struct {
	Router  gin.IRouter
	Room    *room.Service
	Session *session.Service
	Notice  *notice.Service
	Stats   *stats.Service
	// Leaderboard is optional; without it leaderboards are read from the ranking tables.
	Leaderboard *leaderboard.Service
}

type API struct {
	rs  *room.Service
	ss  *session.Service
	ns  *notice.Service
	sts *stats.Service
	ls  *leaderboard.Service
}

func New(c Config) *API {
	a := &API{
		rs:  c.Room,
		ss:  c.Session,
		ns:  c.Notice,
		sts: c.Stats,
		ls:  c.Leaderboard,
	}

	v1 := c.Router.Group("/v1")
	v1.GET("/rooms/:id/leaderboard", a.GetRoomLeaderboard)
	v1.GET("/rooms/:id/notices", a.ListNotices)
	v1.GET("/sessions/:id/leaderboard", a.GetSessionLeaderboard)
	v1.GET("/sessions/:id/stats", a.GetSessionStats)

	return a
}

func (a *API) GetRoomLeaderboard(c *gin.Context) {
	id := c.Param("id")

	lb, err := a.leaderboard(c.Request.Context(), domain.ScopeRoom, id, func(ctx context.Context) ([]domain.LeaderboardEntry, error) {
		rs, err := a.rs.CurrentRankings(ctx, id)
		if err != nil {
			return nil, err
		}

		entries := make([]domain.LeaderboardEntry, 0, len(rs))
		for _, r := range rs {
			entries = append(entries, domain.LeaderboardEntry{UserID: r.UserID, Rank: r.Rank, Hours: r.TotalHours})
		}
		return entries, nil
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toLeaderboard(lb))
}

func (a *API) GetSessionLeaderboard(c *gin.Context) {
	id := c.Param("id")

	lb, err := a.leaderboard(c.Request.Context(), domain.ScopeSession, id, func(ctx context.Context) ([]domain.LeaderboardEntry, error) {
		rs, err := a.ss.CurrentRankings(ctx, id)
		if err != nil {
			return nil, err
		}

		entries := make([]domain.LeaderboardEntry, 0, len(rs))
		for _, r := range rs {
			entries = append(entries, domain.LeaderboardEntry{UserID: r.UserID, Rank: r.Rank, Hours: r.TotalHours})
		}
		return entries, nil
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toLeaderboard(lb))
}

func (a *API) GetSessionStats(c *gin.Context) {
	st, err := a.sts.SessionStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toSessionStats(st))
}

func (a *API) ListNotices(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := a.rs.GetRoom(ctx, id); err != nil {
		abort(c, err)
		return
	}

	ns, err := a.ns.List(ctx, id)
	if err != nil {
		abort(c, err)
		return
	}

	out := make([]Notice, 0, len(ns))
	for _, n := range ns {
		out = append(out, toNotice(n))
	}
	c.JSON(http.StatusOK, gin.H{"notices": out})
}

// leaderboard reads the redis copy first and falls back to the stored rankings on a miss.
func (a *API) leaderboard(ctx context.Context, scope domain.Scope, id string, stored func(context.Context) ([]domain.LeaderboardEntry, error)) (*domain.Leaderboard, error) {
	if a.ls != nil {
		lb, err := a.ls.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{Scope: scope, ScopeID: id})
		if err == nil {
			return lb, nil
		}
		if !errors.Is(err, errors.CodeNotFound) {
			slog.WarnContext(ctx, "api: leaderboard cache unavailable", "scope", scope, "id", id, "error", err)
		}
	}

	entries, err := stored(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.Leaderboard{Scope: scope, ScopeID: id, Entries: entries}, nil
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e})
}
