package api

import (
	"strconv"
	"time"

	"github.com/victornm/studyroom/internal/domain"
	"github.com/victornm/studyroom/internal/stats"
)

type (
	Leaderboard struct {
		Scope   string             `json:"scope"`
		ScopeID string             `json:"scope_id"`
		Entries []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		UserID string `json:"user_id"`
		Rank   int    `json:"rank"`
		Hours  string `json:"hours"`
	}

	Notice struct {
		ID        string    `json:"id"`
		Kind      string    `json:"kind"`
		AuthorID  string    `json:"author_id,omitempty"`
		ActorID   string    `json:"actor_id,omitempty"`
		SessionID string    `json:"session_id,omitempty"`
		UserID    string    `json:"user_id,omitempty"`
		TaskID    string    `json:"task_id,omitempty"`
		Title     string    `json:"title"`
		Content   string    `json:"content,omitempty"`
		Pinned    bool      `json:"pinned"`
		CreatedAt time.Time `json:"created_at"`
	}

	SessionStats struct {
		Name           string             `json:"name"`
		Status         string             `json:"status"`
		StartedAt      *time.Time         `json:"started_at,omitempty"`
		FinishedAt     *time.Time         `json:"finished_at,omitempty"`
		Members        int                `json:"members"`
		TotalHours     float64            `json:"total_hours"`
		OpenTasks      int                `json:"open_tasks"`
		TotalTasks     int                `json:"total_tasks"`
		Days           []string           `json:"days"`
		Daily          []float64          `json:"daily_hours"`
		Cumulative     []float64          `json:"cumulative_hours"`
		TopTasks       []TaskHours        `json:"top_tasks"`
		Performers     []LeaderboardEntry `json:"performers"`
		OthersHours    float64            `json:"others_hours"`
		Timelines      []Timeline         `json:"timelines"`
		AvgDailyHours  float64            `json:"avg_daily_hours"`
		BestDay        string             `json:"best_day"`
		CompletionRate int                `json:"completion_rate"`
		LongestStreak  int                `json:"longest_streak"`
		CompletedTasks int                `json:"completed_tasks"`
	}

	TaskHours struct {
		TaskID string  `json:"task_id"`
		Label  string  `json:"label"`
		UserID string  `json:"user_id"`
		Hours  float64 `json:"hours"`
	}

	Timeline struct {
		UserID     string    `json:"user_id"`
		Daily      []float64 `json:"daily_hours"`
		Cumulative []float64 `json:"cumulative_hours"`
	}
)

func formatHours(h float64) string {
	return strconv.FormatFloat(h, 'f', -1, 64)
}

func toLeaderboard(lb *domain.Leaderboard) Leaderboard {
	out := Leaderboard{
		Scope:   string(lb.Scope),
		ScopeID: lb.ScopeID,
		Entries: make([]LeaderboardEntry, 0, len(lb.Entries)),
	}

	for _, e := range lb.Entries {
		out.Entries = append(out.Entries, LeaderboardEntry{
			UserID: e.UserID,
			Rank:   e.Rank,
			Hours:  formatHours(e.Hours),
		})
	}
	return out
}

func toNotice(n domain.Notice) Notice {
	return Notice{
		ID:        n.ID,
		Kind:      n.Kind,
		AuthorID:  n.AuthorID,
		ActorID:   n.ActorID,
		SessionID: n.SessionID,
		UserID:    n.UserID,
		TaskID:    n.TaskID,
		Title:     n.Title,
		Content:   n.Content,
		Pinned:    n.Pinned,
		CreatedAt: n.CreatedAt,
	}
}

func toSessionStats(st *stats.SessionStats) SessionStats {
	out := SessionStats{
		Name:           st.Basic.Name,
		Status:         st.Basic.State.String(),
		StartedAt:      st.Basic.StartedAt,
		FinishedAt:     st.Basic.FinishedAt,
		Members:        st.Basic.Members,
		TotalHours:     st.Basic.TotalHours,
		OpenTasks:      st.Basic.OpenTasks,
		TotalTasks:     st.Basic.TotalTasks,
		Days:           make([]string, 0, len(st.Days)),
		Daily:          st.Daily,
		Cumulative:     st.Cumulative,
		TopTasks:       make([]TaskHours, 0, len(st.TopTasks)),
		Performers:     make([]LeaderboardEntry, 0, len(st.Performers)),
		OthersHours:    st.OthersHours,
		Timelines:      make([]Timeline, 0, len(st.Timelines)),
		AvgDailyHours:  st.Summary.AvgDailyHours,
		BestDay:        st.Summary.BestDay,
		CompletionRate: st.Summary.CompletionRate,
		LongestStreak:  st.Summary.LongestStreak,
		CompletedTasks: st.Summary.CompletedTasks,
	}

	for _, d := range st.Days {
		out.Days = append(out.Days, d.Format(time.DateOnly))
	}
	for _, t := range st.TopTasks {
		out.TopTasks = append(out.TopTasks, TaskHours(t))
	}
	for _, p := range st.Performers {
		out.Performers = append(out.Performers, LeaderboardEntry{UserID: p.UserID, Rank: p.Rank, Hours: formatHours(p.TotalHours)})
	}
	for _, tl := range st.Timelines {
		out.Timelines = append(out.Timelines, Timeline(tl))
	}
	return out
}
